package compiler

import (
	"errors"
	"fmt"
	"strings"
)

// Pipeline steps, used to label failures.
const (
	StepResolve     = "resolve"
	StepPrepareLog  = "prepare_log"
	StepMaterialize = "materialize"
	StepCompile     = "compile"
	StepArtifact    = "artifact"
)

// StepError is a failure of one compile pipeline step.
type StepError struct {
	// Step is the pipeline step that failed.
	Step string

	// QueueID is the compile job.
	QueueID int64

	// Path is the file or directory involved, if any.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("compile job %d: %s %s: %v", e.QueueID, e.Step, e.Path, e.Err)
	}
	return fmt.Sprintf("compile job %d: %s: %v", e.QueueID, e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// IsStepError reports whether err is or wraps a StepError.
func IsStepError(err error) bool {
	var stepErr *StepError
	return errors.As(err, &stepErr)
}

// AsStepError attempts to convert an error to a StepError.
func AsStepError(err error) (*StepError, bool) {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr, true
	}
	return nil, false
}

// CompileError is a failed run of the typesetting compiler.
type CompileError struct {
	// ExitCode is the process exit code, -1 when it was killed by a signal
	// or never started.
	ExitCode int

	// Signaled is set when the process was terminated by a signal.
	Signaled bool

	// Stdout and Stderr hold the captured output.
	Stdout string
	Stderr string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	switch {
	case e.Signaled:
		return fmt.Sprintf("compiler terminated by signal: %v", e.Err)
	case e.ExitCode >= 0:
		return fmt.Sprintf("compiler failed (exit %d)", e.ExitCode)
	default:
		return fmt.Sprintf("compiler failed: %v", e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *CompileError) Unwrap() error {
	return e.Err
}

// keyErrorPatterns mark lines worth surfacing from a failed compile.
var keyErrorPatterns = []string{
	"Error:",
	"Fatal error",
	"Undefined control sequence",
	"Missing",
	"File not found",
	"Emergency stop",
}

// KeyErrors extracts the lines of compiler output that explain a failure.
// When nothing matches, the last ten lines are returned.
func KeyErrors(output string) []string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")

	var matched []string
	for _, line := range lines {
		for _, p := range keyErrorPatterns {
			if strings.Contains(line, p) {
				matched = append(matched, line)
				break
			}
		}
	}
	if len(matched) > 0 {
		return matched
	}

	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	return lines
}

func asCompileError(err error, target **CompileError) bool {
	return errors.As(err, target)
}
