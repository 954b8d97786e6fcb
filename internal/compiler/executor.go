package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/narvanalabs/texhub-worker/internal/models"
)

// Compiler runs the typesetting engine for one job.
type Compiler interface {
	// Compile runs the engine on source inside dir, appending its output to
	// the log at logPath. A failed run returns a *CompileError.
	Compile(ctx context.Context, dir, source, logPath string) (*RunResult, error)
}

// RunResult describes a finished compiler run.
type RunResult struct {
	ExitCode int
	Duration time.Duration
	Stdout   string
	Stderr   string
}

// Executor runs an external TeX engine as a subprocess.
type Executor struct {
	binary string
	usePTY bool
	logger *slog.Logger
}

// NewExecutor creates an executor for the engine at binary. With usePTY the
// engine runs on a pseudo-terminal and stdout and stderr arrive combined.
func NewExecutor(binary string, usePTY bool, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if binary == "" {
		binary = "xelatex"
	}
	return &Executor{binary: binary, usePTY: usePTY, logger: logger}
}

// Args returns the engine arguments for source. Only the base name is ever
// passed; the engine runs with the compile directory as working directory.
func Args(source string) []string {
	return []string{"-interaction=nonstopmode", "-synctex=1", source}
}

// Compile implements Compiler. The engine is not tied to ctx: an in-flight
// compile always runs to completion.
func (e *Executor) Compile(ctx context.Context, dir, source, logPath string) (*RunResult, error) {
	logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening compile log %s: %w", logPath, err)
	}
	defer logFile.Close()
	lw := &lockedWriter{w: logFile}

	cmd := exec.Command(e.binary, Args(source)...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	start := time.Now()

	if e.usePTY {
		err = e.runPTY(cmd, io.MultiWriter(&stdout, lw))
	} else {
		cmd.Stdout = io.MultiWriter(&stdout, lw)
		cmd.Stderr = io.MultiWriter(&stderr, lw)
		err = cmd.Run()
	}

	result := &RunResult{
		ExitCode: 0,
		Duration: time.Since(start),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	if err != nil {
		ce := &CompileError{
			ExitCode: -1,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			ce.ExitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				ce.Signaled = true
			}
		}
		result.ExitCode = ce.ExitCode

		e.logger.Debug("compiler run failed",
			"compile_dir", dir,
			"source", source,
			"exit_code", ce.ExitCode,
			"signaled", ce.Signaled,
			"duration", result.Duration,
		)
		return result, ce
	}

	e.logger.Debug("compiler run finished",
		"compile_dir", dir,
		"source", source,
		"duration", result.Duration,
	)
	return result, nil
}

// runPTY runs cmd on a pseudo-terminal, copying everything it prints to out.
func (e *Executor) runPTY(cmd *exec.Cmd, out io.Writer) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("starting pty: %w", err)
	}
	defer ptmx.Close()

	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 200}); err != nil {
		e.logger.Debug("setting pty size failed", "error", err)
	}

	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		// Reading the master side fails with EIO once the child exits.
		_, _ = io.Copy(out, ptmx)
	}()

	err = cmd.Wait()
	<-copyDone
	return err
}

// WriteFailureReport appends the diagnostic block for a failed compile. The
// compiler output itself is already in the log; only its key error lines are
// repeated.
func WriteFailureReport(w io.Writer, job *models.CompileJob, ce *CompileError) error {
	var b strings.Builder
	b.WriteString("\n==== COMPILATION FAILED ====\n")
	fmt.Fprintf(&b, "Exit code: %d\n", ce.ExitCode)
	fmt.Fprintf(&b, "Project ID: %s\n", job.ProjectID)
	fmt.Fprintf(&b, "File path: %s\n", job.SourceFilePath)
	if ce.Signaled {
		b.WriteString("Terminated by signal\n")
	}
	if ce.ExitCode < 0 && !ce.Signaled && ce.Err != nil {
		fmt.Fprintf(&b, "Error: %v\n", ce.Err)
	}

	if keys := KeyErrors(ce.Stdout + "\n" + ce.Stderr); len(keys) > 0 {
		b.WriteString("--- KEY ERRORS ---\n")
		for _, line := range keys {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	b.WriteString("==== END COMPILATION ERROR ====\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// lockedWriter serializes writes from the stdout and stderr copiers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
