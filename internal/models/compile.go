package models

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// JobStatus is the externally visible state of a compile job. The ledger is
// the system of record; the worker only ever reports forward transitions.
type JobStatus int

const (
	JobStatusQueued    JobStatus = 0
	JobStatusCompiling JobStatus = 1
	JobStatusCompiled  JobStatus = 2
	JobStatusFailed    JobStatus = 3
)

// String returns the lower-case name of the status.
func (s JobStatus) String() string {
	switch s {
	case JobStatusQueued:
		return "queued"
	case JobStatusCompiling:
		return "compiling"
	case JobStatusCompiled:
		return "compiled"
	case JobStatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// CompileResult disambiguates the terminal outcome carried with a status report.
type CompileResult int

const (
	// CompileResultUnknown is sent while the outcome is not known yet.
	CompileResultUnknown CompileResult = -1
	CompileResultSuccess CompileResult = 1
	CompileResultFailure CompileResult = 2
)

// String returns the lower-case name of the result.
func (r CompileResult) String() string {
	switch r {
	case CompileResultUnknown:
		return "unknown"
	case CompileResultSuccess:
		return "success"
	case CompileResultFailure:
		return "failure"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// CompileJob is one unit of work parsed from a job stream entry. It is
// immutable once constructed.
type CompileJob struct {
	QueueID          int64  `json:"qid"`
	ProjectID        string `json:"project_id"`
	SourceFilePath   string `json:"file_path"`
	OutputPath       string `json:"out_path"`
	VersionTag       string `json:"version_no"`
	LogFileName      string `json:"log_file_name"`
	ProjectCreatedAt int64  `json:"proj_created_time"` // unix milliseconds
	RequestedAt      int64  `json:"req_time"`          // unix milliseconds
}

// SourceBaseName returns the base name of the main source file. The compiler
// is always invoked with the base name, never the full path.
func (j *CompileJob) SourceBaseName() string {
	return path.Base(strings.ReplaceAll(j.SourceFilePath, "\\", "/"))
}

// ArtifactName returns the file name of the PDF the compiler produces.
func (j *CompileJob) ArtifactName() string {
	base := j.SourceBaseName()
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base + ".pdf"
}

// CreatedTime returns the project creation time in UTC.
func (j *CompileJob) CreatedTime() time.Time {
	return time.UnixMilli(j.ProjectCreatedAt).UTC()
}

// Version returns the archive version to request, "latest" when unpinned.
func (j *CompileJob) Version() string {
	if v := strings.TrimSpace(j.VersionTag); v != "" {
		return v
	}
	return "latest"
}
