package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Stream entry field names.
const (
	FieldFilePath        = "file_path"
	FieldOutPath         = "out_path"
	FieldProjectID       = "project_id"
	FieldReqTime         = "req_time"
	FieldQueueID         = "qid"
	FieldVersionNo       = "version_no"
	FieldLogFileName     = "log_file_name"
	FieldProjCreatedTime = "proj_created_time"
)

var (
	// ErrMissingField is returned when a required stream field is absent.
	ErrMissingField = errors.New("missing stream field")
	// ErrInvalidField is returned when a stream field cannot be parsed or is unsafe.
	ErrInvalidField = errors.New("invalid stream field")
)

// ParseCompileJob builds a CompileJob from the field map of a stream entry.
// Values may be strings or byte slices, as returned by Redis clients.
func ParseCompileJob(values map[string]interface{}) (*CompileJob, error) {
	job := &CompileJob{}
	var err error

	if job.SourceFilePath, err = requiredString(values, FieldFilePath); err != nil {
		return nil, err
	}
	if job.OutputPath, err = requiredString(values, FieldOutPath); err != nil {
		return nil, err
	}
	if job.ProjectID, err = requiredString(values, FieldProjectID); err != nil {
		return nil, err
	}
	if job.VersionTag, err = requiredString(values, FieldVersionNo); err != nil {
		return nil, err
	}
	if job.LogFileName, err = requiredString(values, FieldLogFileName); err != nil {
		return nil, err
	}
	if job.QueueID, err = requiredInt64(values, FieldQueueID); err != nil {
		return nil, err
	}
	if job.RequestedAt, err = requiredInt64(values, FieldReqTime); err != nil {
		return nil, err
	}
	if job.ProjectCreatedAt, err = requiredInt64(values, FieldProjCreatedTime); err != nil {
		return nil, err
	}

	// project_id and log_file_name become path components.
	if !isSafeComponent(job.ProjectID) {
		return nil, fmt.Errorf("%w: %s=%q is not a safe path component", ErrInvalidField, FieldProjectID, job.ProjectID)
	}
	if !isSafeComponent(job.LogFileName) {
		return nil, fmt.Errorf("%w: %s=%q is not a safe path component", ErrInvalidField, FieldLogFileName, job.LogFileName)
	}
	if job.SourceFilePath == "" || job.SourceBaseName() == "." || job.SourceBaseName() == "/" {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidField, FieldFilePath)
	}

	return job, nil
}

func requiredString(values map[string]interface{}, key string) (string, error) {
	raw, ok := values[key]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("%w: %s has type %T", ErrInvalidField, key, raw)
	}
}

func requiredInt64(values map[string]interface{}, key string) (int64, error) {
	s, err := requiredString(values, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidField, key, s, err)
	}
	return n, nil
}

func isSafeComponent(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\\x00")
}

// StreamValues renders the job back into a stream field map. Used by
// producers and tests.
func (j *CompileJob) StreamValues() map[string]interface{} {
	return map[string]interface{}{
		FieldFilePath:        j.SourceFilePath,
		FieldOutPath:         j.OutputPath,
		FieldProjectID:       j.ProjectID,
		FieldReqTime:         strconv.FormatInt(j.RequestedAt, 10),
		FieldQueueID:         strconv.FormatInt(j.QueueID, 10),
		FieldVersionNo:       j.VersionTag,
		FieldLogFileName:     j.LogFileName,
		FieldProjCreatedTime: strconv.FormatInt(j.ProjectCreatedAt, 10),
	}
}
