// Package logger provides structured logging using slog for the compile worker.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// QueueIDKey is the context key for the compile queue id.
	QueueIDKey contextKey = "queue_id"
	// WorkerIDKey is the context key for the worker instance id.
	WorkerIDKey contextKey = "worker_id"
)

// Logger wraps slog.Logger with compile-specific helpers.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the specified level and format writing to stdout.
func New(level slog.Level, json bool) *Logger {
	return NewWithWriter(os.Stdout, level, json)
}

// NewWithWriter creates a new Logger writing to w.
func NewWithWriter(w io.Writer, level slog.Level, json bool) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Default creates a logger with default settings (INFO level, JSON format).
func Default() *Logger {
	return New(slog.LevelInfo, true)
}

// ParseLevel maps a textual level to a slog.Level. Unknown values map to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a new Logger with fields extracted from the context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if queueID, ok := ctx.Value(QueueIDKey).(int64); ok && queueID != 0 {
		logger = logger.With("queue_id", queueID)
	}

	if workerID, ok := ctx.Value(WorkerIDKey).(string); ok && workerID != "" {
		logger = logger.With("worker_id", workerID)
	}

	return &Logger{Logger: logger}
}

// WithComponent returns a new Logger with the component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
	}
}

// WithJob returns a new Logger scoped to one compile job.
func (l *Logger) WithJob(queueID int64, projectID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("queue_id", queueID, "project_id", projectID),
	}
}

// WithError returns a new Logger with the error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
	}
}

// ContextWithQueueID adds a queue id to the context.
func ContextWithQueueID(ctx context.Context, queueID int64) context.Context {
	return context.WithValue(ctx, QueueIDKey, queueID)
}

// ContextWithWorkerID adds a worker instance id to the context.
func ContextWithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, WorkerIDKey, workerID)
}

// QueueIDFromContext extracts the queue id from context.
func QueueIDFromContext(ctx context.Context) int64 {
	if id, ok := ctx.Value(QueueIDKey).(int64); ok {
		return id
	}
	return 0
}
