package logs

import (
	"context"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/narvanalabs/texhub-worker/internal/models"
)

// Follower starts one Tailer per compile job against the shared Redis client.
type Follower struct {
	client *redis.Client
	opts   TailerOptions
	logger *slog.Logger
}

// NewFollower creates a follower publishing through client.
func NewFollower(client *redis.Client, opts TailerOptions, logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{client: client, opts: opts, logger: logger}
}

// Follow tails the log of job at logPath until its end marker.
func (f *Follower) Follow(ctx context.Context, job *models.CompileJob, logPath string) error {
	ch := NewRedisChannel(f.client, job.ProjectID, job.QueueID)
	logger := f.logger.With("queue_id", job.QueueID, "project_id", job.ProjectID, "stream_key", ch.Key())

	t := NewTailer(logPath, ch, f.opts, logger)
	err := t.Run(ctx)
	logger.Debug("log tailer finished", "lines", t.Published(), "state", t.State().String())
	return err
}
