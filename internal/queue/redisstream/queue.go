// Package redisstream provides a Redis-stream-backed implementation of the
// compile job queue.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/narvanalabs/texhub-worker/internal/queue"
)

// startID reads from the oldest entry still in the stream. Consumers delete
// what they claim, so whatever remains is unclaimed work.
const startID = "0"

// StreamQueue implements queue.Queue using a Redis stream.
type StreamQueue struct {
	client *redis.Client
	key    string
	block  time.Duration
	logger *slog.Logger
}

// NewStreamQueue creates a queue reading the stream at key.
func NewStreamQueue(client *redis.Client, key string, block time.Duration, logger *slog.Logger) *StreamQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamQueue{
		client: client,
		key:    key,
		block:  block,
		logger: logger,
	}
}

// Key returns the stream key.
func (q *StreamQueue) Key() string {
	return q.key
}

// Read performs XREAD COUNT 1 BLOCK <timeout> without a consumer group.
func (q *StreamQueue) Read(ctx context.Context) (*queue.Entry, error) {
	streams, err := q.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{q.key, startID},
		Count:   1,
		Block:   q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, queue.ErrNoEntries
		}
		return nil, fmt.Errorf("reading stream %s: %w", q.key, err)
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			return &queue.Entry{ID: msg.ID, Values: msg.Values}, nil
		}
	}
	return nil, queue.ErrNoEntries
}

// Delete removes the entry with XDEL. Removing nothing means another
// consumer got there first.
func (q *StreamQueue) Delete(ctx context.Context, id string) error {
	n, err := q.client.XDel(ctx, q.key, id).Result()
	if err != nil {
		return fmt.Errorf("deleting entry %s from %s: %w", id, q.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s in %s", queue.ErrAlreadyClaimed, id, q.key)
	}
	return nil
}

// Ping checks connectivity to Redis.
func (q *StreamQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Add appends an entry with XADD. The worker never produces jobs; this is
// used by tooling and tests.
func (q *StreamQueue) Add(ctx context.Context, values map[string]interface{}) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.key,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("adding entry to %s: %w", q.key, err)
	}
	q.logger.Debug("added stream entry", "stream_key", q.key, "entry_id", id)
	return id, nil
}

// Len returns the number of entries in the stream.
func (q *StreamQueue) Len(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.key).Result()
}
