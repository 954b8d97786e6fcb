// Package logs streams compile logs to per-job Redis streams.
package logs

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

const (
	// MessageField is the stream field carrying one log line.
	MessageField = "msg"
	// DefaultMaxLen caps a log stream with approximate trimming.
	DefaultMaxLen = 5000
)

// StreamKey returns the log stream key of a compile job.
func StreamKey(projectID string, queueID int64) string {
	return fmt.Sprintf("texhub:compile:log:%s:%d", projectID, queueID)
}

// Channel is a per-job append-only log sequence.
type Channel interface {
	// Reset drops any previous content and recreates the consumer group so
	// a new run never mixes with an earlier one.
	Reset(ctx context.Context) error
	// Append publishes lines in order, one entry per line.
	Append(ctx context.Context, lines []string) error
	// Key identifies the channel.
	Key() string
}

// RedisChannel implements Channel on a Redis stream. Readers use a consumer
// group named after the project.
type RedisChannel struct {
	client *redis.Client
	key    string
	group  string
	maxLen int64
}

// NewRedisChannel creates the log channel of one compile job.
func NewRedisChannel(client *redis.Client, projectID string, queueID int64) *RedisChannel {
	return &RedisChannel{
		client: client,
		key:    StreamKey(projectID, queueID),
		group:  projectID,
		maxLen: DefaultMaxLen,
	}
}

// Key implements Channel.
func (c *RedisChannel) Key() string {
	return c.key
}

// Group returns the consumer group readers attach to.
func (c *RedisChannel) Group() string {
	return c.group
}

// Reset implements Channel.
func (c *RedisChannel) Reset(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("clearing log stream %s: %w", c.key, err)
	}
	err := c.client.XGroupCreateMkStream(ctx, c.key, c.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s on %s: %w", c.group, c.key, err)
	}
	return nil
}

// Append implements Channel. All lines go out in one pipeline.
func (c *RedisChannel) Append(ctx context.Context, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, line := range lines {
			p.XAdd(ctx, &redis.XAddArgs{
				Stream: c.key,
				MaxLen: c.maxLen,
				Approx: true,
				Values: map[string]interface{}{MessageField: line},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending %d lines to %s: %w", len(lines), c.key, err)
	}
	return nil
}
