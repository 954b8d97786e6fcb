package logs

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func readGroup(t *testing.T, client *redis.Client, ch *RedisChannel) []string {
	t.Helper()
	streams, err := client.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group:    ch.Group(),
		Consumer: "reader",
		Streams:  []string{ch.Key(), ">"},
		Count:    100,
		Block:    -1,
	}).Result()
	if err != nil {
		t.Fatalf("XReadGroup() error = %v", err)
	}
	var lines []string
	for _, s := range streams {
		for _, m := range s.Messages {
			lines = append(lines, m.Values[MessageField].(string))
		}
	}
	return lines
}

func TestStreamKey(t *testing.T) {
	if got, want := StreamKey("p1", 42), "texhub:compile:log:p1:42"; got != want {
		t.Fatalf("StreamKey() = %q, want %q", got, want)
	}
}

func TestRedisChannel_ResetAndAppend(t *testing.T) {
	client, _ := newTestRedis(t)
	ctx := context.Background()
	ch := NewRedisChannel(client, "p1", 42)

	if err := ch.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := ch.Append(ctx, []string{"This is XeTeX", "Output written on main.pdf", Sentinel}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got := readGroup(t, client, ch)
	want := []string{"This is XeTeX", "Output written on main.pdf", Sentinel}
	if len(got) != len(want) {
		t.Fatalf("read %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// **Feature: texhub-worker, Property: log channel reset is idempotent**
// Resetting the channel of the same job again drops the previous run's
// lines before the next run appends.
func TestRedisChannel_ResetClearsPreviousRun(t *testing.T) {
	client, mr := newTestRedis(t)
	ctx := context.Background()
	ch := NewRedisChannel(client, "p1", 42)

	if err := ch.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := ch.Append(ctx, []string{"old run 1", "old run 2"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Reset twice; the second must not fail on an existing group.
	for i := 0; i < 2; i++ {
		if err := ch.Reset(ctx); err != nil {
			t.Fatalf("Reset() #%d error = %v", i+1, err)
		}
	}

	entries, err := mr.Stream(ch.Key())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("stream has %d entries after reset, want 0", len(entries))
	}

	if err := ch.Append(ctx, []string{"new run"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	got := readGroup(t, client, ch)
	if len(got) != 1 || got[0] != "new run" {
		t.Fatalf("read %v, want [new run]", got)
	}
}

func TestRedisChannel_AppendEmpty(t *testing.T) {
	client, mr := newTestRedis(t)
	ch := NewRedisChannel(client, "p1", 1)
	if err := ch.Append(context.Background(), nil); err != nil {
		t.Fatalf("Append(nil) error = %v", err)
	}
	if mr.Exists(ch.Key()) {
		t.Fatal("Append(nil) should not create the stream")
	}
}

func TestRedisChannel_Unreachable(t *testing.T) {
	client, mr := newTestRedis(t)
	ch := NewRedisChannel(client, "p1", 1)
	mr.Close()

	if err := ch.Reset(context.Background()); err == nil {
		t.Fatal("Reset() expected error")
	}
	if err := ch.Append(context.Background(), []string{"x"}); err == nil {
		t.Fatal("Append() expected error")
	}
}
