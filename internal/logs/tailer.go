package logs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// State is the lifecycle state of a Tailer.
type State int32

const (
	StateIdle State = iota
	StateWatching
	StateDraining
	StateTerminated
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatching:
		return "watching"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TailerOptions configures a Tailer.
type TailerOptions struct {
	// PollInterval rereads the file even without a change notification, in
	// case an event was coalesced or lost. Zero means one second.
	PollInterval time.Duration
}

// Tailer follows a compile log file and republishes new lines onto a
// Channel until it reads the end marker.
type Tailer struct {
	path    string
	channel Channel
	poll    time.Duration
	logger  *slog.Logger

	state   atomic.Int32
	offset  int64
	partial []byte
	lines   atomic.Int64
}

// NewTailer creates a tailer for the log at path.
func NewTailer(path string, channel Channel, opts TailerOptions, logger *slog.Logger) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Tailer{
		path:    path,
		channel: channel,
		poll:    opts.PollInterval,
		logger:  logger,
	}
}

// State returns the current state.
func (t *Tailer) State() State {
	return State(t.state.Load())
}

// Published returns how many lines have been appended to the channel.
func (t *Tailer) Published() int64 {
	return t.lines.Load()
}

func (t *Tailer) setState(s State) {
	old := State(t.state.Swap(int32(s)))
	if old != s {
		t.logger.Debug("log tailer state changed", "from", old.String(), "to", s.String())
	}
}

// Run resets the channel, then follows the file until the end marker has
// been published or ctx is done. It returns nil after the end marker.
func (t *Tailer) Run(ctx context.Context) error {
	defer t.setState(StateTerminated)

	if err := t.channel.Reset(ctx); err != nil {
		t.logger.Error("resetting log channel failed", "stream_key", t.channel.Key(), "error", err)
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Error("creating log watcher failed", "path", t.path, "error", err)
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watching the directory also catches the file being created.
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		t.logger.Error("watching log directory failed", "path", t.path, "error", err)
		return fmt.Errorf("watching %s: %w", filepath.Dir(t.path), err)
	}

	if done := t.readNew(ctx); done {
		return nil
	}

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("log watcher closed")
			}
			if filepath.Clean(event.Name) != filepath.Clean(t.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if done := t.readNew(ctx); done {
				return nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("log watcher closed")
			}
			t.logger.Warn("log watcher error", "path", t.path, "error", err)

		case <-ticker.C:
			if done := t.readNew(ctx); done {
				return nil
			}
		}
	}
}

// readNew reads everything appended since the last call and publishes the
// complete lines. It reports whether the end marker was seen.
func (t *Tailer) readNew(ctx context.Context) bool {
	f, err := os.Open(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("opening log failed", "path", t.path, "error", err)
		}
		return false
	}
	defer f.Close()

	if t.State() == StateIdle {
		t.setState(StateWatching)
	}

	info, err := f.Stat()
	if err != nil {
		t.logger.Warn("stat log failed", "path", t.path, "error", err)
		return false
	}
	if info.Size() < t.offset {
		// Truncated underneath us; start over.
		t.offset = 0
		t.partial = nil
	}
	if info.Size() == t.offset {
		return false
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		t.logger.Warn("seeking log failed", "path", t.path, "offset", t.offset, "error", err)
		return false
	}
	data, err := io.ReadAll(f)
	if err != nil {
		t.logger.Warn("reading log failed", "path", t.path, "error", err)
	}
	if len(data) == 0 {
		return false
	}
	t.offset += int64(len(data))

	buf := append(t.partial, data...)
	t.partial = nil

	var lines []string
	sawEnd := false
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(buf[:i]), "\r")
		buf = buf[i+1:]
		lines = append(lines, line)
		if IsSentinel(line) {
			sawEnd = true
			break
		}
	}

	if sawEnd {
		t.setState(StateDraining)
		// Anything after the end marker is not part of this run.
		buf = nil
	}
	if len(buf) > 0 {
		t.partial = append([]byte(nil), buf...)
	}

	t.publish(ctx, lines)
	return sawEnd
}

func (t *Tailer) publish(ctx context.Context, lines []string) {
	if len(lines) == 0 {
		return
	}
	if err := t.channel.Append(ctx, lines); err != nil {
		t.logger.Error("publishing log lines failed",
			"stream_key", t.channel.Key(),
			"lines", len(lines),
			"error", err,
		)
		return
	}
	t.lines.Add(int64(len(lines)))
}
