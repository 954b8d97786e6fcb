// Package sweeper periodically asks the ledger to flag compile jobs that
// have run past their time limit.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Expirer flags expired compile jobs. *texhub.Client satisfies it.
type Expirer interface {
	CheckExpired(ctx context.Context) error
}

// Sweeper runs the expire check on a fixed interval, independent of the
// stream consumer. A failed check is logged and retried on the next tick.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	cron     *cron.Cron
	mu       sync.Mutex
	started  bool
	runs     atomic.Int64
	failures atomic.Int64
}

// New creates a sweeper firing every interval. Intervals below one second
// are rounded up by the scheduler.
func New(expirer Expirer, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sweeper")

	s := &Sweeper{
		expirer:  expirer,
		interval: interval,
		timeout:  interval,
		logger:   logger,
	}
	s.cron = cron.New(
		cron.WithLogger(cronLogger{logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.RunOnce(context.Background())
	}))
	return s
}

// Start begins firing. It is a no-op when already started.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("expiry sweeper started", "interval", s.interval)
}

// Stop stops firing and waits for a running check, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("expiry sweeper stopped", "runs", s.runs.Load(), "failures", s.failures.Load())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one expire check.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	s.runs.Add(1)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.expirer.CheckExpired(ctx); err != nil {
		s.failures.Add(1)
		s.logger.Error("expire check failed", "error", err)
		return err
	}
	s.logger.Debug("expire check done")
	return nil
}

// Runs returns how many checks have been attempted.
func (s *Sweeper) Runs() int64 {
	return s.runs.Load()
}

// Failures returns how many checks failed.
func (s *Sweeper) Failures() int64 {
	return s.failures.Load()
}

// cronLogger adapts slog to the scheduler's logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
