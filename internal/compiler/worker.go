package compiler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/narvanalabs/texhub-worker/internal/lock"
	"github.com/narvanalabs/texhub-worker/internal/models"
	"github.com/narvanalabs/texhub-worker/internal/queue"
	"github.com/narvanalabs/texhub-worker/pkg/logger"
)

// JobRunner executes one claimed compile job. *Pipeline satisfies it.
type JobRunner interface {
	Run(ctx context.Context, job *models.CompileJob) models.CompileResult
}

// WorkerConfig holds configuration for the compile worker.
type WorkerConfig struct {
	// Concurrency is the number of jobs compiled in parallel.
	Concurrency int
	// ClaimReportTimeout bounds the claim status report, which runs while
	// the lock is held.
	ClaimReportTimeout time.Duration
	// ErrorBackoff is the pause after a lock or stream error.
	ErrorBackoff time.Duration
}

// DefaultWorkerConfig returns a WorkerConfig with sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:        4,
		ClaimReportTimeout: 2 * time.Second,
		ErrorBackoff:       time.Second,
	}
}

// Worker consumes the compile job stream. One loop claims entries under the
// distributed lock; a fixed pool of goroutines runs the claimed jobs.
type Worker struct {
	queue    queue.Queue
	locker   lock.Locker
	reporter StatusReporter
	runner   JobRunner
	logger   *slog.Logger

	id           string
	concurrency  int
	claimTimeout time.Duration
	errorBackoff time.Duration

	slots    *semaphore.Weighted
	jobs     chan *models.CompileJob
	projects *keyedMutex
	active   atomic.Int64
	claimed  atomic.Int64

	cancel   context.CancelFunc
	stopOnce sync.Once
	loopWG   sync.WaitGroup
	poolWG   sync.WaitGroup
}

// NewWorker creates a new compile worker.
func NewWorker(cfg WorkerConfig, q queue.Queue, l lock.Locker, reporter StatusReporter, runner JobRunner, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultWorkerConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ClaimReportTimeout <= 0 {
		cfg.ClaimReportTimeout = def.ClaimReportTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}

	id := uuid.NewString()
	return &Worker{
		queue:        q,
		locker:       l,
		reporter:     reporter,
		runner:       runner,
		logger:       log.With("component", "worker", "worker_id", id),
		id:           id,
		concurrency:  cfg.Concurrency,
		claimTimeout: cfg.ClaimReportTimeout,
		errorBackoff: cfg.ErrorBackoff,
		slots:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		jobs:         make(chan *models.CompileJob, cfg.Concurrency),
		projects:     newKeyedMutex(),
	}
}

// ID returns the worker instance id.
func (w *Worker) ID() string {
	return w.id
}

// ActiveJobs returns the number of jobs currently compiling.
func (w *Worker) ActiveJobs() int64 {
	return w.active.Load()
}

// Claimed returns the number of entries claimed since start.
func (w *Worker) Claimed() int64 {
	return w.claimed.Load()
}

// Start begins consuming the stream. Claimed jobs keep running after ctx is
// canceled; use Stop to wait for them.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("starting compile worker", "concurrency", w.concurrency)

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	jobCtx := logger.ContextWithWorkerID(context.WithoutCancel(ctx), w.id)

	for i := 0; i < w.concurrency; i++ {
		w.poolWG.Add(1)
		go w.poolLoop(jobCtx, i)
	}

	w.loopWG.Add(1)
	go w.consumeLoop(loopCtx)

	return nil
}

// Stop stops claiming new entries and waits for running jobs to complete.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("stopping compile worker", "active_jobs", w.ActiveJobs())
		if w.cancel != nil {
			w.cancel()
		}
		w.loopWG.Wait()
		close(w.jobs)
		w.poolWG.Wait()
		w.logger.Info("compile worker stopped")
	})
}

// consumeLoop claims one entry per iteration while a pool slot is free.
func (w *Worker) consumeLoop(ctx context.Context) {
	defer w.loopWG.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		// Only claim what the pool can start right away.
		if err := w.slots.Acquire(ctx, 1); err != nil {
			return
		}

		job, err := w.claim(ctx)
		if err != nil || job == nil {
			w.slots.Release(1)
			if err != nil && ctx.Err() == nil {
				w.sleep(ctx, w.errorBackoff)
			}
			continue
		}

		w.jobs <- job
	}
}

// claim runs one lock → read → report → delete → release round. It returns
// a nil job when there was nothing to claim.
func (w *Worker) claim(ctx context.Context) (*models.CompileJob, error) {
	held, err := w.locker.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		if errors.Is(err, lock.ErrNotAcquired) {
			w.logger.Warn("compile lock still busy", "error", err)
		} else {
			w.logger.Error("acquiring compile lock failed", "error", err)
		}
		return nil, err
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			w.logger.Warn("releasing compile lock failed", "error", err)
		}
	}
	defer release()

	entry, err := w.queue.Read(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrNoEntries) || ctx.Err() != nil {
			return nil, nil
		}
		w.logger.Error("reading compile stream failed", "error", err)
		return nil, err
	}

	job, err := models.ParseCompileJob(entry.Values)
	if err != nil {
		// A malformed entry would be read again forever; drop it.
		w.logger.Error("dropping malformed compile entry", "entry_id", entry.ID, "error", err)
		if delErr := w.queue.Delete(ctx, entry.ID); delErr != nil && !errors.Is(delErr, queue.ErrAlreadyClaimed) {
			w.logger.Error("deleting malformed compile entry failed", "entry_id", entry.ID, "error", delErr)
		}
		return nil, nil
	}
	jobLogger := w.logger.With("queue_id", job.QueueID, "project_id", job.ProjectID, "entry_id", entry.ID)

	reportCtx, cancel := context.WithTimeout(ctx, w.claimTimeout)
	ok, err := w.reporter.ReportStatus(reportCtx, models.JobStatusCompiling, job.QueueID, models.CompileResultUnknown)
	cancel()
	switch {
	case err != nil:
		jobLogger.Error("reporting compile claim failed", "error", err)
	case !ok:
		jobLogger.Warn("ledger rejected compile claim")
	}

	if err := w.queue.Delete(ctx, entry.ID); err != nil {
		if errors.Is(err, queue.ErrAlreadyClaimed) {
			// Our lease ran out and another replica deleted and dispatched it.
			jobLogger.Warn("compile entry claimed by another consumer, skipping")
			return nil, nil
		}
		// Still in the stream: it will be claimed again on a later round.
		jobLogger.Error("deleting claimed compile entry failed", "error", err)
		return nil, err
	}

	release()
	w.claimed.Add(1)
	jobLogger.Info("compile job claimed")
	return job, nil
}

// poolLoop runs claimed jobs until the job channel is closed.
func (w *Worker) poolLoop(ctx context.Context, slot int) {
	defer w.poolWG.Done()

	for job := range w.jobs {
		w.runJob(logger.ContextWithQueueID(ctx, job.QueueID), slot, job)
		w.slots.Release(1)
	}
}

func (w *Worker) runJob(ctx context.Context, slot int, job *models.CompileJob) {
	w.active.Add(1)
	defer w.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("compile job panicked", "queue_id", job.QueueID, "slot", slot, "panic", r)
		}
	}()

	// Jobs of the same project share a compile directory.
	unlock := w.projects.Lock(job.ProjectID)
	defer unlock()

	w.runner.Run(ctx, job)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
