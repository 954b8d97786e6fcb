// Package compiler implements the compile job consumer and the per-job
// compile pipeline.
package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/narvanalabs/texhub-worker/internal/logs"
	"github.com/narvanalabs/texhub-worker/internal/models"
	applog "github.com/narvanalabs/texhub-worker/pkg/logger"
)

// StatusReporter transitions job status in the ledger. *texhub.Client
// satisfies it.
type StatusReporter interface {
	ReportStatus(ctx context.Context, status models.JobStatus, id int64, result models.CompileResult) (bool, error)
}

// LogFollower republishes a job's log while it is written. *logs.Follower
// satisfies it.
type LogFollower interface {
	Follow(ctx context.Context, job *models.CompileJob, logPath string) error
}

// PipelineConfig holds the collaborators of a Pipeline.
type PipelineConfig struct {
	BaseDir      string
	Materializer Materializer
	Compiler     Compiler
	Uploader     Uploader
	Reporter     StatusReporter
	// Follower is optional; without it logs are only written to disk.
	Follower LogFollower
	// DrainTimeout bounds how long the pipeline waits for the log follower
	// after the end marker was written. Zero means ten seconds.
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Pipeline runs compile jobs end to end.
type Pipeline struct {
	cfg    PipelineConfig
	logger *slog.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &Pipeline{cfg: cfg, logger: logger.With("component", "pipeline")}
}

// Run compiles job and returns its result. Path resolution, workspace reset,
// materialization and compilation are fail-fast; the artifact, the status
// report and the end marker are best effort and always attempted, so every
// run ends with exactly one report and one end marker.
func (p *Pipeline) Run(ctx context.Context, job *models.CompileJob) models.CompileResult {
	logger := p.jobLogger(ctx, job)
	ws := ResolveWorkspace(p.cfg.BaseDir, job)
	start := time.Now()

	// Finalization must happen even when the worker is shutting down.
	finalCtx := context.WithoutCancel(ctx)

	followCtx, stopFollow := context.WithCancel(finalCtx)
	defer stopFollow()
	var followers errgroup.Group

	result, err := p.prepare(job, ws)
	if err == nil {
		if p.cfg.Follower != nil {
			followers.Go(func() error {
				if err := p.cfg.Follower.Follow(followCtx, job, ws.LogPath); err != nil {
					logger.Warn("log follower stopped early", "error", err)
				}
				return nil
			})
		}
		result, err = p.build(ctx, job, ws, logger)
	}
	if err != nil {
		logger.Error("compile job failed", "compile_dir", ws.Dir, "error", err)
		p.appendFailure(job, ws, err, logger)
	} else {
		publishArtifact(finalCtx, p.cfg.Uploader, job, ws, logger)
	}

	p.report(finalCtx, job, result, logger)

	if err := logs.WriteSentinel(ws.LogPath); err != nil {
		logger.Error("writing log end marker failed", "path", ws.LogPath, "error", err)
	}

	p.waitFollower(&followers, stopFollow, logger)

	logger.Info("compile job finished",
		"result", result.String(),
		"duration", time.Since(start),
	)
	return result
}

// jobLogger scopes the pipeline logger to job, picking up the worker and
// queue ids the worker put into ctx.
func (p *Pipeline) jobLogger(ctx context.Context, job *models.CompileJob) *slog.Logger {
	l := (&applog.Logger{Logger: p.logger}).WithContext(ctx)
	if applog.QueueIDFromContext(ctx) != job.QueueID {
		return l.WithJob(job.QueueID, job.ProjectID).Logger
	}
	return l.With("project_id", job.ProjectID)
}

// prepare recreates the compile directory empty, so nothing from an earlier
// run of the project survives, and creates the job log. ws.Dir is always
// <base>/<YYYY>/<MM>/<project_id>; ParseCompileJob rejects project ids that
// are not a single path component.
func (p *Pipeline) prepare(job *models.CompileJob, ws Workspace) (models.CompileResult, error) {
	if err := os.RemoveAll(ws.Dir); err != nil {
		return models.CompileResultFailure, &StepError{Step: StepResolve, QueueID: job.QueueID, Path: ws.Dir, Err: err}
	}
	if err := os.MkdirAll(ws.Dir, 0o755); err != nil {
		return models.CompileResultFailure, &StepError{Step: StepResolve, QueueID: job.QueueID, Path: ws.Dir, Err: err}
	}
	if err := os.WriteFile(ws.LogPath, nil, 0o644); err != nil {
		return models.CompileResultFailure, &StepError{Step: StepPrepareLog, QueueID: job.QueueID, Path: ws.LogPath, Err: err}
	}
	return models.CompileResultUnknown, nil
}

// build materializes the sources and runs the compiler.
func (p *Pipeline) build(ctx context.Context, job *models.CompileJob, ws Workspace, logger *slog.Logger) (models.CompileResult, error) {
	if err := p.cfg.Materializer.Materialize(ctx, job, ws.Dir); err != nil {
		return models.CompileResultFailure, &StepError{Step: StepMaterialize, QueueID: job.QueueID, Path: ws.Dir, Err: err}
	}

	run, err := p.cfg.Compiler.Compile(ctx, ws.Dir, job.SourceBaseName(), ws.LogPath)
	if err != nil {
		return models.CompileResultFailure, &StepError{Step: StepCompile, QueueID: job.QueueID, Path: job.SourceFilePath, Err: err}
	}
	logger.Info("compiler finished", "duration", run.Duration)

	return models.CompileResultSuccess, nil
}

// appendFailure writes the diagnostics of a failed step into the job log.
func (p *Pipeline) appendFailure(job *models.CompileJob, ws Workspace, err error, logger *slog.Logger) {
	f, openErr := os.OpenFile(ws.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if openErr != nil {
		logger.Error("opening log for failure report failed", "path", ws.LogPath, "error", openErr)
		return
	}
	defer f.Close()

	var ce *CompileError
	if stepErr, ok := AsStepError(err); ok && stepErr.Step == StepCompile && asCompileError(stepErr.Err, &ce) {
		if keys := KeyErrors(ce.Stdout + "\n" + ce.Stderr); len(keys) > 0 {
			logger.Error("compiler key errors", "lines", keys)
		}
		if err := WriteFailureReport(f, job, ce); err != nil {
			logger.Error("writing failure report failed", "path", ws.LogPath, "error", err)
		}
		return
	}

	if _, err := fmt.Fprintf(f, "\n==== COMPILATION FAILED ====\n%v\n==== END COMPILATION ERROR ====\n", err); err != nil {
		logger.Error("writing failure note failed", "path", ws.LogPath, "error", err)
	}
}

func (p *Pipeline) report(ctx context.Context, job *models.CompileJob, result models.CompileResult, logger *slog.Logger) {
	if p.cfg.Reporter == nil {
		return
	}
	ok, err := p.cfg.Reporter.ReportStatus(ctx, models.JobStatusCompiled, job.QueueID, result)
	if err != nil {
		logger.Error("reporting compile result failed", "result", result.String(), "error", err)
		return
	}
	if !ok {
		logger.Warn("ledger rejected compile result", "result", result.String())
	}
}

// waitFollower gives the follower DrainTimeout to publish the end marker.
func (p *Pipeline) waitFollower(followers *errgroup.Group, stop context.CancelFunc, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		_ = followers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		logger.Warn("log follower did not finish in time", "timeout", p.cfg.DrainTimeout)
		stop()
		<-done
	}
}
