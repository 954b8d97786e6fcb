// Package main provides the entry point for the compile worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/narvanalabs/texhub-worker/internal/compiler"
	"github.com/narvanalabs/texhub-worker/internal/health"
	"github.com/narvanalabs/texhub-worker/internal/lock"
	"github.com/narvanalabs/texhub-worker/internal/logs"
	"github.com/narvanalabs/texhub-worker/internal/queue/redisstream"
	"github.com/narvanalabs/texhub-worker/internal/shutdown"
	"github.com/narvanalabs/texhub-worker/internal/sweeper"
	"github.com/narvanalabs/texhub-worker/internal/texhub"
	"github.com/narvanalabs/texhub-worker/pkg/config"
	"github.com/narvanalabs/texhub-worker/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		return 1
	}

	log := logger.New(logger.ParseLevel(cfg.Log.Level), cfg.Log.Format != "text")
	slog.SetDefault(log.Logger)

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.Shutdown.Timeout),
		shutdown.WithLogger(log.WithComponent("shutdown").Logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stream and log store.
	rdb, err := newRedisClient(cfg.Redis.URL)
	if err != nil {
		log.WithError(err).Error("invalid redis url")
		return 1
	}
	coordinator.Register(shutdown.NewCloserComponent("redis", rdb))

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		// The consumer loop keeps retrying; a late Redis is not fatal.
		log.Warn("redis not reachable at startup", "error", err)
	}

	// Lock endpoints. The stream client is reused when it is the only one.
	lockClients := make([]*redis.Client, 0, len(cfg.LockEndpoints()))
	for _, u := range cfg.LockEndpoints() {
		if u == cfg.Redis.URL {
			lockClients = append(lockClients, rdb)
			continue
		}
		c, err := newRedisClient(u)
		if err != nil {
			log.WithError(err).Error("invalid lock endpoint")
			return 1
		}
		coordinator.Register(shutdown.NewCloserComponent("redis-lock", c))
		lockClients = append(lockClients, c)
	}

	locker, err := lock.NewRedisLocker(lockClients, lock.Options{
		Name:          cfg.Lock.Name,
		Lease:         cfg.Lock.Lease,
		RetryDelay:    cfg.Lock.RetryDelay,
		MaxAttempts:   cfg.Lock.MaxAttempts,
		DNSProbeAfter: cfg.Lock.DNSProbeAfter,
		ProbeHosts:    cfg.Lock.DNSProbeHosts,
	}, log.WithComponent("lock").Logger)
	if err != nil {
		log.WithError(err).Error("failed to create lock")
		return 1
	}

	q := redisstream.NewStreamQueue(rdb, cfg.Stream.Key, cfg.Stream.BlockTimeout, log.WithComponent("queue").Logger)

	client := texhub.NewClient(texhub.Options{
		BaseURL:        cfg.Texhub.APIURL,
		AccessToken:    cfg.Texhub.AccessToken,
		Timeout:        cfg.HTTP.Timeout,
		ConnectTimeout: cfg.HTTP.ConnectTimeout,
	}, log.WithComponent("texhub").Logger)

	var materializer compiler.Materializer
	switch cfg.Compile.WorkspaceSource {
	case config.WorkspaceSourceSharedFS:
		materializer = compiler.NewSharedFSMaterializer(cfg.Compile.ProjectBaseDir, log.WithComponent("materializer").Logger)
	default:
		materializer = compiler.NewArchiveMaterializer(client, cfg.Compile.DownloadDir, log.WithComponent("materializer").Logger)
	}

	pipeline := compiler.NewPipeline(compiler.PipelineConfig{
		BaseDir:      cfg.Compile.BaseDir,
		Materializer: materializer,
		Compiler:     compiler.NewExecutor(cfg.Compile.Compiler, cfg.Compile.UsePTY, log.WithComponent("executor").Logger),
		Uploader:     client,
		Reporter:     client,
		Follower:     logs.NewFollower(rdb, logs.TailerOptions{}, log.WithComponent("tailer").Logger),
		Logger:       log.Logger,
	})

	workerCfg := compiler.DefaultWorkerConfig()
	workerCfg.Concurrency = cfg.Worker.Concurrency
	worker := compiler.NewWorker(workerCfg, q, locker, client, pipeline, log.WithComponent("worker").Logger)

	sw := sweeper.New(client, cfg.Sweeper.Interval, log.WithComponent("sweeper").Logger)

	checker := health.NewChecker(q, worker, cfg.Worker.Concurrency, version)
	checker.SetBacklog(q)
	server := &http.Server{
		Addr:              cfg.Health.Addr,
		Handler:           health.NewRouter(checker),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Registration order is the reverse of shutdown order: the worker drains
	// first, the redis clients registered above close last.
	coordinator.Register(shutdown.NewHTTPServerComponent("health", server))
	coordinator.Register(shutdown.NewStopperComponent("sweeper", sw))
	coordinator.Register(shutdown.NewWorkerComponent("worker", worker))

	go func() {
		log.Info("health endpoint listening", "addr", cfg.Health.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health server failed", "error", err)
			cancel()
		}
	}()

	log.Info("starting compile worker",
		"version", version,
		"worker_id", worker.ID(),
		"concurrency", cfg.Worker.Concurrency,
		"stream_key", cfg.Stream.Key,
		"compile_dir", cfg.Compile.BaseDir,
		"workspace_source", cfg.Compile.WorkspaceSource,
		"lock_endpoints", len(lockClients),
	)

	if err := worker.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start worker")
		coordinator.Shutdown()
		return 1
	}
	sw.Start()

	coordinator.WaitForSignal(ctx)

	log.Info("compile worker shutdown complete", "exit_code", coordinator.ExitCode())
	return coordinator.ExitCode()
}

func newRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", url, err)
	}
	return redis.NewClient(opts), nil
}
