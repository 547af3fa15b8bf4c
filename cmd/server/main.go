// Command server runs the full platform core: the REST and websocket
// API plus the in-process segmentation dispatcher and export workers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/histoseg/platform/internal/adapter/bus"
	"github.com/histoseg/platform/internal/adapter/cache"
	"github.com/histoseg/platform/internal/adapter/httpserver"
	"github.com/histoseg/platform/internal/adapter/inference"
	"github.com/histoseg/platform/internal/adapter/mail"
	"github.com/histoseg/platform/internal/adapter/render"
	"github.com/histoseg/platform/internal/adapter/repo/postgres"
	"github.com/histoseg/platform/internal/app"
	"github.com/histoseg/platform/internal/config"
	"github.com/histoseg/platform/internal/domain"
	"github.com/histoseg/platform/internal/export"
	"github.com/histoseg/platform/internal/observability"
	"github.com/histoseg/platform/internal/queue"
	"github.com/histoseg/platform/internal/reconcile"
	"github.com/histoseg/platform/internal/stats"
	"github.com/histoseg/platform/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Infra: Postgres.
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Bootstrap(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}
	store := postgres.New(pool)

	// Infra: Redis is optional. Without it the event bus stays
	// process-local and share tokens resolve from Postgres only.
	var (
		rdb    *redis.Client
		bridge *bus.RedisBridge
		tokens domain.TokenCache = cache.NopTokenCache{}
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url invalid", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
		bridge = bus.NewRedisBridge(rdb)
		defer bridge.Close()
		tokens = cache.NewRedisTokenCache(rdb)
	}

	// Startup recovery: work that was in flight when the previous process
	// died is failed as interrupted so clients see a retryable state
	// instead of a permanently "processing" row.
	if n, err := store.Queue().MarkInterrupted(ctx); err != nil {
		slog.Error("queue recovery failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("interrupted queue items failed", slog.Int("count", n))
	}

	var mailer domain.Mailer = mail.LogMailer{}
	if cfg.SMTPHost != "" {
		mailer = mail.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom)
	}

	// Services and engines.
	renderer := render.New()
	projects := usecase.NewProjectService(store, cfg.UploadDir)
	hub := bus.NewHub(projects.Accessible, bridge)
	images := usecase.NewImageService(store, cfg.UploadDir)
	uploads := usecase.NewUploadService(store, hub, renderer, cfg.UploadDir, usecase.UploadLimits{
		MaxFilesPerChunk: cfg.MaxFilesPerChunk,
		MaxTotalFiles:    cfg.MaxTotalFiles,
		MaxFileBytes:     cfg.MaxUploadMB << 20,
		Concurrency:      cfg.ChunkConcurrency,
	})
	shares := usecase.NewShareService(store, hub, mailer, tokens, cfg.FrontendURL)
	aggregator := stats.NewAggregator(store, hub)
	defer aggregator.Close()

	infer := inference.New(cfg.MLServiceURL, cfg.InferenceTimeout)
	runner := queue.NewRunner(store, infer, hub, renderer, cfg.UploadDir, cfg.InferenceTimeout, cfg.QueueMaxRetries)

	// The concurrency budget belongs to exactly one dispatcher. Either
	// this process runs it, or dedicated worker instances do.
	var waker queue.Waker
	if cfg.QueueDispatchEnabled {
		dispatcher := queue.NewDispatcher(store, runner, cfg.QueueConcurrency, cfg.QueuePerUserLimit, cfg.QueuePollInterval)
		go dispatcher.Run(ctx)
		waker = dispatcher
	}
	queueEngine := queue.NewEngine(store, hub, waker)

	guard := reconcile.NewGuard()
	exportEngine := export.NewEngine(store, hub, renderer, guard, cfg.UploadDir, cfg.ExportFanOut, cfg.ExportJobTimeout)
	recoverExports(ctx, store, exportEngine)

	go exportEngine.Run(ctx, cfg.ExportWorkers)

	cleanup := postgres.NewCleanupService(store, cfg.QueueRetentionDays, cfg.ExportRetentionDays, cfg.UploadDir)
	go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)
	go postgres.RunTempSweeper(ctx, filepath.Join(cfg.UploadDir, "tmp"), cfg.TempCleanupInterval)

	ready := app.NewReadiness(map[string]app.Probe{
		"database":  pool.Ping,
		"inference": infer.Health,
		"redis":     redisProbe(rdb),
	})

	srv := httpserver.NewServer(projects, images, uploads, shares,
		queueEngine, exportEngine, aggregator, hub, cfg.MaxUploadMB<<20)
	srvHTTP := app.NewHTTPServer(cfg, app.NewRouter(cfg, srv, ready))

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// recoverExports fails jobs stranded by a crash and removes their partial
// bundles.
func recoverExports(ctx context.Context, store domain.Store, engine *export.Engine) {
	jobs, err := store.Exports().MarkInterrupted(ctx)
	if err != nil {
		slog.Error("export recovery failed", slog.Any("error", err))
		return
	}
	for _, j := range jobs {
		_ = os.Remove(engine.ArtifactPath(j))
	}
	if len(jobs) > 0 {
		slog.Info("interrupted export jobs failed", slog.Int("count", len(jobs)))
	}
}

func redisProbe(rdb *redis.Client) app.Probe {
	if rdb == nil {
		return nil
	}
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}
