// Command worker runs a processing-only instance: the segmentation
// dispatcher and runner without the HTTP API. Claims go through the
// database so any number of workers can run next to the server; realtime
// events reach connected clients through the Redis bridge.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/histoseg/platform/internal/adapter/bus"
	"github.com/histoseg/platform/internal/adapter/inference"
	"github.com/histoseg/platform/internal/adapter/render"
	"github.com/histoseg/platform/internal/adapter/repo/postgres"
	"github.com/histoseg/platform/internal/config"
	"github.com/histoseg/platform/internal/observability"
	"github.com/histoseg/platform/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

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

	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	store := postgres.New(pool)

	// Events produced here have no local sessions; the bridge carries them
	// to whichever server instance holds the client connection. Without
	// Redis the worker still processes, silently.
	var bridge *bus.RedisBridge
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url invalid", slog.Any("error", err))
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
		bridge = bus.NewRedisBridge(rdb)
		defer bridge.Close()
	} else {
		slog.Warn("REDIS_URL unset; realtime events from this worker are not delivered")
	}
	hub := bus.NewHub(nil, bridge)

	infer := inference.New(cfg.MLServiceURL, cfg.InferenceTimeout)
	runner := queue.NewRunner(store, infer, hub, render.New(), cfg.UploadDir, cfg.InferenceTimeout, cfg.QueueMaxRetries)
	dispatcher := queue.NewDispatcher(store, runner, cfg.QueueConcurrency, cfg.QueuePerUserLimit, cfg.QueuePollInterval)

	slog.Info("worker starting",
		slog.Int("concurrency", cfg.QueueConcurrency),
		slog.Int("per_user_limit", cfg.QueuePerUserLimit))
	dispatcher.Run(ctx)
	slog.Info("worker stopped")
}
