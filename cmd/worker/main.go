package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/tradebook/internal/app"
	jobmetrics "github.com/odyssey-erp/tradebook/internal/jobs"
	"github.com/odyssey-erp/tradebook/jobs"
)

func main() {
	if !app.ReadStartup().ShouldBoot(slog.Default(), "worker") {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.StoreDriver == app.DriverMemory {
		slog.Default().Error("worker needs a shared store; STORE_DRIVER=memory is process-local")
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	engine, err := app.NewEngine(ctx, cfg, logger, app.EngineDeps{JobMetrics: jobmetrics.NewMetrics(nil)})
	if err != nil {
		logger.Error("build engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer engine.Close()

	handlers, cron, err := jobs.Maintenance(engine.Integrity, engine.Refresh, jobs.Schedule{
		IntegrityCron:     cfg.IntegrityCron,
		RefreshCron:       cfg.RefreshCron,
		KeyRetentionHours: cfg.KeyRetentionHours,
		MaxRetry:          3,
	})
	if err != nil {
		logger.Error("build maintenance tasks", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.QueueRedis(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    handlers,
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
