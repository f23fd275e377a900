package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/tradebook/cmd/tradebook/cli"
	"github.com/odyssey-erp/tradebook/internal/app"
	jobmetrics "github.com/odyssey-erp/tradebook/internal/jobs"
	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/observability"
	"github.com/odyssey-erp/tradebook/jobs"
)

func main() {
	if !app.ReadStartup().ShouldBoot(slog.Default(), "tradebook") {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 {
		if err := runCommand(ctx, cfg, logger, os.Args[1:]); err != nil {
			logger.Error("command failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	metrics := observability.NewMetrics()
	engine, err := app.NewEngine(ctx, cfg, logger, app.EngineDeps{
		Metrics:    metrics,
		JobMetrics: jobmetrics.NewMetrics(metrics.Registerer()),
	})
	if err != nil {
		logger.Error("build engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer engine.Close()

	if err := engine.Cache.ListenForInvalidation(ctx); err != nil {
		logger.Warn("balance cache invalidation listener", slog.Any("error", err))
	}

	var jobHandler *jobs.Handler
	if engine.Redis != nil {
		inspector := asynq.NewInspector(cfg.QueueRedis())
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		Metrics:    metrics,
		Ready:      engine,
		JobHandler: jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runCommand handles `jobs trigger <name>`, `jobs stats` and the balance reports.
func runCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	switch args[0] {
	case "jobs":
		return runJobs(ctx, cfg, args[1:])
	case "report":
		return runReport(ctx, cfg, logger, args[1:])
	}
	return fmt.Errorf("usage: tradebook jobs <trigger|stats> | tradebook report <outstanding|overdue|statement>")
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tradebook jobs trigger <integrity|refresh> | tradebook jobs stats")
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.QueueRedis())
	if err != nil {
		return err
	}
	defer func() { _ = jobsCLI.Close() }()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return fmt.Errorf("usage: tradebook jobs trigger <integrity|refresh>")
		}
		info, err := jobsCLI.Trigger(ctx, args[1], cfg.KeyRetentionHours)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	default:
		return fmt.Errorf("unknown jobs command %q", args[0])
	}
	return nil
}

// runReport prints `report outstanding <vendor|customer>`,
// `report overdue <vendor|customer>` or `report statement <vendor|customer> <id>`.
func runReport(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: tradebook report <outstanding|overdue|statement> <vendor|customer> [id]")
	}
	partyType, err := cli.ParsePartyType(args[1])
	if err != nil {
		return err
	}
	engine, err := app.NewEngine(ctx, cfg, logger, app.EngineDeps{})
	if err != nil {
		return err
	}
	defer engine.Close()
	report, err := cli.NewReportCLI(engine.Balances, os.Stdout, cfg.ReportLocale)
	if err != nil {
		return err
	}

	switch args[0] {
	case "outstanding":
		return report.Outstanding(ctx, partyType)
	case "overdue":
		return report.Overdue(ctx, partyType, time.Now().UTC())
	case "statement":
		if len(args) < 3 {
			return fmt.Errorf("usage: tradebook report statement <vendor|customer> <id>")
		}
		id, err := uuid.Parse(args[2])
		if err != nil {
			return fmt.Errorf("party id: %w", err)
		}
		return report.Statement(ctx, ledger.Party{Type: partyType, ID: id}, time.Time{}, time.Time{})
	}
	return fmt.Errorf("unknown report %q", args[0])
}
