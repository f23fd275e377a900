package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/tradebook/internal/platform/httpx"
)

// Worker runs the maintenance jobs and, when a schedule is set, enqueues them
// on cron.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler binds a task type to its handler.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// Schedule holds the cron expressions of the maintenance jobs. An empty
// expression leaves that job manual-only.
type Schedule struct {
	IntegrityCron     string
	RefreshCron       string
	KeyRetentionHours int
	MaxRetry          int
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// Maintenance returns the handlers and cron entries for the integrity and
// refresh jobs. Either job may be nil.
func Maintenance(integrity *IntegrityJob, refresh *BalanceRefreshJob, schedule Schedule) ([]TaskHandler, []CronRegistration, error) {
	var (
		handlers []TaskHandler
		cron     []CronRegistration
	)
	opts := []asynq.Option{asynq.MaxRetry(max(schedule.MaxRetry, 0))}
	if integrity != nil {
		handlers = append(handlers, TaskHandler{Type: TaskLedgerIntegrity, Handler: integrity.Handle})
		if schedule.IntegrityCron != "" {
			task, err := NewIntegrityTask(IntegrityPayload{})
			if err != nil {
				return nil, nil, err
			}
			cron = append(cron, CronRegistration{Spec: schedule.IntegrityCron, Task: task, Options: opts})
		}
	}
	if refresh != nil {
		handlers = append(handlers, TaskHandler{Type: TaskBalanceRefresh, Handler: refresh.Handle})
		if schedule.RefreshCron != "" {
			task, err := NewRefreshTask(RefreshPayload{KeyRetentionHours: schedule.KeyRetentionHours})
			if err != nil {
				return nil, nil, err
			}
			cron = append(cron, CronRegistration{Spec: schedule.RefreshCron, Task: task, Options: opts})
		}
	}
	return handlers, cron, nil
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueDefault: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			if errors.Is(err, ErrInconsistent) {
				logger.Error("maintenance job found drift", slog.String("task", task.Type()), slog.Any("error", err))
				return
			}
			logger.Warn("maintenance job failed", slog.String("task", task.Type()), slog.Any("error", err))
		}),
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, fmt.Errorf("worker: schedule %s %q: %w", entry.Task.Type(), entry.Spec, err)
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: logger}, nil
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
		defer w.scheduler.Shutdown()
	}
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	w.logger.Info("worker started")
	<-ctx.Done()
	w.server.Shutdown()
	return ctx.Err()
}

// Handler exposes the queue depth of the maintenance jobs.
type Handler struct {
	inspector *asynq.Inspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

type queueHealth struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		httpx.JSON(w, http.StatusOK, queueHealth{Queue: QueueDefault})
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.Unavailable(w, r, "queue", err)
		return
	}
	out := queueHealth{Queue: QueueDefault}
	if info != nil {
		out = queueHealth{Queue: info.Queue, Pending: info.Pending, Scheduled: info.Scheduled, Retry: info.Retry, Archived: info.Archived}
	}
	httpx.JSON(w, http.StatusOK, out)
}
