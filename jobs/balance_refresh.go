package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/tradebook/internal/balances"
	jobmetrics "github.com/odyssey-erp/tradebook/internal/jobs"
	"github.com/odyssey-erp/tradebook/internal/party"
)

// BalanceRefresher regenerates cached fields from the logs.
type BalanceRefresher interface {
	RefreshCachedBalances(ctx context.Context) ([]party.Drift, error)
	RefreshCommitted(ctx context.Context) ([]balances.CommittedDrift, error)
}

// KeyCleaner purges old idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// RefreshResult summarises one refresh run.
type RefreshResult struct {
	Balances  []party.Drift
	Committed []balances.CommittedDrift
}

// BalanceRefreshJob rewrites cached outstanding balances and committed
// quantities so they match the ledger and open orders again.
type BalanceRefreshJob struct {
	Balances BalanceRefresher
	Keys     KeyCleaner
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewBalanceRefreshJob constructs the job handler. keys may be nil.
func NewBalanceRefreshJob(refresher BalanceRefresher, keys KeyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *BalanceRefreshJob {
	return &BalanceRefreshJob{Balances: refresher, Keys: keys, Logger: logger, Metrics: metrics}
}

// Handle executes the refresh job.
func (j *BalanceRefreshJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload RefreshPayload
	if err := decode(task, &payload); err != nil {
		return asynq.SkipRetry
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run regenerates both caches and optionally purges idempotency keys.
func (j *BalanceRefreshJob) Run(ctx context.Context, payload RefreshPayload) (result RefreshResult, resultErr error) {
	if j == nil || j.Balances == nil {
		return RefreshResult{}, errors.New("balance refresh: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskBalanceRefresh)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	drifts, err := j.Balances.RefreshCachedBalances(ctx)
	j.metrics().AddDrift("cached_balance", len(drifts))
	if err != nil {
		j.log().Error("refresh cached balances", slog.Any("error", err))
		return RefreshResult{Balances: drifts}, err
	}
	committed, err := j.Balances.RefreshCommitted(ctx)
	j.metrics().AddDrift("committed_quantity", len(committed))
	if err != nil {
		j.log().Error("refresh committed quantities", slog.Any("error", err))
		return RefreshResult{Balances: drifts, Committed: committed}, err
	}

	if j.Keys != nil && payload.KeyRetentionHours > 0 {
		retention := time.Duration(payload.KeyRetentionHours) * time.Hour
		if err := j.Keys.Cleanup(ctx, retention); err != nil {
			j.log().Warn("idempotency cleanup", slog.Any("error", err))
		}
	}

	j.log().Info("refreshed cached balances",
		slog.Int("balance_drift", len(drifts)),
		slog.Int("committed_drift", len(committed)),
		slog.Duration("duration", time.Since(start)))
	return RefreshResult{Balances: drifts, Committed: committed}, nil
}

func (j *BalanceRefreshJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BalanceRefreshJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBalanceRefresh))
	}
	return slog.Default().With(slog.String("job", TaskBalanceRefresh))
}
