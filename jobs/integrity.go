package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/tradebook/internal/jobs"
	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/stock"
)

// LedgerChecker finds references whose entries do not net to zero.
type LedgerChecker interface {
	UnbalancedReferences(ctx context.Context) ([]ledger.ReferenceTotals, error)
}

// StockChecker rebuilds on-hand quantities from the movement log.
type StockChecker interface {
	Products(ctx context.Context, filter stock.ProductFilter) ([]stock.Product, error)
	Reconcile(ctx context.Context, productID uuid.UUID) (stock.Reconciliation, error)
}

// IntegrityReport lists every inconsistency found by one run.
type IntegrityReport struct {
	Unbalanced      []ledger.ReferenceTotals
	StockDrift      []stock.Reconciliation
	ProductsChecked int
	CheckedAt       time.Time
}

// Consistent reports whether the run found nothing.
func (r IntegrityReport) Consistent() bool {
	return len(r.Unbalanced) == 0 && len(r.StockDrift) == 0
}

// ErrInconsistent is returned by Handle when the run found drift.
var ErrInconsistent = errors.New("integrity: ledger or stock drift detected")

// IntegrityJob checks that every posting balances and that stored stock
// quantities match their movement history.
type IntegrityJob struct {
	Ledger      LedgerChecker
	Stock       StockChecker
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Concurrency int
	clock       func() time.Time
}

// NewIntegrityJob constructs the job handler.
func NewIntegrityJob(ledgerChecker LedgerChecker, stockChecker StockChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityJob {
	return &IntegrityJob{
		Ledger:      ledgerChecker,
		Stock:       stockChecker,
		Logger:      logger,
		Metrics:     metrics,
		Concurrency: 4,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the integrity job.
func (j *IntegrityJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload IntegrityPayload
	if err := decode(task, &payload); err != nil {
		return asynq.SkipRetry
	}
	report, err := j.Run(ctx, payload)
	if err != nil {
		return err
	}
	if !report.Consistent() {
		// drift will not fix itself on retry
		return fmt.Errorf("%w: %d unbalanced references, %d products: %w",
			ErrInconsistent, len(report.Unbalanced), len(report.StockDrift), asynq.SkipRetry)
	}
	return nil
}

// Run performs the checks and returns what it found.
func (j *IntegrityJob) Run(ctx context.Context, payload IntegrityPayload) (report IntegrityReport, resultErr error) {
	if j == nil || j.Ledger == nil || (j.Stock == nil && !payload.SkipStock) {
		return IntegrityReport{}, errors.New("integrity: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskLedgerIntegrity)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	report.CheckedAt = j.now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		unbalanced, err := j.Ledger.UnbalancedReferences(gctx)
		if err != nil {
			return fmt.Errorf("ledger check: %w", err)
		}
		report.Unbalanced = unbalanced
		return nil
	})
	if !payload.SkipStock {
		g.Go(func() error {
			drift, checked, err := j.checkStock(gctx)
			if err != nil {
				return fmt.Errorf("stock check: %w", err)
			}
			report.StockDrift, report.ProductsChecked = drift, checked
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		j.log().Error("integrity check failed", slog.Any("error", err))
		return IntegrityReport{}, err
	}

	j.metrics().AddDrift("unbalanced_reference", len(report.Unbalanced))
	j.metrics().AddDrift("stock_reconstruction", len(report.StockDrift))
	for _, t := range report.Unbalanced {
		j.log().Error("unbalanced reference",
			slog.String("ref", t.Reference.String()),
			slog.String("debit", t.Debit.StringFixed(2)),
			slog.String("credit", t.Credit.StringFixed(2)))
	}
	j.log().Info("integrity check complete",
		slog.Int("unbalanced", len(report.Unbalanced)),
		slog.Int("stock_drift", len(report.StockDrift)),
		slog.Int("products", report.ProductsChecked))
	return report, nil
}

func (j *IntegrityJob) checkStock(ctx context.Context) ([]stock.Reconciliation, int, error) {
	products, err := j.Stock.Products(ctx, stock.ProductFilter{})
	if err != nil {
		return nil, 0, err
	}
	var (
		mu    sync.Mutex
		drift []stock.Reconciliation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(j.Concurrency, 1))
	for _, p := range products {
		g.Go(func() error {
			rec, err := j.Stock.Reconcile(gctx, p.ID)
			if err != nil {
				return err
			}
			if !rec.Consistent() {
				mu.Lock()
				drift = append(drift, rec)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return drift, len(products), nil
}

func (j *IntegrityJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *IntegrityJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *IntegrityJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *IntegrityJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
