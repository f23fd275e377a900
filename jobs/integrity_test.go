package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/tradebook/internal/jobs"
	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/shared"
	"github.com/odyssey-erp/tradebook/internal/stock"
	"github.com/odyssey-erp/tradebook/internal/store/memory"
	"github.com/odyssey-erp/tradebook/jobs"
)

type integrityFixture struct {
	store    *memory.Store
	stock    *stock.Service
	ledger   *ledger.Service
	job      *jobs.IntegrityJob
	registry *prometheus.Registry
}

func newIntegrityFixture(t *testing.T) *integrityFixture {
	t.Helper()
	store := memory.New()
	registry := prometheus.NewRegistry()
	f := &integrityFixture{
		store:    store,
		stock:    stock.NewService(store.Stock(), store.Audit(), nil, nil),
		ledger:   ledger.NewService(store.Ledger(), nil, nil),
		registry: registry,
	}
	f.job = jobs.NewIntegrityJob(f.ledger, f.stock, nil, jobmetrics.NewMetrics(registry))
	checked := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	f.job.WithClock(func() time.Time { return checked })
	return f
}

func (f *integrityFixture) seed(t *testing.T) stock.Product {
	t.Helper()
	ctx := context.Background()
	p, err := f.stock.CreateProduct(ctx, stock.ProductInput{SKU: "P1", Name: "P1", InitialQuantity: 4})
	require.NoError(t, err)
	ref := shared.Ref(shared.RefSale, uuid.New())
	_, err = f.stock.Adjust(ctx, stock.AdjustInput{ProductID: p.ID, Delta: -1, Type: stock.MovementSale, Reference: ref})
	require.NoError(t, err)
	_, err = f.ledger.Post(ctx, ledger.PostingInput{Reference: ref, Lines: []ledger.Line{
		ledger.Debit(ledger.AccountCash, ledger.Party{}, decimal.NewFromInt(10)),
		ledger.Credit(ledger.AccountSales, ledger.Party{}, decimal.NewFromInt(10)),
	}})
	require.NoError(t, err)
	return p
}

func TestIntegrityConsistentStore(t *testing.T) {
	f := newIntegrityFixture(t)
	f.seed(t)
	for i := range 5 {
		_, err := f.stock.CreateProduct(context.Background(), stock.ProductInput{SKU: "X" + string(rune('A'+i)), Name: "X"})
		require.NoError(t, err)
	}

	report, err := f.job.Run(context.Background(), jobs.IntegrityPayload{})
	require.NoError(t, err)
	require.True(t, report.Consistent())
	require.Equal(t, 6, report.ProductsChecked)
	require.Equal(t, time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC), report.CheckedAt)

	task, err := jobs.NewIntegrityTask(jobs.IntegrityPayload{})
	require.NoError(t, err)
	require.NoError(t, f.job.Handle(context.Background(), task))
}

func TestIntegrityDetectsLedgerAndStockDrift(t *testing.T) {
	ctx := context.Background()
	f := newIntegrityFixture(t)
	p := f.seed(t)

	bad := shared.Ref(shared.RefPurchaseOrder, uuid.New())
	f.store.Ledger().Corrupt(ctx, ledger.Entry{Account: ledger.AccountPurchase, Credit: decimal.NewFromInt(5), Debit: decimal.Zero, Reference: bad})
	require.NoError(t, f.store.Stock().WithTx(ctx, func(ctx context.Context, tx stock.TxRepository) error {
		return tx.UpdateQuantities(ctx, p.ID, 99, 0)
	}))

	report, err := f.job.Run(ctx, jobs.IntegrityPayload{})
	require.NoError(t, err)
	require.False(t, report.Consistent())
	require.Len(t, report.Unbalanced, 1)
	require.Equal(t, bad, report.Unbalanced[0].Reference)
	require.Len(t, report.StockDrift, 1)
	require.EqualValues(t, 96, report.StockDrift[0].Drift())

	series, err := testutil.GatherAndCount(f.registry, "tradebook_consistency_drift_total")
	require.NoError(t, err)
	require.Equal(t, 2, series)

	task, err := jobs.NewIntegrityTask(jobs.IntegrityPayload{})
	require.NoError(t, err)
	err = f.job.Handle(ctx, task)
	require.ErrorIs(t, err, jobs.ErrInconsistent)
	require.ErrorIs(t, err, asynq.SkipRetry)

	report, err = f.job.Run(ctx, jobs.IntegrityPayload{SkipStock: true})
	require.NoError(t, err)
	require.Empty(t, report.StockDrift)
	require.Len(t, report.Unbalanced, 1)
}

func TestIntegrityRejectsBadPayload(t *testing.T) {
	f := newIntegrityFixture(t)
	err := f.job.Handle(context.Background(), asynq.NewTask(jobs.TaskLedgerIntegrity, []byte("{")))
	require.True(t, errors.Is(err, asynq.SkipRetry))

	var missing *jobs.IntegrityJob
	_, err = missing.Run(context.Background(), jobs.IntegrityPayload{})
	require.Error(t, err)
}
