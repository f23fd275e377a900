package stock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/tradebook/internal/shared"
	"github.com/odyssey-erp/tradebook/internal/stock"
	"github.com/odyssey-erp/tradebook/internal/store/memory"
)

func newService(t *testing.T) (*stock.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return stock.NewService(store.Stock(), store.Audit(), nil, nil), store
}

func createProduct(t *testing.T, svc *stock.Service, sku string, qty int64) stock.Product {
	t.Helper()
	p, err := svc.CreateProduct(context.Background(), stock.ProductInput{
		SKU:             sku,
		Name:            "Product " + sku,
		Price:           decimal.RequireFromString("10.00"),
		InitialQuantity: qty,
	})
	require.NoError(t, err)
	return p
}

func TestAdjustAppendsOneMovement(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	p := createProduct(t, svc, "SKU-1", 10)
	ref := shared.Ref(shared.RefPurchaseOrder, uuid.New())

	m, err := svc.Adjust(ctx, stock.AdjustInput{ProductID: p.ID, Delta: 5, Type: stock.MovementPurchase, Reference: ref})
	require.NoError(t, err)
	require.EqualValues(t, 15, m.BalanceAfter)
	require.Equal(t, ref, m.Reference)

	got, err := svc.Product(ctx, p.ID)
	require.NoError(t, err)
	require.EqualValues(t, 15, got.OnHand)

	moves, err := svc.Movements(ctx, stock.MovementFilter{ProductID: p.ID})
	require.NoError(t, err)
	require.Len(t, moves, 1)
	require.EqualValues(t, 5, moves[0].QuantityChange)
}

func TestAdjustValidatedRejectsOverdraw(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	p := createProduct(t, svc, "SKU-1", 3)

	_, err := svc.Adjust(ctx, stock.AdjustInput{
		ProductID: p.ID,
		Delta:     -4,
		Type:      stock.MovementSale,
		Reference: shared.Ref(shared.RefSale, uuid.New()),
		Validate:  true,
		Line:      2,
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Equal(t, 2, shared.LineOf(err))

	got, err := svc.Product(ctx, p.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, got.OnHand)
}

func TestAdjustUnvalidatedMayGoNegative(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	p := createProduct(t, svc, "SKU-1", 1)

	m, err := svc.Adjust(ctx, stock.AdjustInput{ProductID: p.ID, Delta: -3, Type: stock.MovementAdjustment, Note: "count"})
	require.NoError(t, err)
	require.EqualValues(t, -2, m.BalanceAfter)
	require.Equal(t, shared.RefAdjustment, m.Reference.Kind)
}

func TestAdjustRejectsZeroAndUnknownType(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	p := createProduct(t, svc, "SKU-1", 1)

	_, err := svc.Adjust(ctx, stock.AdjustInput{ProductID: p.ID, Delta: 0, Type: stock.MovementAdjustment})
	require.ErrorIs(t, err, stock.ErrInvalidQuantity)

	_, err = svc.Adjust(ctx, stock.AdjustInput{ProductID: p.ID, Delta: 1, Type: "GIFT"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Adjust(ctx, stock.AdjustInput{ProductID: uuid.New(), Delta: 1, Type: stock.MovementAdjustment})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAdjustmentIsAudited(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	p := createProduct(t, svc, "SKU-1", 1)

	_, err := svc.Adjust(ctx, stock.AdjustInput{ProductID: p.ID, Delta: 2, Type: stock.MovementAdjustment, ActorID: 7})
	require.NoError(t, err)

	logs := store.Audit().Entries(ctx, "product")
	require.Len(t, logs, 1)
	require.Equal(t, "stock.adjust", logs[0].Action)
	require.EqualValues(t, 7, logs[0].ActorID)
}

func TestAdjustManyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	a := createProduct(t, svc, "A", 5)
	b := createProduct(t, svc, "B", 1)
	ref := shared.Ref(shared.RefSale, uuid.New())

	_, err := svc.AdjustMany(ctx, []stock.AdjustInput{
		{ProductID: a.ID, Delta: -2, Type: stock.MovementSale, Reference: ref, Validate: true, Line: 1},
		{ProductID: b.ID, Delta: -2, Type: stock.MovementSale, Reference: ref, Validate: true, Line: 2},
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Equal(t, 2, shared.LineOf(err))

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		moves, err := svc.Movements(ctx, stock.MovementFilter{ProductID: id})
		require.NoError(t, err)
		require.Empty(t, moves)
	}
	got, err := svc.Product(ctx, a.ID)
	require.NoError(t, err)
	require.EqualValues(t, 5, got.OnHand)
}

func TestAdjustManySkipsUntrackedProducts(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	tracked := createProduct(t, svc, "A", 5)
	service, err := svc.CreateProduct(ctx, stock.ProductInput{SKU: "SVC", Name: "Install", Type: stock.ProductService, InitialQuantity: 9})
	require.NoError(t, err)
	require.Zero(t, service.OnHand)
	ref := shared.Ref(shared.RefSale, uuid.New())

	moves, err := svc.AdjustMany(ctx, []stock.AdjustInput{
		{ProductID: service.ID, Delta: -1, Type: stock.MovementSale, Reference: ref, Validate: true},
		{ProductID: tracked.ID, Delta: -1, Type: stock.MovementSale, Reference: ref, Validate: true},
	})
	require.NoError(t, err)
	require.Len(t, moves, 1)
	require.Equal(t, tracked.ID, moves[0].ProductID)

	_, err = svc.Adjust(ctx, stock.AdjustInput{ProductID: service.ID, Delta: 1, Type: stock.MovementAdjustment})
	require.True(t, errors.Is(err, stock.ErrNotTracked))
}

func TestReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	p := createProduct(t, svc, "SKU-1", 5)
	ref := shared.Ref(shared.RefOrder, uuid.New())

	require.NoError(t, svc.Reserve(ctx, p.ID, 4, ref))
	got, err := svc.Product(ctx, p.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Available())

	err = svc.Reserve(ctx, p.ID, 2, ref)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	_, err = svc.Adjust(ctx, stock.AdjustInput{ProductID: p.ID, Delta: -2, Type: stock.MovementSale, Reference: shared.Ref(shared.RefSale, uuid.New()), Validate: true})
	require.ErrorIs(t, err, shared.ErrInsufficientStock, "committed quantity is not available to sales")

	require.NoError(t, svc.Release(ctx, p.ID, 10))
	got, err = svc.Product(ctx, p.ID)
	require.NoError(t, err)
	require.Zero(t, got.Committed)
	require.ErrorIs(t, svc.Release(ctx, p.ID, 0), stock.ErrInvalidQuantity)
}

func TestReconcileDetectsDrift(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	p := createProduct(t, svc, "SKU-1", 10)

	_, err := svc.Adjust(ctx, stock.AdjustInput{ProductID: p.ID, Delta: -4, Type: stock.MovementAdjustment})
	require.NoError(t, err)

	rec, err := svc.Reconcile(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, rec.Consistent())
	require.EqualValues(t, -4, rec.MovementSum)

	err = store.Stock().WithTx(ctx, func(ctx context.Context, tx stock.TxRepository) error {
		return tx.UpdateQuantities(ctx, p.ID, 20, 0)
	})
	require.NoError(t, err)

	rec, err = svc.Reconcile(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, rec.Consistent())
	require.EqualValues(t, 14, rec.Drift())
}

func TestLowStockAndDuplicateSKU(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.CreateProduct(ctx, stock.ProductInput{SKU: "LOW", Name: "Low", InitialQuantity: 2, LowStockThreshold: 5})
	require.NoError(t, err)
	createProduct(t, svc, "HIGH", 50)

	low, err := svc.LowStock(ctx)
	require.NoError(t, err)
	require.Len(t, low, 1)
	require.Equal(t, "LOW", low[0].SKU)

	_, err = svc.CreateProduct(ctx, stock.ProductInput{SKU: "LOW", Name: "Again"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestMovementsRequireFilter(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Movements(context.Background(), stock.MovementFilter{})
	require.ErrorIs(t, err, shared.ErrValidation)
}
