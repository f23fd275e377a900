package purchasing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/party"
	"github.com/odyssey-erp/tradebook/internal/purchasing"
	"github.com/odyssey-erp/tradebook/internal/shared"
	"github.com/odyssey-erp/tradebook/internal/stock"
	"github.com/odyssey-erp/tradebook/internal/store/memory"
)

type fixture struct {
	store      *memory.Store
	stock      *stock.Service
	ledger     *ledger.Service
	purchasing *purchasing.Service
	vendor     uuid.UUID
	product    stock.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	stockSvc := stock.NewService(store.Stock(), store.Audit(), nil, nil)
	ledgerSvc := ledger.NewService(store.Ledger(), nil, nil)
	svc := purchasing.NewService(store.Purchasing(), stockSvc, ledgerSvc, store.Audit()).
		WithLocker(shared.NewLocalLocker()).
		WithIdempotency(store.Idempotency())
	product, err := stockSvc.CreateProduct(context.Background(), stock.ProductInput{SKU: "BOLT", Name: "Bolt"})
	require.NoError(t, err)
	return &fixture{store: store, stock: stockSvc, ledger: ledgerSvc, purchasing: svc, vendor: uuid.New(), product: product}
}

func (f *fixture) sentOrder(t *testing.T, qty int64, cost string) purchasing.PurchaseOrder {
	t.Helper()
	ctx := context.Background()
	po, err := f.purchasing.Create(ctx, purchasing.CreateInput{
		VendorID: f.vendor,
		Lines:    []purchasing.LineInput{{ProductID: f.product.ID, Quantity: qty, UnitCost: decimal.RequireFromString(cost)}},
	})
	require.NoError(t, err)
	require.Equal(t, purchasing.POStatusDraft, po.Status)
	po, err = f.purchasing.Send(ctx, po.ID, 1)
	require.NoError(t, err)
	require.Equal(t, purchasing.POStatusSent, po.Status)
	return po
}

func (f *fixture) onHand(t *testing.T) int64 {
	t.Helper()
	p, err := f.stock.Product(context.Background(), f.product.ID)
	require.NoError(t, err)
	return p.OnHand
}

func (f *fixture) vendorBalance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), ledger.Vendor(f.vendor), time.Time{})
	require.NoError(t, err)
	return b
}

func TestPartialThenFullReceiptPostsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	po := f.sentOrder(t, 100, "2.00")
	require.True(t, po.Total.Equal(decimal.NewFromInt(200)))

	receipt, err := f.purchasing.Receive(ctx, purchasing.ReceiveInput{
		POID:  po.ID,
		Lines: []purchasing.ReceiptLine{{ProductID: f.product.ID, Quantity: 60}},
	})
	require.NoError(t, err)
	require.Equal(t, purchasing.POStatusPartial, receipt.Order.Status)
	require.False(t, receipt.Posted)
	require.EqualValues(t, 60, f.onHand(t))
	require.True(t, f.vendorBalance(t).IsZero())

	receipt, err = f.purchasing.Receive(ctx, purchasing.ReceiveInput{
		POID:  po.ID,
		Lines: []purchasing.ReceiptLine{{ProductID: f.product.ID, Quantity: 40}},
	})
	require.NoError(t, err)
	require.Equal(t, purchasing.POStatusReceived, receipt.Order.Status)
	require.True(t, receipt.Posted)
	require.NotNil(t, receipt.Order.ReceivedAt)
	require.EqualValues(t, 100, f.onHand(t))
	require.True(t, f.vendorBalance(t).Equal(decimal.NewFromInt(200)))

	entries, err := f.ledger.Entries(ctx, po.Ref())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		switch e.Account {
		case ledger.AccountVendor:
			require.True(t, e.Debit.Equal(decimal.NewFromInt(200)))
		case ledger.AccountPurchase:
			require.True(t, e.Credit.Equal(decimal.NewFromInt(200)))
		default:
			t.Fatalf("unexpected account %s", e.Account)
		}
	}

	moves, err := f.stock.Movements(ctx, stock.MovementFilter{ProductID: f.product.ID})
	require.NoError(t, err)
	require.Len(t, moves, 2)
	for _, m := range moves {
		require.Equal(t, stock.MovementPurchase, m.Type)
		require.Equal(t, po.Ref(), m.Reference)
	}
}

func TestReceiveClampsExcessAndIgnoresRepeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	po := f.sentOrder(t, 10, "1.50")

	receipt, err := f.purchasing.Receive(ctx, purchasing.ReceiveInput{
		POID:  po.ID,
		Lines: []purchasing.ReceiptLine{{ProductID: f.product.ID, Quantity: 25}},
	})
	require.NoError(t, err)
	require.EqualValues(t, 10, receipt.Applied[f.product.ID])
	require.Equal(t, purchasing.POStatusReceived, receipt.Order.Status)
	require.EqualValues(t, 10, receipt.Order.Lines[0].QuantityReceived)

	receipt, err = f.purchasing.Receive(ctx, purchasing.ReceiveInput{
		POID:  po.ID,
		Lines: []purchasing.ReceiptLine{{ProductID: f.product.ID, Quantity: 5}},
	})
	require.NoError(t, err)
	require.Empty(t, receipt.Applied)
	require.False(t, receipt.Posted)
	require.EqualValues(t, 10, f.onHand(t))
	require.True(t, f.vendorBalance(t).Equal(decimal.RequireFromString("15")))
}

func TestReceiveWithRepeatedDeliveryKeyIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	po := f.sentOrder(t, 100, "2.00")
	input := purchasing.ReceiveInput{
		POID:        po.ID,
		Lines:       []purchasing.ReceiptLine{{ProductID: f.product.ID, Quantity: 30}},
		DeliveryKey: "DN-001",
	}

	_, err := f.purchasing.Receive(ctx, input)
	require.NoError(t, err)
	receipt, err := f.purchasing.Receive(ctx, input)
	require.NoError(t, err)
	require.Empty(t, receipt.Applied)
	require.EqualValues(t, 30, f.onHand(t))

	input.DeliveryKey = "DN-002"
	receipt, err = f.purchasing.Receive(ctx, input)
	require.NoError(t, err)
	require.EqualValues(t, 30, receipt.Applied[f.product.ID])
	require.EqualValues(t, 60, f.onHand(t))
}

func TestReceiveRollsBackOnUnknownProduct(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	po := f.sentOrder(t, 10, "1.00")

	_, err := f.purchasing.Receive(ctx, purchasing.ReceiveInput{
		POID: po.ID,
		Lines: []purchasing.ReceiptLine{
			{ProductID: f.product.ID, Quantity: 4},
			{ProductID: uuid.New(), Quantity: 1},
		},
		DeliveryKey: "DN-9",
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Equal(t, 2, shared.LineOf(err))
	require.Zero(t, f.onHand(t))

	got, err := f.purchasing.Get(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, purchasing.POStatusSent, got.Status)
	require.Zero(t, got.Lines[0].QuantityReceived)

	// the key went with the rolled back unit of work
	receipt, err := f.purchasing.Receive(ctx, purchasing.ReceiveInput{
		POID:        po.ID,
		Lines:       []purchasing.ReceiptLine{{ProductID: f.product.ID, Quantity: 4}},
		DeliveryKey: "DN-9",
	})
	require.NoError(t, err)
	require.EqualValues(t, 4, receipt.Applied[f.product.ID])
}

func TestStatusGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	draft, err := f.purchasing.Create(ctx, purchasing.CreateInput{
		VendorID: f.vendor,
		Lines:    []purchasing.LineInput{{ProductID: f.product.ID, Quantity: 1, UnitCost: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)
	_, err = f.purchasing.Receive(ctx, purchasing.ReceiveInput{POID: draft.ID, Lines: []purchasing.ReceiptLine{{ProductID: f.product.ID, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrInvalidState)

	cancelled, err := f.purchasing.Cancel(ctx, draft.ID, 1)
	require.NoError(t, err)
	require.Equal(t, purchasing.POStatusCancelled, cancelled.Status)
	_, err = f.purchasing.Send(ctx, draft.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)
	_, err = f.purchasing.Cancel(ctx, draft.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	_, err = f.purchasing.Create(ctx, purchasing.CreateInput{
		VendorID: f.vendor,
		Lines:    []purchasing.LineInput{{ProductID: f.product.ID, Quantity: 1, UnitCost: decimal.NewFromInt(-1)}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.purchasing.Send(ctx, uuid.New(), 1)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestListFiltersByVendor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sentOrder(t, 1, "1")
	f.sentOrder(t, 2, "1")

	orders, err := f.purchasing.List(ctx, purchasing.ListFilter{VendorID: f.vendor})
	require.NoError(t, err)
	require.Len(t, orders, 2)

	orders, err = f.purchasing.List(ctx, purchasing.ListFilter{VendorID: uuid.New()})
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestReceiptMovesVendorCachedBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	parties := party.NewService(f.store.Parties(), nil)
	f.purchasing.WithParties(parties)
	profile, err := parties.Register(ctx, party.ProfileInput{ID: f.vendor, Type: ledger.PartyVendor, Name: "Fasteners Ltd"})
	require.NoError(t, err)

	po := f.sentOrder(t, 4, "2.50")
	_, err = f.purchasing.Receive(ctx, purchasing.ReceiveInput{POID: po.ID, Lines: []purchasing.ReceiptLine{{ProductID: f.product.ID, Quantity: 4}}})
	require.NoError(t, err)

	got, err := parties.Get(ctx, profile.Party())
	require.NoError(t, err)
	require.True(t, got.OutstandingBalance.Equal(decimal.NewFromInt(10)))
	require.True(t, got.OutstandingBalance.Equal(f.vendorBalance(t)))

	unknown, err := f.purchasing.Create(ctx, purchasing.CreateInput{
		VendorID: uuid.New(),
		Lines:    []purchasing.LineInput{{ProductID: f.product.ID, Quantity: 1, UnitCost: decimal.NewFromInt(3)}},
	})
	require.NoError(t, err)
	_, err = f.purchasing.Send(ctx, unknown.ID, 1)
	require.NoError(t, err)
	before := f.onHand(t)
	_, err = f.purchasing.Receive(ctx, purchasing.ReceiveInput{POID: unknown.ID, Lines: []purchasing.ReceiptLine{{ProductID: f.product.ID, Quantity: 1}}})
	require.ErrorIs(t, err, party.ErrProfileNotFound)
	require.Equal(t, before, f.onHand(t), "receipt rolls back with the missing profile")
}
