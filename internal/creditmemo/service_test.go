package creditmemo_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/tradebook/internal/creditmemo"
	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/party"
	"github.com/odyssey-erp/tradebook/internal/shared"
	"github.com/odyssey-erp/tradebook/internal/stock"
	"github.com/odyssey-erp/tradebook/internal/store/memory"
)

type fixture struct {
	stock    *stock.Service
	ledger   *ledger.Service
	parties  *party.Service
	memos    *creditmemo.Service
	product  stock.Product
	customer uuid.UUID
	vendor   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	f := &fixture{
		stock:   stock.NewService(store.Stock(), store.Audit(), nil, nil),
		ledger:  ledger.NewService(store.Ledger(), nil, nil),
		parties: party.NewService(store.Parties(), nil),
	}
	f.memos = creditmemo.NewService(store.CreditMemos(), f.stock, f.ledger, f.parties, store.Audit()).
		WithLocker(shared.NewLocalLocker())

	var err error
	f.product, err = f.stock.CreateProduct(ctx, stock.ProductInput{SKU: "MUG", Name: "Mug", InitialQuantity: 7})
	require.NoError(t, err)
	customer, err := f.parties.Register(ctx, party.ProfileInput{Type: ledger.PartyCustomer, Name: "Ada"})
	require.NoError(t, err)
	vendor, err := f.parties.Register(ctx, party.ProfileInput{Type: ledger.PartyVendor, Name: "Acme"})
	require.NoError(t, err)
	f.customer, f.vendor = customer.ID, vendor.ID
	return f
}

func (f *fixture) customerMemo(t *testing.T, affectsInventory bool) creditmemo.CreditMemo {
	t.Helper()
	memo, err := f.memos.Create(context.Background(), creditmemo.CreateInput{
		Type:             ledger.PartyCustomer,
		CustomerID:       &f.customer,
		Reason:           creditmemo.ReasonReturn,
		AffectsInventory: affectsInventory,
		Lines: []creditmemo.LineInput{{
			ProductID:  f.product.ID,
			Quantity:   3,
			UnitPrice:  decimal.RequireFromString("10.00"),
			TaxPercent: decimal.RequireFromString("10"),
		}},
	})
	require.NoError(t, err)
	return memo
}

func TestCreateComputesTotals(t *testing.T) {
	f := newFixture(t)
	memo := f.customerMemo(t, true)

	require.Equal(t, creditmemo.StatusDraft, memo.Status)
	require.True(t, memo.Subtotal.Equal(decimal.RequireFromString("30.00")))
	require.True(t, memo.TaxAmount.Equal(decimal.RequireFromString("3.00")))
	require.True(t, memo.TotalAmount.Equal(decimal.RequireFromString("33.00")))
	require.Len(t, memo.Lines, 1)
	require.True(t, memo.Lines[0].LineTotal.Equal(decimal.RequireFromString("33.00")))
}

func TestApproveCustomerMemoPostsRestoresAndReducesReceivable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	memo := f.customerMemo(t, true)

	approved, err := f.memos.Approve(ctx, memo.ID, 9)
	require.NoError(t, err)
	require.Equal(t, creditmemo.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)
	require.EqualValues(t, 9, *approved.ApprovedBy)

	balance, err := f.ledger.Balance(ctx, ledger.Customer(f.customer), time.Time{})
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.RequireFromString("-33")), balance.String())

	totals, err := f.ledger.VerifyReference(ctx, memo.Ref())
	require.NoError(t, err)
	require.True(t, totals.Balanced())
	require.True(t, totals.Debit.Equal(decimal.RequireFromString("33")))

	product, err := f.stock.Product(ctx, f.product.ID)
	require.NoError(t, err)
	require.EqualValues(t, 10, product.OnHand)

	profile, err := f.parties.Get(ctx, ledger.Customer(f.customer))
	require.NoError(t, err)
	require.True(t, profile.OutstandingBalance.Equal(decimal.RequireFromString("-33")))
}

func TestApproveVendorMemoWithoutInventory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	memo, err := f.memos.Create(ctx, creditmemo.CreateInput{
		Type:     ledger.PartyVendor,
		VendorID: &f.vendor,
		Reason:   creditmemo.ReasonRateCorrection,
		Lines:    []creditmemo.LineInput{{ProductID: f.product.ID, Quantity: 2, UnitPrice: decimal.RequireFromString("5")}},
	})
	require.NoError(t, err)

	_, err = f.memos.Approve(ctx, memo.ID, 1)
	require.NoError(t, err)

	entries, err := f.ledger.Entries(ctx, memo.Ref())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	accounts := map[ledger.AccountType]decimal.Decimal{}
	for _, e := range entries {
		accounts[e.Account] = e.Amount()
	}
	require.True(t, accounts[ledger.AccountVendor].Equal(decimal.NewFromInt(10)))
	require.True(t, accounts[ledger.AccountPurchaseReturn].Equal(decimal.NewFromInt(-10)))

	product, err := f.stock.Product(ctx, f.product.ID)
	require.NoError(t, err)
	require.EqualValues(t, 7, product.OnHand)

	vendor := ledger.Vendor(f.vendor)
	profile, err := f.parties.Get(ctx, vendor)
	require.NoError(t, err)
	balance, err := f.ledger.Balance(ctx, vendor, time.Time{})
	require.NoError(t, err)
	require.True(t, profile.OutstandingBalance.Equal(balance), "cached %s, ledger %s", profile.OutstandingBalance, balance)
}

func TestConcurrentApproveAppliesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	memo := f.customerMemo(t, true)

	const workers = 2
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.memos.Approve(ctx, memo.ID, 1)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var ok, invalid int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case shared.Reason(err) == "invalid_state":
			invalid++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, invalid)

	product, err := f.stock.Product(ctx, f.product.ID)
	require.NoError(t, err)
	require.EqualValues(t, 10, product.OnHand)
	entries, err := f.ledger.Entries(ctx, memo.Ref())
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestCancelGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	draft := f.customerMemo(t, false)
	cancelled, err := f.memos.Cancel(ctx, draft.ID, 1)
	require.NoError(t, err)
	require.Equal(t, creditmemo.StatusCancelled, cancelled.Status)
	_, err = f.memos.Approve(ctx, draft.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	approved := f.customerMemo(t, false)
	_, err = f.memos.Approve(ctx, approved.ID, 1)
	require.NoError(t, err)
	_, err = f.memos.Cancel(ctx, approved.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	got, err := f.memos.Get(ctx, approved.ID)
	require.NoError(t, err)
	require.Equal(t, creditmemo.StatusApproved, got.Status)
}

func TestApproveWithoutPartyFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	memo, err := f.memos.Create(ctx, creditmemo.CreateInput{
		Type:             ledger.PartyCustomer,
		Reason:           creditmemo.ReasonDamage,
		AffectsInventory: true,
		Lines:            []creditmemo.LineInput{{ProductID: f.product.ID, Quantity: 1, UnitPrice: decimal.NewFromInt(4)}},
	})
	require.NoError(t, err)

	_, err = f.memos.Approve(ctx, memo.ID, 1)
	require.ErrorIs(t, err, shared.ErrMissingParty)

	got, err := f.memos.Get(ctx, memo.ID)
	require.NoError(t, err)
	require.Equal(t, creditmemo.StatusDraft, got.Status)
	product, err := f.stock.Product(ctx, f.product.ID)
	require.NoError(t, err)
	require.EqualValues(t, 7, product.OnHand)
}

func TestApproveRollsBackWhenProfileMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stranger := uuid.New()
	memo, err := f.memos.Create(ctx, creditmemo.CreateInput{
		Type:       ledger.PartyCustomer,
		CustomerID: &stranger,
		Reason:     creditmemo.ReasonReturn,
		Lines:      []creditmemo.LineInput{{ProductID: f.product.ID, Quantity: 1, UnitPrice: decimal.NewFromInt(4)}},
	})
	require.NoError(t, err)

	_, err = f.memos.Approve(ctx, memo.ID, 1)
	require.ErrorIs(t, err, party.ErrProfileNotFound)

	entries, err := f.ledger.Entries(ctx, memo.Ref())
	require.NoError(t, err)
	require.Empty(t, entries, "posting must roll back with the failed approval")
}

func TestListBySource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	source := shared.Ref(shared.RefShipment, uuid.New())
	_, err := f.memos.Create(ctx, creditmemo.CreateInput{
		Type:       ledger.PartyCustomer,
		CustomerID: &f.customer,
		Reason:     creditmemo.ReasonReturn,
		Source:     source,
		Lines:      []creditmemo.LineInput{{ProductID: f.product.ID, Quantity: 1, UnitPrice: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)
	f.customerMemo(t, false)

	memos, err := f.memos.List(ctx, creditmemo.ListFilter{Source: &source})
	require.NoError(t, err)
	require.Len(t, memos, 1)
	require.Equal(t, source, memos[0].Source)

	all, err := f.memos.List(ctx, creditmemo.ListFilter{Type: ledger.PartyCustomer})
	require.NoError(t, err)
	require.Len(t, all, 2)
}
