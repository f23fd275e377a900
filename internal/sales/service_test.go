package sales_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/party"
	"github.com/odyssey-erp/tradebook/internal/sales"
	"github.com/odyssey-erp/tradebook/internal/shared"
	"github.com/odyssey-erp/tradebook/internal/stock"
	"github.com/odyssey-erp/tradebook/internal/store/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	stock    *stock.Service
	ledger   *ledger.Service
	parties  *party.Service
	sales    *sales.Service
	radio    stock.Product
	cable    stock.Product
	install  stock.Product
	customer uuid.UUID
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
	f.sales = sales.NewService(store.Sales(), f.stock, f.ledger, f.parties, store.Audit()).
		WithLocker(shared.NewLocalLocker())

	var err error
	f.radio, err = f.stock.CreateProduct(ctx, stock.ProductInput{SKU: "RADIO", Name: "Radio", Price: d("100.00"), TaxRate: d("8"), InitialQuantity: 5})
	require.NoError(t, err)
	f.cable, err = f.stock.CreateProduct(ctx, stock.ProductInput{SKU: "CABLE", Name: "Cable", Price: d("5.00"), InitialQuantity: 1})
	require.NoError(t, err)
	f.install, err = f.stock.CreateProduct(ctx, stock.ProductInput{SKU: "INSTALL", Name: "Installation", Type: stock.ProductService, Price: d("150.00")})
	require.NoError(t, err)
	profile, err := f.parties.Register(ctx, party.ProfileInput{Type: ledger.PartyCustomer, Name: "Linus", CreditLimit: decimal.NewNullDecimal(d("1000"))})
	require.NoError(t, err)
	f.customer = profile.ID
	return f
}

func (f *fixture) onHand(t *testing.T, id uuid.UUID) stock.Product {
	t.Helper()
	p, err := f.stock.Product(context.Background(), id)
	require.NoError(t, err)
	return p
}

func radioSale(f *fixture, payment sales.Payment) sales.SaleInput {
	return sales.SaleInput{
		Items:        []sales.ItemInput{{ProductID: f.radio.ID, Quantity: 1}},
		BillDiscount: d("10"),
		Payment:      payment,
	}
}

func TestCalculateTotalsApportionsBillDiscount(t *testing.T) {
	tax, total := sales.CalculateLine(1, d("100"), decimal.Zero, d("8"))
	require.True(t, tax.Equal(d("8")))
	require.True(t, total.Equal(d("108")))

	totals := sales.CalculateTotals([]sales.SaleLine{{Quantity: 1, UnitPrice: d("100"), LineTax: tax}}, d("10"))
	require.True(t, totals.Subtotal.Equal(d("100")))
	require.True(t, totals.Discount.Equal(d("10")))
	require.True(t, totals.Tax.Equal(d("7.20")))
	require.True(t, totals.Total.Equal(d("97.20")))

	require.EqualValues(t, 2, sales.LoyaltyPoints(d("250"), d("100")))
	require.Zero(t, sales.LoyaltyPoints(d("250"), decimal.Zero))
}

func TestCalculateTotalsZeroSubtotalKeepsLineTax(t *testing.T) {
	lines := []sales.SaleLine{
		{Quantity: 2, UnitPrice: decimal.Zero, LineTax: d("1.25")},
		{Quantity: 1, UnitPrice: decimal.Zero, LineTax: d("0.75")},
	}
	totals := sales.CalculateTotals(lines, decimal.Zero)
	require.True(t, totals.Subtotal.IsZero())
	require.True(t, totals.LineTax.Equal(d("2")))
	require.True(t, totals.Tax.Equal(totals.LineTax), totals.Tax.String())
	require.True(t, totals.Total.Equal(d("2")))

	discounted := sales.CalculateTotals(lines, d("3"))
	require.True(t, discounted.Tax.Equal(d("2")), "a bill discount on a zero subtotal does not scale tax")
	require.True(t, discounted.Discount.Equal(d("3")))
	require.True(t, discounted.Total.Equal(d("-1")))
}

func TestCreateSaleSplitPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sale, err := f.sales.CreateSale(ctx, radioSale(f, sales.Payment{Method: sales.PaymentSplit, Cash: d("50"), Card: d("47.20")}))
	require.NoError(t, err)
	require.True(t, sale.Total.Equal(d("97.20")), sale.Total.String())
	require.True(t, sale.Tax.Equal(d("7.20")))
	require.Equal(t, sales.PaymentStatusPaid, sale.PaymentStatus)
	require.Equal(t, sales.ChannelPOS, sale.Channel)
	require.EqualValues(t, 4, f.onHand(t, f.radio.ID).OnHand)

	totals, err := f.ledger.VerifyReference(ctx, sale.Ref())
	require.NoError(t, err)
	require.True(t, totals.Balanced())
	require.True(t, totals.Credit.Equal(d("97.20")))

	_, err = f.sales.CreateSale(ctx, radioSale(f, sales.Payment{Method: sales.PaymentSplit, Cash: d("50"), Card: d("40")}))
	require.ErrorIs(t, err, shared.ErrSplitMismatch)
	require.EqualValues(t, 4, f.onHand(t, f.radio.ID).OnHand)
}

func TestSplitWithinEpsilonPostsExactTotal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sale, err := f.sales.CreateSale(ctx, radioSale(f, sales.Payment{Method: sales.PaymentSplit, Cash: d("50"), Card: d("47.21")}))
	require.NoError(t, err)

	entries, err := f.ledger.Entries(ctx, sale.Ref())
	require.NoError(t, err)
	byAccount := map[ledger.AccountType]decimal.Decimal{}
	for _, e := range entries {
		byAccount[e.Account] = e.Amount()
	}
	require.True(t, byAccount[ledger.AccountCash].Equal(d("49.99")), byAccount[ledger.AccountCash].String())
	require.True(t, byAccount[ledger.AccountCard].Equal(d("47.21")))
	require.True(t, byAccount[ledger.AccountSales].Equal(d("-97.20")))
}

func TestSplitOnOneCentSaleStaysBalanced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sticker, err := f.stock.CreateProduct(ctx, stock.ProductInput{SKU: "STICKER", Name: "Sticker", Price: d("0.01"), InitialQuantity: 3})
	require.NoError(t, err)
	item := []sales.ItemInput{{ProductID: sticker.ID, Quantity: 1}}

	_, err = f.sales.CreateSale(ctx, sales.SaleInput{Items: item, Payment: sales.Payment{Method: sales.PaymentSplit}})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.NotErrorIs(t, err, shared.ErrUnbalancedPosting)
	require.EqualValues(t, 3, f.onHand(t, sticker.ID).OnHand)

	sale, err := f.sales.CreateSale(ctx, sales.SaleInput{Items: item, Payment: sales.Payment{Method: sales.PaymentSplit, Cash: d("0.01"), Card: d("0.01")}})
	require.NoError(t, err)
	entries, err := f.ledger.Entries(ctx, sale.Ref())
	require.NoError(t, err)
	byAccount := map[ledger.AccountType]decimal.Decimal{}
	for _, e := range entries {
		byAccount[e.Account] = e.Amount()
	}
	_, cashDebited := byAccount[ledger.AccountCash]
	require.False(t, cashDebited, "the overpaid cent comes off the cash tender entirely")
	require.True(t, byAccount[ledger.AccountCard].Equal(d("0.01")))
	require.True(t, byAccount[ledger.AccountSales].Equal(d("-0.01")))
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const buyers = 8
	available := f.onHand(t, f.radio.ID).Available()
	require.Less(t, available, int64(buyers))

	errs := make(chan error, buyers)
	var wg sync.WaitGroup
	for range buyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sales.CreateSale(ctx, sales.SaleInput{
				Items:   []sales.ItemInput{{ProductID: f.radio.ID, Quantity: 1}},
				Payment: sales.Payment{Method: sales.PaymentCash},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var sold int64
	for err := range errs {
		if err == nil {
			sold++
			continue
		}
		require.ErrorIs(t, err, shared.ErrInsufficientStock)
	}
	require.Equal(t, available, sold)

	product := f.onHand(t, f.radio.ID)
	require.Zero(t, product.OnHand)
	rec, err := f.stock.Reconcile(ctx, f.radio.ID)
	require.NoError(t, err)
	require.Zero(t, rec.Drift())
}

func TestCreateSaleRollsBackOnInsufficientStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.sales.CreateSale(ctx, sales.SaleInput{
		Items: []sales.ItemInput{
			{ProductID: f.radio.ID, Quantity: 2},
			{ProductID: f.cable.ID, Quantity: 3},
		},
		Payment: sales.Payment{Method: sales.PaymentCash},
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Equal(t, 2, shared.LineOf(err))

	require.EqualValues(t, 5, f.onHand(t, f.radio.ID).OnHand)
	require.EqualValues(t, 1, f.onHand(t, f.cable.ID).OnHand)
	mark, err := f.ledger.Watermark(ctx)
	require.NoError(t, err)
	require.Zero(t, mark)
	list, err := f.sales.ListSales(ctx, sales.SaleFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestCreateSaleIdempotencyKeyReplays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	input := radioSale(f, sales.Payment{Method: sales.PaymentCash})
	input.IdempotencyKey = "till-1:0001"

	first, err := f.sales.CreateSale(ctx, input)
	require.NoError(t, err)
	second, err := f.sales.CreateSale(ctx, input)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	require.EqualValues(t, 4, f.onHand(t, f.radio.ID).OnHand)
	entries, err := f.ledger.Entries(ctx, first.Ref())
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestCreditSaleRaisesReceivableAndLoyalty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sale, err := f.sales.CreateSale(ctx, sales.SaleInput{
		CustomerID: &f.customer,
		Items: []sales.ItemInput{
			{ProductID: f.radio.ID, Quantity: 1},
			{ProductID: f.install.ID, Quantity: 1},
		},
		Payment: sales.Payment{Method: sales.PaymentCredit},
	})
	require.NoError(t, err)
	require.Equal(t, sales.PaymentStatusUnpaid, sale.PaymentStatus)
	require.True(t, sale.Total.Equal(d("258")), sale.Total.String())
	require.EqualValues(t, 2, sale.LoyaltyPoints)
	require.False(t, sale.Lines[1].StockTracked)

	balance, err := f.ledger.Balance(ctx, ledger.Customer(f.customer), time.Time{})
	require.NoError(t, err)
	require.True(t, balance.Equal(d("258")))

	profile, err := f.parties.Get(ctx, ledger.Customer(f.customer))
	require.NoError(t, err)
	require.True(t, profile.OutstandingBalance.Equal(d("258")))
	require.EqualValues(t, 2, profile.LoyaltyPoints)

	_, err = f.sales.CreateSale(ctx, sales.SaleInput{
		Items:   []sales.ItemInput{{ProductID: f.radio.ID, Quantity: 1}},
		Payment: sales.Payment{Method: sales.PaymentCredit},
	})
	require.ErrorIs(t, err, shared.ErrMissingParty)
}

func TestCreateSaleRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	input := radioSale(f, sales.Payment{Method: sales.PaymentCash})
	input.BillDiscount = d("150")
	_, err := f.sales.CreateSale(ctx, input)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.sales.CreateSale(ctx, sales.SaleInput{
		Items:   []sales.ItemInput{{ProductID: uuid.New(), Quantity: 1}},
		Payment: sales.Payment{Method: sales.PaymentCash},
	})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.sales.CreateSale(ctx, sales.SaleInput{Payment: sales.Payment{Method: sales.PaymentCash}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestOnlineOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	order, err := f.sales.PlaceOrder(ctx, sales.PlaceOrderInput{
		CustomerID: &f.customer,
		Items:      []sales.ItemInput{{ProductID: f.radio.ID, Quantity: 2}, {ProductID: f.radio.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, sales.OrderPlaced, order.Status)
	radio := f.onHand(t, f.radio.ID)
	require.EqualValues(t, 3, radio.Committed)
	require.EqualValues(t, 5, radio.OnHand)

	committed, err := f.sales.CommittedByProduct(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, committed[f.radio.ID])

	// reserved units are not available to a walk-in sale
	_, err = f.sales.CreateSale(ctx, sales.SaleInput{
		Items:   []sales.ItemInput{{ProductID: f.radio.ID, Quantity: 3}},
		Payment: sales.Payment{Method: sales.PaymentCash},
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	sale, err := f.sales.FulfillOrder(ctx, sales.FulfillInput{OrderID: order.ID, Payment: sales.Payment{Method: sales.PaymentCard}})
	require.NoError(t, err)
	require.Equal(t, sales.ChannelOnline, sale.Channel)
	require.NotNil(t, sale.OrderID)
	require.Equal(t, order.ID, *sale.OrderID)
	require.True(t, sale.Total.Equal(d("324")), sale.Total.String())

	radio = f.onHand(t, f.radio.ID)
	require.Zero(t, radio.Committed)
	require.EqualValues(t, 2, radio.OnHand)

	got, err := f.sales.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, sales.OrderFulfilled, got.Status)
	require.Equal(t, sale.ID, *got.SaleID)

	_, err = f.sales.CancelOrder(ctx, order.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestCancelOrderReleasesReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	order, err := f.sales.PlaceOrder(ctx, sales.PlaceOrderInput{Items: []sales.ItemInput{{ProductID: f.cable.ID, Quantity: 1}}})
	require.NoError(t, err)

	_, err = f.sales.PlaceOrder(ctx, sales.PlaceOrderInput{Items: []sales.ItemInput{{ProductID: f.cable.ID, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	cancelled, err := f.sales.CancelOrder(ctx, order.ID, 1)
	require.NoError(t, err)
	require.Equal(t, sales.OrderCancelled, cancelled.Status)
	require.Zero(t, f.onHand(t, f.cable.ID).Committed)

	_, err = f.sales.FulfillOrder(ctx, sales.FulfillInput{OrderID: order.ID, Payment: sales.Payment{Method: sales.PaymentCash}})
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestFulfillRollsBackReservationRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	order, err := f.sales.PlaceOrder(ctx, sales.PlaceOrderInput{Items: []sales.ItemInput{{ProductID: f.radio.ID, Quantity: 1}}})
	require.NoError(t, err)

	_, err = f.sales.FulfillOrder(ctx, sales.FulfillInput{
		OrderID: order.ID,
		Payment: sales.Payment{Method: sales.PaymentSplit, Cash: d("1")},
	})
	require.ErrorIs(t, err, shared.ErrSplitMismatch)

	radio := f.onHand(t, f.radio.ID)
	require.EqualValues(t, 1, radio.Committed)
	require.EqualValues(t, 5, radio.OnHand)
	got, err := f.sales.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, sales.OrderPlaced, got.Status)
}
