package app

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/tradebook/internal/jobs"
	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/observability"
	"github.com/odyssey-erp/tradebook/internal/party"
	"github.com/odyssey-erp/tradebook/internal/purchasing"
	"github.com/odyssey-erp/tradebook/internal/sales"
	"github.com/odyssey-erp/tradebook/internal/stock"
	"github.com/odyssey-erp/tradebook/jobs"
)

func memoryConfig() *Config {
	return &Config{
		StoreDriver:      DriverMemory,
		LockTTL:          time.Second,
		LockRetry:        5,
		BalanceCacheTTL:  time.Minute,
		LoyaltyPointUnit: "100",
		SplitEpsilon:     "0.01",
	}
}

func newMemoryEngine(t *testing.T, withRedis bool) *Engine {
	t.Helper()
	deps := EngineDeps{
		Metrics:    observability.NewMetrics(),
		JobMetrics: jobmetrics.NewMetrics(prometheus.NewRegistry()),
	}
	if withRedis {
		mr := miniredis.RunT(t)
		deps.Redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}
	e, err := NewEngine(context.Background(), memoryConfig(), nil, deps)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestEngineRunsPurchaseToSaleConsistently(t *testing.T) {
	for _, withRedis := range []bool{false, true} {
		t.Run(map[bool]string{false: "local", true: "redis"}[withRedis], func(t *testing.T) {
			ctx := context.Background()
			e := newMemoryEngine(t, withRedis)
			require.NoError(t, e.Ping(ctx))

			lamp, err := e.Stock.CreateProduct(ctx, stock.ProductInput{SKU: "LAMP", Name: "Lamp", Price: decimal.NewFromInt(40), CostPrice: decimal.NewFromInt(25)})
			require.NoError(t, err)
			vendor, err := e.Parties.Register(ctx, party.ProfileInput{Type: ledger.PartyVendor, Name: "Lumen Supply"})
			require.NoError(t, err)
			customer, err := e.Parties.Register(ctx, party.ProfileInput{Type: ledger.PartyCustomer, Name: "Walk-in Regular"})
			require.NoError(t, err)

			po, err := e.Purchasing.Create(ctx, purchasing.CreateInput{
				VendorID: vendor.ID,
				Lines:    []purchasing.LineInput{{ProductID: lamp.ID, Quantity: 10, UnitCost: decimal.NewFromInt(25)}},
			})
			require.NoError(t, err)
			_, err = e.Purchasing.Send(ctx, po.ID, 1)
			require.NoError(t, err)
			receipt, err := e.Purchasing.Receive(ctx, purchasing.ReceiveInput{
				POID:  po.ID,
				Lines: []purchasing.ReceiptLine{{ProductID: lamp.ID, Quantity: 10}},
			})
			require.NoError(t, err)
			require.True(t, receipt.Posted)

			vendorBalance, err := e.Balances.Balance(ctx, ledger.Vendor(vendor.ID), time.Time{})
			require.NoError(t, err)
			require.True(t, vendorBalance.Equal(decimal.NewFromInt(250)))
			_, err = e.Ledger.Settle(ctx, ledger.SettlementInput{Party: ledger.Vendor(vendor.ID), Account: ledger.AccountBank, Amount: decimal.NewFromInt(250)})
			require.NoError(t, err)

			sale, err := e.Sales.CreateSale(ctx, sales.SaleInput{
				CustomerID: &customer.ID,
				Items:      []sales.ItemInput{{ProductID: lamp.ID, Quantity: 3}},
				Payment:    sales.Payment{Method: sales.PaymentCash, Cash: decimal.NewFromInt(120)},
			})
			require.NoError(t, err)
			require.True(t, sale.Total.Equal(decimal.NewFromInt(120)))

			got, err := e.Stock.Product(ctx, lamp.ID)
			require.NoError(t, err)
			require.EqualValues(t, 7, got.OnHand)

			report, err := e.Integrity.Run(ctx, jobs.IntegrityPayload{})
			require.NoError(t, err)
			require.True(t, report.Consistent())
			require.Equal(t, 1, report.ProductsChecked)

			refreshed, err := e.Refresh.Run(ctx, jobs.RefreshPayload{KeyRetentionHours: 1})
			require.NoError(t, err)
			require.Empty(t, refreshed.Balances)
			require.Empty(t, refreshed.Committed)

			outstanding, err := e.Balances.Outstanding(ctx, ledger.PartyVendor)
			require.NoError(t, err)
			require.Empty(t, outstanding, "settled vendor owes nothing")
		})
	}
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	_, err := NewEngine(context.Background(), nil, nil, EngineDeps{})
	require.Error(t, err)

	cfg := memoryConfig()
	cfg.StoreDriver = "sqlite"
	_, err = NewEngine(context.Background(), cfg, nil, EngineDeps{})
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, memoryConfig().Validate())

	cases := map[string]func(*Config){
		"driver":  func(c *Config) { c.StoreDriver = "mysql" },
		"loyalty": func(c *Config) { c.LoyaltyPointUnit = "0" },
		"garbage": func(c *Config) { c.LoyaltyPointUnit = "ten" },
		"epsilon": func(c *Config) { c.SplitEpsilon = "-0.01" },
		"retry":   func(c *Config) { c.LockRetry = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := memoryConfig()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverMemory)
	t.Setenv("SPLIT_EPSILON", "0.05")
	t.Setenv("APP_ENV", "production")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, DriverMemory, cfg.StoreDriver)
	require.True(t, cfg.IsProduction())
	eps, err := cfg.Epsilon()
	require.NoError(t, err)
	require.True(t, eps.Equal(decimal.RequireFromString("0.05")))
	require.Equal(t, 720, cfg.KeyRetentionHours)
}
