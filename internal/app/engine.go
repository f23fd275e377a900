package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/tradebook/internal/balances"
	"github.com/odyssey-erp/tradebook/internal/creditmemo"
	jobmetrics "github.com/odyssey-erp/tradebook/internal/jobs"
	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/observability"
	"github.com/odyssey-erp/tradebook/internal/party"
	"github.com/odyssey-erp/tradebook/internal/platform/cache"
	"github.com/odyssey-erp/tradebook/internal/platform/db"
	"github.com/odyssey-erp/tradebook/internal/purchasing"
	"github.com/odyssey-erp/tradebook/internal/sales"
	"github.com/odyssey-erp/tradebook/internal/shared"
	"github.com/odyssey-erp/tradebook/internal/shipment"
	"github.com/odyssey-erp/tradebook/internal/stock"
	"github.com/odyssey-erp/tradebook/internal/store/memory"
	"github.com/odyssey-erp/tradebook/jobs"
)

// Engine is the wired set of services sharing one store, lock and cache.
type Engine struct {
	Stock       *stock.Service
	Ledger      *ledger.Service
	Parties     *party.Service
	Purchasing  *purchasing.Service
	CreditMemos *creditmemo.Service
	Shipments   *shipment.Service
	Sales       *sales.Service
	Balances    *balances.Service

	Integrity *jobs.IntegrityJob
	Refresh   *jobs.BalanceRefreshJob

	Cache *balances.Cache
	Redis *redis.Client

	pool   *pgxpool.Pool
	logger *slog.Logger
}

// EngineDeps carries optional collaborators; zero values are valid.
type EngineDeps struct {
	Metrics    *observability.Metrics
	JobMetrics *jobmetrics.Metrics
	// Store overrides the memory driver's store, mainly for tests.
	Store *memory.Store
	// Redis overrides the client dialled from REDIS_ADDR.
	Redis *redis.Client
}

type storage struct {
	stock       stock.RepositoryPort
	ledger      ledger.RepositoryPort
	parties     party.RepositoryPort
	purchasing  purchasing.RepositoryPort
	creditMemos creditmemo.RepositoryPort
	shipments   shipment.RepositoryPort
	sales       sales.RepositoryPort
	audit       shared.AuditSink
	idempotency idempotencyStore
}

type idempotencyStore interface {
	purchasing.IdempotencyPort
	jobs.KeyCleaner
}

// NewEngine connects the configured store and builds every service.
func NewEngine(ctx context.Context, cfg *Config, logger *slog.Logger, deps EngineDeps) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger}

	var st storage
	switch cfg.StoreDriver {
	case DriverMemory:
		mem := deps.Store
		if mem == nil {
			mem = memory.New()
		}
		st = storage{
			stock:       mem.Stock(),
			ledger:      mem.Ledger(),
			parties:     mem.Parties(),
			purchasing:  mem.Purchasing(),
			creditMemos: mem.CreditMemos(),
			shipments:   mem.Shipments(),
			sales:       mem.Sales(),
			audit:       mem.Audit(),
			idempotency: mem.Idempotency(),
		}
	case DriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := db.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		e.pool = pool
		tm := db.NewTxManager(pool)
		st = storage{
			stock:       stock.NewRepository(tm),
			ledger:      ledger.NewRepository(tm),
			parties:     party.NewRepository(tm),
			purchasing:  purchasing.NewRepository(tm),
			creditMemos: creditmemo.NewRepository(tm),
			shipments:   shipment.NewRepository(tm),
			sales:       sales.NewRepository(tm),
			audit:       shared.NewAuditLogger(tm),
			idempotency: shared.NewIdempotencyStore(tm),
		}
	default:
		return nil, fmt.Errorf("app: unknown store driver %q", cfg.StoreDriver)
	}

	e.Redis = deps.Redis
	if e.Redis == nil && cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisOptions())
		if err != nil {
			logger.Warn("redis unavailable, using in-process locks and no balance cache", slog.Any("error", err))
		} else {
			e.Redis = client
		}
	}
	var locker shared.Locker = shared.NewLocalLocker()
	if e.Redis != nil {
		locker = shared.NewRedisLocker(e.Redis, cfg.LockTTL, cfg.LockRetry, logger)
	}
	e.Cache = balances.NewCache(e.Redis, cfg.BalanceCacheTTL)

	loyaltyUnit, err := cfg.LoyaltyUnit()
	if err != nil {
		return nil, err
	}
	epsilon, err := cfg.Epsilon()
	if err != nil {
		return nil, err
	}

	engineMetrics := deps.Metrics.Engine()
	e.Stock = stock.NewService(st.stock, st.audit, logger, engineMetrics)
	e.Parties = party.NewService(st.parties, logger)
	e.Ledger = ledger.NewService(st.ledger, logger, engineMetrics).WithPartyCache(e.Parties)
	e.Purchasing = purchasing.NewService(st.purchasing, e.Stock, e.Ledger, st.audit).
		WithLocker(locker).
		WithIdempotency(st.idempotency).
		WithParties(e.Parties).
		WithLogger(logger).
		WithMetrics(engineMetrics)
	e.CreditMemos = creditmemo.NewService(st.creditMemos, e.Stock, e.Ledger, e.Parties, st.audit).
		WithLocker(locker).
		WithLogger(logger).
		WithMetrics(engineMetrics)
	e.Shipments = shipment.NewService(st.shipments, e.Stock, e.CreditMemos, st.audit).
		WithLocker(locker).
		WithLogger(logger).
		WithMetrics(engineMetrics)
	e.Sales = sales.NewService(st.sales, e.Stock, e.Ledger, e.Parties, st.audit).
		WithLocker(locker).
		WithLogger(logger).
		WithMetrics(engineMetrics).
		WithLoyaltyUnit(loyaltyUnit).
		WithSplitEpsilon(epsilon)
	e.Balances = balances.NewService(e.Ledger, e.Parties, e.Stock, e.Sales, e.Cache, logger)

	e.Integrity = jobs.NewIntegrityJob(e.Ledger, e.Stock, logger, deps.JobMetrics)
	e.Refresh = jobs.NewBalanceRefreshJob(e.Balances, st.idempotency, logger, deps.JobMetrics)
	return e, nil
}

// Ping checks the backing services.
func (e *Engine) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if e.pool != nil {
		if err := e.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if e.Redis != nil {
		if err := e.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases the pool and the Redis client.
func (e *Engine) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
	if e.Redis != nil {
		if err := e.Redis.Close(); err != nil {
			e.logger.Warn("redis close", slog.Any("error", err))
		}
	}
}
