package balances

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/party"
	"github.com/odyssey-erp/tradebook/internal/shared"
	"github.com/odyssey-erp/tradebook/internal/stock"
)

// LedgerPort is the read side of the financial ledger.
type LedgerPort interface {
	Balance(ctx context.Context, p ledger.Party, asOf time.Time) (decimal.Decimal, error)
	Statement(ctx context.Context, p ledger.Party, from, to time.Time) (ledger.Statement, error)
	PartyBalances(ctx context.Context, partyType ledger.PartyType, asOf time.Time) ([]ledger.PartyBalance, error)
	Watermark(ctx context.Context) (int64, error)
}

// ProfilePort reads party profiles and regenerates their cached balances.
type ProfilePort interface {
	List(ctx context.Context, partyType ledger.PartyType) ([]party.Profile, error)
	Regenerate(ctx context.Context, partyType ledger.PartyType, balances party.BalancePort) ([]party.Drift, error)
}

// StockPort exposes the committed-quantity cache.
type StockPort interface {
	Products(ctx context.Context, filter stock.ProductFilter) ([]stock.Product, error)
	RegenerateCommitted(ctx context.Context, productID uuid.UUID, compute func(context.Context) (int64, error)) (cached, computed int64, err error)
}

// CommitmentPort reports what open orders hold of a product.
type CommitmentPort interface {
	CommittedFor(ctx context.Context, productID uuid.UUID) (int64, error)
}

// Service aggregates vendor and customer balances from the ledger. It owns no
// state; cached fields elsewhere are regenerated from here.
type Service struct {
	ledger      LedgerPort
	profiles    ProfilePort
	stock       StockPort
	commitments CommitmentPort
	cache       *Cache
	group       singleflight.Group
	logger      *slog.Logger
}

// NewService builds Service. cache may be nil.
func NewService(ledgerPort LedgerPort, profiles ProfilePort, stockPort StockPort, commitments CommitmentPort, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:      ledgerPort,
		profiles:    profiles,
		stock:       stockPort,
		commitments: commitments,
		cache:       cache,
		logger:      logger,
	}
}

// Balance returns the party's ledger balance at asOf; zero asOf means now.
func (s *Service) Balance(ctx context.Context, p ledger.Party, asOf time.Time) (decimal.Decimal, error) {
	return s.ledger.Balance(ctx, p, asOf)
}

// Statement returns the party's chronological statement.
func (s *Service) Statement(ctx context.Context, p ledger.Party, from, to time.Time) (ledger.Statement, error) {
	return s.ledger.Statement(ctx, p, from, to)
}

// Outstanding lists parties of partyType with a positive balance, largest first.
// Results are cached per ledger watermark and concurrent misses share one load.
func (s *Service) Outstanding(ctx context.Context, partyType ledger.PartyType) ([]Outstanding, error) {
	if partyType != ledger.PartyVendor && partyType != ledger.PartyCustomer {
		return nil, fmt.Errorf("%w: unknown party type %q", shared.ErrValidation, partyType)
	}
	mark, err := s.ledger.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	key, err := s.cache.BuildKey(ctx, "balances", "outstanding", string(partyType), strconv.FormatInt(mark, 10))
	if err != nil {
		return nil, err
	}
	result, err, _ := s.group.Do(key, func() (any, error) {
		var rows []Outstanding
		err := s.cache.FetchJSON(ctx, key, &rows, func(ctx context.Context) (any, error) {
			return s.loadOutstanding(ctx, partyType, time.Time{})
		})
		return rows, err
	})
	if err != nil {
		return nil, err
	}
	return result.([]Outstanding), nil
}

func (s *Service) loadOutstanding(ctx context.Context, partyType ledger.PartyType, asOf time.Time) ([]Outstanding, error) {
	balances, err := s.ledger.PartyBalances(ctx, partyType, asOf)
	if err != nil {
		return nil, err
	}
	profiles, err := s.profiles.List(ctx, partyType)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]party.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	rows := make([]Outstanding, 0, len(balances))
	for _, b := range balances {
		if !b.Balance.IsPositive() {
			continue
		}
		row := Outstanding{Party: b.Party, Balance: b.Balance, LastDebitAt: b.LastDebitAt}
		if profile, ok := byID[b.Party.ID]; ok {
			row.Name = profile.Name
			row.CreditLimit = profile.CreditLimit
			if profile.CreditLimit.Valid && profile.CreditLimit.Decimal.IsPositive() {
				pct := b.Balance.Mul(decimal.NewFromInt(100)).Div(profile.CreditLimit.Decimal).Round(2)
				row.Utilization = decimal.NewNullDecimal(pct)
			}
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Balance.Equal(rows[j].Balance) {
			return rows[i].Balance.GreaterThan(rows[j].Balance)
		}
		return rows[i].Party.ID.String() < rows[j].Party.ID.String()
	})
	return rows, nil
}

// Overdue projects due dates as the last debit plus the party's payment terms
// and lists balances whose due date is before asOf. The projection is a
// heuristic; the ledger guarantees only the balance itself.
func (s *Service) Overdue(ctx context.Context, partyType ledger.PartyType, asOf time.Time) ([]Overdue, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	rows, err := s.loadOutstanding(ctx, partyType, asOf)
	if err != nil {
		return nil, err
	}
	profiles, err := s.profiles.List(ctx, partyType)
	if err != nil {
		return nil, err
	}
	terms := make(map[uuid.UUID]int, len(profiles))
	for _, p := range profiles {
		terms[p.ID] = p.PaymentTermsDays
	}
	var out []Overdue
	for _, row := range rows {
		if row.LastDebitAt.IsZero() {
			continue
		}
		due := row.LastDebitAt.AddDate(0, 0, terms[row.Party.ID])
		if !due.Before(asOf) {
			continue
		}
		out = append(out, Overdue{
			Outstanding: row,
			DueDate:     due,
			DaysOverdue: int(asOf.Sub(due).Hours() / 24),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DaysOverdue > out[j].DaysOverdue })
	return out, nil
}

// RefreshCachedBalances overwrites every cached outstanding balance with the
// ledger figure and invalidates cached views.
func (s *Service) RefreshCachedBalances(ctx context.Context) ([]party.Drift, error) {
	var drifts []party.Drift
	for _, t := range []ledger.PartyType{ledger.PartyVendor, ledger.PartyCustomer} {
		d, err := s.profiles.Regenerate(ctx, t, s.ledger)
		drifts = append(drifts, d...)
		if err != nil {
			return drifts, err
		}
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("balances cache bump", slog.Any("error", err))
	}
	return drifts, nil
}

// RefreshCommitted regenerates committed quantities from open orders. Each
// product is recounted under its row lock.
func (s *Service) RefreshCommitted(ctx context.Context) ([]CommittedDrift, error) {
	if s.stock == nil || s.commitments == nil {
		return nil, nil
	}
	products, err := s.stock.Products(ctx, stock.ProductFilter{TrackedOnly: true})
	if err != nil {
		return nil, err
	}
	var drifts []CommittedDrift
	for _, p := range products {
		id := p.ID
		cached, computed, err := s.stock.RegenerateCommitted(ctx, id, func(ctx context.Context) (int64, error) {
			return s.commitments.CommittedFor(ctx, id)
		})
		if err != nil {
			return drifts, err
		}
		if cached == computed {
			continue
		}
		s.logger.Warn("committed quantity regenerated",
			slog.String("product", id.String()),
			slog.Int64("cached", cached),
			slog.Int64("open_orders", computed))
		drifts = append(drifts, CommittedDrift{ProductID: id, Cached: cached, Computed: computed})
	}
	return drifts, nil
}
