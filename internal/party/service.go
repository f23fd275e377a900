package party

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/shared"
)

// RepositoryPort abstracts profile persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetProfile(ctx context.Context, party ledger.Party) (Profile, error)
	ListProfiles(ctx context.Context, partyType ledger.PartyType) ([]Profile, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	CreateProfile(ctx context.Context, profile Profile) error
	GetProfileForUpdate(ctx context.Context, party ledger.Party) (Profile, error)
	UpdateCachedFields(ctx context.Context, party ledger.Party, outstanding decimal.Decimal, loyalty int64) error
}

// BalancePort derives balances from the ledger.
type BalancePort interface {
	Balance(ctx context.Context, party ledger.Party, asOf time.Time) (decimal.Decimal, error)
}

// Service maintains vendor and customer profiles and their cached fields.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Register creates a profile.
func (s *Service) Register(ctx context.Context, input ProfileInput) (Profile, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Profile{}, err
	}
	if input.CreditLimit.Valid && input.CreditLimit.Decimal.IsNegative() {
		return Profile{}, fmt.Errorf("%w: credit limit cannot be negative", shared.ErrValidation)
	}
	id := input.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := time.Now().UTC()
	profile := Profile{
		ID:                 id,
		Type:               input.Type,
		Name:               input.Name,
		CreditLimit:        input.CreditLimit,
		PaymentTermsDays:   input.PaymentTermsDays,
		OutstandingBalance: decimal.Zero,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.CreateProfile(ctx, profile)
	})
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// Get returns a profile.
func (s *Service) Get(ctx context.Context, p ledger.Party) (Profile, error) {
	return s.repo.GetProfile(ctx, p)
}

// List returns every profile of a type.
func (s *Service) List(ctx context.Context, partyType ledger.PartyType) ([]Profile, error) {
	return s.repo.ListProfiles(ctx, partyType)
}

// AdjustOutstanding moves the cached outstanding balance by delta inside the caller's unit of work.
func (s *Service) AdjustOutstanding(ctx context.Context, p ledger.Party, delta decimal.Decimal) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		profile, err := tx.GetProfileForUpdate(ctx, p)
		if err != nil {
			return err
		}
		return tx.UpdateCachedFields(ctx, p, profile.OutstandingBalance.Add(delta), profile.LoyaltyPoints)
	})
}

// AwardLoyalty adds points to a customer.
func (s *Service) AwardLoyalty(ctx context.Context, customerID uuid.UUID, points int64) error {
	if points <= 0 {
		return nil
	}
	p := ledger.Customer(customerID)
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		profile, err := tx.GetProfileForUpdate(ctx, p)
		if err != nil {
			return err
		}
		return tx.UpdateCachedFields(ctx, p, profile.OutstandingBalance, profile.LoyaltyPoints+points)
	})
}

// Regenerate overwrites every cached outstanding balance of partyType with the
// ledger balance and reports what changed.
func (s *Service) Regenerate(ctx context.Context, partyType ledger.PartyType, balances BalancePort) ([]Drift, error) {
	profiles, err := s.repo.ListProfiles(ctx, partyType)
	if err != nil {
		return nil, err
	}
	var drifts []Drift
	for _, pr := range profiles {
		var drift *Drift
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			locked, err := tx.GetProfileForUpdate(ctx, pr.Party())
			if err != nil {
				return err
			}
			computed, err := balances.Balance(ctx, pr.Party(), time.Time{})
			if err != nil {
				return err
			}
			if computed.Equal(locked.OutstandingBalance) {
				return nil
			}
			drift = &Drift{Party: pr.Party(), Cached: locked.OutstandingBalance, Computed: computed}
			return tx.UpdateCachedFields(ctx, pr.Party(), computed, locked.LoyaltyPoints)
		})
		if err != nil {
			return drifts, err
		}
		if drift == nil {
			continue
		}
		s.logger.Warn("cached outstanding balance regenerated",
			slog.String("party", drift.Party.String()),
			slog.String("cached", drift.Cached.StringFixed(2)),
			slog.String("ledger", drift.Computed.StringFixed(2)))
		drifts = append(drifts, *drift)
	}
	return drifts, nil
}
