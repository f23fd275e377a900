package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/party"
	"github.com/odyssey-erp/tradebook/internal/shared"
)

// PartyRepository implements party.RepositoryPort.
type PartyRepository struct {
	s *Store
}

type partyTx struct {
	st *state
}

func (r *PartyRepository) WithTx(ctx context.Context, fn func(context.Context, party.TxRepository) error) error {
	return r.s.within(ctx, func(ctx context.Context, st *state) error {
		return fn(ctx, &partyTx{st: st})
	})
}

func (r *PartyRepository) GetProfile(ctx context.Context, p ledger.Party) (party.Profile, error) {
	var (
		profile party.Profile
		ok      bool
	)
	r.s.read(ctx, func(st *state) { profile, ok = st.profiles[p] })
	if !ok {
		return party.Profile{}, party.ErrProfileNotFound
	}
	return profile, nil
}

func (r *PartyRepository) ListProfiles(ctx context.Context, partyType ledger.PartyType) ([]party.Profile, error) {
	var out []party.Profile
	r.s.read(ctx, func(st *state) {
		for key, profile := range st.profiles {
			if key.Type == partyType {
				out = append(out, profile)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// SetOutstanding overwrites a cached balance without touching the ledger.
// Tests use it to simulate drift.
func (r *PartyRepository) SetOutstanding(ctx context.Context, p ledger.Party, outstanding decimal.Decimal) {
	r.s.read(ctx, func(st *state) {
		if profile, ok := st.profiles[p]; ok {
			profile.OutstandingBalance = outstanding
			st.profiles[p] = profile
		}
	})
}

func (t *partyTx) CreateProfile(_ context.Context, profile party.Profile) error {
	key := profile.Party()
	if _, exists := t.st.profiles[key]; exists {
		return fmt.Errorf("%w: profile %s already exists", shared.ErrValidation, key)
	}
	t.st.profiles[key] = profile
	return nil
}

func (t *partyTx) GetProfileForUpdate(_ context.Context, p ledger.Party) (party.Profile, error) {
	profile, ok := t.st.profiles[p]
	if !ok {
		return party.Profile{}, party.ErrProfileNotFound
	}
	return profile, nil
}

func (t *partyTx) UpdateCachedFields(_ context.Context, p ledger.Party, outstanding decimal.Decimal, loyalty int64) error {
	profile, ok := t.st.profiles[p]
	if !ok {
		return party.ErrProfileNotFound
	}
	profile.OutstandingBalance = outstanding
	profile.LoyaltyPoints = loyalty
	profile.UpdatedAt = time.Now().UTC()
	t.st.profiles[p] = profile
	return nil
}
