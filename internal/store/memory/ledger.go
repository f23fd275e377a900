package memory

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/shared"
)

// LedgerRepository implements ledger.RepositoryPort. Entries are append-only.
type LedgerRepository struct {
	s *Store
}

type ledgerTx struct {
	st *state
}

func (r *LedgerRepository) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return r.s.within(ctx, func(ctx context.Context, st *state) error {
		return fn(ctx, &ledgerTx{st: st})
	})
}

func (r *LedgerRepository) BalanceAsOf(ctx context.Context, p ledger.Party, asOf time.Time) (decimal.Decimal, error) {
	return r.sum(ctx, func(e ledger.Entry) bool {
		return e.Party == p && (asOf.IsZero() || !e.OccurredAt.After(asOf))
	}), nil
}

func (r *LedgerRepository) BalanceBefore(ctx context.Context, p ledger.Party, t time.Time) (decimal.Decimal, error) {
	return r.sum(ctx, func(e ledger.Entry) bool {
		return e.Party == p && e.OccurredAt.Before(t)
	}), nil
}

func (r *LedgerRepository) sum(ctx context.Context, match func(ledger.Entry) bool) decimal.Decimal {
	total := decimal.Zero
	r.s.read(ctx, func(st *state) {
		for _, e := range st.entries {
			if match(e) {
				total = total.Add(e.Amount())
			}
		}
	})
	return total
}

func (r *LedgerRepository) ListPartyEntries(ctx context.Context, p ledger.Party, from, to time.Time) ([]ledger.Entry, error) {
	var out []ledger.Entry
	r.s.read(ctx, func(st *state) {
		for _, e := range st.entries {
			if e.Party != p {
				continue
			}
			if !from.IsZero() && e.OccurredAt.Before(from) {
				continue
			}
			if !to.IsZero() && e.OccurredAt.After(to) {
				continue
			}
			out = append(out, e)
		}
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *LedgerRepository) ListReferenceEntries(ctx context.Context, ref shared.Reference) ([]ledger.Entry, error) {
	var out []ledger.Entry
	r.s.read(ctx, func(st *state) { out = referenceEntries(st, ref) })
	return out, nil
}

func (r *LedgerRepository) PartyBalances(ctx context.Context, partyType ledger.PartyType, asOf time.Time) ([]ledger.PartyBalance, error) {
	byParty := make(map[uuid.UUID]*ledger.PartyBalance)
	r.s.read(ctx, func(st *state) {
		for _, e := range st.entries {
			if e.Party.Type != partyType || e.Party.IsZero() {
				continue
			}
			if !asOf.IsZero() && e.OccurredAt.After(asOf) {
				continue
			}
			pb, ok := byParty[e.Party.ID]
			if !ok {
				pb = &ledger.PartyBalance{Party: e.Party, Balance: decimal.Zero}
				byParty[e.Party.ID] = pb
			}
			pb.Balance = pb.Balance.Add(e.Amount())
			if e.Debit.IsPositive() && e.OccurredAt.After(pb.LastDebitAt) {
				pb.LastDebitAt = e.OccurredAt
			}
			if e.OccurredAt.After(pb.LastActivity) {
				pb.LastActivity = e.OccurredAt
			}
		}
	})
	out := make([]ledger.PartyBalance, 0, len(byParty))
	for _, pb := range byParty {
		out = append(out, *pb)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Party.ID[:], out[j].Party.ID[:]) < 0
	})
	return out, nil
}

func (r *LedgerRepository) ReferenceTotals(ctx context.Context) ([]ledger.ReferenceTotals, error) {
	byRef := make(map[shared.Reference]*ledger.ReferenceTotals)
	r.s.read(ctx, func(st *state) {
		for _, e := range st.entries {
			t, ok := byRef[e.Reference]
			if !ok {
				t = &ledger.ReferenceTotals{Reference: e.Reference, Debit: decimal.Zero, Credit: decimal.Zero}
				byRef[e.Reference] = t
			}
			t.Debit = t.Debit.Add(e.Debit)
			t.Credit = t.Credit.Add(e.Credit)
		}
	})
	out := make([]ledger.ReferenceTotals, 0, len(byRef))
	for _, t := range byRef {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reference.Kind != out[j].Reference.Kind {
			return out[i].Reference.Kind < out[j].Reference.Kind
		}
		return bytes.Compare(out[i].Reference.ID[:], out[j].Reference.ID[:]) < 0
	})
	return out, nil
}

func (r *LedgerRepository) Watermark(ctx context.Context) (int64, error) {
	var mark int64
	r.s.read(ctx, func(st *state) { mark = int64(len(st.entries)) })
	return mark, nil
}

// Corrupt appends raw entries without validation. Tests use it to simulate
// drift that the integrity checks must detect.
func (r *LedgerRepository) Corrupt(ctx context.Context, entries ...ledger.Entry) {
	r.s.read(ctx, func(st *state) {
		for _, e := range entries {
			e.ID = st.next()
			st.entries = append(st.entries, e)
		}
	})
}

func (t *ledgerTx) InsertEntries(_ context.Context, entries []ledger.Entry) ([]ledger.Entry, error) {
	out := make([]ledger.Entry, len(entries))
	for i, e := range entries {
		e.ID = t.st.next()
		t.st.entries = append(t.st.entries, e)
		out[i] = e
	}
	return out, nil
}

func (t *ledgerTx) ListReferenceEntries(_ context.Context, ref shared.Reference) ([]ledger.Entry, error) {
	return referenceEntries(t.st, ref), nil
}

func referenceEntries(st *state, ref shared.Reference) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range st.entries {
		if e.Reference == ref {
			out = append(out, e)
		}
	}
	return out
}
