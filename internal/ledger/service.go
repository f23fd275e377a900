package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/observability"
	"github.com/odyssey-erp/tradebook/internal/shared"
)

// RepositoryPort abstracts ledger persistence. Entries are append-only: no
// update or delete operation exists.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	// BalanceAsOf sums debit-credit for entries at or before asOf; zero asOf means no bound.
	BalanceAsOf(ctx context.Context, party Party, asOf time.Time) (decimal.Decimal, error)
	// BalanceBefore sums debit-credit for entries strictly before t.
	BalanceBefore(ctx context.Context, party Party, t time.Time) (decimal.Decimal, error)
	ListPartyEntries(ctx context.Context, party Party, from, to time.Time) ([]Entry, error)
	ListReferenceEntries(ctx context.Context, ref shared.Reference) ([]Entry, error)
	PartyBalances(ctx context.Context, partyType PartyType, asOf time.Time) ([]PartyBalance, error)
	ReferenceTotals(ctx context.Context) ([]ReferenceTotals, error)
	Watermark(ctx context.Context) (int64, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	InsertEntries(ctx context.Context, entries []Entry) ([]Entry, error)
	ListReferenceEntries(ctx context.Context, ref shared.Reference) ([]Entry, error)
}

// PartyCache keeps a party's cached outstanding balance in step with settlements.
type PartyCache interface {
	AdjustOutstanding(ctx context.Context, party Party, delta decimal.Decimal) error
}

// Service writes balanced postings and derives party balances from them.
type Service struct {
	repo    RepositoryPort
	parties PartyCache
	logger  *slog.Logger
	metrics *observability.Engine
	now     func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, logger *slog.Logger, metrics *observability.Engine) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, metrics: metrics, now: func() time.Time { return time.Now().UTC() }}
}

// WithPartyCache moves cached outstanding balances when Settle posts.
func (s *Service) WithPartyCache(parties PartyCache) *Service {
	s.parties = parties
	return s
}

// Post validates and writes a posting as one atomic unit.
func (s *Service) Post(ctx context.Context, input PostingInput) (Posting, error) {
	if err := input.Validate(); err != nil {
		if errors.Is(err, shared.ErrUnbalancedPosting) {
			debit, credit := input.Totals()
			s.metrics.Unbalanced()
			s.logger.Error("ledger invariant violation: unbalanced posting",
				slog.String("ref", input.Reference.String()),
				slog.String("debit", debit.StringFixed(2)),
				slog.String("credit", credit.StringFixed(2)),
				slog.Int("lines", len(input.Lines)))
		}
		return Posting{}, err
	}
	occurred := input.OccurredAt
	if occurred.IsZero() {
		occurred = s.now()
	}
	postingID := uuid.New()
	entries := make([]Entry, 0, len(input.Lines))
	for _, l := range input.Lines {
		memo := l.Memo
		if memo == "" {
			memo = input.Memo
		}
		entries = append(entries, Entry{
			PostingID:  postingID,
			Account:    l.Account,
			Party:      l.Party,
			Debit:      l.Debit,
			Credit:     l.Credit,
			Reference:  input.Reference,
			Memo:       memo,
			ActorID:    input.ActorID,
			OccurredAt: occurred,
		})
	}
	var written []Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		written, err = tx.InsertEntries(ctx, entries)
		return err
	})
	if err != nil {
		return Posting{}, err
	}
	s.metrics.Posting(string(input.Reference.Kind))
	return Posting{ID: postingID, Reference: input.Reference, Entries: written}, nil
}

// Reverse posts the exact opposite of every entry recorded for ref. A
// reference that already nets to zero on every account cannot be reversed.
func (s *Service) Reverse(ctx context.Context, ref shared.Reference, actorID int64, memo string) (Posting, error) {
	if err := ref.Validate(); err != nil {
		return Posting{}, err
	}
	var posting Posting
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entries, err := tx.ListReferenceEntries(ctx, ref)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return shared.Fail("ledger.reverse", ref, shared.ErrNotFound, "no entries")
		}
		if netsToZero(entries) {
			return shared.Fail("ledger.reverse", ref, shared.ErrInvalidState, "already reversed")
		}
		input := PostingInput{Reference: ref, Memo: memo, ActorID: actorID}
		for _, e := range entries {
			input.Lines = append(input.Lines, Line{Account: e.Account, Party: e.Party, Debit: e.Credit, Credit: e.Debit})
		}
		posting, err = s.Post(ctx, input)
		return err
	})
	if err != nil {
		return Posting{}, err
	}
	return posting, nil
}

func netsToZero(entries []Entry) bool {
	type key struct {
		account AccountType
		party   Party
	}
	sums := make(map[key]decimal.Decimal)
	for _, e := range entries {
		k := key{e.Account, e.Party}
		sums[k] = sums[k].Add(e.Amount())
	}
	for _, v := range sums {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// Settle records money moving between a party and a settlement account. The
// party is credited, reducing the amount outstanding on either side.
func (s *Service) Settle(ctx context.Context, input SettlementInput) (Posting, error) {
	if !input.Party.Valid() {
		return Posting{}, shared.Fail("ledger.settle", input.Reference, shared.ErrMissingParty, "")
	}
	if !input.Account.Settlement() {
		return Posting{}, fmt.Errorf("%w: %s is not a settlement account", shared.ErrValidation, input.Account)
	}
	if !input.Amount.IsPositive() {
		return Posting{}, fmt.Errorf("%w: settlement amount must be positive", shared.ErrValidation)
	}
	ref := input.Reference
	if ref.IsZero() {
		ref = shared.Ref(shared.RefSettlement, uuid.New())
	}
	partyAccount := AccountVendor
	if input.Party.Type == PartyCustomer {
		partyAccount = AccountCustomer
	}
	amount := shared.RoundMoney(input.Amount)
	var posting Posting
	err := s.repo.WithTx(ctx, func(ctx context.Context, _ TxRepository) error {
		var err error
		posting, err = s.Post(ctx, PostingInput{
			Reference:  ref,
			Memo:       input.Memo,
			ActorID:    input.ActorID,
			OccurredAt: input.OccurredAt,
			Lines: []Line{
				Debit(input.Account, Party{}, amount),
				Credit(partyAccount, input.Party, amount),
			},
		})
		if err != nil || s.parties == nil {
			return err
		}
		return s.parties.AdjustOutstanding(ctx, input.Party, amount.Neg())
	})
	if err != nil {
		return Posting{}, err
	}
	return posting, nil
}

// Balance returns Σdebit − Σcredit for the party up to asOf inclusive. A zero
// asOf means all entries.
func (s *Service) Balance(ctx context.Context, party Party, asOf time.Time) (decimal.Decimal, error) {
	if !party.Valid() {
		return decimal.Zero, shared.Fail("ledger.balance", shared.Reference{}, shared.ErrMissingParty, "")
	}
	return s.repo.BalanceAsOf(ctx, party, asOf)
}

// Statement returns entries between from and to with running balances folded
// from the opening balance strictly before from.
func (s *Service) Statement(ctx context.Context, party Party, from, to time.Time) (Statement, error) {
	if !party.Valid() {
		return Statement{}, shared.Fail("ledger.statement", shared.Reference{}, shared.ErrMissingParty, "")
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return Statement{}, fmt.Errorf("%w: statement range end before start", shared.ErrValidation)
	}
	opening := decimal.Zero
	if !from.IsZero() {
		var err error
		opening, err = s.repo.BalanceBefore(ctx, party, from)
		if err != nil {
			return Statement{}, err
		}
	}
	entries, err := s.repo.ListPartyEntries(ctx, party, from, to)
	if err != nil {
		return Statement{}, err
	}
	stmt := Statement{Party: party, From: from, To: to, Opening: opening}
	running := opening
	for _, e := range entries {
		running = running.Add(e.Amount())
		stmt.Lines = append(stmt.Lines, StatementLine{Entry: e, Balance: running})
	}
	stmt.Closing = running
	return stmt, nil
}

// Entries lists every entry written for a reference.
func (s *Service) Entries(ctx context.Context, ref shared.Reference) ([]Entry, error) {
	return s.repo.ListReferenceEntries(ctx, ref)
}

// PartyBalances aggregates balances of every party of the given type.
func (s *Service) PartyBalances(ctx context.Context, partyType PartyType, asOf time.Time) ([]PartyBalance, error) {
	return s.repo.PartyBalances(ctx, partyType, asOf)
}

// Watermark identifies the current ledger contents; it grows with every
// committed posting.
func (s *Service) Watermark(ctx context.Context) (int64, error) {
	return s.repo.Watermark(ctx)
}

// VerifyReference sums one reference's entries.
func (s *Service) VerifyReference(ctx context.Context, ref shared.Reference) (ReferenceTotals, error) {
	entries, err := s.repo.ListReferenceEntries(ctx, ref)
	if err != nil {
		return ReferenceTotals{}, err
	}
	totals := ReferenceTotals{Reference: ref, Debit: decimal.Zero, Credit: decimal.Zero}
	for _, e := range entries {
		totals.Debit = totals.Debit.Add(e.Debit)
		totals.Credit = totals.Credit.Add(e.Credit)
	}
	return totals, nil
}

// UnbalancedReferences lists references whose entries do not net to zero.
func (s *Service) UnbalancedReferences(ctx context.Context) ([]ReferenceTotals, error) {
	all, err := s.repo.ReferenceTotals(ctx)
	if err != nil {
		return nil, err
	}
	var out []ReferenceTotals
	for _, t := range all {
		if !t.Balanced() {
			s.logger.Error("ledger reference out of balance",
				slog.String("ref", t.Reference.String()),
				slog.String("debit", t.Debit.StringFixed(2)),
				slog.String("credit", t.Credit.StringFixed(2)))
			out = append(out, t)
		}
	}
	return out, nil
}
