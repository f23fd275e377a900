package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/platform/db"
	"github.com/odyssey-erp/tradebook/internal/shared"
)

// Repository persists ledger entries in PostgreSQL.
type Repository struct {
	tm *db.TxManager
}

// NewRepository constructs Repository.
func NewRepository(tm *db.TxManager) *Repository {
	return &Repository{tm: tm}
}

type txRepository struct {
	tx pgx.Tx
}

const entryColumns = `id, posting_id, account_type, party_type, party_id, debit, credit, ref_kind, ref_id, memo, actor_id, occurred_at`

// WithTx executes the callback inside the caller's transaction or a new repeatable-read one.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return r.tm.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) BalanceAsOf(ctx context.Context, party Party, asOf time.Time) (decimal.Decimal, error) {
	sql := `SELECT COALESCE(SUM(debit - credit), 0) FROM ledger_entries WHERE party_type=$1 AND party_id=$2`
	args := []any{string(party.Type), party.ID}
	if !asOf.IsZero() {
		sql += ` AND occurred_at <= $3`
		args = append(args, asOf)
	}
	var balance decimal.Decimal
	err := r.tm.Executor(ctx).QueryRow(ctx, sql, args...).Scan(&balance)
	return balance, err
}

func (r *Repository) BalanceBefore(ctx context.Context, party Party, t time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.tm.Executor(ctx).QueryRow(ctx, `SELECT COALESCE(SUM(debit - credit), 0) FROM ledger_entries
WHERE party_type=$1 AND party_id=$2 AND occurred_at < $3`, string(party.Type), party.ID, t).Scan(&balance)
	return balance, err
}

func (r *Repository) ListPartyEntries(ctx context.Context, party Party, from, to time.Time) ([]Entry, error) {
	sql := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE party_type=$1 AND party_id=$2`
	args := []any{string(party.Type), party.ID}
	if !from.IsZero() {
		args = append(args, from)
		sql += fmt.Sprintf(` AND occurred_at >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		sql += fmt.Sprintf(` AND occurred_at <= $%d`, len(args))
	}
	sql += ` ORDER BY occurred_at, id`
	return queryEntries(ctx, r.tm.Executor(ctx), sql, args...)
}

func (r *Repository) ListReferenceEntries(ctx context.Context, ref shared.Reference) ([]Entry, error) {
	return listReferenceEntries(ctx, r.tm.Executor(ctx), ref)
}

func (r *Repository) PartyBalances(ctx context.Context, partyType PartyType, asOf time.Time) ([]PartyBalance, error) {
	sql := `SELECT party_id, COALESCE(SUM(debit - credit), 0),
       COALESCE(MAX(occurred_at) FILTER (WHERE debit > 0), 'epoch'::timestamptz),
       MAX(occurred_at)
FROM ledger_entries WHERE party_type=$1`
	args := []any{string(partyType)}
	if !asOf.IsZero() {
		sql += ` AND occurred_at <= $2`
		args = append(args, asOf)
	}
	sql += ` GROUP BY party_id ORDER BY party_id`
	rows, err := r.tm.Executor(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PartyBalance
	for rows.Next() {
		pb := PartyBalance{Party: Party{Type: partyType}}
		if err := rows.Scan(&pb.Party.ID, &pb.Balance, &pb.LastDebitAt, &pb.LastActivity); err != nil {
			return nil, err
		}
		if pb.LastDebitAt.Unix() == 0 {
			pb.LastDebitAt = time.Time{}
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

func (r *Repository) ReferenceTotals(ctx context.Context) ([]ReferenceTotals, error) {
	rows, err := r.tm.Executor(ctx).Query(ctx, `SELECT ref_kind, ref_id, SUM(debit), SUM(credit)
FROM ledger_entries GROUP BY ref_kind, ref_id ORDER BY ref_kind, ref_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReferenceTotals
	for rows.Next() {
		var (
			t    ReferenceTotals
			kind string
		)
		if err := rows.Scan(&kind, &t.Reference.ID, &t.Debit, &t.Credit); err != nil {
			return nil, err
		}
		t.Reference.Kind = shared.RefKind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Watermark returns the number of committed entries. Entries are never
// deleted, so the count moves with every commit; MAX(id) would not, because
// sequence ids can commit out of order.
func (r *Repository) Watermark(ctx context.Context) (int64, error) {
	var n int64
	err := r.tm.Executor(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&n)
	return n, err
}

func (t *txRepository) InsertEntries(ctx context.Context, entries []Entry) ([]Entry, error) {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		var partyType *string
		var partyID *uuid.UUID
		if !e.Party.IsZero() {
			pt := string(e.Party.Type)
			pid := e.Party.ID
			partyType, partyID = &pt, &pid
		}
		err := t.tx.QueryRow(ctx, `INSERT INTO ledger_entries (posting_id, account_type, party_type, party_id, debit, credit, ref_kind, ref_id, memo, actor_id, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
			e.PostingID, string(e.Account), partyType, partyID, e.Debit, e.Credit,
			string(e.Reference.Kind), e.Reference.ID, e.Memo, e.ActorID, e.OccurredAt).Scan(&e.ID)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func (t *txRepository) ListReferenceEntries(ctx context.Context, ref shared.Reference) ([]Entry, error) {
	return listReferenceEntries(ctx, t.tx, ref)
}

func listReferenceEntries(ctx context.Context, q db.Executor, ref shared.Reference) ([]Entry, error) {
	return queryEntries(ctx, q, `SELECT `+entryColumns+` FROM ledger_entries WHERE ref_kind=$1 AND ref_id=$2 ORDER BY id`,
		string(ref.Kind), ref.ID)
}

func queryEntries(ctx context.Context, q db.Executor, sql string, args ...any) ([]Entry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			account   string
			partyType *string
			partyID   *uuid.UUID
			refKind   string
		)
		if err := rows.Scan(&e.ID, &e.PostingID, &account, &partyType, &partyID, &e.Debit, &e.Credit,
			&refKind, &e.Reference.ID, &e.Memo, &e.ActorID, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Account = AccountType(account)
		e.Reference.Kind = shared.RefKind(refKind)
		if partyType != nil && partyID != nil {
			e.Party = Party{Type: PartyType(*partyType), ID: *partyID}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
