package creditmemo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/platform/db"
	"github.com/odyssey-erp/tradebook/internal/shared"
)

// Repository persists credit memos in PostgreSQL.
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

const memoColumns = `id, number, memo_type, vendor_id, customer_id, reason, affects_inventory, source_kind, source_id,
subtotal, tax_amount, total_amount, status, notes, approved_at, approved_by, cancelled_at, cancelled_by,
created_by, created_at, updated_at`

// WithTx executes the callback inside the caller's transaction or a new repeatable-read one.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("creditmemo repository not initialised")
	}
	return r.tm.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (CreditMemo, error) {
	q := r.tm.Executor(ctx)
	memo, err := scanMemo(q.QueryRow(ctx, `SELECT `+memoColumns+` FROM credit_memos WHERE id=$1`, id))
	if err != nil {
		return CreditMemo{}, err
	}
	memo.Lines, err = loadLines(ctx, q, id)
	return memo, err
}

func (r *Repository) List(ctx context.Context, filter ListFilter) ([]CreditMemo, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("memo_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Source != nil {
		args = append(args, string(filter.Source.Kind), filter.Source.ID)
		where = append(where, fmt.Sprintf("source_kind = $%d AND source_id = $%d", len(args)-1, len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	sql := `SELECT ` + memoColumns + ` FROM credit_memos`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	q := r.tm.Executor(ctx)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var memos []CreditMemo
	for rows.Next() {
		memo, err := scanMemo(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		memos = append(memos, memo)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range memos {
		if memos[i].Lines, err = loadLines(ctx, q, memos[i].ID); err != nil {
			return nil, err
		}
	}
	return memos, nil
}

func (t *txRepository) Insert(ctx context.Context, m CreditMemo) error {
	var sourceKind *string
	var sourceID *uuid.UUID
	if !m.Source.IsZero() {
		kind := string(m.Source.Kind)
		sourceKind, sourceID = &kind, &m.Source.ID
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO credit_memos (`+memoColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		m.ID, m.Number, string(m.Type), m.VendorID, m.CustomerID, string(m.Reason), m.AffectsInventory, sourceKind, sourceID,
		m.Subtotal, m.TaxAmount, m.TotalAmount, string(m.Status), m.Notes, m.ApprovedAt, m.ApprovedBy, m.CancelledAt, m.CancelledBy,
		m.CreatedBy, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return err
	}
	for _, l := range m.Lines {
		if _, err := t.tx.Exec(ctx, `INSERT INTO credit_memo_lines (memo_id, product_id, quantity, unit_price, tax_percent, tax_amount, line_total)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, m.ID, l.ProductID, l.Quantity, l.UnitPrice, l.TaxPercent, l.TaxAmount, l.LineTotal); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (CreditMemo, error) {
	memo, err := scanMemo(t.tx.QueryRow(ctx, `SELECT `+memoColumns+` FROM credit_memos WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return CreditMemo{}, err
	}
	memo.Lines, err = loadLines(ctx, t.tx, id)
	return memo, err
}

func (t *txRepository) UpdateStatus(ctx context.Context, m CreditMemo) error {
	_, err := t.tx.Exec(ctx, `UPDATE credit_memos
SET status=$2, approved_at=$3, approved_by=$4, cancelled_at=$5, cancelled_by=$6, updated_at=$7 WHERE id=$1`,
		m.ID, string(m.Status), m.ApprovedAt, m.ApprovedBy, m.CancelledAt, m.CancelledBy, m.UpdatedAt)
	return err
}

func loadLines(ctx context.Context, q db.Executor, memoID uuid.UUID) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, product_id, quantity, unit_price, tax_percent, tax_amount, line_total
FROM credit_memo_lines WHERE memo_id=$1 ORDER BY id`, memoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.ProductID, &l.Quantity, &l.UnitPrice, &l.TaxPercent, &l.TaxAmount, &l.LineTotal); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func scanMemo(row pgx.Row) (CreditMemo, error) {
	var (
		m          CreditMemo
		memoType   string
		reason     string
		status     string
		sourceKind *string
		sourceID   *uuid.UUID
	)
	err := row.Scan(&m.ID, &m.Number, &memoType, &m.VendorID, &m.CustomerID, &reason, &m.AffectsInventory, &sourceKind, &sourceID,
		&m.Subtotal, &m.TaxAmount, &m.TotalAmount, &status, &m.Notes, &m.ApprovedAt, &m.ApprovedBy, &m.CancelledAt, &m.CancelledBy,
		&m.CreatedBy, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return CreditMemo{}, ErrNotFound
	}
	if err != nil {
		return CreditMemo{}, err
	}
	m.Type = ledger.PartyType(memoType)
	m.Reason = Reason(reason)
	m.Status = Status(status)
	if sourceKind != nil && sourceID != nil {
		m.Source = shared.Ref(shared.RefKind(*sourceKind), *sourceID)
	}
	return m, nil
}
