package purchasing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/tradebook/internal/platform/db"
)

// Repository persists purchase orders in PostgreSQL.
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

const poColumns = `id, number, vendor_id, status, expected_date, total, note, sent_at, received_at, cancelled_at, created_by, created_at, updated_at`

// WithTx executes the callback inside the caller's transaction or a new repeatable-read one.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("purchasing repository not initialised")
	}
	return r.tm.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (PurchaseOrder, error) {
	q := r.tm.Executor(ctx)
	po, err := scanPO(q.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1`, id))
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Lines, err = loadLines(ctx, q, id)
	return po, err
}

func (r *Repository) List(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error) {
	var (
		where []string
		args  []any
	)
	if filter.VendorID != uuid.Nil {
		args = append(args, filter.VendorID)
		where = append(where, fmt.Sprintf("vendor_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	sql := `SELECT ` + poColumns + ` FROM purchase_orders`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	q := r.tm.Executor(ctx)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var orders []PurchaseOrder
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, po)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].Lines, err = loadLines(ctx, q, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (t *txRepository) Insert(ctx context.Context, po PurchaseOrder) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO purchase_orders (`+poColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		po.ID, po.Number, po.VendorID, string(po.Status), po.ExpectedDate, po.Total, po.Note,
		po.SentAt, po.ReceivedAt, po.CancelledAt, po.CreatedBy, po.CreatedAt, po.UpdatedAt)
	if err != nil {
		return err
	}
	for _, l := range po.Lines {
		if _, err := t.tx.Exec(ctx, `INSERT INTO purchase_order_lines (po_id, product_id, quantity_ordered, quantity_received, unit_cost)
VALUES ($1, $2, $3, $4, $5)`, po.ID, l.ProductID, l.QuantityOrdered, l.QuantityReceived, l.UnitCost); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (PurchaseOrder, error) {
	po, err := scanPO(t.tx.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Lines, err = loadLines(ctx, t.tx, id)
	return po, err
}

func (t *txRepository) UpdateLines(ctx context.Context, poID uuid.UUID, lines []POLine) error {
	for _, l := range lines {
		if _, err := t.tx.Exec(ctx, `UPDATE purchase_order_lines SET quantity_received=$3 WHERE po_id=$1 AND id=$2`, poID, l.ID, l.QuantityReceived); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepository) UpdateHeader(ctx context.Context, po PurchaseOrder) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET status=$2, sent_at=$3, received_at=$4, cancelled_at=$5, updated_at=$6 WHERE id=$1`,
		po.ID, string(po.Status), po.SentAt, po.ReceivedAt, po.CancelledAt, po.UpdatedAt)
	return err
}

func loadLines(ctx context.Context, q db.Executor, poID uuid.UUID) ([]POLine, error) {
	rows, err := q.Query(ctx, `SELECT id, product_id, quantity_ordered, quantity_received, unit_cost
FROM purchase_order_lines WHERE po_id=$1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []POLine
	for rows.Next() {
		var l POLine
		if err := rows.Scan(&l.ID, &l.ProductID, &l.QuantityOrdered, &l.QuantityReceived, &l.UnitCost); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func scanPO(row pgx.Row) (PurchaseOrder, error) {
	var (
		po     PurchaseOrder
		status string
	)
	err := row.Scan(&po.ID, &po.Number, &po.VendorID, &status, &po.ExpectedDate, &po.Total, &po.Note,
		&po.SentAt, &po.ReceivedAt, &po.CancelledAt, &po.CreatedBy, &po.CreatedAt, &po.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, ErrNotFound
	}
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Status = POStatus(status)
	return po, nil
}
