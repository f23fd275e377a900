package shipment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/tradebook/internal/platform/db"
)

// Repository persists shipments in PostgreSQL.
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

const shipmentColumns = `id, number, shipment_type, customer_id, carrier, tracking_number, status,
dispatch_date, delivered_date, proof_of_delivery, credit_memo_id, created_by, created_at, updated_at`

// WithTx executes the callback inside the caller's transaction or a new repeatable-read one.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("shipment repository not initialised")
	}
	return r.tm.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Shipment, error) {
	q := r.tm.Executor(ctx)
	sh, err := scanShipment(q.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id=$1`, id))
	if err != nil {
		return Shipment{}, err
	}
	sh.Lines, err = loadLines(ctx, q, id)
	return sh, err
}

func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Shipment, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("shipment_type = $%d", len(args)))
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
	sql := `SELECT ` + shipmentColumns + ` FROM shipments`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	q := r.tm.Executor(ctx)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var out []Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, sh)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Lines, err = loadLines(ctx, q, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *txRepository) Insert(ctx context.Context, sh Shipment) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO shipments (`+shipmentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sh.ID, sh.Number, string(sh.Type), sh.CustomerID, sh.Carrier, sh.TrackingNumber, string(sh.Status),
		sh.DispatchDate, sh.DeliveredDate, sh.ProofOfDelivery, sh.CreditMemoID, sh.CreatedBy, sh.CreatedAt, sh.UpdatedAt)
	if err != nil {
		return err
	}
	for _, l := range sh.Lines {
		if _, err := t.tx.Exec(ctx, `INSERT INTO shipment_lines (shipment_id, product_id, quantity) VALUES ($1, $2, $3)`,
			sh.ID, l.ProductID, l.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (Shipment, error) {
	sh, err := scanShipment(t.tx.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Shipment{}, err
	}
	sh.Lines, err = loadLines(ctx, t.tx, id)
	return sh, err
}

func (t *txRepository) UpdateHeader(ctx context.Context, sh Shipment) error {
	_, err := t.tx.Exec(ctx, `UPDATE shipments
SET status=$2, tracking_number=$3, dispatch_date=$4, delivered_date=$5, proof_of_delivery=$6, credit_memo_id=$7, updated_at=$8
WHERE id=$1`,
		sh.ID, string(sh.Status), sh.TrackingNumber, sh.DispatchDate, sh.DeliveredDate, sh.ProofOfDelivery, sh.CreditMemoID, sh.UpdatedAt)
	return err
}

func loadLines(ctx context.Context, q db.Executor, shipmentID uuid.UUID) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, product_id, quantity FROM shipment_lines WHERE shipment_id=$1 ORDER BY id`, shipmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.ProductID, &l.Quantity); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func scanShipment(row pgx.Row) (Shipment, error) {
	var (
		sh     Shipment
		kind   string
		status string
	)
	err := row.Scan(&sh.ID, &sh.Number, &kind, &sh.CustomerID, &sh.Carrier, &sh.TrackingNumber, &status,
		&sh.DispatchDate, &sh.DeliveredDate, &sh.ProofOfDelivery, &sh.CreditMemoID, &sh.CreatedBy, &sh.CreatedAt, &sh.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Shipment{}, ErrNotFound
	}
	if err != nil {
		return Shipment{}, err
	}
	sh.Type = Type(kind)
	sh.Status = Status(status)
	return sh, nil
}
