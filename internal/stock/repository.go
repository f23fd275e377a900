package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/tradebook/internal/platform/db"
	"github.com/odyssey-erp/tradebook/internal/shared"
)

// Repository persists products and movements in PostgreSQL.
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

const productColumns = `id, sku, barcode, plu, name, product_type, price, cost_price, tax_rate,
on_hand_quantity, committed_quantity, initial_quantity, low_stock_threshold, created_at, updated_at`

// WithTx executes the callback inside the caller's transaction or a new repeatable-read one.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return r.tm.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetProduct loads a product without locking.
func (r *Repository) GetProduct(ctx context.Context, id uuid.UUID) (Product, error) {
	row := r.tm.Executor(ctx).QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id)
	return scanProduct(row)
}

// ListProducts returns products ordered by SKU.
func (r *Repository) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	var where []string
	if filter.TrackedOnly {
		where = append(where, `product_type = 'STANDARD'`)
	}
	if filter.LowStock {
		where = append(where, `on_hand_quantity <= low_stock_threshold`)
	}
	sql := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY sku`
	rows, err := r.tm.Executor(ctx).Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// ListMovements returns the stock card in insertion order.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.ProductID != uuid.Nil {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.Reference != nil {
		add("ref_kind = $%d", string(filter.Reference.Kind))
		add("ref_id = $%d", filter.Reference.ID)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	sql := `SELECT id, product_id, quantity_change, movement_type, ref_kind, ref_id, balance_after, note, actor_id, created_at
FROM stock_movements`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))
	rows, err := r.tm.Executor(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var movements []Movement
	for rows.Next() {
		var (
			m       Movement
			mType   string
			refKind string
		)
		if err := rows.Scan(&m.ID, &m.ProductID, &m.QuantityChange, &mType, &refKind, &m.Reference.ID, &m.BalanceAfter, &m.Note, &m.ActorID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = MovementType(mType)
		m.Reference.Kind = shared.RefKind(refKind)
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (t *txRepository) CreateProduct(ctx context.Context, p Product) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO products (`+productColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID, p.SKU, p.Barcode, p.PLU, p.Name, string(p.Type), p.Price, p.CostPrice, p.TaxRate,
		p.OnHand, p.Committed, p.Initial, p.LowStockThreshold, p.CreatedAt, p.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: sku %s already exists", shared.ErrValidation, p.SKU)
	}
	return err
}

func (t *txRepository) GetProduct(ctx context.Context, id uuid.UUID) (Product, error) {
	return scanProduct(t.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
}

func (t *txRepository) GetProductForUpdate(ctx context.Context, id uuid.UUID) (Product, error) {
	return scanProduct(t.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepository) UpdateQuantities(ctx context.Context, id uuid.UUID, onHand, committed int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE products SET on_hand_quantity=$2, committed_quantity=$3, updated_at=NOW() WHERE id=$1`, id, onHand, committed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (t *txRepository) InsertMovement(ctx context.Context, m Movement) (Movement, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO stock_movements (product_id, quantity_change, movement_type, ref_kind, ref_id, balance_after, note, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		m.ProductID, m.QuantityChange, string(m.Type), string(m.Reference.Kind), m.Reference.ID, m.BalanceAfter, m.Note, m.ActorID, m.CreatedAt).Scan(&m.ID)
	return m, err
}

func (t *txRepository) SumMovements(ctx context.Context, productID uuid.UUID) (int64, error) {
	var sum int64
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity_change), 0)::BIGINT FROM stock_movements WHERE product_id=$1`, productID).Scan(&sum)
	return sum, err
}

func scanProduct(row pgx.Row) (Product, error) {
	var (
		p     Product
		pType string
	)
	err := row.Scan(&p.ID, &p.SKU, &p.Barcode, &p.PLU, &p.Name, &pType, &p.Price, &p.CostPrice, &p.TaxRate,
		&p.OnHand, &p.Committed, &p.Initial, &p.LowStockThreshold, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, err
	}
	p.Type = ProductType(pType)
	return p, nil
}
