package sales

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/tradebook/internal/platform/db"
)

// Repository persists sales and online orders in PostgreSQL.
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

const (
	saleColumns = `id, number, channel, customer_id, order_id, subtotal, discount, tax, total,
payment_method, cash_amount, card_amount, digital_amount, payment_status, loyalty_points,
COALESCE(idempotency_key, ''), created_by, created_at`
	orderColumns = `id, number, customer_id, status, sale_id, created_by, created_at, updated_at`
)

// WithTx executes the callback inside the caller's transaction or a new repeatable-read one.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("sales repository not initialised")
	}
	return r.tm.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) GetSale(ctx context.Context, id uuid.UUID) (Sale, error) {
	return getSale(ctx, r.tm.Executor(ctx), `id=$1`, id)
}

func (r *Repository) GetSaleByKey(ctx context.Context, key string) (Sale, error) {
	return getSale(ctx, r.tm.Executor(ctx), `idempotency_key=$1`, key)
}

func (r *Repository) ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error) {
	var (
		where []string
		args  []any
	)
	if filter.CustomerID != uuid.Nil {
		args = append(args, filter.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	sql := `SELECT ` + saleColumns + ` FROM sales`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	q := r.tm.Executor(ctx)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var out []Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, sale)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Lines, err = loadSaleLines(ctx, q, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repository) GetOrder(ctx context.Context, id uuid.UUID) (Order, error) {
	return getOrder(ctx, r.tm.Executor(ctx), id, false)
}

func (r *Repository) OpenCommitments(ctx context.Context) (map[uuid.UUID]int64, error) {
	rows, err := r.tm.Executor(ctx).Query(ctx, `SELECT l.product_id, SUM(l.quantity)
FROM order_lines l JOIN orders o ON o.id = l.order_id
WHERE o.status = $1
GROUP BY l.product_id`, string(OrderPlaced))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]int64)
	for rows.Next() {
		var (
			id  uuid.UUID
			qty int64
		)
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		out[id] = qty
	}
	return out, rows.Err()
}

func (r *Repository) OpenCommitment(ctx context.Context, productID uuid.UUID) (int64, error) {
	var qty int64
	err := r.tm.Executor(ctx).QueryRow(ctx, `SELECT COALESCE(SUM(l.quantity), 0)
FROM order_lines l JOIN orders o ON o.id = l.order_id
WHERE o.status = $1 AND l.product_id = $2`, string(OrderPlaced), productID).Scan(&qty)
	return qty, err
}

func (t *txRepository) InsertSale(ctx context.Context, s Sale) error {
	var key *string
	if s.IdempotencyKey != "" {
		key = &s.IdempotencyKey
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO sales (id, number, channel, customer_id, order_id, subtotal, discount, tax, total,
payment_method, cash_amount, card_amount, digital_amount, payment_status, loyalty_points, idempotency_key, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		s.ID, s.Number, string(s.Channel), s.CustomerID, s.OrderID, s.Subtotal, s.Discount, s.Tax, s.Total,
		string(s.Payment.Method), s.Payment.Cash, s.Payment.Card, s.Payment.Digital, string(s.PaymentStatus), s.LoyaltyPoints,
		key, s.CreatedBy, s.CreatedAt)
	if err != nil {
		return err
	}
	for _, l := range s.Lines {
		if _, err := t.tx.Exec(ctx, `INSERT INTO sale_lines (sale_id, product_id, sku, name, quantity, unit_price, line_discount, tax_rate, line_tax, line_total, stock_tracked)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			s.ID, l.ProductID, l.SKU, l.Name, l.Quantity, l.UnitPrice, l.LineDiscount, l.TaxRate, l.LineTax, l.LineTotal, l.StockTracked); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepository) GetSaleByKey(ctx context.Context, key string) (Sale, error) {
	return getSale(ctx, t.tx, `idempotency_key=$1`, key)
}

func (t *txRepository) InsertOrder(ctx context.Context, o Order) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO orders (`+orderColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.Number, o.CustomerID, string(o.Status), o.SaleID, o.CreatedBy, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	for _, l := range o.Lines {
		if _, err := t.tx.Exec(ctx, `INSERT INTO order_lines (order_id, product_id, quantity, line_discount) VALUES ($1, $2, $3, $4)`,
			o.ID, l.ProductID, l.Quantity, l.LineDiscount); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepository) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *txRepository) UpdateOrder(ctx context.Context, o Order) error {
	_, err := t.tx.Exec(ctx, `UPDATE orders SET status=$2, sale_id=$3, updated_at=$4 WHERE id=$1`,
		o.ID, string(o.Status), o.SaleID, o.UpdatedAt)
	return err
}

func getSale(ctx context.Context, q db.Executor, where string, arg any) (Sale, error) {
	sale, err := scanSale(q.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE `+where, arg))
	if err != nil {
		return Sale{}, err
	}
	sale.Lines, err = loadSaleLines(ctx, q, sale.ID)
	return sale, err
}

func getOrder(ctx context.Context, q db.Executor, id uuid.UUID, forUpdate bool) (Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var (
		o      Order
		status string
	)
	err := q.QueryRow(ctx, sql, id).Scan(&o.ID, &o.Number, &o.CustomerID, &status, &o.SaleID, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = OrderStatus(status)
	rows, err := q.Query(ctx, `SELECT id, product_id, quantity, line_discount FROM order_lines WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.ID, &l.ProductID, &l.Quantity, &l.LineDiscount); err != nil {
			return Order{}, err
		}
		o.Lines = append(o.Lines, l)
	}
	return o, rows.Err()
}

func loadSaleLines(ctx context.Context, q db.Executor, saleID uuid.UUID) ([]SaleLine, error) {
	rows, err := q.Query(ctx, `SELECT id, product_id, sku, name, quantity, unit_price, line_discount, tax_rate, line_tax, line_total, stock_tracked
FROM sale_lines WHERE sale_id=$1 ORDER BY id`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []SaleLine
	for rows.Next() {
		var l SaleLine
		if err := rows.Scan(&l.ID, &l.ProductID, &l.SKU, &l.Name, &l.Quantity, &l.UnitPrice, &l.LineDiscount,
			&l.TaxRate, &l.LineTax, &l.LineTotal, &l.StockTracked); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func scanSale(row pgx.Row) (Sale, error) {
	var (
		s       Sale
		channel string
		method  string
		status  string
	)
	err := row.Scan(&s.ID, &s.Number, &channel, &s.CustomerID, &s.OrderID, &s.Subtotal, &s.Discount, &s.Tax, &s.Total,
		&method, &s.Payment.Cash, &s.Payment.Card, &s.Payment.Digital, &status, &s.LoyaltyPoints,
		&s.IdempotencyKey, &s.CreatedBy, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sale{}, ErrSaleNotFound
	}
	if err != nil {
		return Sale{}, err
	}
	s.Channel = Channel(channel)
	s.Payment.Method = PaymentMethod(method)
	s.PaymentStatus = PaymentStatus(status)
	return s, nil
}
