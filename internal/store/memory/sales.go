package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/odyssey-erp/tradebook/internal/sales"
	"github.com/odyssey-erp/tradebook/internal/shared"
)

// SalesRepository implements sales.RepositoryPort.
type SalesRepository struct {
	s *Store
}

type salesTx struct {
	st *state
}

func (r *SalesRepository) WithTx(ctx context.Context, fn func(context.Context, sales.TxRepository) error) error {
	return r.s.within(ctx, func(ctx context.Context, st *state) error {
		return fn(ctx, &salesTx{st: st})
	})
}

func (r *SalesRepository) GetSale(ctx context.Context, id uuid.UUID) (sales.Sale, error) {
	var (
		sale sales.Sale
		err  error
	)
	r.s.read(ctx, func(st *state) { sale, err = saleByID(st, id) })
	return sale, err
}

func (r *SalesRepository) GetSaleByKey(ctx context.Context, key string) (sales.Sale, error) {
	var (
		sale sales.Sale
		err  error
	)
	r.s.read(ctx, func(st *state) { sale, err = saleByKey(st, key) })
	return sale, err
}

func (r *SalesRepository) ListSales(ctx context.Context, filter sales.SaleFilter) ([]sales.Sale, error) {
	var out []sales.Sale
	r.s.read(ctx, func(st *state) {
		for _, sale := range st.sales {
			if filter.CustomerID != uuid.Nil && (sale.CustomerID == nil || *sale.CustomerID != filter.CustomerID) {
				continue
			}
			if !filter.From.IsZero() && sale.CreatedAt.Before(filter.From) {
				continue
			}
			if !filter.To.IsZero() && sale.CreatedAt.After(filter.To) {
				continue
			}
			sale.Lines = slices.Clone(sale.Lines)
			out = append(out, sale)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := limitOrDefault(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *SalesRepository) GetOrder(ctx context.Context, id uuid.UUID) (sales.Order, error) {
	var (
		order sales.Order
		err   error
	)
	r.s.read(ctx, func(st *state) { order, err = orderByID(st, id) })
	return order, err
}

func (r *SalesRepository) OpenCommitments(ctx context.Context) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64)
	r.s.read(ctx, func(st *state) {
		for _, order := range st.onlineOrders {
			if !order.Status.Open() {
				continue
			}
			for _, l := range order.Lines {
				out[l.ProductID] += l.Quantity
			}
		}
	})
	return out, nil
}

func (r *SalesRepository) OpenCommitment(ctx context.Context, productID uuid.UUID) (int64, error) {
	var qty int64
	r.s.read(ctx, func(st *state) {
		for _, order := range st.onlineOrders {
			if !order.Status.Open() {
				continue
			}
			for _, l := range order.Lines {
				if l.ProductID == productID {
					qty += l.Quantity
				}
			}
		}
	})
	return qty, nil
}

func (t *salesTx) InsertSale(_ context.Context, sale sales.Sale) error {
	if _, exists := t.st.sales[sale.ID]; exists {
		return fmt.Errorf("%w: sale %s already exists", shared.ErrValidation, sale.ID)
	}
	if sale.IdempotencyKey != "" {
		if _, taken := t.st.saleKeys[sale.IdempotencyKey]; taken {
			return fmt.Errorf("%w: idempotency key %q already used", shared.ErrValidation, sale.IdempotencyKey)
		}
		t.st.saleKeys[sale.IdempotencyKey] = sale.ID
	}
	lines := make([]sales.SaleLine, len(sale.Lines))
	for i, l := range sale.Lines {
		l.ID = t.st.next()
		lines[i] = l
	}
	sale.Lines = lines
	t.st.sales[sale.ID] = sale
	return nil
}

func (t *salesTx) GetSaleByKey(_ context.Context, key string) (sales.Sale, error) {
	return saleByKey(t.st, key)
}

func (t *salesTx) InsertOrder(_ context.Context, order sales.Order) error {
	if _, exists := t.st.onlineOrders[order.ID]; exists {
		return fmt.Errorf("%w: order %s already exists", shared.ErrValidation, order.ID)
	}
	lines := make([]sales.OrderLine, len(order.Lines))
	for i, l := range order.Lines {
		l.ID = t.st.next()
		lines[i] = l
	}
	order.Lines = lines
	t.st.onlineOrders[order.ID] = order
	return nil
}

func (t *salesTx) GetOrderForUpdate(_ context.Context, id uuid.UUID) (sales.Order, error) {
	return orderByID(t.st, id)
}

func (t *salesTx) UpdateOrder(_ context.Context, order sales.Order) error {
	stored, ok := t.st.onlineOrders[order.ID]
	if !ok {
		return sales.ErrOrderNotFound
	}
	stored.Status = order.Status
	stored.SaleID = order.SaleID
	stored.UpdatedAt = order.UpdatedAt
	t.st.onlineOrders[order.ID] = stored
	return nil
}

func saleByID(st *state, id uuid.UUID) (sales.Sale, error) {
	sale, ok := st.sales[id]
	if !ok {
		return sales.Sale{}, sales.ErrSaleNotFound
	}
	sale.Lines = slices.Clone(sale.Lines)
	return sale, nil
}

func saleByKey(st *state, key string) (sales.Sale, error) {
	id, ok := st.saleKeys[key]
	if !ok {
		return sales.Sale{}, sales.ErrSaleNotFound
	}
	return saleByID(st, id)
}

func orderByID(st *state, id uuid.UUID) (sales.Order, error) {
	order, ok := st.onlineOrders[id]
	if !ok {
		return sales.Order{}, sales.ErrOrderNotFound
	}
	order.Lines = slices.Clone(order.Lines)
	return order, nil
}
