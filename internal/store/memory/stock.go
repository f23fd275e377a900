package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/odyssey-erp/tradebook/internal/shared"
	"github.com/odyssey-erp/tradebook/internal/stock"
)

// StockRepository implements stock.RepositoryPort.
type StockRepository struct {
	s *Store
}

type stockTx struct {
	st *state
}

func (r *StockRepository) WithTx(ctx context.Context, fn func(context.Context, stock.TxRepository) error) error {
	return r.s.within(ctx, func(ctx context.Context, st *state) error {
		return fn(ctx, &stockTx{st: st})
	})
}

func (r *StockRepository) GetProduct(ctx context.Context, id uuid.UUID) (stock.Product, error) {
	var (
		p  stock.Product
		ok bool
	)
	r.s.read(ctx, func(st *state) { p, ok = st.products[id] })
	if !ok {
		return stock.Product{}, stock.ErrProductNotFound
	}
	return p, nil
}

func (r *StockRepository) ListProducts(ctx context.Context, filter stock.ProductFilter) ([]stock.Product, error) {
	var out []stock.Product
	r.s.read(ctx, func(st *state) {
		for _, p := range st.products {
			if filter.TrackedOnly && !p.Tracked() {
				continue
			}
			if filter.LowStock && p.OnHand > p.LowStockThreshold {
				continue
			}
			out = append(out, p)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (r *StockRepository) ListMovements(ctx context.Context, filter stock.MovementFilter) ([]stock.Movement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	var out []stock.Movement
	r.s.read(ctx, func(st *state) {
		for _, m := range st.movements {
			if filter.ProductID != uuid.Nil && m.ProductID != filter.ProductID {
				continue
			}
			if filter.Reference != nil && m.Reference != *filter.Reference {
				continue
			}
			if !filter.From.IsZero() && m.CreatedAt.Before(filter.From) {
				continue
			}
			if !filter.To.IsZero() && m.CreatedAt.After(filter.To) {
				continue
			}
			out = append(out, m)
			if len(out) == limit {
				return
			}
		}
	})
	return out, nil
}

func (t *stockTx) CreateProduct(_ context.Context, p stock.Product) error {
	if _, exists := t.st.products[p.ID]; exists {
		return fmt.Errorf("%w: product %s already exists", shared.ErrValidation, p.ID)
	}
	for _, existing := range t.st.products {
		if existing.SKU == p.SKU {
			return fmt.Errorf("%w: sku %s already exists", shared.ErrValidation, p.SKU)
		}
	}
	t.st.products[p.ID] = p
	return nil
}

func (t *stockTx) GetProduct(_ context.Context, id uuid.UUID) (stock.Product, error) {
	p, ok := t.st.products[id]
	if !ok {
		return stock.Product{}, stock.ErrProductNotFound
	}
	return p, nil
}

// GetProductForUpdate needs no row lock: the unit of work already holds the store.
func (t *stockTx) GetProductForUpdate(ctx context.Context, id uuid.UUID) (stock.Product, error) {
	return t.GetProduct(ctx, id)
}

func (t *stockTx) UpdateQuantities(_ context.Context, id uuid.UUID, onHand, committed int64) error {
	p, ok := t.st.products[id]
	if !ok {
		return stock.ErrProductNotFound
	}
	if committed < 0 {
		return fmt.Errorf("%w: committed quantity cannot be negative", shared.ErrValidation)
	}
	p.OnHand, p.Committed = onHand, committed
	t.st.products[id] = p
	return nil
}

func (t *stockTx) InsertMovement(_ context.Context, m stock.Movement) (stock.Movement, error) {
	if m.QuantityChange == 0 {
		return stock.Movement{}, stock.ErrInvalidQuantity
	}
	m.ID = t.st.next()
	t.st.movements = append(t.st.movements, m)
	return m, nil
}

func (t *stockTx) SumMovements(_ context.Context, productID uuid.UUID) (int64, error) {
	var sum int64
	for _, m := range t.st.movements {
		if m.ProductID == productID {
			sum += m.QuantityChange
		}
	}
	return sum, nil
}
