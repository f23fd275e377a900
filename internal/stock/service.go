package stock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/tradebook/internal/observability"
	"github.com/odyssey-erp/tradebook/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetProduct(ctx context.Context, id uuid.UUID) (Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	CreateProduct(ctx context.Context, product Product) error
	GetProduct(ctx context.Context, id uuid.UUID) (Product, error)
	GetProductForUpdate(ctx context.Context, id uuid.UUID) (Product, error)
	UpdateQuantities(ctx context.Context, id uuid.UUID, onHand, committed int64) error
	InsertMovement(ctx context.Context, movement Movement) (Movement, error)
	SumMovements(ctx context.Context, productID uuid.UUID) (int64, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the only writer of on-hand and committed quantities.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	logger  *slog.Logger
	metrics *observability.Engine
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger, metrics *observability.Engine) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, metrics: metrics}
}

// CreateProduct registers a product; its opening quantity becomes the reconstruction anchor.
func (s *Service) CreateProduct(ctx context.Context, input ProductInput) (Product, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Product{}, err
	}
	if input.Type == "" {
		input.Type = ProductStandard
	}
	if !input.Type.Valid() {
		return Product{}, fmt.Errorf("%w: unknown product type %q", shared.ErrValidation, input.Type)
	}
	id := input.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := time.Now().UTC()
	product := Product{
		ID:                id,
		SKU:               input.SKU,
		Barcode:           input.Barcode,
		PLU:               input.PLU,
		Name:              input.Name,
		Type:              input.Type,
		Price:             input.Price,
		CostPrice:         input.CostPrice,
		TaxRate:           input.TaxRate,
		LowStockThreshold: input.LowStockThreshold,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if product.Tracked() {
		product.OnHand = input.InitialQuantity
		product.Initial = input.InitialQuantity
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.CreateProduct(ctx, product)
	})
	if err != nil {
		return Product{}, err
	}
	return product, nil
}

// Product returns a single product.
func (s *Service) Product(ctx context.Context, id uuid.UUID) (Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// Adjust changes on-hand quantity by Delta and appends exactly one movement.
// It joins the caller's unit of work when the context carries one.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) (Movement, error) {
	if err := s.validateAdjust(input); err != nil {
		return Movement{}, err
	}
	var out Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := s.adjust(ctx, tx, input)
		out = m
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	return out, nil
}

// AdjustMany applies several adjustments in ascending product order inside one
// unit of work. Lines for products that do not carry stock are skipped.
func (s *Service) AdjustMany(ctx context.Context, inputs []AdjustInput) ([]Movement, error) {
	for _, in := range inputs {
		if err := s.validateAdjust(in); err != nil {
			return nil, err
		}
	}
	ordered := make([]AdjustInput, len(inputs))
	copy(ordered, inputs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i].ProductID[:], ordered[j].ProductID[:]) < 0
	})
	var out []Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		out = out[:0]
		for _, in := range ordered {
			m, err := s.adjust(ctx, tx, in)
			if errors.Is(err, ErrNotTracked) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) validateAdjust(input AdjustInput) error {
	if input.Delta == 0 {
		return ErrInvalidQuantity
	}
	if err := shared.ValidateStruct(input); err != nil {
		return err
	}
	if !input.Type.Valid() {
		return fmt.Errorf("%w: unknown movement type %q", shared.ErrValidation, input.Type)
	}
	if input.Type != MovementAdjustment {
		if err := input.Reference.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) adjust(ctx context.Context, tx TxRepository, input AdjustInput) (Movement, error) {
	product, err := tx.GetProductForUpdate(ctx, input.ProductID)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return Movement{}, shared.FailLine("stock.adjust", input.Reference, input.Line, shared.ErrNotFound, input.ProductID.String())
		}
		return Movement{}, err
	}
	if !product.Tracked() {
		return Movement{}, ErrNotTracked
	}
	if input.Validate && input.Delta < 0 && product.Available()+input.Delta < 0 {
		detail := fmt.Sprintf("%s available %d, requested %d", product.SKU, product.Available(), -input.Delta)
		return Movement{}, shared.FailLine("stock.adjust", input.Reference, input.Line, shared.ErrInsufficientStock, detail)
	}
	if input.Reference.IsZero() {
		input.Reference = shared.Ref(shared.RefAdjustment, uuid.New())
	}
	onHand := product.OnHand + input.Delta
	if err := tx.UpdateQuantities(ctx, product.ID, onHand, product.Committed); err != nil {
		return Movement{}, err
	}
	movement, err := tx.InsertMovement(ctx, Movement{
		ProductID:      product.ID,
		QuantityChange: input.Delta,
		Type:           input.Type,
		Reference:      input.Reference,
		BalanceAfter:   onHand,
		Note:           input.Note,
		ActorID:        input.ActorID,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return Movement{}, err
	}
	s.metrics.Movement(string(input.Type), input.Delta)
	if input.Type == MovementAdjustment {
		err := s.recordAudit(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "stock.adjust",
			Entity:   "product",
			EntityID: product.ID.String(),
			Meta:     map[string]any{"delta": input.Delta, "balance_after": onHand, "note": input.Note},
		})
		if err != nil {
			return Movement{}, err
		}
	}
	return movement, nil
}

// Reserve commits quantity for an open order.
func (s *Service) Reserve(ctx context.Context, productID uuid.UUID, qty int64, ref shared.Reference) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		product, err := tx.GetProductForUpdate(ctx, productID)
		if err != nil {
			return err
		}
		if !product.Tracked() {
			return nil
		}
		if product.Available() < qty {
			detail := fmt.Sprintf("%s available %d, requested %d", product.SKU, product.Available(), qty)
			return shared.Fail("stock.reserve", ref, shared.ErrInsufficientStock, detail)
		}
		return tx.UpdateQuantities(ctx, product.ID, product.OnHand, product.Committed+qty)
	})
}

// Release returns committed quantity; the committed figure never drops below zero.
func (s *Service) Release(ctx context.Context, productID uuid.UUID, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		product, err := tx.GetProductForUpdate(ctx, productID)
		if err != nil {
			return err
		}
		if !product.Tracked() {
			return nil
		}
		committed := product.Committed - qty
		if committed < 0 {
			s.logger.Warn("release exceeds committed quantity",
				slog.String("product", product.ID.String()),
				slog.Int64("committed", product.Committed),
				slog.Int64("release", qty))
			committed = 0
		}
		return tx.UpdateQuantities(ctx, product.ID, product.OnHand, committed)
	})
}

// SetCommitted overwrites the cached committed quantity, used when regenerating it from open orders.
func (s *Service) SetCommitted(ctx context.Context, productID uuid.UUID, committed int64) error {
	if committed < 0 {
		return fmt.Errorf("%w: committed quantity cannot be negative", shared.ErrValidation)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		product, err := tx.GetProductForUpdate(ctx, productID)
		if err != nil {
			return err
		}
		return tx.UpdateQuantities(ctx, product.ID, product.OnHand, committed)
	})
}

// RegenerateCommitted recomputes a product's committed quantity while its row
// is locked, so no reservation can land between the count and the write.
// compute runs inside the same unit of work.
func (s *Service) RegenerateCommitted(ctx context.Context, productID uuid.UUID, compute func(context.Context) (int64, error)) (cached, computed int64, err error) {
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		product, err := tx.GetProductForUpdate(ctx, productID)
		if err != nil {
			return err
		}
		cached = product.Committed
		computed, err = compute(ctx)
		if err != nil {
			return err
		}
		if computed < 0 {
			return fmt.Errorf("%w: committed quantity cannot be negative", shared.ErrValidation)
		}
		if computed == cached {
			return nil
		}
		return tx.UpdateQuantities(ctx, product.ID, product.OnHand, computed)
	})
	return cached, computed, err
}

// Movements lists the stock card.
func (s *Service) Movements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.ProductID == uuid.Nil && filter.Reference == nil {
		return nil, fmt.Errorf("%w: product or reference required", shared.ErrValidation)
	}
	return s.repo.ListMovements(ctx, filter)
}

// Products lists catalogue entries.
func (s *Service) Products(ctx context.Context, filter ProductFilter) ([]Product, error) {
	return s.repo.ListProducts(ctx, filter)
}

// LowStock lists tracked products at or below their threshold.
func (s *Service) LowStock(ctx context.Context) ([]Product, error) {
	return s.repo.ListProducts(ctx, ProductFilter{TrackedOnly: true, LowStock: true})
}

// Reconcile rebuilds on-hand quantity from the movement log.
func (s *Service) Reconcile(ctx context.Context, productID uuid.UUID) (Reconciliation, error) {
	var rec Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		product, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		sum, err := tx.SumMovements(ctx, productID)
		if err != nil {
			return err
		}
		rec = Reconciliation{ProductID: productID, OnHand: product.OnHand, Initial: product.Initial, MovementSum: sum}
		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}
	if !rec.Consistent() {
		s.logger.Error("stock reconstruction mismatch",
			slog.String("product", productID.String()),
			slog.Int64("on_hand", rec.OnHand),
			slog.Int64("reconstructed", rec.Initial+rec.MovementSum))
	}
	return rec, nil
}

func (s *Service) recordAudit(ctx context.Context, log shared.AuditLog) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, log)
}
