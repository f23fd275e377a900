package stock

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/shared"
)

// ProductType decides whether a product carries stock.
type ProductType string

const (
	// ProductStandard is a physical, stock-tracked item.
	ProductStandard ProductType = "STANDARD"
	// ProductService is sold but never stocked.
	ProductService ProductType = "SERVICE"
	// ProductNonInventory is a physical item that is not tracked.
	ProductNonInventory ProductType = "NON_INVENTORY"
)

// Valid reports whether the type is known.
func (t ProductType) Valid() bool {
	switch t {
	case ProductStandard, ProductService, ProductNonInventory:
		return true
	}
	return false
}

// MovementType enumerates the origin of a stock change.
type MovementType string

const (
	MovementPurchase    MovementType = "PURCHASE"
	MovementSale        MovementType = "SALE"
	MovementReturn      MovementType = "RETURN"
	MovementAdjustment  MovementType = "ADJUSTMENT"
	MovementCreditMemo  MovementType = "CREDIT_MEMO"
	MovementShipmentOut MovementType = "SHIPMENT_OUT"
	MovementShipmentIn  MovementType = "SHIPMENT_IN"
)

// Valid reports whether the movement type is known.
func (t MovementType) Valid() bool {
	switch t {
	case MovementPurchase, MovementSale, MovementReturn, MovementAdjustment,
		MovementCreditMemo, MovementShipmentOut, MovementShipmentIn:
		return true
	}
	return false
}

var (
	// ErrInvalidQuantity indicates a zero or malformed quantity.
	ErrInvalidQuantity = errors.New("stock: quantity must be non-zero")
	// ErrNotTracked indicates a product that does not carry stock.
	ErrNotTracked = errors.New("stock: product is not stock tracked")
	// ErrProductNotFound indicates a missing product row.
	ErrProductNotFound = fmt.Errorf("stock: product %w", shared.ErrNotFound)
)

// Product is the stock-bearing view of a catalogue item.
type Product struct {
	ID                uuid.UUID
	SKU               string
	Barcode           string
	PLU               string
	Name              string
	Type              ProductType
	Price             decimal.Decimal
	CostPrice         decimal.Decimal
	TaxRate           decimal.Decimal
	OnHand            int64
	Committed         int64
	Initial           int64
	LowStockThreshold int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Tracked reports whether stock movements apply.
func (p Product) Tracked() bool {
	return p.Type == ProductStandard || p.Type == ""
}

// Available is on hand minus committed.
func (p Product) Available() int64 {
	return p.OnHand - p.Committed
}

// Movement is one append-only stock log row.
type Movement struct {
	ID             int64
	ProductID      uuid.UUID
	QuantityChange int64
	Type           MovementType
	Reference      shared.Reference
	BalanceAfter   int64
	Note           string
	ActorID        int64
	CreatedAt      time.Time
}

// ProductInput registers a product with its opening quantity.
type ProductInput struct {
	ID                uuid.UUID
	SKU               string `validate:"required"`
	Barcode           string
	PLU               string
	Name              string `validate:"required"`
	Type              ProductType
	Price             decimal.Decimal
	CostPrice         decimal.Decimal
	TaxRate           decimal.Decimal
	InitialQuantity   int64 `validate:"gte=0"`
	LowStockThreshold int64 `validate:"gte=0"`
}

// AdjustInput describes one stock change.
type AdjustInput struct {
	ProductID uuid.UUID    `validate:"required"`
	Delta     int64        `validate:"required"`
	Type      MovementType `validate:"required"`
	Reference shared.Reference
	Note      string
	ActorID   int64
	// Validate rejects decrements beyond available quantity.
	Validate bool
	// Line is the 1-based document line, reported back on failure.
	Line int
}

// MovementFilter narrows movement listings.
type MovementFilter struct {
	ProductID uuid.UUID
	Reference *shared.Reference
	From      time.Time
	To        time.Time
	Limit     int
}

// ProductFilter narrows product listings.
type ProductFilter struct {
	TrackedOnly bool
	LowStock    bool
}

// Reconciliation compares stored on-hand quantity with the movement log.
type Reconciliation struct {
	ProductID   uuid.UUID
	OnHand      int64
	Initial     int64
	MovementSum int64
}

// Consistent reports whether on_hand = initial + Σ movements.
func (r Reconciliation) Consistent() bool {
	return r.OnHand == r.Initial+r.MovementSum
}

// Drift is the discrepancy between stored and reconstructed quantities.
func (r Reconciliation) Drift() int64 {
	return r.OnHand - (r.Initial + r.MovementSum)
}
