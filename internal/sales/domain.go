package sales

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/shared"
)

// ============================================================================
// SALE
// ============================================================================

// Channel records where a sale originated.
type Channel string

const (
	ChannelPOS    Channel = "POS"
	ChannelOnline Channel = "ONLINE"
)

// PaymentMethod enumerates tenders.
type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "CASH"
	PaymentCard   PaymentMethod = "CARD"
	PaymentUPI    PaymentMethod = "UPI"
	PaymentSplit  PaymentMethod = "SPLIT"
	PaymentCredit PaymentMethod = "CREDIT"
)

// PaymentStatus is the only mutable part of a sale.
type PaymentStatus string

const (
	PaymentStatusPaid   PaymentStatus = "PAID"
	PaymentStatusUnpaid PaymentStatus = "UNPAID"
)

var (
	// ErrSaleNotFound indicates a missing sale.
	ErrSaleNotFound = fmt.Errorf("sales: sale %w", shared.ErrNotFound)
	// ErrOrderNotFound indicates a missing online order.
	ErrOrderNotFound = fmt.Errorf("sales: order %w", shared.ErrNotFound)
)

// Payment holds the tender split. For single-tender methods the matching
// amount equals the sale total.
type Payment struct {
	Method  PaymentMethod `validate:"required,oneof=CASH CARD UPI SPLIT CREDIT"`
	Cash    decimal.Decimal
	Card    decimal.Decimal
	Digital decimal.Decimal
}

// Tendered is cash + card + digital.
func (p Payment) Tendered() decimal.Decimal {
	return shared.SumMoney(p.Cash, p.Card, p.Digital)
}

// Sale is the immutable invoice snapshot.
type Sale struct {
	ID             uuid.UUID
	Number         string
	Channel        Channel
	CustomerID     *uuid.UUID
	OrderID        *uuid.UUID
	Subtotal       decimal.Decimal
	Discount       decimal.Decimal
	Tax            decimal.Decimal
	Total          decimal.Decimal
	Payment        Payment
	PaymentStatus  PaymentStatus
	LoyaltyPoints  int64
	IdempotencyKey string
	CreatedBy      int64
	CreatedAt      time.Time
	Lines          []SaleLine
}

// Ref returns the sale as a movement and posting reference.
func (s Sale) Ref() shared.Reference {
	return shared.Ref(shared.RefSale, s.ID)
}

// SaleLine snapshots the product as sold; later price changes do not affect it.
type SaleLine struct {
	ID           int64
	ProductID    uuid.UUID
	SKU          string
	Name         string
	Quantity     int64
	UnitPrice    decimal.Decimal
	LineDiscount decimal.Decimal
	TaxRate      decimal.Decimal
	LineTax      decimal.Decimal
	LineTotal    decimal.Decimal
	StockTracked bool
}

// ItemInput is one requested sale line.
type ItemInput struct {
	ProductID    uuid.UUID `validate:"required"`
	Quantity     int64     `validate:"gt=0"`
	LineDiscount decimal.Decimal
}

// SaleInput describes a POS sale.
type SaleInput struct {
	Channel        Channel `validate:"omitempty,oneof=POS ONLINE"`
	CustomerID     *uuid.UUID
	Items          []ItemInput `validate:"required,min=1,dive"`
	BillDiscount   decimal.Decimal
	Payment        Payment
	IdempotencyKey string `validate:"max=128"`
	ActorID        int64
}

// SaleFilter narrows sale listings.
type SaleFilter struct {
	CustomerID uuid.UUID
	From       time.Time
	To         time.Time
	Limit      int
}

// ============================================================================
// ONLINE ORDER
// ============================================================================

// OrderStatus enumerates online order lifecycle.
type OrderStatus string

const (
	OrderPlaced    OrderStatus = "PLACED"
	OrderFulfilled OrderStatus = "FULFILLED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Open reports whether the order still holds reserved stock.
func (s OrderStatus) Open() bool { return s == OrderPlaced }

// Order reserves stock until it is fulfilled or cancelled.
type Order struct {
	ID         uuid.UUID
	Number     string
	CustomerID *uuid.UUID
	Status     OrderStatus
	SaleID     *uuid.UUID
	CreatedBy  int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Lines      []OrderLine
}

// Ref returns the order as a reference.
func (o Order) Ref() shared.Reference {
	return shared.Ref(shared.RefOrder, o.ID)
}

// OrderLine is one reserved product.
type OrderLine struct {
	ID           int64
	ProductID    uuid.UUID
	Quantity     int64
	LineDiscount decimal.Decimal
}

// PlaceOrderInput describes a new online order.
type PlaceOrderInput struct {
	CustomerID *uuid.UUID
	Items      []ItemInput `validate:"required,min=1,dive"`
	ActorID    int64
}

// FulfillInput settles an order into a sale.
type FulfillInput struct {
	OrderID        uuid.UUID `validate:"required"`
	BillDiscount   decimal.Decimal
	Payment        Payment
	IdempotencyKey string `validate:"max=128"`
	ActorID        int64
}
