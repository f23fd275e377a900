package purchasing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/shared"
)

// POStatus enumerates purchase order lifecycle.
type POStatus string

const (
	// POStatusDraft is an order still being prepared.
	POStatusDraft POStatus = "DRAFT"
	// POStatusSent is an order issued to the vendor.
	POStatusSent POStatus = "SENT"
	// POStatusPartial has at least one outstanding line after a receipt.
	POStatusPartial POStatus = "PARTIAL"
	// POStatusReceived has every line fully received.
	POStatusReceived POStatus = "RECEIVED"
	// POStatusCancelled is terminal.
	POStatusCancelled POStatus = "CANCELLED"
)

// CanSend reports whether the order may be issued.
func (s POStatus) CanSend() bool { return s == POStatusDraft }

// CanReceive reports whether goods may be received against the order.
func (s POStatus) CanReceive() bool { return s == POStatusSent || s == POStatusPartial }

// CanCancel reports whether the order may still be cancelled.
func (s POStatus) CanCancel() bool {
	return s == POStatusDraft || s == POStatusSent || s == POStatusPartial
}

// ErrNotFound indicates a missing purchase order.
var ErrNotFound = fmt.Errorf("purchasing: purchase order %w", shared.ErrNotFound)

// PurchaseOrder header with its lines.
type PurchaseOrder struct {
	ID           uuid.UUID
	Number       string
	VendorID     uuid.UUID
	Status       POStatus
	ExpectedDate *time.Time
	Total        decimal.Decimal
	Note         string
	SentAt       *time.Time
	ReceivedAt   *time.Time
	CancelledAt  *time.Time
	CreatedBy    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Lines        []POLine
}

// Ref returns the order as a movement and posting reference.
func (po PurchaseOrder) Ref() shared.Reference {
	return shared.Ref(shared.RefPurchaseOrder, po.ID)
}

// Complete reports whether every line is fully received.
func (po PurchaseOrder) Complete() bool {
	for _, l := range po.Lines {
		if !l.Complete() {
			return false
		}
	}
	return len(po.Lines) > 0
}

// ReceiptStatus derives the header status from line completion.
func (po PurchaseOrder) ReceiptStatus() POStatus {
	if po.Complete() {
		return POStatusReceived
	}
	return POStatusPartial
}

// OrderedValue is Σ quantity_ordered × unit_cost.
func (po PurchaseOrder) OrderedValue() decimal.Decimal {
	total := decimal.Zero
	for _, l := range po.Lines {
		total = total.Add(l.UnitCost.Mul(decimal.NewFromInt(l.QuantityOrdered)))
	}
	return shared.RoundMoney(total)
}

// POLine is one ordered product.
type POLine struct {
	ID               int64
	ProductID        uuid.UUID
	QuantityOrdered  int64
	QuantityReceived int64
	UnitCost         decimal.Decimal
}

// Outstanding is the quantity still expected.
func (l POLine) Outstanding() int64 { return l.QuantityOrdered - l.QuantityReceived }

// Complete reports whether the line is fully received.
func (l POLine) Complete() bool { return l.QuantityReceived == l.QuantityOrdered }

// CreateInput describes a new purchase order.
type CreateInput struct {
	VendorID     uuid.UUID `validate:"required"`
	ExpectedDate *time.Time
	Note         string
	Lines        []LineInput `validate:"required,min=1,dive"`
	ActorID      int64
}

// LineInput is one requested product on a new order.
type LineInput struct {
	ProductID uuid.UUID `validate:"required"`
	Quantity  int64     `validate:"gt=0"`
	UnitCost  decimal.Decimal
}

// ReceiptLine is a quantity delivered by the vendor.
type ReceiptLine struct {
	ProductID uuid.UUID `validate:"required"`
	Quantity  int64     `validate:"gt=0"`
}

// ReceiveInput records goods received against an order.
type ReceiveInput struct {
	POID  uuid.UUID     `validate:"required"`
	Lines []ReceiptLine `validate:"required,min=1,dive"`
	// DeliveryKey identifies the delivery note; a key already applied to the
	// order makes the call a no-op.
	DeliveryKey string `validate:"max=128"`
	ActorID     int64
}

// Receipt summarises what a receive call applied.
type Receipt struct {
	Order   PurchaseOrder
	Applied map[uuid.UUID]int64
	Posted  bool
}
