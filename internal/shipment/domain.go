package shipment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/tradebook/internal/shared"
)

// Type distinguishes outbound deliveries from inbound return goods.
type Type string

const (
	// TypeGround is an outbound delivery to a customer.
	TypeGround Type = "GROUND"
	// TypeGroundReturn brings returned goods back into stock.
	TypeGroundReturn Type = "GROUND_RG"
)

// Status enumerates shipment lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusPacked     Status = "PACKED"
	StatusDispatched Status = "DISPATCHED"
	StatusInTransit  Status = "IN_TRANSIT"
	StatusDelivered  Status = "DELIVERED"
	StatusFailed     Status = "FAILED"
	StatusReturned   Status = "RETURNED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusReturned
}

// ErrNotFound indicates a missing shipment.
var ErrNotFound = fmt.Errorf("shipment: shipment %w", shared.ErrNotFound)

// Shipment header with its lines.
type Shipment struct {
	ID              uuid.UUID
	Number          string
	Type            Type
	CustomerID      *uuid.UUID
	Carrier         string
	TrackingNumber  string
	Status          Status
	DispatchDate    *time.Time
	DeliveredDate   *time.Time
	ProofOfDelivery string
	CreditMemoID    *uuid.UUID
	CreatedBy       int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Lines           []Line
}

// Ref returns the shipment as a movement reference.
func (s Shipment) Ref() shared.Reference {
	return shared.Ref(shared.RefShipment, s.ID)
}

// Line is one shipped product.
type Line struct {
	ID        int64
	ProductID uuid.UUID
	Quantity  int64
}

// CreateInput describes a new shipment.
type CreateInput struct {
	Type           Type `validate:"required,oneof=GROUND GROUND_RG"`
	CustomerID     *uuid.UUID
	Carrier        string
	TrackingNumber string
	Lines          []LineInput `validate:"required,min=1,dive"`
	ActorID        int64
}

// LineInput is one requested shipment line.
type LineInput struct {
	ProductID uuid.UUID `validate:"required"`
	Quantity  int64     `validate:"gt=0"`
}

// StatusInput is a metadata-only status change.
type StatusInput struct {
	ShipmentID     uuid.UUID `validate:"required"`
	Status         Status    `validate:"required,oneof=PACKED DISPATCHED IN_TRANSIT FAILED"`
	TrackingNumber string
	ActorID        int64
}

// ReturnOptions controls MarkReturnReceived.
type ReturnOptions struct {
	AutoCreateCreditMemo bool
	// CustomerID overrides the shipment's customer for the generated memo.
	CustomerID *uuid.UUID
	ActorID    int64
}

// ListFilter narrows shipment listings.
type ListFilter struct {
	Type   Type
	Status Status
	Limit  int
}
