package shared

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RefKind names the document family a stock movement or ledger entry originates from.
type RefKind string

const (
	RefPurchaseOrder RefKind = "PURCHASE_ORDER"
	RefCreditMemo    RefKind = "CREDIT_MEMO"
	RefShipment      RefKind = "SHIPMENT"
	RefSale          RefKind = "SALE"
	RefOrder         RefKind = "ORDER"
	RefAdjustment    RefKind = "ADJUSTMENT"
	RefSettlement    RefKind = "SETTLEMENT"
	RefReversal      RefKind = "REVERSAL"
)

// RefKindInfo describes where a reference kind lives and how its documents are numbered.
type RefKindInfo struct {
	Table  string
	Prefix string
}

var refKinds = map[RefKind]RefKindInfo{
	RefPurchaseOrder: {Table: "purchase_orders", Prefix: "PO"},
	RefCreditMemo:    {Table: "credit_memos", Prefix: "CM"},
	RefShipment:      {Table: "shipments", Prefix: "SHP"},
	RefSale:          {Table: "sales", Prefix: "INV"},
	RefOrder:         {Table: "orders", Prefix: "ORD"},
	RefAdjustment:    {Prefix: "ADJ"},
	RefSettlement:    {Prefix: "SET"},
	RefReversal:      {Prefix: "REV"},
}

// Info returns the lookup entry for the kind.
func (k RefKind) Info() (RefKindInfo, bool) {
	info, ok := refKinds[k]
	return info, ok
}

// Valid reports whether the kind is known.
func (k RefKind) Valid() bool {
	_, ok := refKinds[k]
	return ok
}

// Reference points at the originating document of a movement or posting.
type Reference struct {
	Kind RefKind   `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

// Ref constructs a Reference.
func Ref(kind RefKind, id uuid.UUID) Reference {
	return Reference{Kind: kind, ID: id}
}

// IsZero reports whether the reference is unset.
func (r Reference) IsZero() bool {
	return r.Kind == "" && r.ID == uuid.Nil
}

// Validate ensures the reference has a known kind and an id.
func (r Reference) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown reference kind %q", ErrValidation, r.Kind)
	}
	if r.ID == uuid.Nil {
		return fmt.Errorf("%w: reference id required", ErrValidation)
	}
	return nil
}

func (r Reference) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// DocumentNumber derives a human readable number for a new document.
func DocumentNumber(kind RefKind, id uuid.UUID, at time.Time) string {
	prefix := string(kind)
	if info, ok := kind.Info(); ok && info.Prefix != "" {
		prefix = info.Prefix
	}
	return fmt.Sprintf("%s-%s-%s", prefix, at.UTC().Format("20060102"), strings.ToUpper(id.String()[:8]))
}
