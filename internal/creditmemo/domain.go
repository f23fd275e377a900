package creditmemo

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/shared"
)

// Status enumerates credit memo lifecycle.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusApproved  Status = "APPROVED"
	StatusAdjusted  Status = "ADJUSTED"
	StatusClosed    Status = "CLOSED"
	StatusCancelled Status = "CANCELLED"
)

// CanApprove reports whether the memo may be approved.
func (s Status) CanApprove() bool { return s == StatusDraft }

// CanCancel reports whether the memo may be cancelled. Approved memos have
// already hit the ledger and stock, so only drafts are cancellable.
func (s Status) CanCancel() bool { return s == StatusDraft }

// Reason classifies why the memo was raised.
type Reason string

const (
	ReasonReturn         Reason = "RETURN"
	ReasonDamage         Reason = "DAMAGE"
	ReasonRateCorrection Reason = "RATE_CORRECTION"
	ReasonOther          Reason = "OTHER"
)

// ErrNotFound indicates a missing credit memo.
var ErrNotFound = fmt.Errorf("creditmemo: memo %w", shared.ErrNotFound)

// CreditMemo is a vendor or customer credit with its lines.
type CreditMemo struct {
	ID               uuid.UUID
	Number           string
	Type             ledger.PartyType
	VendorID         *uuid.UUID
	CustomerID       *uuid.UUID
	Reason           Reason
	AffectsInventory bool
	Source           shared.Reference
	Subtotal         decimal.Decimal
	TaxAmount        decimal.Decimal
	TotalAmount      decimal.Decimal
	Status           Status
	Notes            string
	ApprovedAt       *time.Time
	ApprovedBy       *int64
	CancelledAt      *time.Time
	CancelledBy      *int64
	CreatedBy        int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Lines            []Line
}

// Ref returns the memo as a movement and posting reference.
func (m CreditMemo) Ref() shared.Reference {
	return shared.Ref(shared.RefCreditMemo, m.ID)
}

// Party resolves the counterparty the memo credits. ok is false when the
// reference matching the memo type is absent.
func (m CreditMemo) Party() (ledger.Party, bool) {
	switch m.Type {
	case ledger.PartyVendor:
		if m.VendorID != nil && *m.VendorID != uuid.Nil {
			return ledger.Vendor(*m.VendorID), true
		}
	case ledger.PartyCustomer:
		if m.CustomerID != nil && *m.CustomerID != uuid.Nil {
			return ledger.Customer(*m.CustomerID), true
		}
	}
	return ledger.Party{}, false
}

// Postings builds the balanced lines written on approval.
func (m CreditMemo) Postings(party ledger.Party) []ledger.Line {
	if m.Type == ledger.PartyVendor {
		return []ledger.Line{
			ledger.Debit(ledger.AccountVendor, party, m.TotalAmount),
			ledger.Credit(ledger.AccountPurchaseReturn, ledger.Party{}, m.TotalAmount),
		}
	}
	return []ledger.Line{
		ledger.Debit(ledger.AccountSalesReturn, ledger.Party{}, m.TotalAmount),
		ledger.Credit(ledger.AccountCustomer, party, m.TotalAmount),
	}
}

// Line is one credited product.
type Line struct {
	ID         int64
	ProductID  uuid.UUID
	Quantity   int64
	UnitPrice  decimal.Decimal
	TaxPercent decimal.Decimal
	TaxAmount  decimal.Decimal
	LineTotal  decimal.Decimal
}

// computeLine fills tax and total: tax = qty × price × pct / 100, total = qty × price + tax.
func computeLine(in LineInput) Line {
	base := in.UnitPrice.Mul(decimal.NewFromInt(in.Quantity))
	tax := shared.RoundMoney(shared.Percent(base, in.TaxPercent))
	return Line{
		ProductID:  in.ProductID,
		Quantity:   in.Quantity,
		UnitPrice:  in.UnitPrice,
		TaxPercent: in.TaxPercent,
		TaxAmount:  tax,
		LineTotal:  shared.RoundMoney(base.Add(tax)),
	}
}

// CreateInput describes a new memo.
type CreateInput struct {
	Type             ledger.PartyType `validate:"required,oneof=VENDOR CUSTOMER"`
	VendorID         *uuid.UUID
	CustomerID       *uuid.UUID
	Reason           Reason `validate:"required,oneof=RETURN DAMAGE RATE_CORRECTION OTHER"`
	AffectsInventory bool
	Source           shared.Reference
	Notes            string
	Lines            []LineInput `validate:"required,min=1,dive"`
	ActorID          int64
}

// LineInput is one requested memo line.
type LineInput struct {
	ProductID  uuid.UUID `validate:"required"`
	Quantity   int64     `validate:"gt=0"`
	UnitPrice  decimal.Decimal
	TaxPercent decimal.Decimal
}

// ListFilter narrows memo listings.
type ListFilter struct {
	Type   ledger.PartyType
	Status Status
	Source *shared.Reference
	Limit  int
}
