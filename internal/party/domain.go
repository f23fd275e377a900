package party

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/shared"
)

// ErrProfileNotFound indicates a missing vendor or customer profile.
var ErrProfileNotFound = fmt.Errorf("party: profile %w", shared.ErrNotFound)

// Profile is the cached read model of a vendor or customer. OutstandingBalance
// and LoyaltyPoints are caches; the ledger remains the source of truth.
type Profile struct {
	ID                 uuid.UUID
	Type               ledger.PartyType
	Name               string
	CreditLimit        decimal.NullDecimal
	PaymentTermsDays   int
	OutstandingBalance decimal.Decimal
	LoyaltyPoints      int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Party returns the ledger party for the profile.
func (p Profile) Party() ledger.Party {
	return ledger.Party{Type: p.Type, ID: p.ID}
}

// ProfileInput registers a vendor or customer.
type ProfileInput struct {
	ID               uuid.UUID
	Type             ledger.PartyType `validate:"required,oneof=VENDOR CUSTOMER"`
	Name             string           `validate:"required"`
	CreditLimit      decimal.NullDecimal
	PaymentTermsDays int `validate:"gte=0"`
}

// Drift records a cached balance that was regenerated from the ledger.
type Drift struct {
	Party    ledger.Party
	Cached   decimal.Decimal
	Computed decimal.Decimal
}
