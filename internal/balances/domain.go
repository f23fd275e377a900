package balances

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/ledger"
)

// Outstanding is one party with a positive ledger balance.
type Outstanding struct {
	Party       ledger.Party        `json:"party"`
	Name        string              `json:"name"`
	Balance     decimal.Decimal     `json:"balance"`
	CreditLimit decimal.NullDecimal `json:"credit_limit"`
	// Utilization is balance / credit limit in percent; null without a positive limit.
	Utilization decimal.NullDecimal `json:"utilization"`
	LastDebitAt time.Time           `json:"last_debit_at"`
}

// Overdue is an outstanding party whose projected due date has passed.
type Overdue struct {
	Outstanding
	DueDate     time.Time `json:"due_date"`
	DaysOverdue int       `json:"days_overdue"`
}

// CommittedDrift records a committed quantity regenerated from open orders.
type CommittedDrift struct {
	ProductID uuid.UUID
	Cached    int64
	Computed  int64
}
