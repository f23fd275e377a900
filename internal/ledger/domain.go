package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/shared"
)

// AccountType classifies a ledger line.
type AccountType string

const (
	AccountVendor         AccountType = "VENDOR"
	AccountCustomer       AccountType = "CUSTOMER"
	AccountCash           AccountType = "CASH"
	AccountBank           AccountType = "BANK"
	AccountUPI            AccountType = "UPI"
	AccountCard           AccountType = "CARD"
	AccountPurchase       AccountType = "PURCHASE"
	AccountPurchaseReturn AccountType = "PURCHASE_RETURN"
	AccountSales          AccountType = "SALES"
	AccountSalesReturn    AccountType = "SALES_RETURN"
	AccountExpense        AccountType = "EXPENSE"
)

// Valid reports whether the account type is known.
func (a AccountType) Valid() bool {
	switch a {
	case AccountVendor, AccountCustomer, AccountCash, AccountBank, AccountUPI, AccountCard,
		AccountPurchase, AccountPurchaseReturn, AccountSales, AccountSalesReturn, AccountExpense:
		return true
	}
	return false
}

// Settlement reports whether the account can fund a payment or receipt.
func (a AccountType) Settlement() bool {
	switch a {
	case AccountCash, AccountBank, AccountUPI, AccountCard:
		return true
	}
	return false
}

// PartyType distinguishes vendors from customers.
type PartyType string

const (
	PartyVendor   PartyType = "VENDOR"
	PartyCustomer PartyType = "CUSTOMER"
)

// Party identifies whose balance a ledger line affects.
type Party struct {
	Type PartyType `json:"type"`
	ID   uuid.UUID `json:"id"`
}

// Vendor builds a vendor party.
func Vendor(id uuid.UUID) Party { return Party{Type: PartyVendor, ID: id} }

// Customer builds a customer party.
func Customer(id uuid.UUID) Party { return Party{Type: PartyCustomer, ID: id} }

// IsZero reports whether the party is unset.
func (p Party) IsZero() bool { return p.ID == uuid.Nil }

// Valid reports whether the party is complete.
func (p Party) Valid() bool {
	return p.ID != uuid.Nil && (p.Type == PartyVendor || p.Type == PartyCustomer)
}

func (p Party) String() string { return string(p.Type) + ":" + p.ID.String() }

// PartyNet returns Σdebit − Σcredit of the lines carrying p, i.e. how far a
// posting moves the party's balance.
func PartyNet(lines []Line, p Party) decimal.Decimal {
	net := decimal.Zero
	for _, l := range lines {
		if l.Party == p {
			net = net.Add(l.Debit).Sub(l.Credit)
		}
	}
	return net
}

var (
	// ErrEmptyPosting indicates a posting without lines.
	ErrEmptyPosting = errors.New("ledger: posting requires lines")
	// ErrInvalidLine indicates a line with both or neither side populated.
	ErrInvalidLine = errors.New("ledger: line must carry exactly one positive side")
)

// Line is one side of a posting request.
type Line struct {
	Account AccountType
	Party   Party
	Debit   decimal.Decimal
	Credit  decimal.Decimal
	Memo    string
}

// Debit builds a debit line.
func Debit(account AccountType, party Party, amount decimal.Decimal) Line {
	return Line{Account: account, Party: party, Debit: amount}
}

// Credit builds a credit line.
func Credit(account AccountType, party Party, amount decimal.Decimal) Line {
	return Line{Account: account, Party: party, Credit: amount}
}

// PostingInput is a balanced set of lines sharing one reference.
type PostingInput struct {
	Reference  shared.Reference
	Memo       string
	ActorID    int64
	OccurredAt time.Time
	Lines      []Line
}

// Totals returns Σdebit and Σcredit.
func (p PostingInput) Totals() (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range p.Lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	return debit, credit
}

// Validate enforces line shape and the double-entry balance.
func (p PostingInput) Validate() error {
	if len(p.Lines) == 0 {
		return ErrEmptyPosting
	}
	if err := p.Reference.Validate(); err != nil {
		return err
	}
	for i, l := range p.Lines {
		if !l.Account.Valid() {
			return shared.FailLine("ledger.post", p.Reference, i+1, shared.ErrValidation, "unknown account "+string(l.Account))
		}
		if l.Debit.IsNegative() || l.Credit.IsNegative() {
			return shared.FailLine("ledger.post", p.Reference, i+1, ErrInvalidLine, "negative amount")
		}
		if l.Debit.IsPositive() == l.Credit.IsPositive() {
			return shared.FailLine("ledger.post", p.Reference, i+1, ErrInvalidLine, "")
		}
		if !l.Party.IsZero() && !l.Party.Valid() {
			return shared.FailLine("ledger.post", p.Reference, i+1, shared.ErrValidation, "incomplete party")
		}
		if (l.Account == AccountVendor || l.Account == AccountCustomer) && l.Party.IsZero() {
			return shared.FailLine("ledger.post", p.Reference, i+1, shared.ErrMissingParty, string(l.Account))
		}
	}
	debit, credit := p.Totals()
	if !debit.Equal(credit) {
		return shared.Fail("ledger.post", p.Reference, shared.ErrUnbalancedPosting,
			"debit "+debit.StringFixed(2)+" credit "+credit.StringFixed(2))
	}
	return nil
}

// Entry is one persisted ledger row. Entries are never updated.
type Entry struct {
	ID         int64
	PostingID  uuid.UUID
	Account    AccountType
	Party      Party
	Debit      decimal.Decimal
	Credit     decimal.Decimal
	Reference  shared.Reference
	Memo       string
	ActorID    int64
	OccurredAt time.Time
}

// Amount returns debit minus credit.
func (e Entry) Amount() decimal.Decimal {
	return e.Debit.Sub(e.Credit)
}

// Posting groups the entries written together.
type Posting struct {
	ID        uuid.UUID
	Reference shared.Reference
	Entries   []Entry
}

// StatementLine is an entry annotated with the running balance after it.
type StatementLine struct {
	Entry
	Balance decimal.Decimal
}

// Statement is the chronological view of one party.
type Statement struct {
	Party   Party
	From    time.Time
	To      time.Time
	Opening decimal.Decimal
	Lines   []StatementLine
	Closing decimal.Decimal
}

// PartyBalance is an aggregated balance row.
type PartyBalance struct {
	Party        Party
	Balance      decimal.Decimal
	LastDebitAt  time.Time
	LastActivity time.Time
}

// ReferenceTotals aggregates one reference for integrity checks.
type ReferenceTotals struct {
	Reference shared.Reference
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

// Balanced reports Σdebit = Σcredit.
func (t ReferenceTotals) Balanced() bool {
	return t.Debit.Equal(t.Credit)
}

// SettlementInput records a vendor payment or customer receipt.
type SettlementInput struct {
	Party      Party
	Account    AccountType
	Amount     decimal.Decimal
	Reference  shared.Reference
	Memo       string
	ActorID    int64
	OccurredAt time.Time
}
