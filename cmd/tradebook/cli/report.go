package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/odyssey-erp/tradebook/internal/balances"
	"github.com/odyssey-erp/tradebook/internal/ledger"
)

// BalanceReader is the part of the aggregator the reports need.
type BalanceReader interface {
	Outstanding(ctx context.Context, partyType ledger.PartyType) ([]balances.Outstanding, error)
	Overdue(ctx context.Context, partyType ledger.PartyType, asOf time.Time) ([]balances.Overdue, error)
	Statement(ctx context.Context, p ledger.Party, from, to time.Time) (ledger.Statement, error)
}

// ReportCLI prints outstanding, overdue and statement reports.
type ReportCLI struct {
	balances BalanceReader
	out      io.Writer
	printer  *message.Printer
}

// NewReportCLI formats amounts for the given locale, e.g. "en" or "de".
func NewReportCLI(reader BalanceReader, out io.Writer, locale string) (*ReportCLI, error) {
	tag, err := language.Parse(locale)
	if err != nil {
		return nil, fmt.Errorf("report cli: locale %q: %w", locale, err)
	}
	return &ReportCLI{balances: reader, out: out, printer: message.NewPrinter(tag)}, nil
}

// ParsePartyType accepts vendor/customer in any case.
func ParsePartyType(raw string) (ledger.PartyType, error) {
	switch t := ledger.PartyType(strings.ToUpper(raw)); t {
	case ledger.PartyVendor, ledger.PartyCustomer:
		return t, nil
	}
	return "", fmt.Errorf("report cli: unknown party type %q", raw)
}

// Outstanding prints parties with a positive balance, largest first.
func (c *ReportCLI) Outstanding(ctx context.Context, partyType ledger.PartyType) error {
	rows, err := c.balances.Outstanding(ctx, partyType)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "PARTY\tBALANCE\tLIMIT\tUSED %\t")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", r.Name, c.amount(r.Balance), c.nullable(r.CreditLimit), c.nullable(r.Utilization))
	}
	return w.Flush()
}

// Overdue prints parties past their projected due date as of asOf.
func (c *ReportCLI) Overdue(ctx context.Context, partyType ledger.PartyType, asOf time.Time) error {
	rows, err := c.balances.Overdue(ctx, partyType, asOf)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "PARTY\tBALANCE\tDUE\tDAYS\t")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t\n", r.Name, c.amount(r.Balance), r.DueDate.Format(time.DateOnly), r.DaysOverdue)
	}
	return w.Flush()
}

// Statement prints the running balance of one party.
func (c *ReportCLI) Statement(ctx context.Context, p ledger.Party, from, to time.Time) error {
	stmt, err := c.balances.Statement(ctx, p, from, to)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(w, "opening\t\t\t%s\t\n", c.amount(stmt.Opening))
	for _, line := range stmt.Lines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n",
			line.OccurredAt.Format(time.DateOnly), line.Reference, c.amount(line.Amount()), c.amount(line.Balance))
	}
	fmt.Fprintf(w, "closing\t\t\t%s\t\n", c.amount(stmt.Closing))
	return w.Flush()
}

func (c *ReportCLI) amount(d decimal.Decimal) string {
	return c.printer.Sprint(number.Decimal(d.InexactFloat64(), number.Scale(2)))
}

func (c *ReportCLI) nullable(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return c.amount(d.Decimal)
}
