package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/tradebook/internal/balances"
	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/shared"
)

type stubBalances struct {
	outstanding []balances.Outstanding
	overdue     []balances.Overdue
	statement   ledger.Statement
	gotType     ledger.PartyType
}

func (s *stubBalances) Outstanding(_ context.Context, t ledger.PartyType) ([]balances.Outstanding, error) {
	s.gotType = t
	return s.outstanding, nil
}

func (s *stubBalances) Overdue(_ context.Context, t ledger.PartyType, _ time.Time) ([]balances.Overdue, error) {
	s.gotType = t
	return s.overdue, nil
}

func (s *stubBalances) Statement(context.Context, ledger.Party, time.Time, time.Time) (ledger.Statement, error) {
	return s.statement, nil
}

func TestOutstandingReportFormatsForLocale(t *testing.T) {
	stub := &stubBalances{outstanding: []balances.Outstanding{
		{Name: "Acme", Balance: decimal.RequireFromString("1234.5"), CreditLimit: decimal.NewNullDecimal(decimal.NewFromInt(5000)), Utilization: decimal.NewNullDecimal(decimal.RequireFromString("24.69"))},
		{Name: "Solo", Balance: decimal.NewFromInt(10)},
	}}

	var out bytes.Buffer
	report, err := NewReportCLI(stub, &out, "en")
	require.NoError(t, err)
	require.NoError(t, report.Outstanding(context.Background(), ledger.PartyCustomer))
	require.Equal(t, ledger.PartyCustomer, stub.gotType)
	require.Contains(t, out.String(), "1,234.50")
	require.Contains(t, out.String(), "5,000.00")
	require.Contains(t, out.String(), "-")

	out.Reset()
	report, err = NewReportCLI(stub, &out, "de")
	require.NoError(t, err)
	require.NoError(t, report.Outstanding(context.Background(), ledger.PartyCustomer))
	require.Contains(t, out.String(), "1.234,50")

	_, err = NewReportCLI(stub, &out, "not a locale!")
	require.Error(t, err)
}

func TestOverdueAndStatementReports(t *testing.T) {
	due := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	ref := shared.Ref(shared.RefSale, uuid.New())
	stub := &stubBalances{
		overdue: []balances.Overdue{{Outstanding: balances.Outstanding{Name: "Late", Balance: decimal.NewFromInt(80)}, DueDate: due, DaysOverdue: 12}},
		statement: ledger.Statement{
			Opening: decimal.NewFromInt(100),
			Lines: []ledger.StatementLine{{
				Entry:   ledger.Entry{Debit: decimal.NewFromInt(50), Credit: decimal.Zero, Reference: ref, OccurredAt: due},
				Balance: decimal.NewFromInt(150),
			}},
			Closing: decimal.NewFromInt(150),
		},
	}

	var out bytes.Buffer
	report, err := NewReportCLI(stub, &out, "en")
	require.NoError(t, err)
	require.NoError(t, report.Overdue(context.Background(), ledger.PartyVendor, due.AddDate(0, 0, 12)))
	require.Contains(t, out.String(), "2024-03-01")
	require.Contains(t, out.String(), "12")

	out.Reset()
	require.NoError(t, report.Statement(context.Background(), ledger.Customer(uuid.New()), time.Time{}, time.Time{}))
	require.Contains(t, out.String(), ref.String())
	require.Contains(t, out.String(), "150.00")
}

func TestParsePartyType(t *testing.T) {
	got, err := ParsePartyType("vendor")
	require.NoError(t, err)
	require.Equal(t, ledger.PartyVendor, got)
	_, err = ParsePartyType("supplier")
	require.Error(t, err)
}
