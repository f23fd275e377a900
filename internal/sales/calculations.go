package sales

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/shared"
)

// Totals is the header arithmetic of a sale.
type Totals struct {
	Subtotal decimal.Decimal
	// Discount is line discounts plus the bill discount.
	Discount decimal.Decimal
	// LineTax is the unadjusted sum of line taxes.
	LineTax decimal.Decimal
	Tax     decimal.Decimal
	Total   decimal.Decimal
}

// CalculateLine returns the line tax and line total for one sale line:
// tax = (qty × price − discount) × rate / 100.
func CalculateLine(quantity int64, unitPrice, lineDiscount, taxRate decimal.Decimal) (lineTax, lineTotal decimal.Decimal) {
	gross := unitPrice.Mul(decimal.NewFromInt(quantity))
	net := gross.Sub(lineDiscount)
	lineTax = shared.Percent(net, taxRate).Round(4)
	lineTotal = shared.RoundMoney(net.Add(lineTax))
	return lineTax, lineTotal
}

// CalculateTotals folds the lines into header totals. The bill discount is
// apportioned across tax by (subtotal − discount) / subtotal rather than by
// recomputing each line; a zero subtotal keeps the unadjusted tax.
func CalculateTotals(lines []SaleLine, billDiscount decimal.Decimal) Totals {
	subtotal, lineDiscounts, lineTax := decimal.Zero, decimal.Zero, decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity)))
		lineDiscounts = lineDiscounts.Add(l.LineDiscount)
		lineTax = lineTax.Add(l.LineTax)
	}
	discount := lineDiscounts.Add(billDiscount)
	tax := lineTax
	if !subtotal.IsZero() {
		tax = lineTax.Mul(subtotal.Sub(discount)).Div(subtotal)
	}
	t := Totals{
		Subtotal: shared.RoundMoney(subtotal),
		Discount: shared.RoundMoney(discount),
		LineTax:  lineTax,
		Tax:      shared.RoundMoney(tax),
	}
	t.Total = t.Subtotal.Sub(t.Discount).Add(t.Tax)
	return t
}

// SplitMatches reports whether the tendered split covers total within epsilon.
func SplitMatches(p Payment, total, epsilon decimal.Decimal) bool {
	return shared.WithinTolerance(p.Tendered(), total, epsilon)
}

// LoyaltyPoints is floor(total / unit); a non-positive unit disables the programme.
func LoyaltyPoints(total, unit decimal.Decimal) int64 {
	if !unit.IsPositive() || !total.IsPositive() {
		return 0
	}
	return total.Div(unit).Floor().IntPart()
}
