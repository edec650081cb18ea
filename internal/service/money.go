package service

import (
	"github.com/shopspring/decimal"

	"storefront-checkout/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts an amount to integer centavos, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// OrderTotal sums the rounded line subtotals.
func OrderTotal(items []domain.OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total.Round(2)
}

// Commission is rate times total, rounded to cents.
func Commission(total, rate decimal.Decimal) decimal.Decimal {
	return total.Mul(rate).Round(2)
}
