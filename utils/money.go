package utils

import "github.com/shopspring/decimal"

// The portal reports money as integer cents; the ledger's native unit is
// decimal dollars. This file is the only place the two units convert.
// A wrong conversion here is a silent 100x amount error on the books.

func CentsToDollars(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func DollarsToCents(dollars decimal.Decimal) int64 {
	return dollars.Shift(2).Round(0).IntPart()
}

// LineAmount converts a portal line item (unit price in cents, quantity) to
// the ledger line amount in dollars. Each line converts independently; there
// is no aggregate rounding across lines.
func LineAmount(unitPriceCents int64, quantity int64) decimal.Decimal {
	return CentsToDollars(unitPriceCents).Mul(decimal.NewFromInt(quantity))
}
