package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseCents converts a decimal amount string, as banks send them, into
// signed cents. Fractions beyond two decimals are rounded half away from
// zero.
func ParseCents(amount string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

// FormatCents renders signed cents as a two-decimal amount string.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
