// Package money provides shared parsing and formatting for mobile-money amounts.
//
// Amounts carry two decimal places. They are held as decimal.Decimal so that
// splits and sums never drift the way float64 arithmetic does.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits in a stored amount.
const Places = 2

// Parse converts a decimal string (e.g. "100.00") to a Decimal.
// Returns (zero, false) on invalid input.
//
// Rules:
//   - Empty string is rejected
//   - Negative amounts are rejected
//   - More than two fractional digits are rejected (no silent truncation)
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if !d.Equal(d.Truncate(Places)) {
		return decimal.Zero, false
	}
	return d, true
}

// ParsePositive is Parse that also rejects zero.
func ParsePositive(s string) (decimal.Decimal, bool) {
	d, ok := Parse(s)
	if !ok || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// Round rounds half away from zero to two places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Format renders an amount with exactly two decimal places (e.g. "90.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Equal reports whether a and b are the same amount.
func Equal(a, b decimal.Decimal) bool {
	return a.Equal(b)
}
