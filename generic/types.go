/*
Package generic provides the domain-agnostic building blocks of the billing engine.

PURPOSE:
  Calendar dates, schedule-aligned periods and decimal helpers that know
  nothing about firms, jobs or tallies. The billing package composes them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Decimal parsing with explicit validation (no silent coercion)
  - Rounding helpers: miles are stored at 2 decimal places, currency is
    kept exact and only rounded for display

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere money or miles are involved
  2. Explicit validation: inputs are checked at the boundary, calculation
     code never coerces

USAGE:
  rate, err := generic.ParseNonNegative("0.67")
  miles := generic.RoundMiles(decimal.NewFromFloat(44.999))

SEE ALSO:
  - time.go:   Date type
  - period.go: Schedule boundary arithmetic
  - store.go:  Ordered association lists used by snapshots
*/
package generic

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MilesPrecision is the number of decimal places kept for resolved mileage.
const MilesPrecision = 2

// CurrencyPrecision is the number of decimal places used when amounts are displayed.
const CurrencyPrecision = 2

// ParseDecimal parses a decimal string, rejecting empty input.
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidNumber)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return d, nil
}

// ParseNonNegative parses a decimal string that must be >= 0.
func ParseNonNegative(s string) (decimal.Decimal, error) {
	d, err := ParseDecimal(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNegativeNumber, d)
	}
	return d, nil
}

// MustParseDecimal is for literals in tests and presets.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

func RoundMiles(d decimal.Decimal) decimal.Decimal { return d.Round(MilesPrecision) }

// FormatCurrency renders an amount with exactly two decimals.
func FormatCurrency(d decimal.Decimal) string { return d.StringFixed(CurrencyPrecision) }

// MaxZero clamps negative values to zero.
func MaxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Sum adds values, returning zero for none.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Percent returns part/whole*100 rounded to two places, 0 when whole is zero.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(decimal.NewFromInt(100)).DivRound(whole, 2)
}
