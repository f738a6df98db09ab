// Package money provides decimal arithmetic helpers used across the core so
// that every component rounds amounts the same way: half-up to the cent.
package money

import "github.com/shopspring/decimal"

// Zero is decimal zero.
var Zero = decimal.Zero

// FromString parses a decimal from a string.
func FromString(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// FromFloat creates a decimal from a float64, rounded to 2 places. Only used
// at the boundary where an upstream (LLM JSON) response yields a float64;
// internal arithmetic stays in decimal.Decimal throughout.
func FromFloat(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

// RoundCents rounds to 2 decimal places, half-up. This is the single place
// the rounding mode lives; a future banker's-rounding configuration switch
// (spec.md §9 Open Questions) changes only this function.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Percent computes round(amount * pct / 100, 2) half-up — the deductible
// amount formula used by both the rule engine and the CRA-Rules stage's
// deterministic post-processor.
func Percent(amount decimal.Decimal, pct int) decimal.Decimal {
	return RoundCents(amount.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100)))
}

// Sum adds a slice of decimals.
func Sum(values []decimal.Decimal) decimal.Decimal {
	result := Zero
	for _, v := range values {
		result = result.Add(v)
	}
	return result
}

// Rate computes 100 * numerator / denominator as a percentage, rounded to
// one decimal place. Returns zero if denominator is zero.
func Rate(numerator, denominator decimal.Decimal) decimal.Decimal {
	if denominator.IsZero() {
		return Zero
	}
	return numerator.Mul(decimal.NewFromInt(100)).Div(denominator).Round(1)
}

// IsNonNegative reports whether d >= 0.
func IsNonNegative(d decimal.Decimal) bool {
	return d.GreaterThanOrEqual(Zero)
}
