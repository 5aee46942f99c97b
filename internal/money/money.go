// Package money provides shared parsing and minor-unit conversion for fiat amounts.
//
// Amounts are carried as decimal.Decimal in major units (e.g. 12.34 USD).
// The payment gateway speaks minor units (1234 cents); conversion happens only
// at the gateway boundary.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for two-decimal currencies.
const Scale = 2

// zeroDecimal lists currencies the gateway treats as having no minor unit.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// Parse converts a decimal string (e.g. "1.50") to a Decimal.
//
// Rules:
//   - Empty string is rejected
//   - Negative amounts are rejected
//   - More than Scale fractional digits are rejected (no silent truncation)
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if d.Exponent() < -Scale && !d.Equal(d.Round(Scale)) {
		return decimal.Zero, false
	}
	return d, true
}

// Round2 rounds half away from zero to two decimal places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// IsZeroDecimal reports whether currency has no minor unit.
func IsZeroDecimal(currency string) bool {
	return zeroDecimal[strings.ToLower(currency)]
}

// ScaleOf returns the fractional digits the gateway settles currency in.
func ScaleOf(currency string) int32 {
	if IsZeroDecimal(currency) {
		return 0
	}
	return Scale
}

// RoundFor rounds half away from zero to currency's own scale.
func RoundFor(d decimal.Decimal, currency string) decimal.Decimal {
	return d.Round(ScaleOf(currency))
}

// FitsCurrency reports whether d is representable in currency's minor unit
// without rounding, e.g. false for 10.50 JPY.
func FitsCurrency(d decimal.Decimal, currency string) bool {
	return d.Equal(RoundFor(d, currency))
}

// ToMinor converts a major-unit amount to the gateway's integer minor units.
func ToMinor(amount decimal.Decimal, currency string) int64 {
	if IsZeroDecimal(currency) {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(Scale).Round(0).IntPart()
}

// FromMinor converts gateway minor units back to a major-unit amount.
func FromMinor(minor int64, currency string) decimal.Decimal {
	d := decimal.NewFromInt(minor)
	if IsZeroDecimal(currency) {
		return d
	}
	return d.Shift(-Scale)
}

// Format renders an amount with exactly two decimals (e.g. "103.00").
func Format(amount decimal.Decimal) string {
	return amount.StringFixed(Scale)
}

// NormalizeCurrency lower-cases an ISO currency code.
func NormalizeCurrency(currency string) string {
	return strings.ToLower(strings.TrimSpace(currency))
}
