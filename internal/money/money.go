// Package money provides shared amount parsing, formatting and fee math.
//
// Amounts are decimal values in the platform currency with 2 decimal
// places (rupees and paise). The gateway works in minor units
// (1 rupee = 100 paise).
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 2

// BasisPoints is the denominator for fee rates (500 bps = 5%).
const BasisPoints = 10_000

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "1.50") to an amount.
// Returns (zero, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - More than 2 decimal places are rejected
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, true
	}
	if strings.HasPrefix(s, "-") {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if d.Exponent() < -Decimals && !d.Equal(d.Round(Decimals)) {
		return decimal.Zero, false
	}
	return d.Round(Decimals), true
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) decimal.Decimal {
	d, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + s)
	}
	return d
}

// Format renders an amount with exactly 2 decimal places (e.g. "950.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Decimals)
}

// Fee computes amount * bps / 10000 rounded half away from zero to 2 dp.
func Fee(amount decimal.Decimal, bps int64) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(BasisPoints)).Round(Decimals)
}

// Split divides amount into (fee, remainder). fee + remainder == amount
// always holds exactly.
func Split(amount decimal.Decimal, bps int64) (fee, remainder decimal.Decimal) {
	fee = Fee(amount, bps)
	return fee, amount.Sub(fee)
}

// ToMinor converts an amount to minor units (paise) for the gateway.
func ToMinor(d decimal.Decimal) int64 {
	return d.Round(Decimals).Shift(Decimals).IntPart()
}

// FromMinor converts minor units back to an amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -Decimals)
}

// Positive reports whether d > 0.
func Positive(d decimal.Decimal) bool {
	return d.Sign() > 0
}

// Sum adds all amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
