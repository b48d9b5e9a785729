package exchange

import (
	"strings"

	"github.com/shopspring/decimal"
)

// PrecisionFromStep counts the significant fractional digits of a step or
// tick string: "0.001" -> 3, "0.0100" -> 2, "1" -> 0. Trailing zeros do not
// count; an integral step has precision 0.
func PrecisionFromStep(step string) int {
	step = strings.TrimSpace(step)
	idx := strings.Index(step, ".")
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(step[idx+1:], "0")
	return len(frac)
}

// FloorToStep truncates value down to the given number of fractional
// digits, matching how exchanges round quantities toward zero.
func FloorToStep(value float64, precision int) float64 {
	if precision < 0 {
		precision = 0
	}
	out, _ := decimal.NewFromFloat(value).RoundDown(int32(precision)).Float64()
	return out
}

// FormatStep renders value with exactly precision fractional digits, the
// form the order API expects for quantities and stop prices.
func FormatStep(value float64, precision int) string {
	if precision < 0 {
		precision = 0
	}
	return decimal.NewFromFloat(value).RoundDown(int32(precision)).StringFixed(int32(precision))
}
