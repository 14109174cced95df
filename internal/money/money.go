// Package money holds the exact decimal rules shared by orders, returns and the ledger.
package money

import "github.com/shopspring/decimal"

// Scale is the number of fractional digits kept for stored amounts.
const Scale = 2

// IntegerDigits bounds the whole part of any accepted amount; NUMERIC(18,2)
// leaves 16 digits before the point.
const IntegerDigits = 16

var (
	Zero = decimal.Zero
	// Max is the exclusive upper bound for accepted amounts.
	Max = decimal.New(1, IntegerDigits)
)

// Acceptable reports whether d can be stored as is: not negative, at most
// Scale fractional digits and below Max. The exponent checks run before any
// comparison that would rescale d.
func Acceptable(d decimal.Decimal) bool {
	if d.Sign() < 0 || d.Exponent() < -Scale {
		return false
	}
	if d.Sign() == 0 {
		return true
	}
	if d.Exponent() >= IntegerDigits {
		return false
	}
	return d.LessThan(Max)
}

// Normalize rounds an amount to the stored scale using banker's rounding.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Scale)
}

func Line(price decimal.Decimal, qty int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty))
}

func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Format renders an amount with the stored scale, e.g. "1500.00".
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
