package collateral

import "github.com/shopspring/decimal"

// Buffer hides a fraction of an appreciating refPerTok so that rounding regressions in
// yield accrual do not read as value loss. The hidden floor is HighWaterMark * (1 - Fraction).
type Buffer struct {
	Fraction      decimal.Decimal
	HighWaterMark decimal.Decimal
}

// Hidden returns the exposed refPerTok. It is never above the high-water mark.
func (b Buffer) Hidden() decimal.Decimal {
	return b.HighWaterMark.Mul(one.Sub(b.Fraction))
}

// Observe records a raw refPerTok reading. A reading strictly below the hidden floor of the
// previous mark is a hard default; the mark then drops to the reading and is never raised again
// because the collateral stops refreshing.
func (b *Buffer) Observe(raw decimal.Decimal) (hidden decimal.Decimal, defaulted bool) {
	if raw.LessThan(b.Hidden()) {
		b.HighWaterMark = raw
		return b.Hidden(), true
	}
	if raw.GreaterThan(b.HighWaterMark) {
		b.HighWaterMark = raw
	}
	return b.Hidden(), false
}
