package collateral

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Band is a quote-currency price range with Low <= High.
type Band struct {
	Low  decimal.Decimal
	High decimal.Decimal
}

var (
	// Unpriced is returned when no trustworthy price exists: nothing below zero, nothing above FixMax.
	Unpriced = Band{Low: decimal.Zero, High: FixMax}

	// ZeroBand is the explicit "no price" band produced by a zero oracle sample.
	ZeroBand = Band{Low: decimal.Zero, High: decimal.Zero}

	unitBand = Band{Low: one, High: one}
)

// IsZero reports whether the band is (0, 0).
func (b Band) IsZero() bool {
	return b.Low.IsZero() && b.High.IsZero()
}

// IsUnpriced reports whether the band is the Unpriced sentinel.
func (b Band) IsUnpriced() bool {
	return b.Low.IsZero() && b.High.Equal(FixMax)
}

// Equal compares both bounds numerically.
func (b Band) Equal(o Band) bool {
	return b.Low.Equal(o.Low) && b.High.Equal(o.High)
}

// Mid is the arithmetic midpoint, rounded down.
func (b Band) Mid() decimal.Decimal {
	return quoFloor(b.Low.Add(b.High), decimal.NewFromInt(2))
}

func (b Band) String() string {
	return fmt.Sprintf("(%s, %s)", b.Low.String(), b.High.String())
}

// WithError widens an oracle value by the relative oracle error: (v*(1-e), v*(1+e)).
func WithError(value, oracleError decimal.Decimal) Band {
	if value.Sign() <= 0 {
		return ZeroBand
	}
	delta := value.Mul(oracleError)
	return Band{
		Low:  floor(value.Sub(delta)),
		High: ceil(value.Add(delta)),
	}
}

// Compose multiplies the three unit-conversion rates into a token price band:
// low = refPerTok * targetPerRef.Low * pricePerTarget.Low, and likewise for high.
// An unbounded factor keeps the upper bound unbounded.
func Compose(refPerTok decimal.Decimal, targetPerRef, pricePerTarget Band) Band {
	if refPerTok.Sign() <= 0 || targetPerRef.IsZero() || pricePerTarget.IsZero() {
		return ZeroBand
	}

	low := floor(refPerTok.Mul(targetPerRef.Low).Mul(pricePerTarget.Low))

	var high decimal.Decimal
	if targetPerRef.High.Equal(FixMax) || pricePerTarget.High.Equal(FixMax) {
		high = FixMax
	} else {
		high = ceil(refPerTok.Mul(targetPerRef.High).Mul(pricePerTarget.High))
	}

	if low.GreaterThan(high) {
		low = high
	}
	return Band{Low: low, High: high}
}
