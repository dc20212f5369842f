package collateral

import (
	"time"

	"github.com/shopspring/decimal"
)

// SavedPrice is the last band observed from a fresh, non-zero oracle.
type SavedPrice struct {
	Low  decimal.Decimal
	High decimal.Decimal
	At   time.Time
}

// Valid reports whether a price was ever saved.
func (s SavedPrice) Valid() bool {
	return !s.At.IsZero()
}

// Band returns the saved bounds.
func (s SavedPrice) Band() Band {
	return Band{Low: s.Low, High: s.High}
}

// Decay returns the lot price of a saved band at now. The band is held for oracleTimeout,
// then shrinks linearly to (0, 0) over priceTimeout.
func Decay(saved SavedPrice, now time.Time, oracleTimeout, priceTimeout time.Duration) Band {
	if !saved.Valid() {
		return ZeroBand
	}

	delta := now.Sub(saved.At)
	if delta <= oracleTimeout {
		return saved.Band()
	}
	if delta >= oracleTimeout+priceTimeout {
		return ZeroBand
	}

	remaining := decimal.NewFromInt(int64(oracleTimeout + priceTimeout - delta))
	window := decimal.NewFromInt(int64(priceTimeout))
	return Band{
		Low:  quoFloor(saved.Low.Mul(remaining), window),
		High: quoFloor(saved.High.Mul(remaining), window),
	}
}
