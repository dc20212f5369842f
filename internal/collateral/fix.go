package collateral

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Places is the fixed-point precision of every price and rate.
const Places int32 = 18

var (
	// FixMax is the largest representable value, (2^192 - 1) / 10^18. An upper bound at
	// FixMax means "unbounded".
	FixMax = decimal.NewFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 192), big.NewInt(1)), -Places)

	// Quantum is the smallest representable step.
	Quantum = decimal.New(1, -Places)

	one = decimal.NewFromInt(1)
)

func saturate(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(FixMax) {
		return FixMax
	}
	return d
}

func floor(d decimal.Decimal) decimal.Decimal {
	return saturate(d.RoundFloor(Places))
}

func ceil(d decimal.Decimal) decimal.Decimal {
	return saturate(d.RoundCeil(Places))
}

// quoFloor divides a by b and truncates at Places. Both operands are non-negative.
func quoFloor(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, Places)
	return saturate(q)
}
