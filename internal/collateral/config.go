package collateral

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidConfig wraps every construction-time configuration failure.
var ErrInvalidConfig = errors.New("collateral: invalid config")

// Config is the immutable registration record of a collateral.
type Config struct {
	ID         string
	RefUnit    string
	TargetUnit string
	// PegPrice is the expected targetPerRef; zero means 1.
	PegPrice          decimal.Decimal
	OracleTimeout     time.Duration
	OracleError       decimal.Decimal
	DefaultThreshold  decimal.Decimal
	DelayUntilDefault time.Duration
	PriceTimeout      time.Duration
	RevenueHiding     decimal.Decimal
}

// Validate rejects configurations that could not be refreshed safely.
func (c Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, c.ID, fmt.Sprintf(format, args...))
	}

	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	if c.PegPrice.IsNegative() {
		return fail("peg price cannot be negative")
	}
	if c.OracleTimeout <= 0 {
		return fail("oracle timeout must be greater than zero")
	}
	if c.PriceTimeout <= 0 {
		return fail("price timeout must be greater than zero")
	}
	if c.DelayUntilDefault <= 0 {
		return fail("delay until default must be greater than zero")
	}
	if c.DefaultThreshold.Sign() <= 0 || c.DefaultThreshold.GreaterThanOrEqual(one) {
		return fail("default threshold must be in (0, 1), got %s", c.DefaultThreshold)
	}
	if c.OracleError.IsNegative() || c.OracleError.GreaterThanOrEqual(one) {
		return fail("oracle error must be in [0, 1), got %s", c.OracleError)
	}
	if c.RevenueHiding.IsNegative() || c.RevenueHiding.GreaterThanOrEqual(one) {
		return fail("revenue hiding fraction must be in [0, 1), got %s", c.RevenueHiding)
	}
	return nil
}

func (c Config) peg() decimal.Decimal {
	if c.PegPrice.IsZero() {
		return one
	}
	return c.PegPrice
}
