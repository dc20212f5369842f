package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrRevert marks an oracle read that failed outright (reverted call, rejected RPC, open breaker).
	ErrRevert = errors.New("oracle: call reverted")
	// ErrOutOfGas marks an oracle read that exhausted its budget before answering.
	ErrOutOfGas = errors.New("oracle: out of gas")
	// ErrBrokenBacking marks a rate read that succeeded but reports backing that cannot be valued.
	ErrBrokenBacking = errors.New("oracle: broken backing")
)

// Sample is a single price observation for a reference pair.
type Sample struct {
	Value     decimal.Decimal
	Timestamp time.Time
}

// Age reports how old the sample is at now. Samples stamped in the future have age zero.
func (s Sample) Age(now time.Time) time.Duration {
	if s.Timestamp.After(now) {
		return 0
	}
	return now.Sub(s.Timestamp)
}

// Sampler supplies raw price samples for one pair.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
	Pair() string
}

// RateReader reads an exchange rate such as refPerTok from the backing token.
type RateReader interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// IsFault reports whether err is a transient oracle fault.
func IsFault(err error) bool {
	return errors.Is(err, ErrRevert) || errors.Is(err, ErrOutOfGas)
}

// classify maps transport errors onto the fault taxonomy. Deadline expiry is the budget running out.
func classify(err error) error {
	if err == nil || IsFault(err) || errors.Is(err, ErrBrokenBacking) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrOutOfGas, err)
	}
	return errors.Join(ErrRevert, err)
}
