package collateral

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"collateral-monitor/internal/oracle"
)

// Flavor names.
const (
	FlavorFiat         = "fiat"
	FlavorNonFiat      = "nonfiat"
	FlavorAppreciating = "appreciating"
	FlavorPool         = "pool"
)

// Observation is everything one refresh reads from outside the process.
type Observation struct {
	// RefPerTok is the raw exchange rate before revenue hiding.
	RefPerTok decimal.Decimal
	// TargetPerRef holds one peg sample per underlying feed.
	TargetPerRef []oracle.Sample
	// PricePerTarget is nil when the target unit is the quote currency.
	PricePerTarget *oracle.Sample
}

// Flavor supplies the raw rates for one kind of collateral. Implementations only read;
// the default monitor and decay engine are shared.
type Flavor interface {
	Name() string
	Observe(ctx context.Context) (Observation, error)
}

// Fiat is a token pegged 1:1 to its reference, priced by one target/ref feed (e.g. USDC/USD).
type Fiat struct {
	peg oracle.Sampler
}

// NewFiat builds a fiat flavor.
func NewFiat(peg oracle.Sampler) (*Fiat, error) {
	if peg == nil {
		return nil, fmt.Errorf("%w: fiat flavor needs a peg feed", ErrInvalidConfig)
	}
	return &Fiat{peg: peg}, nil
}

// Name implements Flavor.
func (f *Fiat) Name() string { return FlavorFiat }

// Observe implements Flavor.
func (f *Fiat) Observe(ctx context.Context) (Observation, error) {
	sample, err := f.peg.Sample(ctx)
	if err != nil {
		return Observation{}, err
	}
	return Observation{RefPerTok: one, TargetPerRef: []oracle.Sample{sample}}, nil
}

// NonFiat is pegged to a non-quote target (e.g. WBTC to BTC) and needs a second feed for
// the target's quote price.
type NonFiat struct {
	peg    oracle.Sampler
	target oracle.Sampler
}

// NewNonFiat builds a non-fiat flavor.
func NewNonFiat(peg, target oracle.Sampler) (*NonFiat, error) {
	if peg == nil || target == nil {
		return nil, fmt.Errorf("%w: nonfiat flavor needs peg and target feeds", ErrInvalidConfig)
	}
	return &NonFiat{peg: peg, target: target}, nil
}

// Name implements Flavor.
func (f *NonFiat) Name() string { return FlavorNonFiat }

// Observe implements Flavor.
func (f *NonFiat) Observe(ctx context.Context) (Observation, error) {
	pegSample, err := f.peg.Sample(ctx)
	if err != nil {
		return Observation{}, err
	}
	targetSample, err := f.target.Sample(ctx)
	if err != nil {
		return Observation{}, err
	}
	return Observation{
		RefPerTok:      one,
		TargetPerRef:   []oracle.Sample{pegSample},
		PricePerTarget: &targetSample,
	}, nil
}

// Appreciating wraps a fiat or non-fiat flavor with a yield-bearing exchange rate
// (cToken, aToken or ERC-4626 share price).
type Appreciating struct {
	base Flavor
	rate oracle.RateReader
}

// NewAppreciating builds an appreciating flavor.
func NewAppreciating(base Flavor, rate oracle.RateReader) (*Appreciating, error) {
	if base == nil || rate == nil {
		return nil, fmt.Errorf("%w: appreciating flavor needs a base flavor and a rate", ErrInvalidConfig)
	}
	return &Appreciating{base: base, rate: rate}, nil
}

// Name implements Flavor.
func (f *Appreciating) Name() string { return FlavorAppreciating + "/" + f.base.Name() }

// Observe implements Flavor.
func (f *Appreciating) Observe(ctx context.Context) (Observation, error) {
	rate, err := f.rate.Rate(ctx)
	if err != nil {
		return Observation{}, err
	}
	if rate.Sign() <= 0 {
		return Observation{}, fmt.Errorf("refPerTok %s: %w", rate, oracle.ErrBrokenBacking)
	}
	obs, err := f.base.Observe(ctx)
	if err != nil {
		return Observation{}, err
	}
	obs.RefPerTok = rate
	return obs, nil
}

// Pool is an LP token over several pegged coins. refPerTok is the pool's virtual price and
// every coin feed is checked against the peg.
type Pool struct {
	coins  []oracle.Sampler
	target oracle.Sampler
	rate   oracle.RateReader
}

// NewPool builds a pool flavor. target may be nil for quote-denominated pools.
func NewPool(coins []oracle.Sampler, target oracle.Sampler, rate oracle.RateReader) (*Pool, error) {
	if len(coins) < 2 {
		return nil, fmt.Errorf("%w: pool flavor needs at least two coin feeds", ErrInvalidConfig)
	}
	for i, c := range coins {
		if c == nil {
			return nil, fmt.Errorf("%w: pool coin feed %d is nil", ErrInvalidConfig, i)
		}
	}
	if rate == nil {
		return nil, fmt.Errorf("%w: pool flavor needs a virtual price rate", ErrInvalidConfig)
	}
	return &Pool{coins: coins, target: target, rate: rate}, nil
}

// Name implements Flavor.
func (f *Pool) Name() string { return FlavorPool }

// Observe implements Flavor.
func (f *Pool) Observe(ctx context.Context) (Observation, error) {
	rate, err := f.rate.Rate(ctx)
	if err != nil {
		return Observation{}, err
	}
	if rate.Sign() <= 0 {
		return Observation{}, fmt.Errorf("virtual price %s: %w", rate, oracle.ErrBrokenBacking)
	}

	obs := Observation{RefPerTok: rate, TargetPerRef: make([]oracle.Sample, 0, len(f.coins))}
	var errs []error
	for _, coin := range f.coins {
		sample, err := coin.Sample(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", coin.Pair(), err))
			continue
		}
		obs.TargetPerRef = append(obs.TargetPerRef, sample)
	}
	if len(errs) > 0 {
		return Observation{}, errors.Join(errs...)
	}

	if f.target != nil {
		sample, err := f.target.Sample(ctx)
		if err != nil {
			return Observation{}, err
		}
		obs.PricePerTarget = &sample
	}
	return obs, nil
}

var (
	_ Flavor = (*Fiat)(nil)
	_ Flavor = (*NonFiat)(nil)
	_ Flavor = (*Appreciating)(nil)
	_ Flavor = (*Pool)(nil)
)
