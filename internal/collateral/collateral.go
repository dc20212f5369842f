// Package collateral values one backing asset of an over-collateralized basket and tracks
// whether that asset still backs what it claims to.
//
// A Collateral composes three rates into a price band (refPerTok, targetPerRef and
// pricePerTarget), hides a small fraction of an appreciating refPerTok to absorb rounding,
// and runs the SOUND -> IFFY -> DISABLED default monitor. Every state change happens inside
// Refresh; Price and LotPrice only read.
package collateral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"collateral-monitor/internal/oracle"
)

var (
	// ErrRefreshInProgress rejects a refresh that re-enters, or races, one already running.
	ErrRefreshInProgress = errors.New("collateral: refresh already in progress")
	// ErrSnapshotMismatch rejects a snapshot that cannot be applied to this collateral.
	ErrSnapshotMismatch = errors.New("collateral: snapshot mismatch")
)

// Option customises a Collateral.
type Option func(*Collateral)

// WithClock overrides the time source used for freshness, deadlines and decay.
func WithClock(now func() time.Time) Option {
	return func(c *Collateral) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Collateral) {
		c.logger = logger
	}
}

// Collateral is one registered backing asset.
type Collateral struct {
	cfg    Config
	flavor Flavor
	now    func() time.Time
	logger zerolog.Logger

	refreshing atomic.Bool

	mu     sync.RWMutex
	state  State
	reason string
}

// New validates cfg and returns a SOUND collateral.
func New(cfg Config, flavor Flavor, opts ...Option) (*Collateral, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if flavor == nil {
		return nil, fmt.Errorf("%w: %s: flavor is required", ErrInvalidConfig, cfg.ID)
	}

	c := &Collateral{
		cfg:    cfg,
		flavor: flavor,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "collateral").Str("collateral", cfg.ID).Logger()
	return c, nil
}

// ID returns the registry key.
func (c *Collateral) ID() string { return c.cfg.ID }

// Config returns the registration record.
func (c *Collateral) Config() Config { return c.cfg }

// Flavor returns the flavor name.
func (c *Collateral) Flavor() string { return c.flavor.Name() }

// Status returns the status as of the last refresh.
func (c *Collateral) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Status
}

// WhenDefault returns the scheduled or actual default time. ok is false when none is set.
func (c *Collateral) WhenDefault() (t time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.WhenDefault, !c.state.WhenDefault.IsZero()
}

// WhenIffy returns when the current IFFY episode began.
func (c *Collateral) WhenIffy() (t time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.WhenIffy, !c.state.WhenIffy.IsZero()
}

// WhenSound returns when the collateral last recovered from IFFY. ok is false if it never has.
func (c *Collateral) WhenSound() (t time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.WhenSound, !c.state.WhenSound.IsZero()
}

// HighWaterMark returns the highest raw refPerTok observed.
func (c *Collateral) HighWaterMark() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.HighWaterMark
}

// Reason explains the most recent status change.
func (c *Collateral) Reason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

// RefPerTok returns the revenue-hidden exchange rate exposed to the basket.
func (c *Collateral) RefPerTok() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	buf := Buffer{Fraction: c.cfg.RevenueHiding, HighWaterMark: c.state.HighWaterMark}
	return floor(buf.Hidden())
}

// Price returns the current band without touching state. Broken backing yields Unpriced.
// Once the oracle is stale it follows LotPrice and decays the last good band. Oracle faults
// are returned as-is.
func (c *Collateral) Price(ctx context.Context) (Band, error) {
	band, _, err := c.Quote(ctx)
	return band, err
}

// Quote is Price that also reports whether the band was decayed from a stale oracle.
func (c *Collateral) Quote(ctx context.Context) (band Band, stale bool, err error) {
	now := c.now()
	obs, err := c.flavor.Observe(ctx)
	if err != nil {
		if errors.Is(err, oracle.ErrBrokenBacking) {
			return Unpriced, false, nil
		}
		return Band{}, false, fmt.Errorf("price %s: %w", c.cfg.ID, err)
	}

	q := c.quote(obs, now)
	if q.stale {
		return c.decayed(now), true, nil
	}
	return q.band, false, nil
}

// LotPrice equals Price while the oracle is fresh and non-zero. Otherwise it decays the last
// good band saved by Refresh. Only an out-of-gas fault is returned to the caller.
func (c *Collateral) LotPrice(ctx context.Context) (Band, error) {
	now := c.now()
	obs, err := c.flavor.Observe(ctx)
	switch {
	case err == nil:
		q := c.quote(obs, now)
		if !q.stale && q.band.High.Sign() > 0 {
			return q.band, nil
		}
	case errors.Is(err, oracle.ErrOutOfGas):
		return Band{}, fmt.Errorf("lot price %s: %w", c.cfg.ID, err)
	}

	return c.decayed(now), nil
}

func (c *Collateral) decayed(now time.Time) Band {
	c.mu.RLock()
	saved := c.state.LastGood
	c.mu.RUnlock()
	return Decay(saved, now, c.cfg.OracleTimeout, c.cfg.PriceTimeout)
}

// Refresh reads the oracles once and advances the default monitor. It is a no-op once
// DISABLED. An oracle fault leaves every field untouched and is returned to the caller.
func (c *Collateral) Refresh(ctx context.Context) error {
	if !c.refreshing.CompareAndSwap(false, true) {
		c.logger.Warn().Msg("rejected re-entrant refresh")
		return fmt.Errorf("refresh %s: %w", c.cfg.ID, ErrRefreshInProgress)
	}
	defer c.refreshing.Store(false)

	if c.Status() == Disabled {
		return nil
	}

	now := c.now()
	obs, err := c.flavor.Observe(ctx)
	brokenBacking := errors.Is(err, oracle.ErrBrokenBacking)
	if err != nil && !brokenBacking {
		c.logger.Warn().Err(err).Msg("oracle fault, state preserved")
		return fmt.Errorf("refresh %s: %w", c.cfg.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state
	next := prev
	var assessment Assessment

	if brokenBacking {
		assessment = Assessment{HardDefault: true, Reason: err.Error()}
	} else {
		buf := Buffer{Fraction: c.cfg.RevenueHiding, HighWaterMark: prev.HighWaterMark}
		_, defaulted := buf.Observe(obs.RefPerTok)
		next.HighWaterMark = buf.HighWaterMark

		q := c.quote(obs, now)
		switch {
		case defaulted:
			assessment = Assessment{HardDefault: true, Reason: "refPerTok below hidden floor"}
		case q.stale:
			assessment = Assessment{Iffy: true, Reason: "stale oracle"}
		case q.zero:
			assessment = Assessment{Iffy: true, Reason: "zero price"}
		case q.offPeg:
			assessment = Assessment{Iffy: true, Reason: "peg deviation"}
		}

		if !defaulted && !q.stale && !q.zero && q.band.High.LessThan(FixMax) {
			next.LastGood = SavedPrice{Low: q.band.Low, High: q.band.High, At: now}
		}
	}

	next = next.Advance(assessment, now, c.cfg.DelayUntilDefault)
	c.state = next

	if next.Status != prev.Status {
		switch {
		case next.Status == Sound:
			c.reason = "recovered"
		case next.Status == Disabled && !assessment.HardDefault:
			c.reason = "default deadline reached"
		default:
			c.reason = assessment.Reason
		}
		c.logTransition(prev, next, assessment, now)
	}
	return nil
}

func (c *Collateral) logTransition(prev, next State, a Assessment, now time.Time) {
	event := c.logger.Warn()
	if next.Status == Disabled {
		event = c.logger.Error()
	}
	event = event.Str("from", prev.Status.String()).Str("to", next.Status.String()).Time("at", now)
	if a.Reason != "" {
		event = event.Str("reason", a.Reason)
	}
	if !next.WhenDefault.IsZero() {
		event = event.Time("when_default", next.WhenDefault)
	}
	event.Msg("collateral status changed")
}

type quote struct {
	band   Band
	stale  bool
	zero   bool
	offPeg bool
}

// quote runs the unit converter and the peg check on one observation.
func (c *Collateral) quote(obs Observation, now time.Time) quote {
	var q quote
	if len(obs.TargetPerRef) == 0 {
		q.zero = true
		q.band = ZeroBand
		return q
	}

	peg := c.cfg.peg()
	tolerance := peg.Mul(c.cfg.DefaultThreshold)
	lowest, highest := obs.TargetPerRef[0].Value, obs.TargetPerRef[0].Value
	for _, s := range obs.TargetPerRef {
		if s.Age(now) > c.cfg.OracleTimeout {
			q.stale = true
		}
		if s.Value.Sign() <= 0 {
			q.zero = true
		}
		if s.Value.Sub(peg).Abs().GreaterThan(tolerance) {
			q.offPeg = true
		}
		if s.Value.LessThan(lowest) {
			lowest = s.Value
		}
		if s.Value.GreaterThan(highest) {
			highest = s.Value
		}
	}

	targetPerRef := Band{
		Low:  WithError(lowest, c.cfg.OracleError).Low,
		High: WithError(highest, c.cfg.OracleError).High,
	}

	pricePerTarget := unitBand
	if obs.PricePerTarget != nil {
		if obs.PricePerTarget.Age(now) > c.cfg.OracleTimeout {
			q.stale = true
		}
		if obs.PricePerTarget.Value.Sign() <= 0 {
			q.zero = true
		}
		pricePerTarget = WithError(obs.PricePerTarget.Value, c.cfg.OracleError)
	}

	if q.zero {
		q.band = ZeroBand
		return q
	}
	q.band = Compose(obs.RefPerTok, targetPerRef, pricePerTarget)
	return q
}

// Snapshot is the persistable state of a collateral.
type Snapshot struct {
	ID string
	State
}

// Snapshot copies the current state.
func (c *Collateral) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{ID: c.cfg.ID, State: c.state}
}

// Restore replaces the state with a persisted snapshot. A DISABLED collateral cannot be
// restored into any other status.
func (c *Collateral) Restore(s Snapshot) error {
	if s.ID != c.cfg.ID {
		return fmt.Errorf("%w: snapshot for %q applied to %q", ErrSnapshotMismatch, s.ID, c.cfg.ID)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: invalid status %d", ErrSnapshotMismatch, uint8(s.Status))
	}
	if s.Status != Sound && s.WhenDefault.IsZero() {
		return fmt.Errorf("%w: %s snapshot without default time", ErrSnapshotMismatch, s.Status)
	}
	if s.HighWaterMark.IsNegative() {
		return fmt.Errorf("%w: negative high-water mark", ErrSnapshotMismatch)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status == Disabled && s.Status != Disabled {
		return fmt.Errorf("%w: %s is DISABLED", ErrSnapshotMismatch, c.cfg.ID)
	}
	c.state = s.State
	return nil
}
