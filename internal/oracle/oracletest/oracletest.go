// Package oracletest provides scriptable oracle adapters for exercising collateral
// refreshes: fixed or clock-stamped prices, stale samples, reverts, out-of-gas faults
// and callbacks that re-enter the caller mid-read.
package oracletest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"collateral-monitor/internal/oracle"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Oracle is a fault-injecting Sampler and RateReader.
//
// While live, every read is stamped with the clock's current time. Freeze pins the
// timestamp so the sample ages as the clock advances.
type Oracle struct {
	mu       sync.Mutex
	pair     string
	clock    *Clock
	value    decimal.Decimal
	frozenAt *time.Time
	fault    error
	hook     func()
	calls    int
}

// New returns a live oracle reporting value.
func New(pair string, clock *Clock, value decimal.Decimal) *Oracle {
	return &Oracle{pair: pair, clock: clock, value: value}
}

// SetPrice changes the reported value and clears any injected fault.
func (o *Oracle) SetPrice(value decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = value
	o.fault = nil
}

// Freeze pins the sample timestamp to the current clock time.
func (o *Oracle) Freeze() {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.clock.Now()
	o.frozenAt = &t
}

// StampAt pins the sample timestamp to t.
func (o *Oracle) StampAt(t time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frozenAt = &t
}

// Unfreeze resumes clock-stamped samples.
func (o *Oracle) Unfreeze() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frozenAt = nil
}

// Revert makes reads fail with oracle.ErrRevert. An empty reason reverts with no message.
func (o *Oracle) Revert(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if reason == "" {
		o.fault = oracle.ErrRevert
		return
	}
	o.fault = errors.Join(oracle.ErrRevert, errors.New(reason))
}

// OutOfGas makes reads fail with oracle.ErrOutOfGas.
func (o *Oracle) OutOfGas() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fault = oracle.ErrOutOfGas
}

// Fail makes reads fail with an arbitrary error.
func (o *Oracle) Fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fault = err
}

// Heal clears any injected fault.
func (o *Oracle) Heal() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fault = nil
}

// OnSample registers fn to run at the start of every read, before the value is produced.
func (o *Oracle) OnSample(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hook = fn
}

// Calls reports how many reads were attempted.
func (o *Oracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// Pair implements oracle.Sampler.
func (o *Oracle) Pair() string { return o.pair }

// Sample implements oracle.Sampler.
func (o *Oracle) Sample(ctx context.Context) (oracle.Sample, error) {
	o.mu.Lock()
	hook := o.hook
	o.calls++
	o.mu.Unlock()

	if hook != nil {
		hook()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fault != nil {
		return oracle.Sample{}, o.fault
	}
	ts := o.clock.Now()
	if o.frozenAt != nil {
		ts = *o.frozenAt
	}
	return oracle.Sample{Value: o.value, Timestamp: ts}, nil
}

// Rate implements oracle.RateReader.
func (o *Oracle) Rate(ctx context.Context) (decimal.Decimal, error) {
	sample, err := o.Sample(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return sample.Value, nil
}

var (
	_ oracle.Sampler    = (*Oracle)(nil)
	_ oracle.RateReader = (*Oracle)(nil)
)
