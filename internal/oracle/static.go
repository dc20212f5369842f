package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Static serves a value set by the caller. Simulations and replays drive it sample by sample.
type Static struct {
	mu     sync.RWMutex
	pair   string
	sample Sample
	err    error
	now    func() time.Time
}

// NewStatic returns a sampler that reports value stamped at ts.
func NewStatic(pair string, value decimal.Decimal, ts time.Time) *Static {
	return &Static{pair: pair, sample: Sample{Value: value, Timestamp: ts}}
}

// NewLiveStatic returns a sampler whose value is fixed but whose timestamp is always now(),
// so it never goes stale. Used for configured constant feeds.
func NewLiveStatic(pair string, value decimal.Decimal, now func() time.Time) *Static {
	return &Static{pair: pair, sample: Sample{Value: value}, now: now}
}

// Set replaces the served sample and clears any injected error.
func (s *Static) Set(value decimal.Decimal, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sample = Sample{Value: value, Timestamp: ts}
	s.err = nil
}

// Fail makes subsequent reads return err until the next Set.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Pair implements Sampler.
func (s *Static) Pair() string { return s.pair }

// Sample implements Sampler.
func (s *Static) Sample(ctx context.Context) (Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return Sample{}, s.err
	}
	sample := s.sample
	if s.now != nil {
		sample.Timestamp = s.now()
	}
	return sample, nil
}

// Rate implements RateReader so the same value can back refPerTok.
func (s *Static) Rate(ctx context.Context) (decimal.Decimal, error) {
	sample, err := s.Sample(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return sample.Value, nil
}

var (
	_ Sampler    = (*Static)(nil)
	_ RateReader = (*Static)(nil)
)
