package basket

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collateral-monitor/internal/collateral"
)

// ErrInvalidBasket rejects a basket definition or a persisted basket state.
var ErrInvalidBasket = errors.New("basket: invalid basket")

// Transition is a change of the aggregate basket status.
type Transition struct {
	From collateral.Status
	To   collateral.Status
	At   time.Time
}

// State is the persistable tracking record of a basket.
type State struct {
	Status  collateral.Status
	Since   time.Time
	Tracked bool
}

// Basket is a named set of collateral ids backed by a Registry.
type Basket struct {
	name     string
	members  []string
	warmup   time.Duration
	registry *Registry
	logger   zerolog.Logger

	mu    sync.RWMutex
	state State
}

// New builds a basket over members of registry. Members must be unique and the warmup
// non-negative.
func New(name string, members []string, warmup time.Duration, registry *Registry, logger zerolog.Logger) (*Basket, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidBasket)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %s has no members", ErrInvalidBasket, name)
	}
	if warmup < 0 {
		return nil, fmt.Errorf("%w: %s: warmup cannot be negative", ErrInvalidBasket, name)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: %s: registry is required", ErrInvalidBasket, name)
	}
	seen := make(map[string]struct{}, len(members))
	for _, id := range members {
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %s: duplicate member %s", ErrInvalidBasket, name, id)
		}
		seen[id] = struct{}{}
	}

	return &Basket{
		name:     name,
		members:  append([]string(nil), members...),
		warmup:   warmup,
		registry: registry,
		logger:   logger.With().Str("component", "basket").Str("basket", name).Logger(),
	}, nil
}

// Name returns the basket name.
func (b *Basket) Name() string { return b.name }

// Members returns a copy of the member ids.
func (b *Basket) Members() []string { return append([]string(nil), b.members...) }

// Warmup returns how long the basket must stay SOUND before it is ready.
func (b *Basket) Warmup() time.Duration { return b.warmup }

// Status is the worst status of the live members. A basket whose members have all been
// unregistered is DISABLED.
func (b *Basket) Status() collateral.Status {
	statuses := make([]collateral.Status, 0, len(b.members))
	for _, id := range b.members {
		if c, ok := b.registry.Get(id); ok {
			statuses = append(statuses, c.Status())
		}
	}
	if len(statuses) == 0 {
		return collateral.Disabled
	}
	return Worst(statuses...)
}

// Track records the aggregate status at now. It reports a transition when the status
// differs from the last tracked one; the first call only records.
func (b *Basket) Track(now time.Time) (Transition, bool) {
	status := b.Status()

	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.state
	if prev.Tracked && prev.Status == status {
		return Transition{}, false
	}
	b.state = State{Status: status, Since: now, Tracked: true}
	if !prev.Tracked {
		return Transition{}, false
	}

	tr := Transition{From: prev.Status, To: status, At: now}
	b.logger.Warn().Str("from", tr.From.String()).Str("to", tr.To.String()).Time("at", now).Msg("basket status changed")
	return tr, true
}

// IsReady reports whether the basket is SOUND and has been SOUND for at least the warmup
// period as of now. The period restarts at the latest member recovery, whether or not Track
// saw it.
func (b *Basket) IsReady(now time.Time) bool {
	if b.Status() != collateral.Sound {
		return false
	}
	b.mu.RLock()
	state := b.state
	b.mu.RUnlock()
	if !state.Tracked || state.Status != collateral.Sound {
		return false
	}

	since := state.Since
	for _, id := range b.members {
		c, ok := b.registry.Get(id)
		if !ok {
			continue
		}
		if recovered, ok := c.WhenSound(); ok && recovered.After(since) {
			since = recovered
		}
	}
	return !now.Before(since.Add(b.warmup))
}

// State returns the last tracked state.
func (b *Basket) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Restore reinstates a persisted tracking record.
func (b *Basket) Restore(s State) error {
	if !s.Status.Valid() {
		return fmt.Errorf("%w: %s: invalid status %d", ErrInvalidBasket, b.name, uint8(s.Status))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
	return nil
}
