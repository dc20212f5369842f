package basket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"collateral-monitor/internal/collateral"
)

var (
	// ErrDuplicate rejects a second registration under the same id.
	ErrDuplicate = errors.New("basket: collateral already registered")
	// ErrNotFound reports an unknown collateral id.
	ErrNotFound  = errors.New("basket: collateral not registered")
)

// Registry holds the registered collateral, keyed by id, in registration order.
type Registry struct {
	mu     sync.RWMutex
	items  map[string]*collateral.Collateral
	order  []string
	logger zerolog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		items:  make(map[string]*collateral.Collateral),
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Register adds c. Ids are unique.
func (r *Registry) Register(c *collateral.Collateral) error {
	if c == nil {
		return fmt.Errorf("%w: nil collateral", collateral.ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[c.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, c.ID())
	}
	r.items[c.ID()] = c
	r.order = append(r.order, c.ID())
	r.logger.Info().Str("collateral", c.ID()).Str("flavor", c.Flavor()).Msg("registered")
	return nil
}

// Unregister removes a collateral. Its status no longer reaches any basket.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.items, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info().Str("collateral", id).Msg("unregistered")
	return nil
}

// Get looks up a collateral by id.
func (r *Registry) Get(id string) (*collateral.Collateral, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[id]
	return c, ok
}

// All returns the registered collateral in registration order.
func (r *Registry) All() []*collateral.Collateral {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*collateral.Collateral, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.items[id])
	}
	return out
}

// Len returns the number of registered collateral.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// RefreshAll refreshes every registered collateral. A failing collateral does not stop the
// others; all failures are joined into the returned error.
func (r *Registry) RefreshAll(ctx context.Context) error {
	return r.RefreshEach(ctx, nil)
}

// RefreshEach is RefreshAll with a callback receiving each collateral's own result.
func (r *Registry) RefreshEach(ctx context.Context, observe func(c *collateral.Collateral, err error)) error {
	var errs []error
	for _, c := range r.All() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := c.Refresh(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("collateral", c.ID()).Msg("refresh failed")
			errs = append(errs, err)
		}
		if observe != nil {
			observe(c, err)
		}
	}
	return errors.Join(errs...)
}

// Statuses returns the current status of every registered collateral.
func (r *Registry) Statuses() map[string]collateral.Status {
	all := r.All()
	out := make(map[string]collateral.Status, len(all))
	for _, c := range all {
		out[c.ID()] = c.Status()
	}
	return out
}
