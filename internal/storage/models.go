package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"collateral-monitor/internal/basket"
	"collateral-monitor/internal/collateral"
)

// StateRecord is the persisted form of a collateral snapshot. Zero times are stored as NULL.
type StateRecord struct {
	CollateralID  string
	Status        string
	WhenDefault   *time.Time
	WhenIffy      *time.Time
	WhenSound     *time.Time
	HighWaterMark decimal.Decimal
	LastGoodLow   decimal.Decimal
	LastGoodHigh  decimal.Decimal
	LastGoodAt    *time.Time
	UpdatedAt     time.Time
}

// PriceSample is one collateral observation taken during a tick.
type PriceSample struct {
	RunID        uuid.UUID
	CollateralID string
	SampledAt    time.Time
	Status       string
	PriceLow     decimal.Decimal
	PriceHigh    decimal.Decimal
	LotLow       decimal.Decimal
	LotHigh      decimal.Decimal
	RefPerTok    decimal.Decimal
	// Stale marks a price decayed from the last good band.
	Stale        bool
	Error        *string
}

// Transition kinds.
const (
	KindCollateral = "collateral"
	KindBasket     = "basket"
)

// TransitionRecord audits one status change of a collateral or basket.
type TransitionRecord struct {
	ID         int64
	RunID      uuid.UUID
	Kind       string
	Subject    string
	FromStatus string
	ToStatus   string
	Reason     string
	At         time.Time
	CreatedAt  time.Time
}

// BasketRecord is the persisted tracking state of a basket.
type BasketRecord struct {
	Name      string
	Status    string
	Since     time.Time
	UpdatedAt time.Time
}

// NewStateRecord flattens a snapshot for persistence.
func NewStateRecord(s collateral.Snapshot) StateRecord {
	return StateRecord{
		CollateralID:  s.ID,
		Status:        s.Status.String(),
		WhenDefault:   optionalTime(s.WhenDefault),
		WhenIffy:      optionalTime(s.WhenIffy),
		WhenSound:     optionalTime(s.WhenSound),
		HighWaterMark: s.HighWaterMark,
		LastGoodLow:   s.LastGood.Low,
		LastGoodHigh:  s.LastGood.High,
		LastGoodAt:    optionalTime(s.LastGood.At),
	}
}

// Snapshot rebuilds the collateral snapshot.
func (r StateRecord) Snapshot() (collateral.Snapshot, error) {
	status, err := collateral.ParseStatus(r.Status)
	if err != nil {
		return collateral.Snapshot{}, fmt.Errorf("collateral %s: %w", r.CollateralID, err)
	}
	return collateral.Snapshot{
		ID: r.CollateralID,
		State: collateral.State{
			Status:        status,
			WhenDefault:   derefTime(r.WhenDefault),
			WhenIffy:      derefTime(r.WhenIffy),
			WhenSound:     derefTime(r.WhenSound),
			HighWaterMark: r.HighWaterMark,
			LastGood: collateral.SavedPrice{
				Low:  r.LastGoodLow,
				High: r.LastGoodHigh,
				At:   derefTime(r.LastGoodAt),
			},
		},
	}, nil
}

// BasketState converts the record.
func (r BasketRecord) BasketState() (basket.State, error) {
	status, err := collateral.ParseStatus(r.Status)
	if err != nil {
		return basket.State{}, fmt.Errorf("basket %s: %w", r.Name, err)
	}
	return basket.State{Status: status, Since: r.Since, Tracked: true}, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
