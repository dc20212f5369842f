package collateral

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the mutable default-detection record of one collateral. Zero times mean "never".
type State struct {
	Status        Status
	WhenDefault   time.Time
	WhenIffy      time.Time
	WhenSound     time.Time
	HighWaterMark decimal.Decimal
	LastGood      SavedPrice
}

// Assessment is what one refresh learned about the collateral.
type Assessment struct {
	HardDefault bool
	Iffy        bool
	Reason      string
}

// Advance applies one assessment taken at now and returns the next state.
//
// Order matters: DISABLED absorbs everything, a hard default beats the peg check, and an
// expired IFFY deadline disables even if this very observation has recovered.
func (s State) Advance(a Assessment, now time.Time, delayUntilDefault time.Duration) State {
	if s.Status == Disabled {
		return s
	}

	if a.HardDefault {
		expired := s.Status == Iffy && !now.Before(s.WhenDefault)
		s.Status = Disabled
		if !expired {
			s.WhenDefault = now
		}
		return s
	}

	if s.Status == Iffy && !now.Before(s.WhenDefault) {
		s.Status = Disabled
		return s
	}

	if a.Iffy {
		if s.Status == Sound {
			s.Status = Iffy
			s.WhenIffy = now
			s.WhenDefault = now.Add(delayUntilDefault)
		}
		return s
	}

	if s.Status == Iffy {
		s.Status = Sound
		s.WhenIffy = time.Time{}
		s.WhenDefault = time.Time{}
		s.WhenSound = now
	}
	return s
}
