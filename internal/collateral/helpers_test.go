package collateral

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"collateral-monitor/internal/oracle/oracletest"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func testConfig() Config {
	return Config{
		ID:                "cDAI",
		RefUnit:           "DAI",
		TargetUnit:        "USD",
		OracleTimeout:     24 * time.Hour,
		OracleError:       d("0.0025"),
		DefaultThreshold:  d("0.05"),
		DelayUntilDefault: 86400 * time.Second,
		PriceTimeout:      7 * 24 * time.Hour,
		RevenueHiding:     d("0.000001"),
	}
}

type fixture struct {
	clock *oracletest.Clock
	peg   *oracletest.Oracle
	rate  *oracletest.Oracle
	coll  *Collateral
}

// newFiatFixture builds a fiat collateral on a live 1.0 peg feed.
func newFiatFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := oracletest.NewClock(t0)
	peg := oracletest.New("DAI/USD", clock, d("1"))
	flavor, err := NewFiat(peg)
	if err != nil {
		t.Fatalf("fiat flavor: %v", err)
	}
	coll, err := New(cfg, flavor, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new collateral: %v", err)
	}
	return &fixture{clock: clock, peg: peg, coll: coll}
}

// newAppreciatingFixture builds a cToken-like collateral with refPerTok starting at rate.
func newAppreciatingFixture(t *testing.T, cfg Config, rate string) *fixture {
	t.Helper()
	clock := oracletest.NewClock(t0)
	peg := oracletest.New("DAI/USD", clock, d("1"))
	rateOracle := oracletest.New("cDAI/DAI", clock, d(rate))
	base, err := NewFiat(peg)
	if err != nil {
		t.Fatalf("fiat flavor: %v", err)
	}
	flavor, err := NewAppreciating(base, rateOracle)
	if err != nil {
		t.Fatalf("appreciating flavor: %v", err)
	}
	coll, err := New(cfg, flavor, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new collateral: %v", err)
	}
	return &fixture{clock: clock, peg: peg, rate: rateOracle, coll: coll}
}

func (f *fixture) mustRefresh(t *testing.T) {
	t.Helper()
	if err := f.coll.Refresh(t.Context()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
}

func (f *fixture) expectStatus(t *testing.T, want Status) {
	t.Helper()
	if got := f.coll.Status(); got != want {
		t.Fatalf("expected status %s, got %s", want, got)
	}
}
