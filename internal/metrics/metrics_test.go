package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"collateral-monitor/internal/collateral"
)

func TestObserveCollateral(t *testing.T) {
	m := New()
	band := collateral.Band{Low: decimal.RequireFromString("0.99"), High: decimal.RequireFromString("1.01")}

	m.ObserveCollateral("DAI", collateral.Iffy, band, 1, nil)
	m.ObserveCollateral("DAI", collateral.Iffy, band, 1, errors.New("revert"))

	if got := testutil.ToFloat64(m.status.WithLabelValues("DAI")); got != 1 {
		t.Fatalf("expected status gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.priceHigh.WithLabelValues("DAI")); got != 1.01 {
		t.Fatalf("expected high 1.01, got %v", got)
	}
	if got := testutil.ToFloat64(m.refreshes.WithLabelValues("DAI", "error")); got != 1 {
		t.Fatalf("expected one failed refresh, got %v", got)
	}
	if got := testutil.ToFloat64(m.refreshes.WithLabelValues("DAI", "ok")); got != 1 {
		t.Fatalf("expected one successful refresh, got %v", got)
	}
}

func TestHandlerExposesSeries(t *testing.T) {
	m := New()
	m.ObserveBasket("primary", collateral.Sound, true)
	m.ObserveTransition("USDC", collateral.Disabled)
	m.ObserveTick(120 * time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`collmon_basket_ready{basket="primary"} 1`,
		`collmon_collateral_transitions_total{collateral="USDC",to="DISABLED"} 1`,
		`collmon_tick_duration_seconds_count 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("scrape missing %q", want)
		}
	}
}
