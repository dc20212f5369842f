package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"collateral-monitor/internal/alerting"
	"collateral-monitor/internal/collateral"
	"collateral-monitor/internal/config"
	"collateral-monitor/internal/storage"
)

func staticFeed(pair, value string) config.FeedConfig {
	return config.FeedConfig{Source: config.SourceStatic, Pair: pair, Value: decimal.RequireFromString(value)}
}

func collateralConfig(id, flavor string) config.CollateralConfig {
	return config.CollateralConfig{
		ID:                id,
		Flavor:            flavor,
		RefUnit:           id,
		TargetUnit:        "USD",
		OracleTimeout:     time.Hour,
		OracleError:       decimal.RequireFromString("0.0025"),
		DefaultThreshold:  decimal.RequireFromString("0.05"),
		DelayUntilDefault: 24 * time.Hour,
		PriceTimeout:      7 * 24 * time.Hour,
	}
}

func testConfig() *config.Config {
	dai := collateralConfig("DAI", collateral.FlavorFiat)
	dai.Peg = staticFeed("DAI/USD", "1")

	cusdc := collateralConfig("cUSDC", collateral.FlavorAppreciating)
	cusdc.BaseFlavor = collateral.FlavorFiat
	cusdc.RevenueHiding = decimal.RequireFromString("0.000001")
	cusdc.Peg = staticFeed("USDC/USD", "1")
	cusdc.Rate = config.RateConfig{Source: config.RateStatic, Value: decimal.RequireFromString("1.02")}

	pool := collateralConfig("3POOL", collateral.FlavorPool)
	pool.Coins = []config.FeedConfig{staticFeed("DAI/USD", "1"), staticFeed("USDC/USD", "0.999")}
	pool.Rate = config.RateConfig{Source: config.RateStatic, Value: decimal.RequireFromString("1.03")}

	cfg := &config.Config{Collaterals: []config.CollateralConfig{dai, cusdc, pool}}
	cfg.Basket = config.BasketConfig{Name: "primary", Members: []string{"DAI", "cUSDC", "3POOL"}, Warmup: time.Minute}
	cfg.Export.MaxDataPoints = 100
	return cfg
}

func TestBuildRegistryFromConfig(t *testing.T) {
	factory := newFeedFactory(testConfig(), nil, zerolog.Nop())
	defer factory.close()

	registry, bkt, err := factory.buildRegistry(zerolog.Nop())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if registry.Len() != 3 {
		t.Fatalf("expected 3 collaterals, got %d", registry.Len())
	}
	if bkt.Name() != "primary" || len(bkt.Members()) != 3 {
		t.Fatalf("unexpected basket %s %v", bkt.Name(), bkt.Members())
	}
	if err := registry.RefreshAll(context.Background()); err != nil {
		t.Fatalf("static feeds should refresh cleanly: %v", err)
	}
	for id, status := range registry.Statuses() {
		if status != collateral.Sound {
			t.Fatalf("%s should be SOUND, got %s", id, status)
		}
	}

	cusdc, _ := registry.Get("cUSDC")
	if cusdc.Flavor() != "appreciating/fiat" {
		t.Fatalf("unexpected flavor name %s", cusdc.Flavor())
	}
	if !cusdc.RefPerTok().Equal(decimal.RequireFromString("1.01999898")) {
		t.Fatalf("refPerTok should be revenue-hidden, got %s", cusdc.RefPerTok())
	}
}

func TestBuildFlavorRejectsUnknown(t *testing.T) {
	cc := collateralConfig("X", "synthetic")
	cc.Peg = staticFeed("X/USD", "1")
	factory := newFeedFactory(&config.Config{}, nil, zerolog.Nop())
	if _, err := factory.buildCollateral(cc, zerolog.Nop()); err == nil {
		t.Fatalf("unknown flavor should be rejected")
	}

	cc.Flavor = collateral.FlavorAppreciating
	cc.BaseFlavor = collateral.FlavorPool
	if _, err := factory.buildCollateral(cc, zerolog.Nop()); err == nil {
		t.Fatalf("pool is not a valid base flavor")
	}
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.notes = append(r.notes, note)
	return nil
}

func TestSimulateDepegToDefault(t *testing.T) {
	cc := testConfig().Collaterals[0]
	var out bytes.Buffer
	notes := &recordingNotifier{}
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	err := simulate(context.Background(), &out, cc, SimulateOptions{
		Peg:   []string{"1", "0.9"},
		Steps: 4,
		Step:  12 * time.Hour,
	}, notes, start, zerolog.Nop())
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}

	text := out.String()
	for _, want := range []string{"SOUND", "IFFY", "DISABLED", "peg deviation", "default deadline reached"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	if len(notes.notes) != 2 {
		t.Fatalf("expected two alerts, got %d", len(notes.notes))
	}
	if notes.notes[1].To != collateral.Disabled || !notes.notes[1].At.Equal(start.Add(36*time.Hour)) {
		t.Fatalf("unexpected default alert %+v", notes.notes[1])
	}
}

func TestSimulateRejectsBadInput(t *testing.T) {
	cc := testConfig().Collaterals[0]
	cases := []SimulateOptions{
		{Steps: 0, Step: time.Hour},
		{Steps: 1, Step: 0},
		{Steps: 1, Step: time.Hour, Peg: []string{"abc"}},
		{Steps: 1, Step: time.Hour, Target: "x"},
	}
	for i, opts := range cases {
		if err := simulate(context.Background(), &bytes.Buffer{}, cc, opts, nil, time.Now(), zerolog.Nop()); err == nil {
			t.Fatalf("case %d should fail", i)
		}
	}
}

func TestReplayMatchesRecordedTimeline(t *testing.T) {
	cc := testConfig().Collaterals[0]
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fault := "paused"
	samples := []storage.PriceSample{
		{SampledAt: t0, Status: "SOUND", PriceLow: decimal.RequireFromString("0.9975"), PriceHigh: decimal.RequireFromString("1.0025"), RefPerTok: decimal.NewFromInt(1)},
		{SampledAt: t0.Add(time.Hour), Status: "IFFY", PriceLow: decimal.RequireFromString("0.89775"), PriceHigh: decimal.RequireFromString("0.90225"), RefPerTok: decimal.NewFromInt(1)},
		{SampledAt: t0.Add(3 * time.Hour), Status: "IFFY", PriceLow: decimal.RequireFromString("0.89"), PriceHigh: decimal.RequireFromString("0.9"), RefPerTok: decimal.NewFromInt(1), Stale: true},
		{SampledAt: t0.Add(4 * time.Hour), Status: "IFFY", RefPerTok: decimal.NewFromInt(1), Error: &fault},
	}

	var out bytes.Buffer
	diverged, err := replay(context.Background(), &out, cc, samples, zerolog.Nop())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if diverged != 0 {
		t.Fatalf("expected no divergence, got %d:\n%s", diverged, out.String())
	}
	if !strings.Contains(out.String(), "stale") || !strings.Contains(out.String(), "fault") {
		t.Fatalf("expected stale and fault rows:\n%s", out.String())
	}
}

func TestReplayFlagsDivergence(t *testing.T) {
	cc := testConfig().Collaterals[0]
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	samples := []storage.PriceSample{
		{SampledAt: t0, Status: "IFFY", PriceLow: decimal.RequireFromString("0.9975"), PriceHigh: decimal.RequireFromString("1.0025"), RefPerTok: decimal.NewFromInt(1)},
	}
	diverged, err := replay(context.Background(), &bytes.Buffer{}, cc, samples, zerolog.Nop())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if diverged != 1 {
		t.Fatalf("expected one divergence, got %d", diverged)
	}
}

func TestReplayRejectsNonFiat(t *testing.T) {
	cc := collateralConfig("WBTC", collateral.FlavorNonFiat)
	cc.Peg = staticFeed("WBTC/BTC", "1")
	cc.Target = staticFeed("BTC/USD", "60000")
	if _, err := replay(context.Background(), &bytes.Buffer{}, cc, nil, zerolog.Nop()); err == nil {
		t.Fatalf("nonfiat replay should be rejected")
	}
}

func TestDownsampleSamples(t *testing.T) {
	samples := make([]storage.PriceSample, 10)
	for i := range samples {
		samples[i].SampledAt = time.Unix(int64(i), 0)
	}

	got := downsampleSamples(samples, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(got))
	}
	if !got[0].SampledAt.Equal(samples[0].SampledAt) || !got[3].SampledAt.Equal(samples[9].SampledAt) {
		t.Fatalf("downsampling should keep both ends")
	}
	if len(downsampleSamples(samples, 0)) != 10 || len(downsampleSamples(samples, 20)) != 10 {
		t.Fatalf("no downsampling expected")
	}
	if one := downsampleSamples(samples, 1); len(one) != 1 || !one[0].SampledAt.Equal(samples[9].SampledAt) {
		t.Fatalf("single point should be the latest sample")
	}
}

func TestWriteSamplesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dai.csv")
	msg := "oracle: call reverted"
	samples := []storage.PriceSample{{
		RunID:        uuid.New(),
		CollateralID: "DAI",
		SampledAt:    time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Status:       "IFFY",
		PriceLow:     decimal.RequireFromString("0.9"),
		PriceHigh:    decimal.RequireFromString("0.91"),
		RefPerTok:    decimal.NewFromInt(1),
		Error:        &msg,
	}}
	if err := writeSamplesCSV(path, samples); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header and one row, got %d", len(rows))
	}
	if rows[1][0] != "2024-05-01T00:00:00Z" || rows[1][2] != "IFFY" || rows[1][9] != msg {
		t.Fatalf("unexpected row %v", rows[1])
	}
}

func TestWriteSamplesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dai.png")
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	samples := []storage.PriceSample{
		{SampledAt: t0, PriceLow: decimal.RequireFromString("0.99"), PriceHigh: decimal.RequireFromString("1.01"), LotLow: decimal.RequireFromString("0.99"), LotHigh: decimal.RequireFromString("1.01")},
		{SampledAt: t0.Add(time.Hour), PriceLow: decimal.Zero, PriceHigh: collateral.FixMax, LotLow: decimal.RequireFromString("0.98"), LotHigh: decimal.RequireFromString("1.0")},
	}
	if err := writeSamplesPNG(path, "DAI", samples); err != nil {
		t.Fatalf("write png: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		t.Fatalf("expected a non-empty png, got %v", err)
	}
}

func TestFilterTransitions(t *testing.T) {
	records := []storage.TransitionRecord{
		{Kind: storage.KindCollateral, Subject: "DAI"},
		{Kind: storage.KindCollateral, Subject: "USDC"},
		{Kind: storage.KindBasket, Subject: "primary"},
	}
	if got := filterTransitions(records, "", ""); len(got) != 3 {
		t.Fatalf("no filter should keep everything, got %d", len(got))
	}
	if got := filterTransitions(records, storage.KindBasket, ""); len(got) != 1 || got[0].Subject != "primary" {
		t.Fatalf("unexpected kind filter result %+v", got)
	}
	if got := filterTransitions(records, storage.KindCollateral, "USDC"); len(got) != 1 || got[0].Subject != "USDC" {
		t.Fatalf("unexpected subject filter result %+v", got)
	}
	if len(records) != 3 || records[0].Subject != "DAI" {
		t.Fatalf("filtering must not modify the input")
	}
}
