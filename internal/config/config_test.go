package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const sampleYAML = `
scheduler:
  interval: 1m
basket:
  name: primary
  warmup: 10m
collaterals:
  - id: DAI
    flavor: fiat
    ref_unit: DAI
    oracle_error: 0
    peg:
      source: chainlink
      pair: DAI/USD
      address: "0xAed0c38402a5d19df6E4c03F4E2DceD6e29c1ee9"
      decimals: 8
  - id: cUSDC
    flavor: appreciating
    ref_unit: USDC
    revenue_hiding: "0.000001"
    default_threshold: "0.02"
    delay_until_default: 12h
    peg:
      source: cow
      pair: USDC/USD
      sell_token: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
      sell_decimals: 6
      buy_token: "0xdAC17F958D2ee523a2206206994597C13D831ec7"
      buy_decimals: 6
      notional: 10000
    rate:
      source: ctoken
      address: "0x39AA39c021dfbaE8faC545936693aC917d5E7563"
      decimals: 16
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCollaterals(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Scheduler.Interval != time.Minute {
		t.Fatalf("unexpected interval %s", cfg.Scheduler.Interval)
	}
	if len(cfg.Collaterals) != 2 {
		t.Fatalf("expected two collaterals, got %d", len(cfg.Collaterals))
	}

	dai := cfg.Collaterals[0]
	if !dai.OracleError.IsZero() {
		t.Fatalf("explicit zero oracle error should survive defaults, got %s", dai.OracleError)
	}
	if dai.OracleTimeout != 24*time.Hour || dai.TargetUnit != "USD" {
		t.Fatalf("defaults not applied: %+v", dai)
	}

	cusdc, ok := cfg.FindCollateral("cUSDC")
	if !ok {
		t.Fatal("cUSDC not found")
	}
	if !cusdc.RevenueHiding.Equal(decimal.RequireFromString("0.000001")) {
		t.Fatalf("unexpected revenue hiding %s", cusdc.RevenueHiding)
	}
	if !cusdc.OracleError.Equal(decimal.RequireFromString("0.0025")) {
		t.Fatalf("default oracle error not applied: %s", cusdc.OracleError)
	}
	if !cusdc.Peg.Notional.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("unexpected notional %s", cusdc.Peg.Notional)
	}
	if cusdc.DelayUntilDefault != 12*time.Hour || cusdc.Rate.Decimals != 16 {
		t.Fatalf("unexpected cUSDC config %+v", cusdc)
	}

	if strings.Join(cfg.Basket.Members, ",") != "DAI,cUSDC" {
		t.Fatalf("basket should default to every collateral, got %v", cfg.Basket.Members)
	}
	if cfg.Basket.Warmup != 10*time.Minute {
		t.Fatalf("unexpected warmup %s", cfg.Basket.Warmup)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("COLLMON_SCHEDULER_INTERVAL", "90s")
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Interval != 90*time.Second {
		t.Fatalf("env override ignored: %s", cfg.Scheduler.Interval)
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, sampleYAML))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"duplicate id", func(c *Config) { c.Collaterals[1].ID = "DAI" }, "duplicate id"},
		{"unknown flavor", func(c *Config) { c.Collaterals[0].Flavor = "exotic" }, "unsupported flavor"},
		{"missing feed address", func(c *Config) { c.Collaterals[0].Peg.Address = "" }, "peg.address"},
		{"missing rate", func(c *Config) { c.Collaterals[1].Rate = RateConfig{} }, "rate.source"},
		{"zero threshold", func(c *Config) { c.Collaterals[0].DefaultThreshold = decimal.Zero }, "default threshold"},
		{"unknown basket member", func(c *Config) { c.Basket.Members = []string{"FRAX"} }, "unknown collateral"},
		{"telegram without token", func(c *Config) { c.Alerting.Telegram.Enabled = true }, "bot_token"},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }, "archive.bucket"},
		{"pool with one coin", func(c *Config) {
			c.Collaterals[0].Flavor = "pool"
			c.Collaterals[0].Coins = []FeedConfig{c.Collaterals[0].Peg}
		}, "at least two coins"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if cfg.ResolveMaxPoints(0) != 10 || cfg.ResolveMaxPoints(3) != 3 {
		t.Fatal("override should win when positive")
	}
}
