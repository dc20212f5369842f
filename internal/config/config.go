package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"collateral-monitor/internal/collateral"
	"collateral-monitor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig          `mapstructure:"app"`
	Logging     logging.Config     `mapstructure:"logging"`
	Database    DatabaseConfig     `mapstructure:"database"`
	Redis       RedisConfig        `mapstructure:"redis"`
	Scheduler   SchedulerConfig    `mapstructure:"scheduler"`
	Ethereum    EthereumConfig     `mapstructure:"ethereum"`
	Cow         CowConfig          `mapstructure:"cow"`
	Alerting    AlertingConfig     `mapstructure:"alerting"`
	Export      ExportConfig       `mapstructure:"export"`
	Archive     ArchiveConfig      `mapstructure:"archive"`
	Metrics     MetricsConfig      `mapstructure:"metrics"`
	Basket      BasketConfig       `mapstructure:"basket"`
	Collaterals []CollateralConfig `mapstructure:"collaterals"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig controls status publication for downstream consumers.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	PoolSize  int           `mapstructure:"pool_size"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Channel   string        `mapstructure:"channel"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig governs refresh cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Immediate       bool          `mapstructure:"immediate"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
}

// CowConfig captures CoW Protocol connectivity.
type CowConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PriceQuality   string        `mapstructure:"price_quality"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	Cooldown       time.Duration  `mapstructure:"cooldown"`
	NotifyRecovery bool           `mapstructure:"notify_recovery"`
	Channels       []string       `mapstructure:"channels"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int    `mapstructure:"max_data_points"`
	OutputDir     string `mapstructure:"output_dir"`
}

// ArchiveConfig points exports at an S3-compatible bucket.
type ArchiveConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Endpoint       string `mapstructure:"endpoint"`
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// BasketConfig names the active basket and its members.
type BasketConfig struct {
	Name    string        `mapstructure:"name"`
	Members []string      `mapstructure:"members"`
	Warmup  time.Duration `mapstructure:"warmup"`
}

// Feed sources.
const (
	SourceChainlink = "chainlink"
	SourceCow       = "cow"
	SourceStatic    = "static"
)

// Rate sources.
const (
	RateERC4626 = "erc4626"
	RateCToken  = "ctoken"
	RateAToken  = "atoken"
	RateCurve   = "curve"
	RateStatic  = "static"
)

// FeedConfig describes one price sample source.
type FeedConfig struct {
	Source   string `mapstructure:"source"`
	Pair     string `mapstructure:"pair"`
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`

	SellToken    string          `mapstructure:"sell_token"`
	SellDecimals int32           `mapstructure:"sell_decimals"`
	BuyToken     string          `mapstructure:"buy_token"`
	BuyDecimals  int32           `mapstructure:"buy_decimals"`
	Notional     decimal.Decimal `mapstructure:"notional"`

	Value decimal.Decimal `mapstructure:"value"`
}

// RateConfig describes the refPerTok source of an appreciating or pool collateral.
type RateConfig struct {
	Source        string          `mapstructure:"source"`
	Address       string          `mapstructure:"address"`
	Decimals      int32           `mapstructure:"decimals"`
	ShareDecimals int32           `mapstructure:"share_decimals"`
	Value         decimal.Decimal `mapstructure:"value"`
}

// CollateralConfig registers one collateral and its oracles.
type CollateralConfig struct {
	ID                string          `mapstructure:"id"`
	Flavor            string          `mapstructure:"flavor"`
	BaseFlavor        string          `mapstructure:"base_flavor"`
	RefUnit           string          `mapstructure:"ref_unit"`
	TargetUnit        string          `mapstructure:"target_unit"`
	PegPrice          decimal.Decimal `mapstructure:"peg_price"`
	OracleTimeout     time.Duration   `mapstructure:"oracle_timeout"`
	OracleError       decimal.Decimal `mapstructure:"oracle_error"`
	DefaultThreshold  decimal.Decimal `mapstructure:"default_threshold"`
	DelayUntilDefault time.Duration   `mapstructure:"delay_until_default"`
	PriceTimeout      time.Duration   `mapstructure:"price_timeout"`
	RevenueHiding     decimal.Decimal `mapstructure:"revenue_hiding"`

	Peg    FeedConfig   `mapstructure:"peg"`
	Target FeedConfig   `mapstructure:"target"`
	Coins  []FeedConfig `mapstructure:"coins"`
	Rate   RateConfig   `mapstructure:"rate"`
}

// Collateral converts the entry into the registration record.
func (c CollateralConfig) Collateral() collateral.Config {
	return collateral.Config{
		ID:                c.ID,
		RefUnit:           c.RefUnit,
		TargetUnit:        c.TargetUnit,
		PegPrice:          c.PegPrice,
		OracleTimeout:     c.OracleTimeout,
		OracleError:       c.OracleError,
		DefaultThreshold:  c.DefaultThreshold,
		DelayUntilDefault: c.DelayUntilDefault,
		PriceTimeout:      c.PriceTimeout,
		RevenueHiding:     c.RevenueHiding,
	}
}

// Load builds configuration from file, .env, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("COLLMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyCollateralDefaults(v)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "collateral-monitor")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 30)

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x636f6c6c))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.immediate", true)

	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.requests_per_second", 10.0)
	v.SetDefault("ethereum.burst", 5)
	v.SetDefault("ethereum.breaker_failures", 5)
	v.SetDefault("ethereum.breaker_cooldown", "30s")

	v.SetDefault("cow.base_url", "https://api.cow.fi/mainnet/api/v1")
	v.SetDefault("cow.price_quality", "optimal")
	v.SetDefault("cow.request_timeout", "10s")
	v.SetDefault("cow.user_agent", "collateral-monitor/1.0")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "collmon:")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.notify_recovery", true)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.output_dir", ".")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "collateral-monitor")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")

	v.SetDefault("basket.name", "primary")
	v.SetDefault("basket.warmup", "15m")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

// collateralDefaults fill per-collateral fields left empty; viper cannot default list items.
var collateralDefaults = struct {
	OracleTimeout     time.Duration
	OracleError       decimal.Decimal
	DefaultThreshold  decimal.Decimal
	DelayUntilDefault time.Duration
	PriceTimeout      time.Duration
}{
	OracleTimeout:     24 * time.Hour,
	OracleError:       decimal.RequireFromString("0.0025"),
	DefaultThreshold:  decimal.RequireFromString("0.05"),
	DelayUntilDefault: 24 * time.Hour,
	PriceTimeout:      7 * 24 * time.Hour,
}

func (c *Config) applyCollateralDefaults(v *viper.Viper) {
	raw, _ := v.Get("collaterals").([]interface{})
	for i := range c.Collaterals {
		cc := &c.Collaterals[i]
		if cc.OracleTimeout == 0 {
			cc.OracleTimeout = collateralDefaults.OracleTimeout
		}
		if cc.PriceTimeout == 0 {
			cc.PriceTimeout = collateralDefaults.PriceTimeout
		}
		if cc.DelayUntilDefault == 0 {
			cc.DelayUntilDefault = collateralDefaults.DelayUntilDefault
		}
		if cc.DefaultThreshold.IsZero() {
			cc.DefaultThreshold = collateralDefaults.DefaultThreshold
		}
		// an explicit zero oracle error is valid
		if cc.OracleError.IsZero() && !hasKey(raw, i, "oracle_error") {
			cc.OracleError = collateralDefaults.OracleError
		}
		if cc.TargetUnit == "" {
			cc.TargetUnit = "USD"
		}
	}
	if len(c.Basket.Members) == 0 {
		for _, cc := range c.Collaterals {
			c.Basket.Members = append(c.Basket.Members, cc.ID)
		}
	}
}

func hasKey(raw []interface{}, i int, key string) bool {
	if i >= len(raw) {
		return false
	}
	item, ok := raw[i].(map[string]interface{})
	if !ok {
		return false
	}
	_, ok = item[key]
	return ok
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			decimalHook(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook decodes strings and YAML numbers into decimal.Decimal. Strings are exact.
func decimalHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case uint64:
			return decimal.NewFromUint64(v), nil
		}
		return data, nil
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Ethereum.RequestsPerSecond < 0 {
		return fmt.Errorf("ethereum.requests_per_second cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Archive.Enabled && (c.Archive.Bucket == "" || c.Archive.Region == "") {
		return fmt.Errorf("archive.bucket and archive.region are required when archive is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	ids := make(map[string]struct{}, len(c.Collaterals))
	for i, cc := range c.Collaterals {
		if err := cc.Validate(); err != nil {
			return fmt.Errorf("collaterals[%d]: %w", i, err)
		}
		if _, dup := ids[cc.ID]; dup {
			return fmt.Errorf("collaterals[%d]: duplicate id %q", i, cc.ID)
		}
		ids[cc.ID] = struct{}{}
	}

	if c.Basket.Warmup < 0 {
		return fmt.Errorf("basket.warmup cannot be negative")
	}
	for _, id := range c.Basket.Members {
		if _, ok := ids[id]; !ok {
			return fmt.Errorf("basket.members: unknown collateral %q", id)
		}
	}
	return nil
}

// Validate applies the collateral construction rules plus oracle wiring checks.
func (cc CollateralConfig) Validate() error {
	if err := cc.Collateral().Validate(); err != nil {
		return err
	}

	switch cc.Flavor {
	case collateral.FlavorFiat:
		return cc.Peg.validate("peg")
	case collateral.FlavorNonFiat:
		if err := cc.Peg.validate("peg"); err != nil {
			return err
		}
		return cc.Target.validate("target")
	case collateral.FlavorAppreciating:
		if err := cc.Rate.validate(); err != nil {
			return err
		}
		switch cc.BaseFlavor {
		case "", collateral.FlavorFiat:
			return cc.Peg.validate("peg")
		case collateral.FlavorNonFiat:
			if err := cc.Peg.validate("peg"); err != nil {
				return err
			}
			return cc.Target.validate("target")
		default:
			return fmt.Errorf("%s: unsupported base_flavor %q", cc.ID, cc.BaseFlavor)
		}
	case collateral.FlavorPool:
		if len(cc.Coins) < 2 {
			return fmt.Errorf("%s: pool needs at least two coins", cc.ID)
		}
		for i, coin := range cc.Coins {
			if err := coin.validate(fmt.Sprintf("coins[%d]", i)); err != nil {
				return err
			}
		}
		if cc.Target.Source != "" {
			if err := cc.Target.validate("target"); err != nil {
				return err
			}
		}
		return cc.Rate.validate()
	default:
		return fmt.Errorf("%s: unsupported flavor %q", cc.ID, cc.Flavor)
	}
}

func (f FeedConfig) validate(field string) error {
	switch f.Source {
	case SourceChainlink:
		if f.Address == "" {
			return fmt.Errorf("%s.address is required for chainlink feeds", field)
		}
	case SourceCow:
		if f.SellToken == "" || f.BuyToken == "" {
			return fmt.Errorf("%s.sell_token and %s.buy_token are required for cow feeds", field, field)
		}
		if f.Notional.Sign() <= 0 {
			return fmt.Errorf("%s.notional must be greater than zero", field)
		}
	case SourceStatic:
		if f.Value.IsNegative() {
			return fmt.Errorf("%s.value cannot be negative", field)
		}
	case "":
		return fmt.Errorf("%s.source is required", field)
	default:
		return fmt.Errorf("%s: unsupported source %q", field, f.Source)
	}
	return nil
}

func (r RateConfig) validate() error {
	switch r.Source {
	case RateERC4626, RateCToken, RateAToken, RateCurve:
		if r.Address == "" {
			return fmt.Errorf("rate.address is required for %s rates", r.Source)
		}
	case RateStatic:
		if r.Value.Sign() <= 0 {
			return fmt.Errorf("rate.value must be greater than zero")
		}
	case "":
		return fmt.Errorf("rate.source is required")
	default:
		return fmt.Errorf("rate: unsupported source %q", r.Source)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// FindCollateral returns the configured collateral with the given id.
func (c *Config) FindCollateral(id string) (CollateralConfig, bool) {
	for _, cc := range c.Collaterals {
		if cc.ID == id {
			return cc, true
		}
	}
	return CollateralConfig{}, false
}
