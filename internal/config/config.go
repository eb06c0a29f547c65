// Package config loads and validates the engine's YAML configuration:
// os.ExpandEnv before decode, strict KnownFields decoding, a Normalize
// defaulting pass, then Validate. It also enforces the environment-variable
// contract (ALPACA_API_KEY/ALPACA_SECRET_KEY required,
// ALPACA_PAPER/ALLOW_LIVE_TRADING dual-gate).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/eddiefleurent/tradecore/internal/engerr"
	yaml "gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Symbols     SymbolsConfig     `yaml:"symbols"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Orders      OrdersConfig      `yaml:"orders"`
	Exit        ExitConfig        `yaml:"exit"`
	Storage     StorageConfig     `yaml:"storage"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Status      StatusConfig      `yaml:"status"`
	Notify      NotifyConfig      `yaml:"notify"`
}

// NotifyConfig selects the alert sink; an empty webhook URL falls back to
// log-only alerts.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// EnvironmentConfig carries the paper/live gate.
type EnvironmentConfig struct {
	Paper            bool   `yaml:"paper"`
	AllowLiveTrading bool   `yaml:"allow_live_trading"`
	LogLevel         string `yaml:"log_level"`
	DryRun           bool   `yaml:"dry_run"`
	KillSwitch       bool   `yaml:"kill_switch"`
	KillSwitchFile   string `yaml:"kill_switch_file"`
}

// BrokerConfig holds the brokerage API credentials and endpoint.
type BrokerConfig struct {
	APIKey       string        `yaml:"api_key"`
	SecretKey    string        `yaml:"secret_key"`
	BaseURL      string        `yaml:"base_url"`
	DataURL      string        `yaml:"data_url"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SymbolsConfig partitions the tradable universe by asset class.
type SymbolsConfig struct {
	Equities  []string `yaml:"equities"`
	Crypto    []string `yaml:"crypto"`
	Watchlist string   `yaml:"watchlist"`
}

// StrategyConfig holds the SMA crossover periods and cooldown parameters.
type StrategyConfig struct {
	Name            string        `yaml:"name"`
	Timeframe       string        `yaml:"timeframe"`
	SMAPairs        [][2]int      `yaml:"sma_pairs"`
	RegimeATRPeriod int           `yaml:"regime_atr_period"`
	RegimeSMAPeriod int           `yaml:"regime_sma_period"`
	GateCooldown    time.Duration `yaml:"gate_cooldown"`
}

// RiskLimits is one session's hard limit set. Crypto symbols always trade
// under the extended-hours limits; equities switch by wall clock in New
// York.
type RiskLimits struct {
	MaxDailyLossPct        float64 `yaml:"max_daily_loss_pct"`
	MaxTradesPerDay        int     `yaml:"max_trades_per_day"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
}

// RiskConfig holds the session-aware hard limits and the soft filters.
type RiskConfig struct {
	RegularHours  RiskLimits `yaml:"regular_hours"`
	ExtendedHours RiskLimits `yaml:"extended_hours"`

	MinConfidence     float64 `yaml:"min_confidence"`
	MaxSpreadPct      float64 `yaml:"max_spread_pct"` // 0 disables the filter
	MinBarTrades      int64   `yaml:"min_bar_trades"` // 0 disables the filter
	AvoidFirstMinutes int     `yaml:"avoid_first_minutes"`
	AvoidLastMinutes  int     `yaml:"avoid_last_minutes"`
}

// OrdersConfig holds order-submission parameters.
type OrdersConfig struct {
	Qty                     float64       `yaml:"qty"` // shares/contracts per entry order
	GateCooldown            time.Duration `yaml:"gate_cooldown"`
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
}

// ExitConfig holds exit-manager thresholds.
type ExitConfig struct {
	CheckIntervalSeconds  int     `yaml:"check_interval_seconds"`
	StopLossPct           float64 `yaml:"stop_loss_pct"`
	ProfitTargetPct       float64 `yaml:"profit_target_pct"`
	TrailingEnabled       bool    `yaml:"trailing_enabled"`
	TrailingActivationPct float64 `yaml:"trailing_activation_pct"`
	TrailingTrailPct      float64 `yaml:"trailing_trail_pct"`
	ATRMultStop           float64 `yaml:"atr_mult_stop"`
	ATRMultTarget         float64 `yaml:"atr_mult_target"`
	ExitOnCircuitBreaker  bool    `yaml:"exit_on_circuit_breaker"`
}

// StorageConfig points at the embedded SQLite database file.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ReconcileConfig holds runtime reconciler parameters.
type ReconcileConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"` // 30-300, default 120
}

// StatusConfig controls the optional JSON status/health endpoint.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads, expands, decodes, normalizes, and validates the config at
// path, then layers in the environment-variable contract.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path) // #nosec G304 -- configPath is operator-provided
	if err != nil {
		return nil, engerr.Config(fmt.Sprintf("reading config file %q", path), err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, engerr.Config(fmt.Sprintf("parsing config %q", path), err)
	}

	cfg.Normalize()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, engerr.Config("invalid config", err)
	}

	return &cfg, nil
}

// applyEnv layers the required and optional environment variables on
// top of the YAML-decoded config. Required: ALPACA_API_KEY, ALPACA_SECRET_KEY.
// Gates: ALPACA_PAPER (default true), ALLOW_LIVE_TRADING (must be true iff
// ALPACA_PAPER=false). Operational: KILL_SWITCH, DRY_RUN, LOG_LEVEL,
// DATABASE_PATH.
func (c *Config) applyEnv() error {
	apiKey := os.Getenv("ALPACA_API_KEY")
	secretKey := os.Getenv("ALPACA_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		return engerr.Config("ALPACA_API_KEY and ALPACA_SECRET_KEY are required", nil)
	}
	c.Broker.APIKey = apiKey
	c.Broker.SecretKey = secretKey

	c.Environment.Paper = true
	if v, ok := os.LookupEnv("ALPACA_PAPER"); ok {
		c.Environment.Paper = parseBoolDefault(v, true)
	}

	allowLive := parseBoolDefault(os.Getenv("ALLOW_LIVE_TRADING"), false)
	c.Environment.AllowLiveTrading = allowLive
	if !c.Environment.Paper && !allowLive {
		return engerr.Config("ALLOW_LIVE_TRADING must be true when ALPACA_PAPER=false", nil)
	}

	if v, ok := os.LookupEnv("KILL_SWITCH"); ok {
		c.Environment.KillSwitch = parseBoolDefault(v, false)
	}
	if v, ok := os.LookupEnv("DRY_RUN"); ok {
		c.Environment.DryRun = parseBoolDefault(v, false)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Environment.LogLevel = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}

	return nil
}

func parseBoolDefault(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return def
	}
}

// Normalize applies defaults for any zero-valued fields.
func (c *Config) Normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://paper-api.alpaca.markets"
	}
	if c.Broker.ReadTimeout <= 0 {
		c.Broker.ReadTimeout = 5 * time.Second
	}
	if c.Broker.WriteTimeout <= 0 {
		c.Broker.WriteTimeout = 10 * time.Second
	}
	if len(c.Strategy.SMAPairs) == 0 {
		c.Strategy.SMAPairs = [][2]int{{5, 15}, {10, 30}, {20, 50}}
	}
	if c.Strategy.Timeframe == "" {
		c.Strategy.Timeframe = "1Min"
	}
	if c.Strategy.RegimeATRPeriod <= 0 {
		c.Strategy.RegimeATRPeriod = 14
	}
	if c.Strategy.RegimeSMAPeriod <= 0 {
		c.Strategy.RegimeSMAPeriod = 50
	}
	if c.Strategy.GateCooldown <= 0 {
		c.Strategy.GateCooldown = 5 * time.Minute
	}
	if c.Orders.Qty <= 0 {
		c.Orders.Qty = 1
	}
	if c.Orders.GateCooldown <= 0 {
		c.Orders.GateCooldown = c.Strategy.GateCooldown
	}
	if c.Orders.CircuitBreakerThreshold <= 0 {
		c.Orders.CircuitBreakerThreshold = 5
	}
	if c.Risk.MinConfidence <= 0 {
		c.Risk.MinConfidence = 0.5
	}
	if c.Risk.ExtendedHours == (RiskLimits{}) {
		c.Risk.ExtendedHours = c.Risk.RegularHours
	}
	if c.Exit.CheckIntervalSeconds <= 0 {
		c.Exit.CheckIntervalSeconds = 30
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		c.Reconcile.IntervalSeconds = 120
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "data/engine.db"
	}
	if c.Status.Addr == "" {
		c.Status.Addr = ":8090"
	}
}

// Validate checks config invariants beyond the env dual-gate (already
// enforced in applyEnv).
func (c *Config) Validate() error {
	if len(c.Symbols.Equities) == 0 && len(c.Symbols.Crypto) == 0 && c.Symbols.Watchlist == "" {
		return fmt.Errorf("symbols: at least one of equities, crypto, or watchlist must be set")
	}
	for _, pair := range c.Strategy.SMAPairs {
		if pair[0] <= 0 || pair[1] <= 0 || pair[0] >= pair[1] {
			return fmt.Errorf("strategy.sma_pairs: each pair must be (fast,slow) with 0 < fast < slow, got %v", pair)
		}
	}
	for name, limits := range map[string]RiskLimits{
		"regular_hours": c.Risk.RegularHours, "extended_hours": c.Risk.ExtendedHours,
	} {
		if limits.MaxDailyLossPct <= 0 {
			return fmt.Errorf("risk.%s.max_daily_loss_pct must be > 0", name)
		}
		if limits.MaxTradesPerDay <= 0 {
			return fmt.Errorf("risk.%s.max_trades_per_day must be > 0", name)
		}
		if limits.MaxConcurrentPositions <= 0 {
			return fmt.Errorf("risk.%s.max_concurrent_positions must be > 0", name)
		}
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		return fmt.Errorf("risk.min_confidence must be in [0,1]")
	}
	if c.Exit.StopLossPct <= 0 {
		return fmt.Errorf("exit.stop_loss_pct must be > 0")
	}
	if c.Exit.ProfitTargetPct <= 0 {
		return fmt.Errorf("exit.profit_target_pct must be > 0")
	}
	if c.Reconcile.IntervalSeconds < 30 || c.Reconcile.IntervalSeconds > 300 {
		return fmt.Errorf("reconcile.interval_seconds must be in [30,300]")
	}
	return nil
}

// IsPaperTrading reports whether the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Paper
}
