// Package config loads, validates and partially reloads the application
// configuration, and owns the zerolog setup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Breakers   BreakerConfig    `mapstructure:"breakers"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Fusion     FusionConfig     `mapstructure:"fusion"`
	Strategist StrategistConfig `mapstructure:"strategist"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Fanout     FanoutConfig     `mapstructure:"fanout"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// ExchangeConfig selects and configures the exchange adapter.
type ExchangeConfig struct {
	Kind        string    `mapstructure:"kind"` // "real", "simulation", "mock"
	APIKey      string    `mapstructure:"api_key"`
	SecretKey   string    `mapstructure:"secret_key"`
	Testnet     bool      `mapstructure:"testnet"`
	RateLimitMS int       `mapstructure:"rate_limit_ms"`
	Fees        FeeConfig `mapstructure:"fees"`
}

// FeeConfig describes the simulated fill model.
type FeeConfig struct {
	Maker        float64 `mapstructure:"maker"`
	Taker        float64 `mapstructure:"taker"`
	BaseSlippage float64 `mapstructure:"base_slippage"`
	MarketImpact float64 `mapstructure:"market_impact"`
	MaxSlippage  float64 `mapstructure:"max_slippage"`
}

// TradingConfig contains the cycle-level trading settings.
type TradingConfig struct {
	Stage                   string   `mapstructure:"stage"` // stage1, stage2, stage3
	QuoteCurrency           string   `mapstructure:"quote_currency"`
	Pairs                   []string `mapstructure:"pairs"`
	CycleIntervalMinutes    int      `mapstructure:"cycle_interval_minutes"`
	SimulationMode          bool     `mapstructure:"simulation_mode"`
	InitialCapital          float64  `mapstructure:"initial_capital"`
	TargetCapital           float64  `mapstructure:"target_capital"`
	SnapshotHistory         int      `mapstructure:"snapshot_history"`
	RunWhenPausedOnCritical bool     `mapstructure:"run_when_paused_on_critical"`
}

// RiskConfig contains sentinel thresholds.
type RiskConfig struct {
	MaxPositionPct    float64 `mapstructure:"max_position_pct"`
	MaxExposurePct    float64 `mapstructure:"max_exposure_pct"`
	StopLossPct       float64 `mapstructure:"stop_loss_pct"`
	MinConfidence     float64 `mapstructure:"min_confidence"`
	MinHoldTimeHours  float64 `mapstructure:"min_hold_time_hours"`
	BalanceReserve    float64 `mapstructure:"balance_reserve"`
	AllowRiskOffSells bool    `mapstructure:"allow_risk_off_sells"`
}

// BreakerConfig contains circuit breaker thresholds.
type BreakerConfig struct {
	MaxDailyLossPct        float64 `mapstructure:"max_daily_loss_pct"`
	MaxDailyTrades         int     `mapstructure:"max_daily_trades"`
	VolatilityThresholdPct float64 `mapstructure:"volatility_threshold_pct"`
	ConsecutiveLossLimit   int     `mapstructure:"consecutive_loss_limit"`
	AnomalyThreshold       float64 `mapstructure:"anomaly_threshold"`
	CooldownMinutes        int     `mapstructure:"cooldown_minutes"`
}

// ExecutionConfig contains executor settings.
type ExecutionConfig struct {
	OrderKind        string `mapstructure:"order_kind"` // MARKET, LIMIT, TWAP
	LimitTimeoutS    int    `mapstructure:"limit_timeout_s"`
	PollMS           int    `mapstructure:"poll_ms"`
	FallbackToMarket bool   `mapstructure:"fallback_to_market"`
	TWAPSlices       int    `mapstructure:"twap_slices"`
	TWAPWindowS      int    `mapstructure:"twap_window_s"`
}

// FusionConfig contains fusion engine settings.
type FusionConfig struct {
	DisagreementPenalty float64                       `mapstructure:"disagreement_penalty"`
	Weights             map[string]map[string]float64 `mapstructure:"weights"` // regime -> analyst -> weight; "default" row required
}

// StrategistConfig selects the strategist implementation.
type StrategistConfig struct {
	Mode           string  `mapstructure:"mode"` // rules, llm, hybrid
	ThresholdBuy   float64 `mapstructure:"threshold_buy"`
	ThresholdSell  float64 `mapstructure:"threshold_sell"`
	BaseSizeQuote  float64 `mapstructure:"base_size_quote"`
	MinSizeQuote   float64 `mapstructure:"min_size_quote"`
	DailyBudgetUSD float64 `mapstructure:"daily_budget_usd"`
}

// LLMConfig contains the LLM gateway settings.
type LLMConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	TimeoutS    int     `mapstructure:"timeout_s"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	SSLMode         string `mapstructure:"ssl_mode"`
	PoolSize        int    `mapstructure:"pool_size"`
	WriteDeadlineMS int    `mapstructure:"write_deadline_ms"`
	WriteBuffer     int    `mapstructure:"write_buffer"`
}

// RedisConfig contains the optional candle cache settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains the optional event bridge settings.
type NATSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Embedded bool   `mapstructure:"embedded"`
}

// FanoutConfig contains the live portfolio fan-out settings.
type FanoutConfig struct {
	Enabled               bool `mapstructure:"realtime_fanout_enabled"`
	SubscriberBuffer      int  `mapstructure:"subscriber_buffer"`
	SlowConsumerThreshold int  `mapstructure:"slow_consumer_threshold"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	EnableMetrics  bool `mapstructure:"enable_metrics"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults and environment variables apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDegradation()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDegradation downgrades the configuration when credentials are
// missing: a real exchange without keys becomes simulation, an LLM
// strategist without a key becomes rules.
func (c *Config) applyDegradation() {
	if c.Exchange.Kind == "real" && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") {
		c.Exchange.Kind = "simulation"
		c.Trading.SimulationMode = true
	}
	if c.Trading.SimulationMode && c.Exchange.Kind == "real" {
		c.Exchange.Kind = "simulation"
	}
	if (c.Strategist.Mode == "llm" || c.Strategist.Mode == "hybrid") && c.LLM.APIKey == "" {
		c.Strategist.Mode = "rules"
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tradecore")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("exchange.kind", "simulation")
	v.SetDefault("exchange.rate_limit_ms", 100)
	v.SetDefault("exchange.fees.maker", 0.001)
	v.SetDefault("exchange.fees.taker", 0.001)
	v.SetDefault("exchange.fees.base_slippage", 0.0005)
	v.SetDefault("exchange.fees.market_impact", 0.0001)
	v.SetDefault("exchange.fees.max_slippage", 0.003)

	v.SetDefault("trading.stage", "stage1")
	v.SetDefault("trading.quote_currency", "AUD")
	v.SetDefault("trading.pairs", []string{"BTC/AUD", "ETH/AUD"})
	v.SetDefault("trading.cycle_interval_minutes", 15)
	v.SetDefault("trading.simulation_mode", true)
	v.SetDefault("trading.initial_capital", 1000.0)
	v.SetDefault("trading.target_capital", 10000.0)
	v.SetDefault("trading.snapshot_history", 100)
	v.SetDefault("trading.run_when_paused_on_critical", true)

	v.SetDefault("risk.max_position_pct", 0.20)
	v.SetDefault("risk.max_exposure_pct", 0.80)
	v.SetDefault("risk.stop_loss_pct", 0.05)
	v.SetDefault("risk.min_confidence", 0.6)
	v.SetDefault("risk.min_hold_time_hours", 4.0)
	v.SetDefault("risk.balance_reserve", 0.0)
	v.SetDefault("risk.allow_risk_off_sells", true)

	v.SetDefault("breakers.max_daily_loss_pct", 0.10)
	v.SetDefault("breakers.max_daily_trades", 10)
	v.SetDefault("breakers.volatility_threshold_pct", 0.10)
	v.SetDefault("breakers.consecutive_loss_limit", 4)
	v.SetDefault("breakers.anomaly_threshold", 0.8)
	v.SetDefault("breakers.cooldown_minutes", 60)

	v.SetDefault("execution.order_kind", "MARKET")
	v.SetDefault("execution.limit_timeout_s", 30)
	v.SetDefault("execution.poll_ms", 500)
	v.SetDefault("execution.fallback_to_market", true)
	v.SetDefault("execution.twap_slices", 4)
	v.SetDefault("execution.twap_window_s", 120)

	v.SetDefault("fusion.disagreement_penalty", 0.5)
	v.SetDefault("fusion.weights.default.technical", 0.45)
	v.SetDefault("fusion.weights.default.sentiment", 0.35)
	v.SetDefault("fusion.weights.default.orderbook", 0.20)

	v.SetDefault("strategist.mode", "rules")
	v.SetDefault("strategist.threshold_buy", 0.3)
	v.SetDefault("strategist.threshold_sell", -0.3)
	v.SetDefault("strategist.base_size_quote", 250.0)
	v.SetDefault("strategist.min_size_quote", 25.0)
	v.SetDefault("strategist.daily_budget_usd", 5.0)

	v.SetDefault("llm.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 800)
	v.SetDefault("llm.timeout_s", 20)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "tradecore")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.write_deadline_ms", 500)
	v.SetDefault("database.write_buffer", 1024)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.embedded", false)

	v.SetDefault("fanout.realtime_fanout_enabled", true)
	v.SetDefault("fanout.subscriber_buffer", 16)
	v.SetDefault("fanout.slow_consumer_threshold", 8)

	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.prometheus_port", 9100)
}

// CycleInterval returns the cycle cadence as a duration.
func (c *TradingConfig) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalMinutes) * time.Minute
}

// LimitTimeout returns the limit order timeout as a duration.
func (c *ExecutionConfig) LimitTimeout() time.Duration {
	return time.Duration(c.LimitTimeoutS) * time.Second
}

// PollInterval returns the fill poll cadence as a duration.
func (c *ExecutionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollMS) * time.Millisecond
}

// Timeout returns the LLM call timeout as a duration.
func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}

// Cooldown returns the breaker cooldown as a duration.
func (c *BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// GetDSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
