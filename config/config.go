package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Engine         EngineConfig         `json:"engine"`
	Risk           RiskConfig           `json:"risk"`
	Sizing         SizingConfig         `json:"sizing"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Optimizer      OptimizerConfig      `json:"optimizer"`
	Exchange       ExchangeConfig       `json:"exchange"`
	Oracle         OracleConfig         `json:"oracle"`
	Validator      ValidatorConfig      `json:"validator"`
	Database       DatabaseConfig       `json:"database"`
	Redis          RedisConfig          `json:"redis"`
	Server         ServerConfig         `json:"server"`
	Auth           AuthConfig           `json:"auth"`
	Vault          VaultConfig          `json:"vault"`
	Notification   NotificationConfig   `json:"notification"`
	Logging        LoggingConfig        `json:"logging"`
}

// EngineConfig controls the decision loop cadence and the instrument universe.
type EngineConfig struct {
	Instruments         []string `json:"instruments"`
	ScanIntervalSec     int      `json:"scan_interval_sec"`
	MonitorIntervalSec  int      `json:"monitor_interval_sec"`
	OptimizeIntervalMin int      `json:"optimize_interval_min"`
	InitialCapital      float64  `json:"initial_capital"`
	DryRun              bool     `json:"dry_run"`
}

// RiskConfig holds the mutable risk parameters the optimizer tunes at runtime.
// Weights are blended without a sum-to-1 requirement; the scorer normalizes.
type RiskConfig struct {
	TrendWeight         float64 `json:"trend_weight"`
	OscillatorWeight    float64 `json:"oscillator_weight"`
	OrderFlowWeight     float64 `json:"order_flow_weight"`
	MomentumWeight      float64 `json:"momentum_weight"`
	Leverage            int     `json:"leverage"`
	MinLeverage         int     `json:"min_leverage"`
	MaxLeverage         int     `json:"max_leverage"`
	AccountRiskFraction float64 `json:"account_risk_fraction"`
	MinConfidence       int     `json:"min_confidence"`
	MaxOpenPositions    int     `json:"max_open_positions"`
	MaxExposureFraction float64 `json:"max_exposure_fraction"` // Per instrument, of equity
	ProbabilityBoost    float64 `json:"probability_boost"`
	ProbabilityPenalty  float64 `json:"probability_penalty"`
	ContrarianOverride  int     `json:"contrarian_override"` // Confidence that overrides trend alignment
	ConfluenceBar       int     `json:"confluence_bar"`      // Required confidence with flow confluence
	StandardBar         int     `json:"standard_bar"`        // Required confidence without
	StrongImbalance     float64 `json:"strong_imbalance"`    // |imbalance| that counts as flow confluence
}

// SizingConfig holds position sizing and exit parameters.
type SizingConfig struct {
	BaseMarginUSD      float64 `json:"base_margin_usd"`
	MinViableMarginUSD float64 `json:"min_viable_margin_usd"`
	MinEquityUSD       float64 `json:"min_equity_usd"`
	MinMarginHealth    float64 `json:"min_margin_health"`
	FeeRatePct         float64 `json:"fee_rate_pct"` // One side, of notional
	StopATRMultiple    float64 `json:"stop_atr_multiple"`
	TargetATRMultiple  float64 `json:"target_atr_multiple"`
	StaleAfterHours    float64 `json:"stale_after_hours"`
}

type CircuitBreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct"`
	MaxTradeRiskPct      float64 `json:"max_trade_risk_pct"` // Single-trade risk veto, of current capital
	CooldownMinutes      int     `json:"cooldown_minutes"`
}

type OptimizerConfig struct {
	Enabled        bool    `json:"enabled"`
	LookbackTrades int     `json:"lookback_trades"`
	HighVolPct     float64 `json:"high_vol_pct"`
	LowVolPct      float64 `json:"low_vol_pct"`
	WeightStep     float64 `json:"weight_step"`
	WinRateRaise   float64 `json:"win_rate_raise"` // Win rate above which leverage steps up
	WinRateLower   float64 `json:"win_rate_lower"` // Win rate below which leverage steps down
	MinBias        float64 `json:"min_bias"`
	MaxBias        float64 `json:"max_bias"`
}

type ExchangeConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	SecretKey      string `json:"secret_key"`
	TestNet        bool   `json:"testnet"`
	RequestsPerSec int    `json:"requests_per_sec"`
	TimeoutSec     int    `json:"timeout_sec"`
}

// OracleConfig points at the win-probability model service. When the URL is
// empty the engine falls back to the local heuristic estimator.
type OracleConfig struct {
	URL        string `json:"url"`
	TimeoutSec int    `json:"timeout_sec"`
}

// ValidatorConfig points at the LLM thesis-validation service. Optional; when
// disabled the decision gate skips oracle validation entirely.
type ValidatorConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"`
	APIKey     string `json:"api_key"`
	Model      string `json:"model"`
	TimeoutSec int    `json:"timeout_sec"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeoutSec  int    `json:"read_timeout_sec"`
	WriteTimeoutSec int    `json:"write_timeout_sec"`
}

type AuthConfig struct {
	Enabled          bool          `json:"enabled"`
	JWTSecret        string        `json:"jwt_secret"`
	AdminTokenBcrypt string        `json:"admin_token_bcrypt"`
	TokenDuration    time.Duration `json:"token_duration"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   int64  `json:"chat_id"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // stdout, stderr, or file path
	Pretty     bool   `json:"pretty"`      // Console writer instead of JSON
	MaxSizeMB  int    `json:"max_size_mb"` // Rotation threshold for file output
	MaxBackups int    `json:"max_backups"`
}

// Load reads config.json if present, then applies environment variable
// overrides. A .env file in the working directory is honored before the
// environment is read.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.InitialCapital <= 0 {
		return fmt.Errorf("engine.initial_capital must be positive, got %.2f", c.Engine.InitialCapital)
	}
	if c.Risk.Leverage < 1 {
		return fmt.Errorf("risk.leverage must be at least 1, got %d", c.Risk.Leverage)
	}
	if c.Risk.MinLeverage > c.Risk.MaxLeverage {
		return fmt.Errorf("risk.min_leverage %d exceeds risk.max_leverage %d",
			c.Risk.MinLeverage, c.Risk.MaxLeverage)
	}
	wsum := c.Risk.TrendWeight + c.Risk.OscillatorWeight +
		c.Risk.OrderFlowWeight + c.Risk.MomentumWeight
	if wsum <= 0 {
		return fmt.Errorf("risk weights must have a positive sum, got %.4f", wsum)
	}
	if c.Sizing.FeeRatePct < 0 {
		return fmt.Errorf("sizing.fee_rate_pct cannot be negative")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.Engine.Instruments) == 0 {
		cfg.Engine.Instruments = []string{"BTCUSDT", "ETHUSDT"}
	}
	if cfg.Engine.ScanIntervalSec == 0 {
		cfg.Engine.ScanIntervalSec = 30
	}
	if cfg.Engine.MonitorIntervalSec == 0 {
		cfg.Engine.MonitorIntervalSec = 10
	}
	if cfg.Engine.OptimizeIntervalMin == 0 {
		cfg.Engine.OptimizeIntervalMin = 60
	}
	if cfg.Engine.InitialCapital == 0 {
		cfg.Engine.InitialCapital = 10000
	}

	r := &cfg.Risk
	if r.TrendWeight == 0 && r.OscillatorWeight == 0 && r.OrderFlowWeight == 0 && r.MomentumWeight == 0 {
		r.TrendWeight = 0.30
		r.OscillatorWeight = 0.25
		r.OrderFlowWeight = 0.25
		r.MomentumWeight = 0.20
	}
	if r.Leverage == 0 {
		r.Leverage = 10
	}
	if r.MinLeverage == 0 {
		r.MinLeverage = 2
	}
	if r.MaxLeverage == 0 {
		r.MaxLeverage = 20
	}
	if r.AccountRiskFraction == 0 {
		r.AccountRiskFraction = 0.02
	}
	if r.MinConfidence == 0 {
		r.MinConfidence = 70
	}
	if r.MaxOpenPositions == 0 {
		r.MaxOpenPositions = 5
	}
	if r.MaxExposureFraction == 0 {
		r.MaxExposureFraction = 0.25
	}
	if r.ProbabilityBoost == 0 {
		r.ProbabilityBoost = 0.10
	}
	if r.ProbabilityPenalty == 0 {
		r.ProbabilityPenalty = 0.15
	}
	if r.ContrarianOverride == 0 {
		r.ContrarianOverride = 95
	}
	if r.ConfluenceBar == 0 {
		r.ConfluenceBar = 85
	}
	if r.StandardBar == 0 {
		r.StandardBar = 90
	}
	if r.StrongImbalance == 0 {
		r.StrongImbalance = 0.4
	}

	s := &cfg.Sizing
	if s.BaseMarginUSD == 0 {
		s.BaseMarginUSD = 100
	}
	if s.MinViableMarginUSD == 0 {
		s.MinViableMarginUSD = 10
	}
	if s.MinEquityUSD == 0 {
		s.MinEquityUSD = 50
	}
	if s.MinMarginHealth == 0 {
		s.MinMarginHealth = 1.5
	}
	if s.FeeRatePct == 0 {
		s.FeeRatePct = 0.05
	}
	if s.StopATRMultiple == 0 {
		s.StopATRMultiple = 1.5
	}
	if s.TargetATRMultiple == 0 {
		s.TargetATRMultiple = 2.5
	}
	if s.StaleAfterHours == 0 {
		s.StaleAfterHours = 4
	}

	cb := &cfg.CircuitBreaker
	if cb.MaxDailyLossPct == 0 {
		cb.MaxDailyLossPct = 5.0
	}
	if cb.MaxConsecutiveLosses == 0 {
		cb.MaxConsecutiveLosses = 5
	}
	if cb.MaxDrawdownPct == 0 {
		cb.MaxDrawdownPct = 15.0
	}
	if cb.MaxTradeRiskPct == 0 {
		cb.MaxTradeRiskPct = 2.0
	}
	if cb.CooldownMinutes == 0 {
		cb.CooldownMinutes = 60
	}

	o := &cfg.Optimizer
	if o.LookbackTrades == 0 {
		o.LookbackTrades = 20
	}
	if o.HighVolPct == 0 {
		o.HighVolPct = 3.0
	}
	if o.LowVolPct == 0 {
		o.LowVolPct = 1.0
	}
	if o.WeightStep == 0 {
		o.WeightStep = 0.05
	}
	if o.WinRateRaise == 0 {
		o.WinRateRaise = 0.60
	}
	if o.WinRateLower == 0 {
		o.WinRateLower = 0.35
	}
	if o.MinBias == 0 {
		o.MinBias = 0.5
	}
	if o.MaxBias == 0 {
		o.MaxBias = 1.5
	}

	if cfg.Exchange.RequestsPerSec == 0 {
		cfg.Exchange.RequestsPerSec = 10
	}
	if cfg.Exchange.TimeoutSec == 0 {
		cfg.Exchange.TimeoutSec = 10
	}
	if cfg.Oracle.TimeoutSec == 0 {
		cfg.Oracle.TimeoutSec = 5
	}
	if cfg.Validator.TimeoutSec == 0 {
		cfg.Validator.TimeoutSec = 20
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 12 * time.Hour
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Engine.DryRun = getEnvOrDefault("ENGINE_DRY_RUN", boolStr(cfg.Engine.DryRun)) == "true"
	cfg.Engine.InitialCapital = getEnvFloatOrDefault("ENGINE_INITIAL_CAPITAL", cfg.Engine.InitialCapital)
	cfg.Engine.ScanIntervalSec = getEnvIntOrDefault("ENGINE_SCAN_INTERVAL_SEC", cfg.Engine.ScanIntervalSec)

	cfg.Exchange.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.Exchange.BaseURL)
	cfg.Exchange.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", cfg.Exchange.APIKey)
	cfg.Exchange.SecretKey = getEnvOrDefault("EXCHANGE_SECRET_KEY", cfg.Exchange.SecretKey)
	cfg.Exchange.TestNet = getEnvOrDefault("EXCHANGE_TESTNET", boolStr(cfg.Exchange.TestNet)) == "true"

	cfg.Oracle.URL = getEnvOrDefault("ORACLE_URL", cfg.Oracle.URL)

	cfg.Validator.Enabled = getEnvOrDefault("VALIDATOR_ENABLED", boolStr(cfg.Validator.Enabled)) == "true"
	cfg.Validator.URL = getEnvOrDefault("VALIDATOR_URL", cfg.Validator.URL)
	cfg.Validator.APIKey = getEnvOrDefault("VALIDATOR_API_KEY", cfg.Validator.APIKey)
	cfg.Validator.Model = getEnvOrDefault("VALIDATOR_MODEL", cfg.Validator.Model)

	cfg.Database.Enabled = getEnvOrDefault("DB_ENABLED", boolStr(cfg.Database.Enabled)) == "true"
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Redis.Enabled = getEnvOrDefault("REDIS_ENABLED", boolStr(cfg.Redis.Enabled)) == "true"
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Server.Enabled = getEnvOrDefault("SERVER_ENABLED", boolStr(cfg.Server.Enabled)) == "true"
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", "0.0.0.0")
	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", 8080)
	cfg.Server.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")

	cfg.Auth.Enabled = getEnvOrDefault("AUTH_ENABLED", boolStr(cfg.Auth.Enabled)) == "true"
	cfg.Auth.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.AdminTokenBcrypt = getEnvOrDefault("AUTH_ADMIN_TOKEN_BCRYPT", cfg.Auth.AdminTokenBcrypt)

	cfg.Vault.Enabled = getEnvOrDefault("VAULT_ENABLED", boolStr(cfg.Vault.Enabled)) == "true"
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "signal-engine/credentials")

	cfg.Notification.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", boolStr(cfg.Notification.Enabled)) == "true"
	cfg.Notification.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", boolStr(cfg.Notification.Telegram.Enabled)) == "true"
	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.Notification.Telegram.ChatID = getEnvInt64OrDefault("TELEGRAM_CHAT_ID", cfg.Notification.Telegram.ChatID)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.Logging.Level, "info"))
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", defaultStr(cfg.Logging.Output, "stdout"))
	cfg.Logging.Pretty = getEnvOrDefault("LOG_PRETTY", boolStr(cfg.Logging.Pretty)) == "true"
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64OrDefault(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
