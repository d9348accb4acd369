// Package config loads and validates application configuration. Settings come
// from a YAML file with environment-variable overrides on top; secrets are
// never read from the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks invalid or missing required configuration at
// startup. The supervisor refuses to start and exits with code 1.
var ErrConfiguration = errors.New("configuration error")

type Config struct {
	Trading      TradingConfig      `yaml:"trading"`
	Assets       AssetsConfig       `yaml:"assets"`
	Risk         RiskConfig         `yaml:"risk"`
	Anomaly      AnomalyConfig      `yaml:"anomaly"`
	LLM          LLMConfig          `yaml:"llm"`
	Auth         AuthConfig         `yaml:"auth"`
	Chat         ChatConfig         `yaml:"chat"`
	Currency     CurrencyConfig     `yaml:"currency"`
	Redis        RedisConfig        `yaml:"redis"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Reports      ReportsConfig      `yaml:"reports"`
	Notification NotificationConfig `yaml:"notification"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
}

// TradingConfig selects the monitoring cadence and signal aggregation knobs.
type TradingConfig struct {
	Mode             string             `yaml:"mode"`               // short_term | long_term
	ShortTermTick    time.Duration      `yaml:"short_term_tick"`    // default 5s
	LongTermTick     time.Duration      `yaml:"long_term_tick"`     // default 15s
	AdviceHistoryAge time.Duration      `yaml:"advice_history_age"` // default 24h
	VoteHoldFloor    float64            `yaml:"vote_hold_floor"`    // default 0.6
	StrategyWeights  map[string]float64 `yaml:"strategy_weights"`
}

// AssetsConfig lists monitored instruments per asset class.
type AssetsConfig struct {
	Equities []AssetEntry `yaml:"equities"`
	Crypto   []AssetEntry `yaml:"crypto"`
}

type AssetEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// RiskConfig holds the position risk rules. Thresholds are decimals
// (−0.10 = −10%). Defaults follow the conservative variant where the source
// material disagreed: 15% position share, 3 trades per day.
type RiskConfig struct {
	MaxPositionPct     float64       `yaml:"max_position_pct"`     // default 0.15
	StopLossPct        float64       `yaml:"stop_loss_pct"`        // default -0.10
	StopWarningPct     float64       `yaml:"stop_warning_pct"`     // default -0.08
	TakeProfitPct      float64       `yaml:"take_profit_pct"`      // default 0.20
	MajorGainPct       float64       `yaml:"major_gain_pct"`       // default 0.15
	MaxHold            time.Duration `yaml:"max_hold"`             // default 10h
	MaxTradesPerDay    int           `yaml:"max_trades_per_day"`   // default 3
	MaxConsecutiveLoss int           `yaml:"max_consecutive_loss"` // default 3
	MinOpenGap         time.Duration `yaml:"min_open_gap"`         // default 5m
	FeeRate            float64       `yaml:"fee_rate"`             // default 0.001 per side
	SlippageRate       float64       `yaml:"slippage_rate"`        // default 0.001
}

// AnomalyConfig tunes the rolling baselines and debounce windows.
type AnomalyConfig struct {
	BaselineHorizon time.Duration            `yaml:"baseline_horizon"` // default 60m
	DebounceDefault time.Duration            `yaml:"debounce_default"` // default 300s
	DebouncePerKind map[string]time.Duration `yaml:"debounce_per_kind"`
	MetricHorizons  map[string]time.Duration `yaml:"metric_horizons"`
}

// LLMConfig maps task classes to ordered provider/model chains.
type LLMConfig struct {
	Enabled     bool                  `yaml:"enabled"`
	TaskMap     map[string][]ModelRef `yaml:"task_map"`
	CallBudget  time.Duration         `yaml:"call_budget"`  // default 30s
	WorkerCount int                   `yaml:"worker_count"` // default 4
	// API keys come only from environment or Vault.
	GeminiAPIKey   string `yaml:"-"`
	DeepSeekAPIKey string `yaml:"-"`
	GroqAPIKey     string `yaml:"-"`
}

// ModelRef names one provider/model pair in a fallback chain.
type ModelRef struct {
	Provider string `yaml:"provider"` // gemini | deepseek | groq
	Model    string `yaml:"model"`
}

// AuthConfig is the chat allow-list. An empty list denies everyone.
type AuthConfig struct {
	Users []string `yaml:"users"`
}

// ChatConfig configures the conversational front end.
type ChatConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RuleConfidenceMin float64 `yaml:"rule_confidence_min"` // default 0.7
	TelegramChatID    string  `yaml:"telegram_chat_id"`
	// Bot token comes only from environment or Vault.
	TelegramBotToken string `yaml:"-"`
}

// CurrencyConfig controls display-currency normalization.
type CurrencyConfig struct {
	Display       string             `yaml:"display"`        // default KRW
	RefreshEvery  time.Duration      `yaml:"refresh_every"`  // default 1h
	StaleAfter    time.Duration      `yaml:"stale_after"`    // default 6h
	FallbackRates map[string]float64 `yaml:"fallback_rates"` // 1 unit → display
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Password string `yaml:"-"`
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"-"` // DATABASE_URL only
}

// ServerConfig holds the operator status API settings.
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AllowedOrigins  string        `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	JWTSecret       string        `yaml:"-"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

type ReportsConfig struct {
	Dir string `yaml:"dir"` // default "reports"
}

type NotificationConfig struct {
	TelegramEnabled   bool   `yaml:"telegram_enabled"`
	DiscordEnabled    bool   `yaml:"discord_enabled"`
	DiscordWebhookURL string `yaml:"-"`
}

type SupervisorConfig struct {
	PIDFile     string        `yaml:"pid_file"`     // default "openclaw.pid"
	DrainPeriod time.Duration `yaml:"drain_period"` // default 5s
	FastCrash   time.Duration `yaml:"fast_crash"`   // default 60s
	MaxBackoff  time.Duration `yaml:"max_backoff"`  // default 60s
}

// Load reads the YAML file at path (a missing file is not an error: defaults
// plus environment apply), layers env overrides and secrets, fills defaults
// and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfiguration, path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfiguration, path, err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Logging.Level = envOr("LOG_LEVEL", cfg.Logging.Level)
	cfg.Trading.Mode = envOr("TRADING_MODE", cfg.Trading.Mode)

	cfg.LLM.GeminiAPIKey = os.Getenv("GOOGLE_AI_API_KEY")
	cfg.LLM.DeepSeekAPIKey = os.Getenv("DEEPSEEK_API_KEY")
	cfg.LLM.GroqAPIKey = os.Getenv("GROQ_API_KEY")

	cfg.Chat.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.Chat.TelegramChatID = envOr("TELEGRAM_CHAT_ID", cfg.Chat.TelegramChatID)

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.Address = v
		cfg.Redis.Enabled = true
	}
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.URL = v
		cfg.Postgres.Enabled = true
	}

	cfg.Server.JWTSecret = os.Getenv("API_JWT_SECRET")
	cfg.Notification.DiscordWebhookURL = os.Getenv("DISCORD_WEBHOOK_URL")

	if v := os.Getenv("WEB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
}

func applyDefaults(cfg *Config) {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	if cfg.Trading.Mode == "" {
		cfg.Trading.Mode = "short_term"
	}
	def(&cfg.Trading.ShortTermTick, 5*time.Second)
	def(&cfg.Trading.LongTermTick, 15*time.Second)
	def(&cfg.Trading.AdviceHistoryAge, 24*time.Hour)
	if cfg.Trading.VoteHoldFloor == 0 {
		cfg.Trading.VoteHoldFloor = 0.6
	}

	if cfg.Risk.MaxPositionPct == 0 {
		cfg.Risk.MaxPositionPct = 0.15
	}
	if cfg.Risk.StopLossPct == 0 {
		cfg.Risk.StopLossPct = -0.10
	}
	if cfg.Risk.StopWarningPct == 0 {
		cfg.Risk.StopWarningPct = -0.08
	}
	if cfg.Risk.TakeProfitPct == 0 {
		cfg.Risk.TakeProfitPct = 0.20
	}
	if cfg.Risk.MajorGainPct == 0 {
		cfg.Risk.MajorGainPct = 0.15
	}
	def(&cfg.Risk.MaxHold, 10*time.Hour)
	if cfg.Risk.MaxTradesPerDay == 0 {
		cfg.Risk.MaxTradesPerDay = 3
	}
	if cfg.Risk.MaxConsecutiveLoss == 0 {
		cfg.Risk.MaxConsecutiveLoss = 3
	}
	def(&cfg.Risk.MinOpenGap, 5*time.Minute)
	if cfg.Risk.FeeRate == 0 {
		cfg.Risk.FeeRate = 0.001
	}
	if cfg.Risk.SlippageRate == 0 {
		cfg.Risk.SlippageRate = 0.001
	}

	def(&cfg.Anomaly.BaselineHorizon, 60*time.Minute)
	def(&cfg.Anomaly.DebounceDefault, 300*time.Second)

	def(&cfg.LLM.CallBudget, 30*time.Second)
	if cfg.LLM.WorkerCount == 0 {
		cfg.LLM.WorkerCount = 4
	}
	if len(cfg.LLM.TaskMap) == 0 {
		cfg.LLM.TaskMap = map[string][]ModelRef{
			"lightweight": {
				{Provider: "groq", Model: "llama-3.1-8b-instant"},
				{Provider: "gemini", Model: "gemini-2.0-flash-lite"},
			},
			"standard": {
				{Provider: "gemini", Model: "gemini-2.0-flash"},
				{Provider: "gemini", Model: "gemini-2.0-flash-lite"},
				{Provider: "deepseek", Model: "deepseek-chat"},
			},
			"complex": {
				{Provider: "gemini", Model: "gemini-2.5-flash"},
				{Provider: "gemini", Model: "gemini-2.0-flash"},
				{Provider: "deepseek", Model: "deepseek-chat"},
			},
		}
	}

	if cfg.Chat.RuleConfidenceMin == 0 {
		cfg.Chat.RuleConfidenceMin = 0.7
	}

	if cfg.Currency.Display == "" {
		cfg.Currency.Display = "KRW"
	}
	def(&cfg.Currency.RefreshEvery, time.Hour)
	def(&cfg.Currency.StaleAfter, 6*time.Hour)
	if len(cfg.Currency.FallbackRates) == 0 {
		cfg.Currency.FallbackRates = map[string]float64{
			"KRW": 1, "USD": 1390, "USDT": 1390, "JPY": 9.3, "HKD": 178,
		}
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.AllowedOrigins == "" {
		cfg.Server.AllowedOrigins = "*"
	}
	def(&cfg.Server.ShutdownTimeout, 10*time.Second)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Reports.Dir == "" {
		cfg.Reports.Dir = "reports"
	}

	if cfg.Supervisor.PIDFile == "" {
		cfg.Supervisor.PIDFile = "openclaw.pid"
	}
	def(&cfg.Supervisor.DrainPeriod, 5*time.Second)
	def(&cfg.Supervisor.FastCrash, 60*time.Second)
	def(&cfg.Supervisor.MaxBackoff, 60*time.Second)
}

// Validate rejects configurations the system cannot safely start with.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
	}
	if c.Trading.Mode != "short_term" && c.Trading.Mode != "long_term" {
		return fail("trading.mode must be short_term or long_term, got %q", c.Trading.Mode)
	}
	if len(c.Assets.Equities) == 0 && len(c.Assets.Crypto) == 0 {
		return fail("assets: at least one monitored instrument is required")
	}
	if c.Risk.StopLossPct >= 0 || c.Risk.StopWarningPct >= 0 {
		return fail("risk: stop thresholds must be negative decimals")
	}
	if c.Risk.StopWarningPct < c.Risk.StopLossPct {
		return fail("risk: stop_warning_pct must trigger before stop_loss_pct")
	}
	if c.Risk.TakeProfitPct <= 0 || c.Risk.MajorGainPct <= 0 {
		return fail("risk: profit thresholds must be positive decimals")
	}
	if c.Risk.MajorGainPct > c.Risk.TakeProfitPct {
		return fail("risk: major_gain_pct must trigger before take_profit_pct")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fail("risk: max_position_pct must be in (0,1]")
	}
	for class, chain := range c.LLM.TaskMap {
		if len(chain) == 0 {
			return fail("llm.task_map[%s]: empty provider chain", class)
		}
	}
	if c.Chat.Enabled && c.Chat.TelegramBotToken == "" {
		return fail("chat: TELEGRAM_BOT_TOKEN is required when chat is enabled")
	}
	if c.Server.Enabled && c.Server.JWTSecret == "" {
		return fail("server: API_JWT_SECRET is required when the status API is enabled")
	}
	return nil
}

// TickInterval returns the cadence for the configured trading mode.
func (c *Config) TickInterval() time.Duration {
	if c.Trading.Mode == "long_term" {
		return c.Trading.LongTermTick
	}
	return c.Trading.ShortTermTick
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GenerateSample writes a commented sample configuration to filename.
func GenerateSample(filename string) error {
	sample := Config{
		Trading: TradingConfig{Mode: "short_term"},
		Assets: AssetsConfig{
			Equities: []AssetEntry{
				{ID: "005930", Name: "삼성전자"},
				{ID: "AAPL", Name: "Apple"},
			},
			Crypto: []AssetEntry{
				{ID: "BTCUSDT", Name: "Bitcoin"},
				{ID: "ETHUSDT", Name: "Ethereum"},
			},
		},
		Auth: AuthConfig{Users: []string{"123456789"}},
	}
	applyDefaults(&sample)

	data, err := yaml.Marshal(&sample)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
