package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks every override so a developer's shell cannot leak into the
// assertions. t.Setenv restores the originals afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LOG_LEVEL", "TRADING_MODE", "REDIS_URL", "REDIS_PASSWORD",
		"DATABASE_URL", "WEB_PORT", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
		"API_JWT_SECRET", "DISCORD_WEBHOOK_URL",
		"GOOGLE_AI_API_KEY", "DEEPSEEK_API_KEY", "GROQ_API_KEY",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
assets:
  crypto:
    - id: BTCUSDT
      name: Bitcoin
`

func loadMinimal(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return cfg
}

func TestLoadFillsDocumentedDefaults(t *testing.T) {
	clearEnv(t)
	cfg := loadMinimal(t)

	if cfg.Trading.Mode != "short_term" || cfg.Trading.ShortTermTick != 5*time.Second {
		t.Errorf("trading defaults = %+v", cfg.Trading)
	}
	if cfg.Risk.StopLossPct != -0.10 || cfg.Risk.StopWarningPct != -0.08 ||
		cfg.Risk.TakeProfitPct != 0.20 || cfg.Risk.MajorGainPct != 0.15 {
		t.Errorf("risk thresholds = %+v", cfg.Risk)
	}
	if cfg.Risk.MaxHold != 10*time.Hour || cfg.Risk.MaxTradesPerDay != 3 || cfg.Risk.MaxPositionPct != 0.15 {
		t.Errorf("risk limits = %+v", cfg.Risk)
	}
	if cfg.Anomaly.BaselineHorizon != 60*time.Minute || cfg.Anomaly.DebounceDefault != 300*time.Second {
		t.Errorf("anomaly defaults = %+v", cfg.Anomaly)
	}
	for _, class := range []string{"lightweight", "standard", "complex"} {
		if len(cfg.LLM.TaskMap[class]) == 0 {
			t.Errorf("llm task map is missing the %s chain", class)
		}
	}
	if cfg.Chat.RuleConfidenceMin != 0.7 {
		t.Errorf("rule confidence floor = %f, want 0.7", cfg.Chat.RuleConfidenceMin)
	}
	if cfg.Currency.Display != "KRW" || cfg.Currency.FallbackRates["KRW"] != 1 {
		t.Errorf("currency defaults = %+v", cfg.Currency)
	}
	if cfg.Supervisor.DrainPeriod != 5*time.Second || cfg.Supervisor.PIDFile != "openclaw.pid" {
		t.Errorf("supervisor defaults = %+v", cfg.Supervisor)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REDIS_URL", "localhost:6380")
	t.Setenv("DATABASE_URL", "postgres://localhost/trades")
	t.Setenv("WEB_PORT", "9090")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok-123")

	cfg := loadMinimal(t)
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Address != "localhost:6380" {
		t.Errorf("REDIS_URL must enable and address redis: %+v", cfg.Redis)
	}
	if !cfg.Postgres.Enabled || cfg.Postgres.URL != "postgres://localhost/trades" {
		t.Errorf("DATABASE_URL must enable postgres: %+v", cfg.Postgres)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Chat.TelegramBotToken != "tok-123" {
		t.Error("bot token must come from the environment")
	}
}

func TestValidateRejectsUnsafeConfigs(t *testing.T) {
	clearEnv(t)
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Trading.Mode = "yolo" }},
		{"no assets", func(c *Config) { c.Assets = AssetsConfig{} }},
		{"positive stop", func(c *Config) { c.Risk.StopLossPct = 0.10 }},
		{"warning below stop", func(c *Config) { c.Risk.StopWarningPct = -0.12 }},
		{"major gain above target", func(c *Config) { c.Risk.MajorGainPct = 0.25 }},
		{"position share above one", func(c *Config) { c.Risk.MaxPositionPct = 1.5 }},
		{"empty provider chain", func(c *Config) { c.LLM.TaskMap["standard"] = nil }},
		{"chat without token", func(c *Config) { c.Chat.Enabled = true }},
		{"server without secret", func(c *Config) { c.Server.Enabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := loadMinimal(t)
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
				t.Errorf("want ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestMalformedFileIsConfigurationError(t *testing.T) {
	clearEnv(t)
	if _, err := Load(writeConfig(t, "{{not yaml")); !errors.Is(err, ErrConfiguration) {
		t.Errorf("malformed yaml must be a configuration error, got %v", err)
	}
}

func TestMissingFileStillValidates(t *testing.T) {
	clearEnv(t)
	// No file means defaults plus env, which leaves the asset list empty.
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("empty asset list must fail validation, got %v", err)
	}
}

func TestTickIntervalFollowsMode(t *testing.T) {
	clearEnv(t)
	cfg := loadMinimal(t)
	if cfg.TickInterval() != 5*time.Second {
		t.Errorf("short_term tick = %s, want 5s", cfg.TickInterval())
	}
	cfg.Trading.Mode = "long_term"
	if cfg.TickInterval() != 15*time.Second {
		t.Errorf("long_term tick = %s, want 15s", cfg.TickInterval())
	}
}

func TestGenerateSampleRoundTrips(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sample.yaml")
	if err := GenerateSample(path); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("generated sample must load cleanly: %v", err)
	}
	if len(cfg.Assets.Equities) == 0 || len(cfg.Assets.Crypto) == 0 {
		t.Error("sample should list instruments in both classes")
	}
}
