package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// validConfig returns a config that passes Validate, for tests that
// tweak one field at a time.
func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Source.BaseURL = "https://api.distributed-ci.io"
	cfg.Source.Token = "secret"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Sync.Feed != "jobs" {
		t.Errorf("expected default feed jobs, got %s", cfg.Sync.Feed)
	}
	if cfg.Sync.BatchSize != 100 {
		t.Errorf("expected default batch size 100, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Database.DSN != "dci-analytics.db" {
		t.Errorf("expected default DSN, got %s", cfg.Database.DSN)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.HTTP.Addr)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}
	if cfg.Sync.BatchSize != 100 {
		t.Errorf("expected defaults without a file, got batch size %d", cfg.Sync.BatchSize)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.toml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[source]
base_url = "https://api.distributed-ci.io"
token = "file-token"
page_size = 50

[database]
dsn = "/var/lib/dci-analytics/analytics.db"

[sync]
feed = "jobs"
batch_size = 250

[http]
addr = ":9090"

[logging]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Source.PageSize != 50 {
		t.Errorf("expected page size 50, got %d", cfg.Source.PageSize)
	}
	if cfg.Sync.BatchSize != 250 {
		t.Errorf("expected batch size 250, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Sync.Period != 10*time.Minute {
		t.Errorf("expected default period to survive, got %s", cfg.Sync.Period)
	}
	if cfg.Database.DSN != "/var/lib/dci-analytics/analytics.db" {
		t.Errorf("unexpected DSN: %s", cfg.Database.DSN)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("unexpected addr: %s", cfg.HTTP.Addr)
	}
	// Unset file fields keep their defaults.
	if cfg.Source.MaxAttempts != 5 {
		t.Errorf("expected default max attempts, got %d", cfg.Source.MaxAttempts)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected loaded config to validate: %v", err)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[source]
base_url = "https://api.distributed-ci.io"
token = "file-token"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("DCI_ANALYTICS_SOURCE_TOKEN", "env-token")
	t.Setenv("DCI_ANALYTICS_DB_DSN", "env.db")
	t.Setenv("DCI_ANALYTICS_LOG_LEVEL", "warn")
	t.Setenv("DCI_ANALYTICS_BATCH_SIZE", "250")
	t.Setenv("DCI_ANALYTICS_SOURCE_MAX_ATTEMPTS", "8")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Source.Token != "env-token" {
		t.Errorf("expected env token to win, got %s", cfg.Source.Token)
	}
	if cfg.Source.BaseURL != "https://api.distributed-ci.io" {
		t.Errorf("expected file base_url to survive, got %s", cfg.Source.BaseURL)
	}
	if cfg.Database.DSN != "env.db" {
		t.Errorf("expected env DSN, got %s", cfg.Database.DSN)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected env log level, got %s", cfg.Logging.Level)
	}
	if cfg.Sync.BatchSize != 250 {
		t.Errorf("expected env batch size 250 to apply, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Source.MaxAttempts != 8 {
		t.Errorf("expected env max attempts 8 to apply, got %d", cfg.Source.MaxAttempts)
	}
}

func TestLoadConfig_BadIntEnv(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric batch size", "DCI_ANALYTICS_BATCH_SIZE", "many"},
		{"zero batch size", "DCI_ANALYTICS_BATCH_SIZE", "0"},
		{"negative batch size", "DCI_ANALYTICS_BATCH_SIZE", "-5"},
		{"non-numeric max attempts", "DCI_ANALYTICS_SOURCE_MAX_ATTEMPTS", "lots"},
		{"zero page size", "DCI_ANALYTICS_SOURCE_PAGE_SIZE", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadConfig(""); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base_url", func(c *Config) { c.Source.BaseURL = "" }},
		{"missing token", func(c *Config) { c.Source.Token = "" }},
		{"zero page_size", func(c *Config) { c.Source.PageSize = 0 }},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }},
		{"empty feed", func(c *Config) { c.Sync.Feed = "" }},
		{"zero batch_size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"zero period", func(c *Config) { c.Sync.Period = 0 }},
		{"empty addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
