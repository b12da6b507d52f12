// Package config loads the application configuration: defaults, then
// a TOML file, then DCI_ANALYTICS_* environment overrides. Secrets
// like the API token normally arrive through the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/distributedci/dci-analytics/internal/dci"
	"github.com/distributedci/dci-analytics/internal/engine"
	"github.com/distributedci/dci-analytics/internal/server"
	"github.com/distributedci/dci-analytics/internal/store"
)

// Config represents the application configuration
type Config struct {
	Source   dci.Config    `toml:"source"`
	Database store.Config  `toml:"database"`
	Sync     engine.Config `toml:"sync"`
	HTTP     server.Config `toml:"http"`
	Logging  LoggingConfig `toml:"logging"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Source:   dci.DefaultConfig(),
		Database: store.DefaultConfig(),
		Sync:     engine.DefaultConfig(),
		HTTP:     server.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. DCI_ANALYTICS_* environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configPath)
		}
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overlays environment variables onto the loaded config.
func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("DCI_ANALYTICS_SOURCE_URL", &c.Source.BaseURL)
	setString("DCI_ANALYTICS_SOURCE_TOKEN", &c.Source.Token)
	setString("DCI_ANALYTICS_DB_DSN", &c.Database.DSN)
	setString("DCI_ANALYTICS_HTTP_ADDR", &c.HTTP.Addr)
	setString("DCI_ANALYTICS_SYNC_FEED", &c.Sync.Feed)
	setString("DCI_ANALYTICS_LOCK_DIR", &c.Sync.LockDir)
	setString("DCI_ANALYTICS_LOG_LEVEL", &c.Logging.Level)
	setString("DCI_ANALYTICS_LOG_FORMAT", &c.Logging.Format)
	setString("DCI_ANALYTICS_LOG_FILE", &c.Logging.File)

	setInt := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", key, v)
		}
		*dst = n
		return nil
	}
	if err := setInt("DCI_ANALYTICS_BATCH_SIZE", &c.Sync.BatchSize); err != nil {
		return err
	}
	if err := setInt("DCI_ANALYTICS_SOURCE_PAGE_SIZE", &c.Source.PageSize); err != nil {
		return err
	}
	return setInt("DCI_ANALYTICS_SOURCE_MAX_ATTEMPTS", &c.Source.MaxAttempts)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source base_url must be specified")
	}
	if c.Source.Token == "" {
		return fmt.Errorf("source token must be specified")
	}
	if c.Source.PageSize <= 0 {
		return fmt.Errorf("source page_size must be positive")
	}
	if c.Source.MaxAttempts <= 0 {
		return fmt.Errorf("source max_attempts must be positive")
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	if err := c.Sync.Validate(); err != nil {
		return err
	}
	if err := c.HTTP.Validate(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}
