package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Engage automation core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Engine   EngineConfig   `yaml:"engine"`
}

// AppConfig contains application-level identification.
type AppConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// EngineConfig contains automation engine tunables.
type EngineConfig struct {
	// EventBuffer is the size of the event feed channel. Event producers
	// block once the buffer fills, preserving emission order.
	EventBuffer int `yaml:"event_buffer"`

	// PrepareBackoffInitial is the first retry interval for schedule
	// preparation (seconds).
	PrepareBackoffInitial int `yaml:"prepare_backoff_initial"`

	// PrepareBackoffMax caps the preparation retry interval (seconds).
	PrepareBackoffMax int `yaml:"prepare_backoff_max"`

	// ExecutionRetryDelay is the pause before a RETRY execution result is
	// re-queued (seconds).
	ExecutionRetryDelay int `yaml:"execution_retry_delay"`

	// StartPaused starts the engine with trigger processing paused.
	StartPaused bool `yaml:"start_paused"`
}

// Load reads, parses, and validates a YAML configuration file.
//
// Values not present in the file fall back to defaults, then environment
// variable overrides are applied (pattern: ENGAGE_SECTION_KEY, for example
// ENGAGE_DATABASE_PATH).
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		App: AppConfig{
			ID:   "engage-001",
			Name: "Engage Core",
		},
		Database: DatabaseConfig{
			Path:        "./data/engage.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Engine: EngineConfig{
			EventBuffer:           64,
			PrepareBackoffInitial: 1,
			PrepareBackoffMax:     60,
			ExecutionRetryDelay:   30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ENGAGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENGAGE_APP_ID"); v != "" {
		cfg.App.ID = v
	}
	if v := os.Getenv("ENGAGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ENGAGE_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.App.ID == "" {
		errs = append(errs, "app.id is required")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Engine.EventBuffer < 1 {
		errs = append(errs, "engine.event_buffer must be at least 1")
	}
	if c.Engine.PrepareBackoffInitial < 1 {
		errs = append(errs, "engine.prepare_backoff_initial must be at least 1")
	}
	if c.Engine.PrepareBackoffMax < c.Engine.PrepareBackoffInitial {
		errs = append(errs, "engine.prepare_backoff_max must be >= engine.prepare_backoff_initial")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// PrepareBackoffInitialDuration returns the initial prepare backoff as a Duration.
func (c *Config) PrepareBackoffInitialDuration() time.Duration {
	return time.Duration(c.Engine.PrepareBackoffInitial) * time.Second
}

// PrepareBackoffMaxDuration returns the maximum prepare backoff as a Duration.
func (c *Config) PrepareBackoffMaxDuration() time.Duration {
	return time.Duration(c.Engine.PrepareBackoffMax) * time.Second
}

// ExecutionRetryDelayDuration returns the execution retry delay as a Duration.
func (c *Config) ExecutionRetryDelayDuration() time.Duration {
	return time.Duration(c.Engine.ExecutionRetryDelay) * time.Second
}
