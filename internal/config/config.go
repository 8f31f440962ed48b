package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the telemetry pipeline and server.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Server  ServerConfig  `yaml:"server"`
	Import  ImportConfig  `yaml:"import"`
	Query   QueryConfig   `yaml:"query"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Logging LoggingConfig `yaml:"logging"`
	Scopes  []ScopeConfig `yaml:"scopes"`
}

// StoreConfig contains settings for the document store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// ImportConfig contains knobs for the ingestion pipeline.
type ImportConfig struct {
	// ValueEpsilon is the tolerance under which two sample values are treated
	// as equal on re-import, so unit round-tripping does not produce
	// conflicts.
	ValueEpsilon float64 `yaml:"value_epsilon"`
	// MaxRowErrors caps how many per-row error details are retained per file.
	MaxRowErrors int `yaml:"max_row_errors"`
}

// QueryConfig contains settings for the series query layer.
type QueryConfig struct {
	// MaxPoints is the per-room downsampling budget for served series.
	MaxPoints int `yaml:"max_points"`
}

// JobsConfig controls retention of finished import job records.
type JobsConfig struct {
	Retention     time.Duration `yaml:"retention"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ScopeConfig describes one import scope: a building with its timezone, room
// catalog and snapshot slots.
type ScopeConfig struct {
	Name     string       `yaml:"name"`
	Timezone string       `yaml:"timezone"`
	Rooms    []RoomConfig `yaml:"rooms"`
	Slots    []SlotConfig `yaml:"snapshot_slots"`
}

// RoomConfig is one entry of a scope's room catalog.
type RoomConfig struct {
	Key    string `yaml:"key"`
	Number string `yaml:"number"`
	Name   string `yaml:"name"`
}

// SlotConfig is one configured snapshot time-of-day with its tolerance.
type SlotConfig struct {
	Label            string `yaml:"label"`
	Minutes          int    `yaml:"minutes"`
	ToleranceMinutes int    `yaml:"tolerance_minutes"`
}

// Load reads configuration from a YAML file, applying defaults, environment
// overrides and validation. A .env file next to the process is honored when
// present.
func Load(path string) (*Config, error) {
	// Missing .env is fine; nothing to override in that case.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	cfg.OverrideFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults sets default values for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = "data/roomtemp.db"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Import.ValueEpsilon == 0 {
		c.Import.ValueEpsilon = 0.01
	}
	if c.Import.MaxRowErrors == 0 {
		c.Import.MaxRowErrors = 20
	}
	if c.Query.MaxPoints == 0 {
		c.Query.MaxPoints = 1400
	}
	if c.Jobs.Retention == 0 {
		c.Jobs.Retention = 7 * 24 * time.Hour
	}
	if c.Jobs.CleanupPeriod == 0 {
		c.Jobs.CleanupPeriod = 1 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	for i := range c.Scopes {
		if c.Scopes[i].Timezone == "" {
			c.Scopes[i].Timezone = "UTC"
		}
	}
}

// OverrideFromEnv overrides config values from environment variables.
func (c *Config) OverrideFromEnv() {
	if v := os.Getenv("ROOMTEMP_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("ROOMTEMP_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("ROOMTEMP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks that the configuration is usable. Timezones are resolved
// here so no import or recompute ever starts against an invalid zone.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Import.ValueEpsilon < 0 {
		return fmt.Errorf("value epsilon must not be negative")
	}
	if c.Query.MaxPoints < 2 {
		return fmt.Errorf("query max_points must be at least 2, got %d", c.Query.MaxPoints)
	}
	seen := make(map[string]bool, len(c.Scopes))
	for _, sc := range c.Scopes {
		if sc.Name == "" {
			return fmt.Errorf("scope name is required")
		}
		if seen[sc.Name] {
			return fmt.Errorf("duplicate scope %q", sc.Name)
		}
		seen[sc.Name] = true
		if _, err := time.LoadLocation(sc.Timezone); err != nil {
			return fmt.Errorf("scope %q: invalid timezone %q: %w", sc.Name, sc.Timezone, err)
		}
		for _, slot := range sc.Slots {
			if slot.Minutes < 0 || slot.Minutes > 1439 {
				return fmt.Errorf("scope %q: slot %q minutes must be 0-1439, got %d", sc.Name, slot.Label, slot.Minutes)
			}
			if slot.ToleranceMinutes < 0 {
				return fmt.Errorf("scope %q: slot %q tolerance must not be negative", sc.Name, slot.Label)
			}
		}
		for _, room := range sc.Rooms {
			if room.Key == "" {
				return fmt.Errorf("scope %q: room key is required", sc.Name)
			}
		}
	}
	return nil
}

// Scope returns the configuration for a named scope.
func (c *Config) Scope(name string) (*ScopeConfig, error) {
	for i := range c.Scopes {
		if c.Scopes[i].Name == name {
			return &c.Scopes[i], nil
		}
	}
	return nil, fmt.Errorf("unknown scope %q", name)
}

// Location resolves the scope's IANA timezone. Validate has already checked
// it, so failures here indicate tzdata problems, not config mistakes.
func (s *ScopeConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scope %q: load timezone %q: %w", s.Name, s.Timezone, err)
	}
	return loc, nil
}
