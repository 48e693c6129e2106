// Package config loads and validates the datapulse configuration from a
// YAML file with environment overrides for deployment-level settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/datapulse/collector/internal/health"
)

// Config is the complete runtime configuration.
type Config struct {
	HTTP       HTTPConfig        `yaml:"http"`
	Database   DatabaseConfig    `yaml:"database"`
	Redis      RedisConfig       `yaml:"redis"`
	Health     health.Config     `yaml:"health"`
	Collectors []CollectorConfig `yaml:"collectors"`
}

// HTTPConfig configures the control-surface server.
type HTTPConfig struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	URL          string        `yaml:"url"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// RedisConfig configures the optional response cache. An empty address
// falls back to the in-process cache.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// SourceConfig configures one external API consumed by a collector.
type SourceConfig struct {
	BaseURL  string        `yaml:"base_url"`
	WSURL    string        `yaml:"ws_url"`   // optional live tick stream
	APIKey   string        `yaml:"api_key"`  // optional
	RPS      float64       `yaml:"rps"`      // requests per second
	Burst    int           `yaml:"burst"`    // burst capacity
	Timeout  time.Duration `yaml:"timeout"`  // per-request timeout
	CacheTTL time.Duration `yaml:"cache_ttl"` // response cache TTL
}

// CollectorConfig configures one collector loop.
type CollectorConfig struct {
	Type                 string        `yaml:"type"`     // "technical" or "macro"
	Table                string        `yaml:"table"`    // destination table
	Interval             time.Duration `yaml:"interval"` // collection cadence
	Lookback             time.Duration `yaml:"lookback"` // placeholder pre-creation window
	GapToleranceMultiple float64       `yaml:"gap_tolerance_multiple"`
	MaxBackfillDays      int           `yaml:"max_backfill_days"`
	EnsurePlaceholders   bool          `yaml:"ensure_placeholders"`
	Source               SourceConfig  `yaml:"source"`
	Symbols              []string      `yaml:"symbols"` // technical targets
	Series               []string      `yaml:"series"`  // macro targets
}

// Default returns a runnable single-collector configuration; Load starts
// from this so partial YAML files stay valid.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:           8087,
			RequestTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			QueryTimeout: 10 * time.Second,
		},
		Health: health.DefaultConfig(),
		Collectors: []CollectorConfig{
			{
				Type:                 "technical",
				Table:                "technical_indicators",
				Interval:             time.Hour,
				Lookback:             7 * 24 * time.Hour,
				GapToleranceMultiple: 2,
				MaxBackfillDays:      30,
				EnsurePlaceholders:   true,
				Source: SourceConfig{
					BaseURL:  "http://localhost:8080",
					RPS:      2,
					Burst:    4,
					Timeout:  30 * time.Second,
					CacheTTL: 5 * time.Minute,
				},
			},
		},
	}
}

// Load reads path (optional), applies environment overrides, and validates.
// Misconfiguration fails here, before any collector starts.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv layers deployment-level environment variables over the file.
func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_PORT: %w", err)
		}
		c.HTTP.Port = port
	}

	// Per-collector overrides apply uniformly to every configured collector.
	if v := os.Getenv("ENSURE_PLACEHOLDERS"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ENSURE_PLACEHOLDERS: %w", err)
		}
		for i := range c.Collectors {
			c.Collectors[i].EnsurePlaceholders = on
		}
	}
	if v := os.Getenv("PLACEHOLDER_LOOKBACK_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PLACEHOLDER_LOOKBACK_DAYS: %w", err)
		}
		for i := range c.Collectors {
			c.Collectors[i].Lookback = time.Duration(days) * 24 * time.Hour
		}
	}
	if v := os.Getenv("PLACEHOLDER_LOOKBACK_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PLACEHOLDER_LOOKBACK_HOURS: %w", err)
		}
		for i := range c.Collectors {
			c.Collectors[i].Lookback = time.Duration(hours) * time.Hour
		}
	}
	if v := os.Getenv("MAX_BACKFILL_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_BACKFILL_DAYS: %w", err)
		}
		for i := range c.Collectors {
			c.Collectors[i].MaxBackfillDays = days
		}
	}
	if v := os.Getenv("COLLECTION_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("COLLECTION_INTERVAL: %w", err)
		}
		for i := range c.Collectors {
			c.Collectors[i].Interval = d
		}
	}
	return nil
}

// Validate ensures the configuration is consistent before startup.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be in (0, 65535], got %d", c.HTTP.Port)
	}
	if c.HTTP.RequestTimeout <= 0 {
		return fmt.Errorf("http request_timeout must be positive, got %s", c.HTTP.RequestTimeout)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (set database.url or DATABASE_URL)")
	}
	if err := c.Health.Validate(); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if len(c.Collectors) == 0 {
		return fmt.Errorf("at least one collector must be configured")
	}

	seen := make(map[string]bool, len(c.Collectors))
	for i, col := range c.Collectors {
		if err := col.validate(); err != nil {
			return fmt.Errorf("collector %d (%s): %w", i, col.Type, err)
		}
		if seen[col.Type] {
			return fmt.Errorf("duplicate collector type %q", col.Type)
		}
		seen[col.Type] = true
	}
	return nil
}

func (c CollectorConfig) validate() error {
	switch c.Type {
	case "technical", "macro":
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown type %q", c.Type)
	}
	if c.Table == "" {
		return fmt.Errorf("table is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.Lookback < 0 {
		return fmt.Errorf("lookback must be non-negative, got %s", c.Lookback)
	}
	if c.GapToleranceMultiple <= 0 {
		return fmt.Errorf("gap_tolerance_multiple must be positive, got %f", c.GapToleranceMultiple)
	}
	if c.MaxBackfillDays <= 0 {
		return fmt.Errorf("max_backfill_days must be positive, got %d", c.MaxBackfillDays)
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source base_url is required")
	}
	return nil
}

// GapTolerance is the absolute gap duration beyond which a backfill is
// triggered.
func (c CollectorConfig) GapTolerance() time.Duration {
	return time.Duration(float64(c.Interval) * c.GapToleranceMultiple)
}
