// Package config provides centralized configuration management.
//
// Configuration can be loaded from:
//  1. YAML file (config.yaml)
//  2. Environment variables (fallback)
//
// Example usage:
//
//	cfg := config.LoadOrEnv()
//	dbPath := cfg.Storage.DatabasePath
//	token := cfg.GetAPIKey(cfg.Remote.AccessToken, "YNAB_ACCESS_TOKEN")
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the entire application configuration
type Config struct {
	Remote        RemoteConfig        `yaml:"remote"`
	Storage       StorageConfig       `yaml:"storage"`
	Sync          SyncConfig          `yaml:"sync"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// RemoteConfig holds the budgeting API settings
type RemoteConfig struct {
	BaseURL      string        `yaml:"base_url"`
	AccessToken  string        `yaml:"access_token"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimit    string        `yaml:"rate_limit"` // minimum spacing between requests, "" = unlimited
	RateBurst    int           `yaml:"rate_burst"`
	FetchRetries int           `yaml:"fetch_retries"`
}

// RateInterval parses RateLimit.
func (r RemoteConfig) RateInterval() (time.Duration, error) {
	if r.RateLimit == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.RateLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid remote.rate_limit %q: %w", r.RateLimit, err)
	}
	return d, nil
}

// StorageConfig holds the locations of persisted state
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	CacheDir     string `yaml:"cache_dir"`
}

// SyncConfig holds sync engine settings
type SyncConfig struct {
	Budgets         []string      `yaml:"budgets"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Concurrency     int           `yaml:"concurrency"`
	Backoff         BackoffConfig `yaml:"backoff"`
}

// BackoffConfig is the retry schedule for undelivered local changes
type BackoffConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// APIConfig holds local HTTP API settings
type APIConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "text" (default) or "json"
	File       string `yaml:"file"`   // rotate into this file instead of stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads and parses the config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${YNAB_ACCESS_TOKEN})
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration from environment variables only
func LoadFromEnv() *Config {
	cfg := &Config{
		Remote: RemoteConfig{
			BaseURL:     getEnv("YNAB_BASE_URL", ""),
			AccessToken: os.Getenv("YNAB_ACCESS_TOKEN"),
			RateLimit:   getEnv("YNAB_RATE_LIMIT", "18s"),
		},
		Storage: StorageConfig{
			DatabasePath: getEnv("YNAB_SYNC_DB_PATH", "ynab_sync.db"),
			CacheDir:     getEnv("YNAB_SYNC_CACHE_DIR", "cache"),
		},
		Sync: SyncConfig{
			Budgets:         splitList(os.Getenv("YNAB_BUDGETS")),
			RefreshInterval: getEnvDuration("YNAB_REFRESH_INTERVAL", 0),
		},
		API: APIConfig{
			Port: getEnvInt("API_PORT", 0),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "text"),
				File:   getEnv("LOG_FILE", ""),
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// LoadOrEnv tries to load from config.yaml, falls back to environment variables
func LoadOrEnv() *Config {
	return LoadOrEnv_WithPath("config.yaml")
}

// LoadOrEnv_WithPath tries to load from specified path, falls back to environment variables
func LoadOrEnv_WithPath(path string) *Config {
	if cfg, err := Load(path); err == nil {
		return cfg
	}
	return LoadFromEnv()
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	if c.Remote.BaseURL == "" {
		c.Remote.BaseURL = "https://api.ynab.com/v1"
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Remote.RateBurst <= 0 {
		c.Remote.RateBurst = 20
	}
	if c.Remote.FetchRetries <= 0 {
		c.Remote.FetchRetries = 3
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "ynab_sync.db"
	}
	if c.Storage.CacheDir == "" {
		c.Storage.CacheDir = filepath.Join(filepath.Dir(c.Storage.DatabasePath), "cache")
	}

	if c.Sync.RefreshInterval <= 0 {
		c.Sync.RefreshInterval = 5 * time.Minute
	}
	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = 2
	}
	b := &c.Sync.Backoff
	if b.BaseDelay <= 0 {
		b.BaseDelay = 2 * time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = 5 * time.Minute
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 8
	}

	if c.API.Port <= 0 {
		c.API.Port = 8080
	}
	if len(c.API.AllowedOrigins) == 0 {
		c.API.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	l := &c.Observability.Logging
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "text"
	}
	if l.MaxSizeMB <= 0 {
		l.MaxSizeMB = 10
	}
	if l.MaxBackups <= 0 {
		l.MaxBackups = 3
	}
	if l.MaxAgeDays <= 0 {
		l.MaxAgeDays = 28
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if _, err := c.Remote.RateInterval(); err != nil {
		return err
	}
	switch c.Observability.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid observability.logging.format %q", c.Observability.Logging.Format)
	}
	if c.Sync.Backoff.MaxDelay < c.Sync.Backoff.BaseDelay {
		return fmt.Errorf("sync.backoff.max_delay (%s) is shorter than base_delay (%s)",
			c.Sync.Backoff.MaxDelay, c.Sync.Backoff.BaseDelay)
	}
	return nil
}

// getEnv retrieves an environment variable with a fallback default
func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable with a fallback default
func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil {
			return result
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetAPIKey retrieves an API key from config first, then tries multiple environment variable names
// Usage: GetAPIKey(cfg.Remote.AccessToken, "YNAB_ACCESS_TOKEN", "YNAB_TOKEN")
func (c *Config) GetAPIKey(configValue string, envVarNames ...string) string {
	// First, try the config value
	if configValue != "" {
		return configValue
	}

	// Then try each environment variable in order
	for _, envVar := range envVarNames {
		if val := os.Getenv(envVar); val != "" {
			return val
		}
	}

	return ""
}
