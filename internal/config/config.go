// Package config loads ETL settings from YAML, .env, and environment
// variables into a single struct built once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"rmcopilot/internal/util"
)

// ErrConfig marks a missing or invalid configuration value.
var ErrConfig = errors.New("configuration error")

// ErrMissingBaseURL is returned by Validate when no API base URL is set.
var ErrMissingBaseURL = fmt.Errorf("%w: environment variable BASE_URL must be set", ErrConfig)

// DefaultPath is read when no explicit config path is given. It may be absent.
const DefaultPath = "config/rmcopilot.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the metrics ETL.
type Config struct {
	API     API     `yaml:"api"`
	Storage Storage `yaml:"storage"`
	Logging Logging `yaml:"logging"`
	ETL     ETL     `yaml:"etl"`
	Metrics Metrics `yaml:"metrics"`
}

// API holds the upstream endpoint, credentials, and request policy.
type API struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir string `yaml:"data_dir"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ETL controls target-date resolution.
type ETL struct {
	// Timezone names the calendar used to compute "yesterday".
	Timezone string `yaml:"timezone"`
}

// Metrics configures the optional Pushgateway export.
type Metrics struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		API: API{
			Timeout:     30 * time.Second,
			MaxAttempts: 3,
			BackoffBase: time.Second,
		},
		Storage: Storage{DataDir: "data"},
		Logging: Logging{Level: "info", Format: "text"},
		ETL:     ETL{Timezone: "Local"},
		Metrics: Metrics{Job: "rm_etl"},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load builds a Config from defaults, the YAML file at path, a .env file in
// the working directory, and finally environment variables. A missing file
// at DefaultPath is skipped; any other unreadable path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}

	// .env values never override variables already present in the process.
	_ = godotenv.Load()

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.API.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/")

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	// WHEELHOUSE_* names are accepted for older deployments; the short names
	// take precedence.
	if v := os.Getenv("WHEELHOUSE_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}

	if v := os.Getenv("WHEELHOUSE_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.API.APIKey = v
	}

	if v := os.Getenv("API_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: API_MAX_ATTEMPTS=%q: %v", ErrConfig, v, err)
		}
		cfg.API.MaxAttempts = n
	}

	if v := os.Getenv("API_BACKOFF_BASE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: API_BACKOFF_BASE=%q: %v", ErrConfig, v, err)
		}
		cfg.API.BackoffBase = d
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("ETL_TIMEZONE"); v != "" {
		cfg.ETL.Timezone = v
	}

	if v := os.Getenv("PUSHGATEWAY_URL"); v != "" {
		cfg.Metrics.PushgatewayURL = v
	}
	return nil
}

// Validate reports the first missing or inconsistent value. It must pass
// before any network call is made.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if c.API.MaxAttempts < 1 {
		return fmt.Errorf("%w: api.max_attempts must be at least 1, got %d", ErrConfig, c.API.MaxAttempts)
	}
	if c.API.BackoffBase < 0 {
		return fmt.Errorf("%w: api.backoff_base must not be negative", ErrConfig)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("%w: api.timeout must be positive", ErrConfig)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("%w: storage.data_dir must not be empty", ErrConfig)
	}
	if _, err := util.LoadLocation(c.ETL.Timezone); err != nil {
		return fmt.Errorf("%w: etl.timezone %q: %v", ErrConfig, c.ETL.Timezone, err)
	}
	return nil
}
