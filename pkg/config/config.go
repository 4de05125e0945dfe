// Package config loads service configuration from the environment,
// with optional .env file support.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config contains all service settings
type Config struct {
	DataDir string `env:"IPVERSE_DATA_DIR" envDefault:"data"`

	// Provider
	DirectoryURL      string        `env:"IPVERSE_DIRECTORY_URL" envDefault:"https://ipinfo.io"`
	RangesURL         string        `env:"IPVERSE_RANGES_URL" envDefault:"https://raw.githubusercontent.com/ipverse/asn-ip/master/as"`
	PageSize          int           `env:"IPVERSE_PAGE_SIZE" envDefault:"20"`
	RangeWorkers      int           `env:"IPVERSE_RANGE_WORKERS" envDefault:"4"`
	ProviderRateLimit float64       `env:"IPVERSE_PROVIDER_RATE_LIMIT" envDefault:"4"`
	RetryAttempts     int           `env:"IPVERSE_RETRY_ATTEMPTS" envDefault:"3"`
	RetryDelay        time.Duration `env:"IPVERSE_RETRY_DELAY" envDefault:"5s"`

	// Admission
	SpamThreshold  time.Duration `env:"IPVERSE_SPAM_THRESHOLD" envDefault:"2s"`
	RateWindow     time.Duration `env:"IPVERSE_RATE_WINDOW" envDefault:"60s"`
	RateLimit      int           `env:"IPVERSE_RATE_LIMIT" envDefault:"10"`
	DailyFree      int           `env:"IPVERSE_DAILY_FREE" envDefault:"5"`
	CoinCost       int           `env:"IPVERSE_COIN_COST" envDefault:"1"`
	ReferralReward int           `env:"IPVERSE_REFERRAL_REWARD" envDefault:"1"`

	// Cache janitor
	RetentionDays int           `env:"IPVERSE_RETENTION_DAYS" envDefault:"1"`
	JanitorPeriod time.Duration `env:"IPVERSE_JANITOR_PERIOD" envDefault:"24h"`

	AdminIDs []string `env:"IPVERSE_ADMIN_IDS" envSeparator:","`
}

// Load reads .env (if present) and the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// CacheDBPath returns the report cache database location
func (c *Config) CacheDBPath() string {
	return filepath.Join(c.DataDir, "reportcache")
}

// UserDBPath returns the user store database location
func (c *Config) UserDBPath() string {
	return filepath.Join(c.DataDir, "users")
}

// IsAdmin reports whether a user ID is configured as an admin
func (c *Config) IsAdmin(id string) bool {
	return slices.Contains(c.AdminIDs, id)
}
