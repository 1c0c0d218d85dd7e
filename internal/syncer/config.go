package syncer

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// Config configures the background sync coordinator.
type Config struct {
	// Endpoint is the ingest URL records are posted to.
	Endpoint string `yaml:"endpoint"`

	// Schedule is a cron expression for the periodic drain. Empty disables it.
	Schedule string `yaml:"schedule"`

	// RatePerSecond bounds submissions per second. 0 is unlimited.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the default sync configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint:       "http://localhost:8080/api/health-data",
		Schedule:       "@every 1m",
		RatePerSecond:  20,
		Burst:          5,
		RequestTimeout: 10 * time.Second,
	}
}

func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.Burst == 0 {
		c.Burst = d.Burst
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
}

func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("WELLSYNC_SYNC_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("WELLSYNC_SYNC_SCHEDULE"); v != "" {
		c.Schedule = v
	}
	if v := os.Getenv("WELLSYNC_SYNC_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RatePerSecond = f
		}
	}
}

func (c *Config) ResolvePaths(_, _ string) { _ = c }

func (c *Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("sync.endpoint must be an http(s) URL, got %q", c.Endpoint)
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("sync.schedule: %w", err)
		}
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("sync.rate_per_second cannot be negative")
	}
	if c.Burst < 1 {
		return fmt.Errorf("sync.burst must be at least 1")
	}
	return nil
}
