package channel

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Backoff controls the delay before reconnect attempts.
type Backoff struct {
	// Base is the first delay, doubled after each consecutive failure.
	Base time.Duration `yaml:"base"`

	// Max caps the delay.
	Max time.Duration `yaml:"max"`

	// MaxRetries is the number of consecutive failed attempts after which
	// the manager stops reconnecting and reports Exhausted. 0 never stops.
	MaxRetries int `yaml:"max_retries"`

	// Fixed disables doubling and jitter; every attempt waits Base.
	Fixed bool `yaml:"fixed"`
}

// Config configures the connection manager.
type Config struct {
	// URL is the hub endpoint, e.g. ws://localhost:8080/ws.
	URL string `yaml:"url"`

	// PingInterval is the keepalive period.
	PingInterval time.Duration `yaml:"ping_interval"`

	// PongTimeoutFactor force-closes the connection when no pong arrived
	// for factor * PingInterval. 0 disables liveness detection.
	PongTimeoutFactor int `yaml:"pong_timeout_factor"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteWait        time.Duration `yaml:"write_wait"`
	MaxMessageSize   int64         `yaml:"max_message_size"`

	Backoff Backoff `yaml:"backoff"`
}

// DefaultConfig returns the default connection manager configuration.
func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:8080/ws",
		PingInterval:      30 * time.Second,
		PongTimeoutFactor: 3,
		HandshakeTimeout:  10 * time.Second,
		WriteWait:         10 * time.Second,
		MaxMessageSize:    64 * 1024,
		Backoff: Backoff{
			Base:       1 * time.Second,
			Max:        30 * time.Second,
			MaxRetries: 10,
		},
	}
}

func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteWait == 0 {
		c.WriteWait = d.WriteWait
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.Backoff.Base == 0 {
		c.Backoff.Base = d.Backoff.Base
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = d.Backoff.Max
	}
}

func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("WELLSYNC_CHANNEL_URL"); v != "" {
		c.URL = v
	}
	if v := os.Getenv("WELLSYNC_CHANNEL_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PingInterval = d
		}
	}
	if v := os.Getenv("WELLSYNC_CHANNEL_PONG_TIMEOUT_FACTOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PongTimeoutFactor = n
		}
	}
}

func (c *Config) ResolvePaths(_, _ string) { _ = c }

func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("channel.url must be a ws:// or wss:// URL, got %q", c.URL)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("channel.ping_interval must be positive")
	}
	if c.PongTimeoutFactor < 0 {
		return fmt.Errorf("channel.pong_timeout_factor cannot be negative")
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max < c.Backoff.Base {
		return fmt.Errorf("channel.backoff requires 0 < base <= max")
	}
	if c.Backoff.MaxRetries < 0 {
		return fmt.Errorf("channel.backoff.max_retries cannot be negative")
	}
	return nil
}
