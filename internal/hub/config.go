package hub

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config configures the channel hub.
type Config struct {
	// Path is the HTTP path the upgrade endpoint is mounted on.
	Path string `yaml:"path"`

	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
	WriteWait      time.Duration `yaml:"write_wait"`
	PongWait       time.Duration `yaml:"pong_wait"`

	// ViewerPolicy is a CEL expression deciding whether a connection may
	// receive another principal's health_data. Variables: principal
	// (viewer), roles (viewer roles), subject (owner of the data).
	ViewerPolicy string `yaml:"viewer_policy"`

	// JWTSecret enables HS256 verification of auth tokens.
	JWTSecret string `yaml:"jwt_secret"`
	// RequireToken rejects auth messages without a verifiable token.
	RequireToken bool `yaml:"require_token"`
	// AdminUsers are granted the "admin" role on auth.
	AdminUsers []string `yaml:"admin_users"`

	// NatsURL enables the event sink. Empty disables publishing.
	NatsURL            string `yaml:"nats_url"`
	EventSubjectPrefix string `yaml:"event_subject_prefix"`
	StreamName         string `yaml:"stream_name"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfig returns the default hub configuration.
func DefaultConfig() Config {
	return Config{
		Path:               "/ws",
		MaxMessageSize:     64 * 1024,
		SendBuffer:         256,
		WriteWait:          10 * time.Second,
		PongWait:           60 * time.Second,
		ViewerPolicy:       `"admin" in roles || principal == subject`,
		EventSubjectPrefix: "wellsync.events",
		StreamName:         "WELLSYNC_EVENTS",
	}
}

func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.WriteWait == 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait == 0 {
		c.PongWait = d.PongWait
	}
	if c.ViewerPolicy == "" {
		c.ViewerPolicy = d.ViewerPolicy
	}
	if c.EventSubjectPrefix == "" {
		c.EventSubjectPrefix = d.EventSubjectPrefix
	}
	if c.StreamName == "" {
		c.StreamName = d.StreamName
	}
}

func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("WELLSYNC_HUB_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("WELLSYNC_HUB_REQUIRE_TOKEN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RequireToken = b
		}
	}
	if v := os.Getenv("WELLSYNC_HUB_ADMIN_USERS"); v != "" {
		c.AdminUsers = splitList(v)
	}
	if v := os.Getenv("WELLSYNC_NATS_URL"); v != "" {
		c.NatsURL = v
	}
	if v := os.Getenv("WELLSYNC_HUB_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
}

func (c *Config) ResolvePaths(_, _ string) { _ = c }

func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("hub.path must start with '/', got %q", c.Path)
	}
	if c.PongWait <= 0 {
		return fmt.Errorf("hub.pong_wait must be positive")
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("hub.send_buffer must be at least 1")
	}
	if c.RequireToken && c.JWTSecret == "" {
		return fmt.Errorf("hub.require_token needs hub.jwt_secret")
	}
	if _, err := NewViewerPolicy(c.ViewerPolicy); err != nil {
		return fmt.Errorf("hub.viewer_policy: %w", err)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
