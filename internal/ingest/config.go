package ingest

import (
	"fmt"
	"os"
	"strings"
)

// MongoConfig locates the submission collection.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// Config configures the submission endpoint.
type Config struct {
	Path string `yaml:"path"`

	// Backend is "memory" or "mongo".
	Backend string      `yaml:"backend"`
	Mongo   MongoConfig `yaml:"mongo"`

	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// DefaultConfig returns the default ingest configuration.
func DefaultConfig() Config {
	return Config{
		Path:    "/api/health-data",
		Backend: "memory",
		Mongo: MongoConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "wellsync",
			Collection: "health_data",
		},
		MaxBodyBytes: 1 << 20,
	}
}

func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = d.Mongo.URI
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = d.Mongo.Database
	}
	if c.Mongo.Collection == "" {
		c.Mongo.Collection = d.Mongo.Collection
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
}

func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("WELLSYNC_INGEST_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("WELLSYNC_MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("WELLSYNC_MONGO_DATABASE"); v != "" {
		c.Mongo.Database = v
	}
}

func (c *Config) ResolvePaths(_, _ string) { _ = c }

func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("ingest.path must start with '/', got %q", c.Path)
	}
	switch c.Backend {
	case "memory":
	case "mongo":
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return fmt.Errorf("ingest.mongo.uri and ingest.mongo.database are required")
		}
	default:
		return fmt.Errorf("ingest.backend must be memory or mongo, got %q", c.Backend)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("ingest.max_body_bytes must be positive")
	}
	return nil
}
