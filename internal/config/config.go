package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/wellsync/wellsync/internal/agent"
	"github.com/wellsync/wellsync/internal/hub"
	"github.com/wellsync/wellsync/internal/ingest"
	"github.com/wellsync/wellsync/internal/server"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration. The server binary reads
// Server/Hub/Ingest, the client binary reads Client; both read Logging.
type Config struct {
	Server  server.Config `yaml:"server"`
	Hub     hub.Config    `yaml:"hub"`
	Ingest  ingest.Config `yaml:"ingest"`
	Client  agent.Config  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`

	// DataDir is the base for runtime data (queue, cache, logs).
	DataDir string `yaml:"data_dir"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server:  server.DefaultConfig(),
		Hub:     hub.DefaultConfig(),
		Ingest:  ingest.DefaultConfig(),
		Client:  agent.DefaultConfig(),
		Logging: DefaultLoggingConfig(),
		DataDir: "data",
	}
}

// Load reads configuration from configDir.
// Order: .env -> defaults -> config.yml -> config.local.yml -> ApplyDefaults -> ApplyEnvOverrides -> ResolvePaths -> Validate
func Load(configDir string) (*Config, error) {
	// 0. .env only fills variables that are not already set in the environment
	loadDotEnv(".env")
	loadDotEnv(filepath.Join(configDir, ".env"))

	// 1. Start with default values (so YAML can override them, including bool fields)
	cfg := DefaultConfig()

	// 2. Load config.yml (overrides defaults)
	loadFile(filepath.Join(configDir, "config.yml"), cfg)

	// 3. Load config.local.yml (overrides config.yml)
	loadFile(filepath.Join(configDir, "config.local.yml"), cfg)

	if v := os.Getenv("WELLSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	dataDir := cfg.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Clean(filepath.Join(filepath.Dir(configDir), dataDir))
	}
	cfg.DataDir = dataDir

	// 4. Apply configuration lifecycle
	if err := ApplyServiceConfigs(configDir, dataDir,
		&cfg.Server,
		&cfg.Hub,
		&cfg.Ingest,
		&cfg.Client,
		&cfg.Logging,
	); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(filename string, cfg *Config) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return // File doesn't exist, skip
		}
		log.Printf("Warning: Error reading %s: %v", filename, err)
		return
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("Warning: Error parsing %s: %v", filename, err)
	}
}

func loadDotEnv(filename string) {
	if err := godotenv.Load(filename); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Warning: Error loading %s: %v", filename, err)
	}
}

// Summary returns a short human readable description used at startup.
func (c *Config) Summary() string {
	return fmt.Sprintf("server=%s:%d hub=%s ingest=%s data=%s",
		c.Server.Host, c.Server.HTTPPort, c.Hub.Path, c.Ingest.Backend, c.DataDir)
}
