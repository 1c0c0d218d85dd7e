package agent

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/wellsync/wellsync/internal/channel"
	"github.com/wellsync/wellsync/internal/kv"
	"github.com/wellsync/wellsync/internal/offline"
	"github.com/wellsync/wellsync/internal/queue"
	"github.com/wellsync/wellsync/internal/syncer"
)

// Config holds the client agent configuration.
type Config struct {
	// ClientID is part of every idempotency key. When empty the agent
	// generates one and keeps it in the store so keys survive restarts.
	ClientID string `yaml:"client_id"`

	// UserID and Token identify the principal sent in the auth message.
	UserID string `yaml:"user_id"`
	Token  string `yaml:"token"`

	Store   kv.Config      `yaml:"store"`
	Channel channel.Config `yaml:"channel"`
	Queue   queue.Config   `yaml:"queue"`
	Sync    syncer.Config  `yaml:"sync"`
	Offline offline.Config `yaml:"offline"`
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		Store:   kv.DefaultConfig(),
		Channel: channel.DefaultConfig(),
		Queue:   queue.DefaultConfig(),
		Sync:    syncer.DefaultConfig(),
		Offline: offline.DefaultConfig(),
	}
}

func (c *Config) ApplyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = kv.DefaultConfig().Path
	}
	if c.Store.BlockCacheSize == 0 {
		c.Store.BlockCacheSize = kv.DefaultConfig().BlockCacheSize
	}
	c.Channel.ApplyDefaults()
	c.Queue.ApplyDefaults()
	c.Sync.ApplyDefaults()
	c.Offline.ApplyDefaults()
}

func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("WELLSYNC_CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv("WELLSYNC_USER_ID"); v != "" {
		c.UserID = v
	}
	if v := os.Getenv("WELLSYNC_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("WELLSYNC_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	c.Channel.ApplyEnvOverrides()
	c.Queue.ApplyEnvOverrides()
	c.Sync.ApplyEnvOverrides()
	c.Offline.ApplyEnvOverrides()
}

// ResolvePaths places a relative store path under dataDir.
func (c *Config) ResolvePaths(configDir, dataDir string) {
	if c.Store.Path != "" && !filepath.IsAbs(c.Store.Path) {
		c.Store.Path = filepath.Join(dataDir, c.Store.Path)
	}
	c.Channel.ResolvePaths(configDir, dataDir)
	c.Queue.ResolvePaths(configDir, dataDir)
	c.Sync.ResolvePaths(configDir, dataDir)
	c.Offline.ResolvePaths(configDir, dataDir)
}

func (c *Config) Validate() error {
	if !c.Store.InMemory && c.Store.Path == "" {
		return errors.New("client.store.path is required unless in_memory is set")
	}
	return errors.Join(
		c.Channel.Validate(),
		c.Queue.Validate(),
		c.Sync.Validate(),
		c.Offline.Validate(),
	)
}
