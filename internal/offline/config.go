package offline

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config configures the offline cache.
type Config struct {
	// CacheName identifies the active generation. Bumping it is the only way
	// to make clients drop previously cached assets.
	CacheName string `yaml:"cache_name"`

	// Origin is the upstream base URL (scheme and host). Responses from other
	// origins are never cached.
	Origin string `yaml:"origin"`

	// ExcludedPrefixes are path prefixes that bypass the cache.
	ExcludedPrefixes []string `yaml:"excluded_prefixes"`

	// OfflinePage is served for navigation requests that miss the cache.
	OfflinePage string `yaml:"offline_page"`

	// Manifest lists the asset paths pre-fetched by Install.
	Manifest []string `yaml:"manifest"`

	// ListenAddr is where the caching proxy listens.
	ListenAddr string `yaml:"listen_addr"`

	// RequestTimeout bounds each upstream fetch.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the default offline cache configuration.
func DefaultConfig() Config {
	return Config{
		CacheName:        "wellsync-v1",
		Origin:           "http://localhost:8080",
		ExcludedPrefixes: []string{"/api/"},
		OfflinePage:      "/offline.html",
		Manifest: []string{
			"/",
			"/offline.html",
			"/manifest.json",
			"/icons/icon-192.png",
			"/icons/icon-512.png",
		},
		ListenAddr:     "127.0.0.1:8090",
		RequestTimeout: 10 * time.Second,
	}
}

func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.CacheName == "" {
		c.CacheName = defaults.CacheName
	}
	if c.Origin == "" {
		c.Origin = defaults.Origin
	}
	if c.ExcludedPrefixes == nil {
		c.ExcludedPrefixes = defaults.ExcludedPrefixes
	}
	if c.OfflinePage == "" {
		c.OfflinePage = defaults.OfflinePage
	}
	if c.Manifest == nil {
		c.Manifest = defaults.Manifest
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
}

func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("WELLSYNC_CACHE_NAME"); v != "" {
		c.CacheName = v
	}
	if v := os.Getenv("WELLSYNC_CACHE_ORIGIN"); v != "" {
		c.Origin = v
	}
	if v := os.Getenv("WELLSYNC_CACHE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
}

func (c *Config) ResolvePaths(_, _ string) { _ = c }

func (c *Config) Validate() error {
	if c.CacheName == "" || strings.Contains(c.CacheName, "/") {
		return fmt.Errorf("offline.cache_name must be non-empty and contain no '/', got %q", c.CacheName)
	}
	u, err := url.Parse(c.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("offline.origin must be an absolute URL, got %q", c.Origin)
	}
	if !strings.HasPrefix(c.OfflinePage, "/") {
		return fmt.Errorf("offline.offline_page must be an absolute path")
	}
	for _, p := range c.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("offline.manifest entry %q must be an absolute path", p)
		}
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("offline.request_timeout cannot be negative")
	}
	return nil
}
