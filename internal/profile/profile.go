// Package profile stores the CLI user's identity and server address in a
// TOML file, by default ~/.wellsync/profile.toml.
package profile

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/wellsync/wellsync/internal/agent"
)

// Profile is the persisted CLI identity.
type Profile struct {
	UserID    string `toml:"user_id"`
	Token     string `toml:"token,omitempty"`
	ServerURL string `toml:"server_url"`
	ClientID  string `toml:"client_id,omitempty"`
}

// Keys lists the names accepted by Set.
var Keys = []string{"user_id", "token", "server_url", "client_id"}

// DefaultPath returns ~/.wellsync/profile.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".wellsync", "profile.toml"), nil
}

// Load reads the profile at path. A missing file yields an empty profile.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Profile{}, nil
		}
		return nil, fmt.Errorf("cannot read profile: %w", err)
	}
	var p Profile
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("cannot parse profile: %w", err)
	}
	return &p, nil
}

// Save writes the profile with owner-only permissions; it may hold a token.
func (p *Profile) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create profile directory: %w", err)
	}
	data, err := toml.Marshal(p)
	if err != nil {
		return fmt.Errorf("cannot marshal profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write profile: %w", err)
	}
	return nil
}

// Set assigns one field by its TOML name.
func (p *Profile) Set(key, value string) error {
	switch key {
	case "user_id":
		p.UserID = value
	case "token":
		p.Token = value
	case "server_url":
		if value != "" {
			if _, err := parseServerURL(value); err != nil {
				return err
			}
		}
		p.ServerURL = value
	case "client_id":
		p.ClientID = value
	default:
		return fmt.Errorf("unknown profile key %q (valid: %s)", key, strings.Join(Keys, ", "))
	}
	return nil
}

// Apply overlays the profile onto cfg. ServerURL replaces the channel,
// submission and cache origin addresses; hubPath and ingestPath are the
// server's endpoint paths.
func (p *Profile) Apply(cfg *agent.Config, hubPath, ingestPath string) error {
	if p.UserID != "" {
		cfg.UserID = p.UserID
	}
	if p.Token != "" {
		cfg.Token = p.Token
	}
	if p.ClientID != "" {
		cfg.ClientID = p.ClientID
	}
	if p.ServerURL == "" {
		return nil
	}

	base, err := parseServerURL(p.ServerURL)
	if err != nil {
		return err
	}
	ws := *base
	ws.Scheme = "ws"
	if base.Scheme == "https" {
		ws.Scheme = "wss"
	}
	ws.Path = hubPath
	cfg.Channel.URL = ws.String()

	submit := *base
	submit.Path = ingestPath
	cfg.Sync.Endpoint = submit.String()

	cfg.Offline.Origin = base.Scheme + "://" + base.Host
	return nil
}

func parseServerURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("server_url must be an http:// or https:// URL, got %q", raw)
	}
	return u, nil
}
