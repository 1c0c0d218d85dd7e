package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wellsync/wellsync/internal/agent"
)

func TestProfile_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "profile.toml")

	missing, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, &Profile{}, missing)

	p := &Profile{UserID: "alice", Token: "secret", ServerURL: "https://wellness.example.com"}
	require.NoError(t, p.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, p, loaded)
}

func TestProfile_LoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	require.NoError(t, os.WriteFile(path, []byte("user_id = [unterminated"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestProfile_Set(t *testing.T) {
	var p Profile
	require.NoError(t, p.Set("user_id", "bob"))
	require.NoError(t, p.Set("server_url", "http://localhost:8080"))
	assert.Equal(t, "bob", p.UserID)
	assert.Equal(t, "http://localhost:8080", p.ServerURL)

	assert.Error(t, p.Set("server_url", "ftp://nope"))
	assert.Error(t, p.Set("colour", "blue"))
}

func TestProfile_Apply(t *testing.T) {
	cfg := agent.DefaultConfig()
	p := &Profile{UserID: "alice", Token: "tok", ClientID: "device-1", ServerURL: "https://wellness.example.com:8443"}

	require.NoError(t, p.Apply(&cfg, "/ws", "/api/health-data"))
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, "device-1", cfg.ClientID)
	assert.Equal(t, "wss://wellness.example.com:8443/ws", cfg.Channel.URL)
	assert.Equal(t, "https://wellness.example.com:8443/api/health-data", cfg.Sync.Endpoint)
	assert.Equal(t, "https://wellness.example.com:8443", cfg.Offline.Origin)
}

func TestProfile_ApplyEmptyKeepsConfig(t *testing.T) {
	cfg := agent.DefaultConfig()
	want := cfg
	require.NoError(t, (&Profile{}).Apply(&cfg, "/ws", "/api/health-data"))
	assert.Equal(t, want, cfg)
}
