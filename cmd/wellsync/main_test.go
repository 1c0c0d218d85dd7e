package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wellsync/wellsync/internal/agent"
	"github.com/wellsync/wellsync/internal/config"
	"github.com/wellsync/wellsync/internal/profile"
)

type cliEnv struct {
	configDir   string
	profilePath string
}

func newCLIEnv(t *testing.T) cliEnv {
	root := t.TempDir()
	env := cliEnv{
		configDir:   filepath.Join(root, "config"),
		profilePath: filepath.Join(root, "home", "profile.toml"),
	}
	require.NoError(t, os.MkdirAll(env.configDir, 0o755))
	return env
}

func (e cliEnv) run(args ...string) error {
	rootCmd.SetArgs(append([]string{"--config", e.configDir, "--profile", e.profilePath}, args...))
	return rootCmd.Execute()
}

func TestCLI_Profile(t *testing.T) {
	env := newCLIEnv(t)

	require.NoError(t, env.run("profile", "set", "user_id", "alice"))
	require.NoError(t, env.run("profile", "set", "server_url", "https://sync.example"))
	assert.Error(t, env.run("profile", "set", "colour", "blue"))
	require.NoError(t, env.run("profile", "show"))

	p, err := profile.Load(env.profilePath)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "https://sync.example", p.ServerURL)
}

func TestCLI_QueueAndSync(t *testing.T) {
	env := newCLIEnv(t)
	// Nothing listens on port 1, so every submission fails.
	require.NoError(t, env.run("profile", "set", "server_url", "http://127.0.0.1:1"))

	require.NoError(t, env.run("queue", "add", `{"steps":500}`))
	assert.Error(t, env.run("queue", "add", `{"steps":`))
	require.NoError(t, env.run("queue", "list"))
	require.NoError(t, env.run("queue", "dead"))
	assert.ErrorContains(t, env.run("queue", "requeue", "abc"), "invalid record id")

	err := env.run("sync")
	assert.ErrorContains(t, err, "kept for a later sync")

	cfg, err := config.Load(env.configDir)
	require.NoError(t, err)
	a, err := agent.New(cfg.Client, nil)
	require.NoError(t, err)
	defer a.Close()

	records, err := a.Queue().ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"steps":500}`, string(records[0].Data))
	assert.Equal(t, 1, records[0].Attempts)
	assert.NotEmpty(t, records[0].LastError)
}

func TestCLI_SendRequiresUser(t *testing.T) {
	env := newCLIEnv(t)
	err := env.run("send", "notification", "bob", "hello")
	assert.ErrorContains(t, err, "no user id")

	assert.ErrorContains(t, env.run("send", "progress", "c1", "lots"), "invalid progress")
	assert.ErrorContains(t, env.run("send", "health", "[1,2]"), "JSON object")
}
