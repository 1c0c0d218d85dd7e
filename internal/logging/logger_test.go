package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellsync/wellsync/internal/config"
)

func TestNewLogger_WritesMainAndErrorFiles(t *testing.T) {
	cfg := config.DefaultLoggingConfig()
	cfg.Console.Enabled = false
	cfg.Dir = t.TempDir()

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	defer Shutdown()

	logger.Info("queued write", "id", 1)
	logger.Warn("drain failed", "id", 1)

	main, err := os.ReadFile(filepath.Join(cfg.Dir, "wellsync.log"))
	require.NoError(t, err)
	assert.Contains(t, string(main), "queued write")
	assert.Contains(t, string(main), "drain failed")

	errs, err := os.ReadFile(filepath.Join(cfg.Dir, "errors.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(errs), "queued write")
	assert.Contains(t, string(errs), "drain failed")
}

func TestNewLogger_JSONFormat(t *testing.T) {
	cfg := config.DefaultLoggingConfig()
	cfg.Console.Enabled = false
	cfg.File.Format = "json"
	cfg.Dir = t.TempDir()

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	defer Shutdown()

	logger.Info("test json", "key", "value")

	content, err := os.ReadFile(filepath.Join(cfg.Dir, "wellsync.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), `"msg":"test json"`)
	assert.Contains(t, string(content), `"key":"value"`)
}

func TestNewLogger_NoOutputs(t *testing.T) {
	cfg := config.DefaultLoggingConfig()
	cfg.Console.Enabled = false
	cfg.File.Enabled = false

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.NotPanics(t, func() { logger.Error("dropped") })
}

func TestNewLogger_BadDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	cfg := config.DefaultLoggingConfig()
	cfg.Console.Enabled = false
	cfg.Dir = filepath.Join(file, "logs")

	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestComponent(t *testing.T) {
	assert.NotNil(t, Component(nil, "queue"))
}
