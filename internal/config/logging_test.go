package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoggingConfig_YAML(t *testing.T) {
	doc := `
level: debug
format: json
dir: /var/log/wellsync
rotation:
  max_size: 20
  compress: false
console:
  enabled: false
  dedup_window: 5s
file:
  level: warn
`
	var cfg LoggingConfig
	require.NoError(t, yaml.Unmarshal([]byte(doc), &cfg))
	cfg.ApplyDefaults()

	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "/var/log/wellsync", cfg.Dir)
	assert.Equal(t, 20, cfg.Rotation.MaxSize)
	assert.Equal(t, 5, cfg.Rotation.MaxBackups)
	assert.False(t, cfg.Rotation.Compress)

	// A console section with only a dedup window stays disabled.
	assert.False(t, cfg.Console.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Console.DedupWindow)

	// A file section with any field set keeps its Enabled value.
	assert.False(t, cfg.File.Enabled)
	assert.Equal(t, "warn", cfg.File.Level)
	assert.Equal(t, "json", cfg.File.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoggingConfig_ApplyDefaults(t *testing.T) {
	var empty LoggingConfig
	empty.ApplyDefaults()
	d := DefaultLoggingConfig()
	assert.Equal(t, d.Level, empty.Level)
	assert.Equal(t, d.Dir, empty.Dir)
	assert.Equal(t, d.Rotation.MaxAge, empty.Rotation.MaxAge)
	assert.True(t, empty.Console.Enabled)
	assert.True(t, empty.File.Enabled)
	assert.False(t, empty.Rotation.Compress)

	partial := LoggingConfig{
		Level:   "debug",
		Format:  "json",
		Console: ConsoleConfig{Enabled: true, Level: "warn"},
	}
	partial.ApplyDefaults()
	assert.Equal(t, "warn", partial.Console.Level)
	assert.Equal(t, "json", partial.Console.Format)
	assert.Equal(t, "debug", partial.File.Level)
	assert.Equal(t, "json", partial.File.Format)
	assert.True(t, partial.File.Enabled)
}

func TestLoggingConfig_ResolvePaths(t *testing.T) {
	tests := []struct {
		dir      string
		expected string
	}{
		{"logs", "/app/data/logs"},
		{"logs/agent", "/app/data/logs/agent"},
		{"/var/log/wellsync", "/var/log/wellsync"},
		{"../logs", "/app/logs"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			cfg := LoggingConfig{Dir: tt.dir}
			cfg.ResolvePaths("/app/config", "/app/data")
			assert.Equal(t, tt.expected, cfg.Dir)
		})
	}
}

func TestLoggingConfig_Validate(t *testing.T) {
	valid := DefaultLoggingConfig()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*LoggingConfig)
	}{
		{"level", func(c *LoggingConfig) { c.Level = "trace" }},
		{"format", func(c *LoggingConfig) { c.Format = "xml" }},
		{"dir with file output", func(c *LoggingConfig) { c.Dir = "" }},
		{"console level", func(c *LoggingConfig) { c.Console.Level = "loud" }},
		{"console format", func(c *LoggingConfig) { c.Console.Format = "xml" }},
		{"dedup window", func(c *LoggingConfig) { c.Console.DedupWindow = -time.Second }},
		{"file level", func(c *LoggingConfig) { c.File.Level = "loud" }},
		{"file format", func(c *LoggingConfig) { c.File.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultLoggingConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	// Disabled outputs are not checked.
	cfg := DefaultLoggingConfig()
	cfg.Console.Enabled = false
	cfg.Console.Format = "xml"
	cfg.File.Enabled = false
	cfg.Dir = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoggingConfig_ApplyEnvOverrides(t *testing.T) {
	t.Setenv("WELLSYNC_LOG_LEVEL", "DEBUG")
	t.Setenv("WELLSYNC_LOG_FORMAT", "json")
	t.Setenv("WELLSYNC_LOG_DIR", "/tmp/wellsync-logs")

	cfg := DefaultLoggingConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "debug", cfg.Console.Level)
	assert.Equal(t, "debug", cfg.File.Level)
	assert.Equal(t, "json", cfg.Console.Format)
	assert.Equal(t, "json", cfg.File.Format)
	assert.Equal(t, "/tmp/wellsync-logs", cfg.Dir)
	assert.NoError(t, cfg.Validate())
}
