package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LoggingConfig configures the slog outputs shared by both binaries. Console
// and File inherit Level and Format unless they set their own.
type LoggingConfig struct {
	Level    string         `yaml:"level"`
	Format   string         `yaml:"format"`
	Dir      string         `yaml:"dir"`
	Rotation RotationConfig `yaml:"rotation"`
	Console  ConsoleConfig  `yaml:"console"`
	File     FileConfig     `yaml:"file"`
}

// RotationConfig is handed to lumberjack.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // MB
	MaxBackups int  `yaml:"max_backups"` // files
	MaxAge     int  `yaml:"max_age"`     // days
	Compress   bool `yaml:"compress"`
}

type ConsoleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`

	// DedupWindow collapses identical records (e.g. a reconnect storm) seen
	// within the window into one line with a repeat count. 0 disables.
	DedupWindow time.Duration `yaml:"dedup_window"`
}

type FileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// DefaultLoggingConfig returns default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Dir:    "logs",
		Rotation: RotationConfig{
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		},
		Console: ConsoleConfig{
			Enabled:     true,
			Level:       "info",
			Format:      "text",
			DedupWindow: 2 * time.Second,
		},
		File: FileConfig{
			Enabled: true,
			Level:   "info",
			Format:  "text",
		},
	}
}

// ApplyDefaults fills zero values. An output section left entirely empty is
// enabled. Rotation.Compress stays as written since false is indistinguishable
// from unset.
func (c *LoggingConfig) ApplyDefaults() {
	d := DefaultLoggingConfig()
	setDefault(&c.Level, d.Level)
	setDefault(&c.Format, d.Format)
	setDefault(&c.Dir, d.Dir)

	if c.Rotation.MaxSize == 0 {
		c.Rotation.MaxSize = d.Rotation.MaxSize
	}
	if c.Rotation.MaxBackups == 0 {
		c.Rotation.MaxBackups = d.Rotation.MaxBackups
	}
	if c.Rotation.MaxAge == 0 {
		c.Rotation.MaxAge = d.Rotation.MaxAge
	}

	if c.Console == (ConsoleConfig{}) {
		c.Console.Enabled = true
	}
	setDefault(&c.Console.Level, c.Level)
	setDefault(&c.Console.Format, c.Format)

	if c.File == (FileConfig{}) {
		c.File.Enabled = true
	}
	setDefault(&c.File.Level, c.Level)
	setDefault(&c.File.Format, c.Format)
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// ApplyEnvOverrides reads WELLSYNC_LOG_LEVEL, WELLSYNC_LOG_FORMAT and
// WELLSYNC_LOG_DIR. Level and format replace the per-output values too.
func (c *LoggingConfig) ApplyEnvOverrides() {
	if v := strings.ToLower(os.Getenv("WELLSYNC_LOG_LEVEL")); v != "" {
		c.Level, c.Console.Level, c.File.Level = v, v, v
	}
	if v := strings.ToLower(os.Getenv("WELLSYNC_LOG_FORMAT")); v != "" {
		c.Format, c.Console.Format, c.File.Format = v, v, v
	}
	if v := os.Getenv("WELLSYNC_LOG_DIR"); v != "" {
		c.Dir = v
	}
}

// ResolvePaths resolves a relative log directory. Paths starting with ".."
// are taken relative to configDir, everything else lives under dataDir.
func (c *LoggingConfig) ResolvePaths(configDir, dataDir string) {
	if c.Dir == "" || filepath.IsAbs(c.Dir) {
		return
	}
	base := dataDir
	if strings.HasPrefix(c.Dir, "..") {
		base = configDir
	}
	c.Dir = filepath.Clean(filepath.Join(base, c.Dir))
}

func (c *LoggingConfig) Validate() error {
	if !oneOf(c.Level, logLevels) {
		return fmt.Errorf("invalid log level: %s (must be one of %s)", c.Level, strings.Join(logLevels, ", "))
	}
	if !oneOf(c.Format, logFormats) {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Format)
	}
	if c.Dir == "" && c.File.Enabled {
		return fmt.Errorf("log directory cannot be empty when file logging is enabled")
	}

	if c.Console.Enabled {
		if err := validateOutput("console", c.Console.Level, c.Console.Format); err != nil {
			return err
		}
		if c.Console.DedupWindow < 0 {
			return fmt.Errorf("console dedup window cannot be negative: %s", c.Console.DedupWindow)
		}
	}
	if c.File.Enabled {
		if err := validateOutput("file", c.File.Level, c.File.Format); err != nil {
			return err
		}
	}
	return nil
}

// validateOutput accepts empty values, which inherit from the top level.
func validateOutput(name, level, format string) error {
	if level != "" && !oneOf(level, logLevels) {
		return fmt.Errorf("invalid %s log level: %s", name, level)
	}
	if format != "" && !oneOf(format, logFormats) {
		return fmt.Errorf("invalid %s log format: %s", name, format)
	}
	return nil
}
