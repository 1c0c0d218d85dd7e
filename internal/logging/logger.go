package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/wellsync/wellsync/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// closers holds the rotating files and dedup handlers opened by NewLogger.
	closers   []io.Closer
	closersMu sync.Mutex
)

// Initialize sets up the global logger based on configuration.
func Initialize(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	slog.SetDefault(logger)

	slog.Info("Logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"dir", cfg.Dir,
		"console_enabled", cfg.Console.Enabled,
		"file_enabled", cfg.File.Enabled,
	)
	return nil
}

// NewLogger builds a logger that writes to the console and to two rotating
// files: wellsync.log with every record at the file level and errors.log
// with warnings and errors only.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var handlers []slog.Handler

	if cfg.Console.Enabled {
		var h slog.Handler = createHandler(os.Stdout, cfg.Console.Format, parseLevel(cfg.Console.Level))
		if cfg.Console.DedupWindow > 0 {
			dh := NewDedupHandler(h, cfg.Console.DedupWindow)
			register(dh)
			h = dh
		}
		handlers = append(handlers, h)
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		mainFile := rotatingFile(filepath.Join(cfg.Dir, "wellsync.log"), cfg.Rotation)
		handlers = append(handlers, createHandler(mainFile, cfg.File.Format, parseLevel(cfg.File.Level)))

		errorFile := rotatingFile(filepath.Join(cfg.Dir, "errors.log"), cfg.Rotation)
		handlers = append(handlers, NewLevelFilter(
			createHandler(errorFile, cfg.File.Format, slog.LevelWarn), slog.LevelWarn))
	}

	switch len(handlers) {
	case 0:
		return slog.New(createHandler(io.Discard, cfg.Format, slog.LevelError)), nil
	case 1:
		return slog.New(handlers[0]), nil
	default:
		return slog.New(NewMultiHandler(handlers...)), nil
	}
}

// Component returns logger tagged with the component name, falling back to
// the default logger when logger is nil.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// Shutdown flushes pending dedup counts and closes the log files.
func Shutdown() error {
	closersMu.Lock()
	defer closersMu.Unlock()

	var firstErr error
	for _, c := range closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close log output: %w", err)
		}
	}
	closers = nil
	return firstErr
}

func rotatingFile(path string, rot config.RotationConfig) *lumberjack.Logger {
	f := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSize,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAge,
		Compress:   rot.Compress,
	}
	register(f)
	return f
}

func register(c io.Closer) {
	closersMu.Lock()
	defer closersMu.Unlock()
	// Dedup handlers go first so their final flush still reaches open files.
	if _, ok := c.(*DedupHandler); ok {
		closers = append([]io.Closer{c}, closers...)
		return
	}
	closers = append(closers, c)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func createHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
