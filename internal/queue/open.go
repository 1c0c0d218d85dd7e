package queue

import (
	"fmt"
	"log/slog"

	"github.com/wellsync/wellsync/internal/kv"
)

// Open creates the queue selected by cfg.Backend. db is only used by the
// pebble backend and may be nil for the memory backend.
func Open(cfg Config, db kv.DB, logger *slog.Logger) (Queue, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryQueue(cfg), nil
	case "pebble", "":
		if db == nil {
			return nil, fmt.Errorf("pebble queue requires a store")
		}
		return NewPebbleQueue(db, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
