// Package queue is the client's durable write queue: health-data submissions
// that could not be delivered yet, kept until the server confirms them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/wellsync/wellsync/pkg/model"
)

// ErrNotFound is returned when no live or dead-lettered record has the id.
var ErrNotFound = fmt.Errorf("queue record %w", model.ErrNotFound)

// ErrClosed is returned by every operation after Close.
var ErrClosed = fmt.Errorf("queue closed")

// Record is one pending write. Data is never modified after Enqueue; only
// the delivery bookkeeping changes.
type Record struct {
	ID            uint64          `json:"id"`
	Data          json.RawMessage `json:"data"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	DeadLettered  bool            `json:"deadLettered,omitempty"`
}

// Queue is a durable FIFO of pending writes with auto-assigned ids.
type Queue interface {
	// Enqueue stores data under a new id, unique and larger than every id
	// assigned before, including across restarts.
	Enqueue(ctx context.Context, data json.RawMessage) (Record, error)

	// ListAll returns every live record in ascending id order.
	ListAll(ctx context.Context) ([]Record, error)

	// RemoveByID deletes a live record after the server confirmed it.
	// Removing an id that is not queued is a no-op.
	RemoveByID(ctx context.Context, id uint64) error

	// MarkFailed records a failed delivery attempt. When the attempt count
	// reaches the dead-letter threshold the record leaves the live view.
	MarkFailed(ctx context.Context, id uint64, cause error) (Record, error)

	// ListDeadLetters returns records that exceeded the attempt threshold.
	ListDeadLetters(ctx context.Context) ([]Record, error)

	// Requeue moves a dead-lettered record back to the live view with its
	// attempt count reset.
	Requeue(ctx context.Context, id uint64) error

	// Count returns the number of live records.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Config configures the queue.
type Config struct {
	// Backend is "pebble" (durable, default) or "memory".
	Backend string `yaml:"backend"`

	// DeadLetterAfter is the number of failed attempts after which a record
	// is moved to the dead-letter view. 0 retries forever.
	DeadLetterAfter int `yaml:"dead_letter_after"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Backend:         "pebble",
		DeadLetterAfter: 10,
	}
}

func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = DefaultConfig().Backend
	}
}

func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("WELLSYNC_QUEUE_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("WELLSYNC_QUEUE_DEAD_LETTER_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DeadLetterAfter = n
		}
	}
}

func (c *Config) ResolvePaths(_, _ string) { _ = c }

func (c *Config) Validate() error {
	if c.Backend != "pebble" && c.Backend != "memory" {
		return fmt.Errorf("queue.backend must be pebble or memory, got %q", c.Backend)
	}
	if c.DeadLetterAfter < 0 {
		return fmt.Errorf("queue.dead_letter_after cannot be negative")
	}
	return nil
}

// applyFailure updates the bookkeeping of rec and reports whether it must
// be dead-lettered.
func applyFailure(rec *Record, cause error, now time.Time, threshold int) bool {
	rec.Attempts++
	if cause != nil {
		rec.LastError = cause.Error()
	}
	rec.LastAttemptAt = &now
	if threshold > 0 && rec.Attempts >= threshold {
		rec.DeadLettered = true
	}
	return rec.DeadLettered
}

func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return model.WrapError(err)
	}
	return nil
}

func validateData(data json.RawMessage) error {
	if len(data) == 0 || !json.Valid(data) {
		return fmt.Errorf("%w: queued data must be a JSON document", model.ErrInvalidMessage)
	}
	return nil
}
