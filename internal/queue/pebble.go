package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/wellsync/wellsync/internal/kv"
	"github.com/wellsync/wellsync/internal/metrics"
)

var (
	liveKeyPrefix = []byte("q/rec/")
	deadKeyPrefix = []byte("q/dead/")
	seqKey        = []byte("q/seq")
)

// PebbleQueue persists records in the shared client store. The id sequence
// is written in the same batch as the record, so an id is never reused
// after a crash.
type PebbleQueue struct {
	db        kv.DB
	logger    *slog.Logger
	threshold int
	now       func() time.Time

	// mu serializes read-modify-write operations; pebble itself
	// orders the individual writes.
	mu     sync.Mutex
	seq    uint64
	closed bool
}

// NewPebbleQueue opens the queue on db, recovering the id sequence.
func NewPebbleQueue(db kv.DB, cfg Config, logger *slog.Logger) (*PebbleQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &PebbleQueue{
		db:        db,
		logger:    logger.With("component", "queue"),
		threshold: cfg.DeadLetterAfter,
		now:       time.Now,
	}

	raw, err := kv.GetCopy(db, seqKey)
	switch {
	case err == nil:
		if len(raw) != 8 {
			return nil, fmt.Errorf("corrupt queue sequence: %d bytes", len(raw))
		}
		q.seq = binary.BigEndian.Uint64(raw)
	case errors.Is(err, kv.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to read queue sequence: %w", err)
	}

	if n, err := q.Count(context.Background()); err == nil {
		metrics.QueueDepth.WithLabelValues("live").Set(float64(n))
	}
	return q, nil
}

func liveKey(id uint64) []byte { return []byte(fmt.Sprintf("%s%020d", liveKeyPrefix, id)) }
func deadKey(id uint64) []byte { return []byte(fmt.Sprintf("%s%020d", deadKeyPrefix, id)) }

func (q *PebbleQueue) Enqueue(ctx context.Context, data json.RawMessage) (Record, error) {
	if err := checkContext(ctx); err != nil {
		return Record{}, err
	}
	if err := validateData(data); err != nil {
		return Record{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Record{}, ErrClosed
	}

	rec := Record{
		ID:        q.seq + 1,
		Data:      append(json.RawMessage(nil), data...),
		CreatedAt: q.now().UTC(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode record: %w", err)
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], rec.ID)

	batch := q.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(liveKey(rec.ID), value, nil); err != nil {
		return Record{}, fmt.Errorf("failed to batch record: %w", err)
	}
	if err := batch.Set(seqKey, seqBuf[:], nil); err != nil {
		return Record{}, fmt.Errorf("failed to batch sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return Record{}, fmt.Errorf("failed to commit record: %w", err)
	}
	q.seq = rec.ID

	metrics.QueueOperations.WithLabelValues("enqueue").Inc()
	metrics.QueueDepth.WithLabelValues("live").Inc()
	q.logger.Debug("Record enqueued", "id", rec.ID)
	return rec, nil
}

func (q *PebbleQueue) ListAll(ctx context.Context) ([]Record, error) {
	return q.list(ctx, liveKeyPrefix)
}

func (q *PebbleQueue) ListDeadLetters(ctx context.Context) ([]Record, error) {
	return q.list(ctx, deadKeyPrefix)
}

func (q *PebbleQueue) list(ctx context.Context, prefix []byte) ([]Record, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if q.isClosed() {
		return nil, ErrClosed
	}

	var records []Record
	err := kv.ScanPrefix(q.db, prefix, func(key, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			// One unreadable entry must not hide the rest of the queue.
			q.logger.Warn("Skipping corrupt queue entry", "key", string(key), "error", err)
			return nil
		}
		records = append(records, rec)
		return checkContext(ctx)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (q *PebbleQueue) RemoveByID(ctx context.Context, id uint64) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	if _, err := q.get(liveKey(id)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if err := q.db.Delete(liveKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete record %d: %w", id, err)
	}
	metrics.QueueOperations.WithLabelValues("remove").Inc()
	metrics.QueueDepth.WithLabelValues("live").Dec()
	return nil
}

func (q *PebbleQueue) MarkFailed(ctx context.Context, id uint64, cause error) (Record, error) {
	if err := checkContext(ctx); err != nil {
		return Record{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Record{}, ErrClosed
	}

	rec, err := q.get(liveKey(id))
	if err != nil {
		return Record{}, err
	}
	dead := applyFailure(&rec, cause, q.now().UTC(), q.threshold)
	value, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode record: %w", err)
	}

	batch := q.db.NewBatch()
	defer batch.Close()
	if dead {
		if err := batch.Delete(liveKey(id), nil); err != nil {
			return Record{}, err
		}
		if err := batch.Set(deadKey(id), value, nil); err != nil {
			return Record{}, err
		}
	} else if err := batch.Set(liveKey(id), value, nil); err != nil {
		return Record{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return Record{}, fmt.Errorf("failed to commit attempt for record %d: %w", id, err)
	}

	metrics.QueueOperations.WithLabelValues("mark_failed").Inc()
	if dead {
		metrics.QueueDepth.WithLabelValues("live").Dec()
		metrics.QueueDepth.WithLabelValues("dead").Inc()
		q.logger.Warn("Record moved to dead letters", "id", id, "attempts", rec.Attempts, "last_error", rec.LastError)
	}
	return rec, nil
}

func (q *PebbleQueue) Requeue(ctx context.Context, id uint64) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	rec, err := q.get(deadKey(id))
	if err != nil {
		return err
	}
	rec.Attempts = 0
	rec.DeadLettered = false
	rec.LastAttemptAt = nil
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	batch := q.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(deadKey(id), nil); err != nil {
		return err
	}
	if err := batch.Set(liveKey(id), value, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to requeue record %d: %w", id, err)
	}
	metrics.QueueOperations.WithLabelValues("requeue").Inc()
	metrics.QueueDepth.WithLabelValues("dead").Dec()
	metrics.QueueDepth.WithLabelValues("live").Inc()
	return nil
}

func (q *PebbleQueue) Count(ctx context.Context) (int, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	n := 0
	err := kv.ScanPrefix(q.db, liveKeyPrefix, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// Close marks the queue closed. The underlying store is owned by the caller.
func (q *PebbleQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *PebbleQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *PebbleQueue) get(key []byte) (Record, error) {
	raw, err := kv.GetCopy(q.db, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return rec, nil
}
