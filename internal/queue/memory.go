package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/btree"
)

// MemoryQueue keeps records in ordered in-memory trees. It has the same
// semantics as PebbleQueue except durability.
type MemoryQueue struct {
	mu        sync.Mutex
	live      *btree.BTreeG[Record]
	dead      *btree.BTreeG[Record]
	seq       uint64
	threshold int
	closed    bool
	now       func() time.Time
}

func recordLess(a, b Record) bool { return a.ID < b.ID }

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(cfg Config) *MemoryQueue {
	return &MemoryQueue{
		live:      btree.NewG(16, recordLess),
		dead:      btree.NewG(16, recordLess),
		threshold: cfg.DeadLetterAfter,
		now:       time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, data json.RawMessage) (Record, error) {
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

	q.seq++
	rec := Record{
		ID:        q.seq,
		Data:      append(json.RawMessage(nil), data...),
		CreatedAt: q.now().UTC(),
	}
	q.live.ReplaceOrInsert(rec)
	return cloneRecord(rec), nil
}

func (q *MemoryQueue) ListAll(ctx context.Context) ([]Record, error) {
	return q.list(ctx, q.live)
}

func (q *MemoryQueue) ListDeadLetters(ctx context.Context) ([]Record, error) {
	return q.list(ctx, q.dead)
}

func (q *MemoryQueue) list(ctx context.Context, tree *btree.BTreeG[Record]) ([]Record, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	records := make([]Record, 0, tree.Len())
	tree.Ascend(func(rec Record) bool {
		records = append(records, cloneRecord(rec))
		return true
	})
	return records, nil
}

func (q *MemoryQueue) RemoveByID(ctx context.Context, id uint64) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.live.Delete(Record{ID: id})
	return nil
}

func (q *MemoryQueue) MarkFailed(ctx context.Context, id uint64, cause error) (Record, error) {
	if err := checkContext(ctx); err != nil {
		return Record{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Record{}, ErrClosed
	}

	rec, ok := q.live.Get(Record{ID: id})
	if !ok {
		return Record{}, ErrNotFound
	}
	if applyFailure(&rec, cause, q.now().UTC(), q.threshold) {
		q.live.Delete(rec)
		q.dead.ReplaceOrInsert(rec)
	} else {
		q.live.ReplaceOrInsert(rec)
	}
	return cloneRecord(rec), nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, id uint64) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	rec, ok := q.dead.Delete(Record{ID: id})
	if !ok {
		return ErrNotFound
	}
	rec.Attempts = 0
	rec.DeadLettered = false
	rec.LastAttemptAt = nil
	q.live.ReplaceOrInsert(rec)
	return nil
}

func (q *MemoryQueue) Count(ctx context.Context) (int, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.live.Len(), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func cloneRecord(rec Record) Record {
	rec.Data = append(json.RawMessage(nil), rec.Data...)
	if rec.LastAttemptAt != nil {
		t := *rec.LastAttemptAt
		rec.LastAttemptAt = &t
	}
	return rec
}
