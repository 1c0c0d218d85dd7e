// Package ingest is the server side of the sync coordinator: it stores
// health-data submissions and honors idempotency keys so a retried record is
// persisted once.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wellsync/wellsync/pkg/model"
)

// Submission is one stored health-data write.
type Submission struct {
	ID         string          `json:"id"`
	Key        string          `json:"key,omitempty"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Store persists submissions.
type Store interface {
	// Save stores sub unless a submission with the same non-empty Key exists,
	// in which case the existing one is returned with created false.
	Save(ctx context.Context, sub Submission) (stored Submission, created bool, err error)

	// Get returns the submission with id or model.ErrNotFound.
	Get(ctx context.Context, id string) (Submission, error)

	Count(ctx context.Context) (int64, error)

	Close(ctx context.Context) error
}

// Open creates the store configured by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(), nil
	case "mongo":
		return NewMongoStore(ctx, cfg.Mongo)
	default:
		return nil, fmt.Errorf("unsupported ingest backend: %s", cfg.Backend)
	}
}

// MemoryStore keeps submissions in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]Submission
	byKey map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]Submission),
		byKey: make(map[string]string),
	}
}

func (s *MemoryStore) Save(ctx context.Context, sub Submission) (Submission, bool, error) {
	if err := ctx.Err(); err != nil {
		return Submission{}, false, model.WrapError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.Key != "" {
		if id, ok := s.byKey[sub.Key]; ok {
			return s.byID[id], false, nil
		}
		s.byKey[sub.Key] = sub.ID
	}
	s.byID[sub.ID] = sub
	return sub, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byID[id]
	if !ok {
		return Submission{}, model.ErrNotFound
	}
	return sub, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.byID)), nil
}

func (s *MemoryStore) Close(ctx context.Context) error { return nil }
