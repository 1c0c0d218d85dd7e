package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellsync/wellsync/internal/queue"
	"github.com/wellsync/wellsync/pkg/model"
)

// ingestServer records every POST and answers with status().
type ingestServer struct {
	*httptest.Server
	status func() int

	mu     sync.Mutex
	bodies []string
	keys   []string
}

func newIngestServer(t *testing.T, status func() int) *ingestServer {
	t.Helper()
	s := &ingestServer{status: status}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(body))
		s.keys = append(s.keys, r.Header.Get(IdempotencyHeader))
		s.mu.Unlock()
		w.WriteHeader(s.status())
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *ingestServer) posts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

func noLimit() Config {
	cfg := DefaultConfig()
	cfg.RatePerSecond = 0
	cfg.Schedule = ""
	return cfg
}

func enqueue(t *testing.T, q queue.Queue, data string) queue.Record {
	t.Helper()
	rec, err := q.Enqueue(context.Background(), json.RawMessage(data))
	require.NoError(t, err)
	return rec
}

func TestDrain_OfflineThenRestored(t *testing.T) {
	srv := newIngestServer(t, func() int { return http.StatusCreated })
	q := queue.NewMemoryQueue(queue.Config{})

	var online atomic.Bool
	remote := NewHTTPSubmitter(srv.URL, "device-1", time.Second)
	sub := SubmitterFunc(func(ctx context.Context, rec queue.Record) error {
		if !online.Load() {
			return errors.New("dial tcp: network is unreachable")
		}
		return remote.Submit(ctx, rec)
	})
	c := New(q, sub, noLimit(), nil)

	enqueue(t, q, `{"steps":500}`)
	n, err := q.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, srv.posts())

	online.Store(true)
	res, err = c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 1, Succeeded: 1}, res)

	n, err = q.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	posts := srv.posts()
	require.Len(t, posts, 1)
	assert.JSONEq(t, `{"steps":500}`, posts[0])
}

func TestDrain_FailingRecordsStayWithoutDuplication(t *testing.T) {
	srv := newIngestServer(t, func() int { return http.StatusServiceUnavailable })
	q := queue.NewMemoryQueue(queue.Config{})
	c := New(q, NewHTTPSubmitter(srv.URL, "device-1", time.Second), noLimit(), nil)

	a := enqueue(t, q, `{"steps":1}`)
	b := enqueue(t, q, `{"steps":2}`)

	for i := 0; i < 3; i++ {
		res, err := c.Drain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, res.Failed)
	}

	all, err := q.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)
	assert.Equal(t, b.ID, all[1].ID)
	assert.Equal(t, 3, all[0].Attempts)
	assert.Contains(t, all[0].LastError, "503")
	assert.Len(t, srv.posts(), 6)
}

func TestDrain_PartialFailureContinues(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Config{})
	first := enqueue(t, q, `{"n":1}`)
	bad := enqueue(t, q, `{"n":2}`)
	last := enqueue(t, q, `{"n":3}`)

	var order []uint64
	sub := SubmitterFunc(func(_ context.Context, rec queue.Record) error {
		order = append(order, rec.ID)
		if rec.ID == bad.ID {
			return &FatalError{Err: errors.New("400")}
		}
		return nil
	})

	res, err := New(q, sub, noLimit(), nil).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 3, Succeeded: 2, Failed: 1}, res)
	assert.Equal(t, []uint64{first.ID, bad.ID, last.ID}, order)

	all, err := q.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, bad.ID, all[0].ID)
}

func TestDrain_DeadLettersAfterThreshold(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Config{DeadLetterAfter: 2})
	rec := enqueue(t, q, `{"bad":true}`)
	sub := SubmitterFunc(func(context.Context, queue.Record) error {
		return &FatalError{Err: errors.New("422")}
	})
	c := New(q, sub, noLimit(), nil)

	res, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.DeadLettered)

	res, err = c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)

	res, err = c.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Attempted, "dead letters are not drained")

	dead, err := q.ListDeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, rec.ID, dead[0].ID)
}

func TestDrain_ConcurrentCallsCoalesce(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Config{})
	enqueue(t, q, `{"n":1}`)

	entered := make(chan struct{})
	release := make(chan struct{})
	sub := SubmitterFunc(func(context.Context, queue.Record) error {
		close(entered)
		<-release
		return nil
	})
	c := New(q, sub, noLimit(), nil)

	done := make(chan Result)
	go func() {
		res, _ := c.Drain(context.Background())
		done <- res
	}()
	<-entered

	res, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(release)
	assert.Equal(t, 1, (<-done).Succeeded)
}

func TestDrain_CanceledContextLeavesRecordUntouched(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Config{})
	enqueue(t, q, `{"n":1}`)

	ctx, cancel := context.WithCancel(context.Background())
	sub := SubmitterFunc(func(ctx context.Context, _ queue.Record) error {
		cancel()
		return ctx.Err()
	})

	_, err := New(q, sub, noLimit(), nil).Drain(ctx)
	assert.ErrorIs(t, err, model.ErrCanceled)

	all, err := q.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Zero(t, all[0].Attempts)
}

func TestStart_NotifyOnlineDrains(t *testing.T) {
	srv := newIngestServer(t, func() int { return http.StatusCreated })
	q := queue.NewMemoryQueue(queue.Config{})
	cfg := noLimit()
	cfg.Schedule = "@every 1h"
	c := New(q, NewHTTPSubmitter(srv.URL, "device-1", time.Second), cfg, nil)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	assert.Error(t, c.Start(context.Background()))

	enqueue(t, q, `{"steps":500}`)
	c.NotifyOnline()

	require.Eventually(t, func() bool {
		n, _ := q.Count(context.Background())
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, srv.posts(), 1)
}

func TestStart_InvalidSchedule(t *testing.T) {
	cfg := noLimit()
	cfg.Schedule = "every now and then"
	c := New(queue.NewMemoryQueue(queue.Config{}), SubmitterFunc(func(context.Context, queue.Record) error { return nil }), cfg, nil)
	assert.Error(t, c.Start(context.Background()))
}

func TestHTTPSubmitter_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		ok     bool
		fatal  bool
	}{
		{http.StatusCreated, true, false},
		{http.StatusOK, true, false},
		{http.StatusBadRequest, false, true},
		{http.StatusUnprocessableEntity, false, true},
		{http.StatusTooManyRequests, false, false},
		{http.StatusRequestTimeout, false, false},
		{http.StatusInternalServerError, false, false},
		{http.StatusBadGateway, false, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := newIngestServer(t, func() int { return tt.status })
			err := NewHTTPSubmitter(srv.URL, "device-1", time.Second).
				Submit(context.Background(), queue.Record{ID: 7, Data: json.RawMessage(`{}`)})
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.fatal, IsFatal(err))
		})
	}
}

func TestHTTPSubmitter_IdempotencyKey(t *testing.T) {
	srv := newIngestServer(t, func() int { return http.StatusCreated })
	s := NewHTTPSubmitter(srv.URL, "device-1", time.Second)

	require.NoError(t, s.Submit(context.Background(), queue.Record{ID: 42, Data: json.RawMessage(`{"steps":1}`)}))
	require.NoError(t, s.Submit(context.Background(), queue.Record{ID: 42, Data: json.RawMessage(`{"steps":1}`)}))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"device-1-42", "device-1-42"}, srv.keys)
}

func TestHTTPSubmitter_InvalidDocumentIsFatal(t *testing.T) {
	srv := newIngestServer(t, func() int { return http.StatusCreated })
	err := NewHTTPSubmitter(srv.URL, "device-1", time.Second).Submit(context.Background(), queue.Record{ID: 1, Data: json.RawMessage(`{"steps":`)})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Empty(t, srv.posts())
}

func TestHTTPSubmitter_TransportErrorIsRetryable(t *testing.T) {
	srv := newIngestServer(t, func() int { return http.StatusCreated })
	url := srv.URL
	srv.Close()

	err := NewHTTPSubmitter(url, "device-1", time.Second).Submit(context.Background(), queue.Record{ID: 1, Data: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.False(t, IsFatal(err))
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Endpoint = "ftp://x"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Schedule = "@fortnightly"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Burst = 0
	assert.Error(t, bad.Validate())
}
