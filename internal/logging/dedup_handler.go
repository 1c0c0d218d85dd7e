package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DedupHandler passes the first occurrence of a record straight through and
// swallows identical records (same level, message, attributes) for the rest
// of the window. When the window closes a single copy is emitted with a
// repeated_count attribute. A client stuck in a reconnect loop therefore
// logs one line per window instead of one per attempt.
type DedupHandler struct {
	handler slog.Handler
	scope   string
	state   *dedupState
}

type dedupState struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[uint64]*dedupEntry
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  bool
	now     func() time.Time
}

type dedupEntry struct {
	handler    slog.Handler
	record     slog.Record
	first      time.Time
	suppressed int
}

// NewDedupHandler wraps handler with a dedup window.
func NewDedupHandler(handler slog.Handler, window time.Duration) *DedupHandler {
	st := &dedupState{
		window:  window,
		entries: make(map[uint64]*dedupEntry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	st.wg.Add(1)
	go st.sweepLoop()
	return &DedupHandler{handler: handler, state: st}
}

func (h *DedupHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *DedupHandler) Handle(ctx context.Context, r slog.Record) error {
	key := h.fingerprint(r)
	st := h.state

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return h.handler.Handle(ctx, r)
	}
	now := st.now()
	if e, ok := st.entries[key]; ok && now.Sub(e.first) < st.window {
		e.suppressed++
		st.mu.Unlock()
		return nil
	}
	st.entries[key] = &dedupEntry{handler: h.handler, record: r.Clone(), first: now}
	st.mu.Unlock()

	return h.handler.Handle(ctx, r)
}

func (h *DedupHandler) fingerprint(r slog.Record) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(h.scope)
	_, _ = d.WriteString(r.Level.String())
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(a.Key)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(a.Value.String())
		return true
	})
	return d.Sum64()
}

// WithAttrs shares the dedup state; the attributes become part of the scope
// so that identical messages from different components are not merged.
func (h *DedupHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.scope)
	for _, a := range attrs {
		b.WriteString(a.String())
		b.WriteString(";")
	}
	return &DedupHandler{handler: h.handler.WithAttrs(attrs), scope: b.String(), state: h.state}
}

func (h *DedupHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &DedupHandler{handler: h.handler.WithGroup(name), scope: h.scope + name + ".", state: h.state}
}

// Close stops the sweeper and emits the counts still pending.
func (h *DedupHandler) Close() error {
	st := h.state
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	close(st.stopCh)
	st.mu.Unlock()

	st.wg.Wait()
	st.flush(true)
	return nil
}

func (st *dedupState) sweepLoop() {
	defer st.wg.Done()
	ticker := time.NewTicker(st.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st.flush(false)
		case <-st.stopCh:
			return
		}
	}
}

// flush emits summaries for expired entries, or for all entries when force is set.
func (st *dedupState) flush(force bool) {
	st.mu.Lock()
	now := st.now()
	var due []*dedupEntry
	for key, e := range st.entries {
		if force || now.Sub(e.first) >= st.window {
			delete(st.entries, key)
			if e.suppressed > 0 {
				due = append(due, e)
			}
		}
	}
	st.mu.Unlock()

	// Emit outside the lock; the wrapped handler may log itself.
	for _, e := range due {
		r := e.record.Clone()
		r.Time = now
		r.AddAttrs(slog.Int("repeated_count", e.suppressed))
		_ = e.handler.Handle(context.Background(), r)
	}
}
