// Package offline is a network-first cache for the dashboard's assets and
// GET responses, serving the last good copy when the network is down.
package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/wellsync/wellsync/internal/kv"
	"github.com/wellsync/wellsync/internal/metrics"
)

// CacheHeader is set on every response produced from the cache.
const CacheHeader = "X-Wellsync-Cache"

var cacheKeyPrefix = []byte("cache/")

// Entry is a cached response.
type Entry struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Manager serves requests network-first and falls back to the active cache
// generation. It implements http.RoundTripper and, through Handler, a
// caching reverse proxy in front of Origin.
type Manager struct {
	cfg       Config
	db        kv.DB
	transport http.RoundTripper
	origin    *url.URL
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a cache manager on db. A nil transport uses a clone of
// http.DefaultTransport bounded by cfg.RequestTimeout.
func NewManager(cfg Config, db kv.DB, transport http.RoundTripper, logger *slog.Logger) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = cfg.RequestTimeout
		transport = t
	}
	return &Manager{
		cfg:       cfg,
		db:        db,
		transport: transport,
		origin:    origin,
		logger:    logger.With("component", "offline"),
		now:       time.Now,
	}, nil
}

// Generation returns the active cache generation.
func (m *Manager) Generation() string { return m.cfg.CacheName }

// RoundTrip implements http.RoundTripper. It never returns an error: a
// network failure is answered from the cache or with a synthetic response.
func (m *Manager) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.Fetch(req), nil
}

// Fetch tries the network first. A cacheable 200 response is stored in the
// active generation and an identical copy is returned. When the network
// fails the cached entry, the offline page or a synthetic 408 is returned.
func (m *Manager) Fetch(req *http.Request) *http.Response {
	resp, err := m.transport.RoundTrip(req)
	if err != nil {
		return m.fallback(req, err)
	}
	if !m.cacheable(req, resp) {
		metrics.CacheLookups.WithLabelValues("network").Inc()
		return resp
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return m.fallback(req, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	entry := Entry{
		Method:   req.Method,
		URL:      canonicalURL(req.URL),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: m.now().UTC(),
	}
	if err := m.put(m.cfg.CacheName, &entry, pebble.NoSync); err != nil {
		// The caller still gets the network response.
		m.logger.Warn("Failed to cache response", "url", entry.URL, "error", err)
	} else {
		metrics.CacheLookups.WithLabelValues("stored").Inc()
	}
	return resp
}

func (m *Manager) fallback(req *http.Request, cause error) *http.Response {
	m.logger.Debug("Network request failed, trying cache", "method", req.Method, "url", req.URL.String(), "error", cause)

	if entry, err := m.Match(req); err == nil {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return entry.response(req, "hit")
	} else if !errors.Is(err, kv.ErrNotFound) {
		m.logger.Warn("Cache lookup failed", "url", req.URL.String(), "error", err)
	}

	if isNavigation(req) {
		page := m.origin.ResolveReference(&url.URL{Path: m.cfg.OfflinePage})
		if entry, err := m.get(m.cfg.CacheName, http.MethodGet, page.String()); err == nil {
			metrics.CacheLookups.WithLabelValues("offline_page").Inc()
			return entry.response(req, "offline")
		}
	}

	metrics.CacheLookups.WithLabelValues("miss").Inc()
	return timeoutResponse(req)
}

// Match looks req up in the active generation.
func (m *Manager) Match(req *http.Request) (*Entry, error) {
	return m.get(m.cfg.CacheName, req.Method, canonicalURL(req.URL))
}

// Install pre-fetches paths into the active generation. Either every asset
// is stored or none is.
func (m *Manager) Install(ctx context.Context, paths []string) (int, error) {
	batch := m.db.NewBatch()
	defer batch.Close()

	var errs []error
	for _, p := range paths {
		target := m.origin.ResolveReference(&url.URL{Path: p})
		entry, err := m.fetchAsset(ctx, target.String())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		value, err := json.Marshal(entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		if err := batch.Set(m.entryKey(m.cfg.CacheName, entry.Method, entry.URL), value, nil); err != nil {
			return 0, err
		}
	}
	if len(errs) > 0 {
		return 0, fmt.Errorf("install %s failed: %w", m.cfg.CacheName, errors.Join(errs...))
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit install: %w", err)
	}
	m.logger.Info("Cache generation installed", "generation", m.cfg.CacheName, "assets", len(paths))
	return len(paths), nil
}

func (m *Manager) fetchAsset(ctx context.Context, target string) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Method:   http.MethodGet,
		URL:      canonicalURL(req.URL),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: m.now().UTC(),
	}, nil
}

// Activate deletes every generation other than the active one, in full.
// It returns the deleted generation names.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	gens, err := m.Generations()
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, gen := range gens {
		if gen == m.cfg.CacheName {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		prefix := generationPrefix(gen)
		if err := m.db.DeleteRange(prefix, kv.PrefixEnd(prefix), pebble.Sync); err != nil {
			return deleted, fmt.Errorf("failed to delete generation %s: %w", gen, err)
		}
		deleted = append(deleted, gen)
	}
	if len(deleted) > 0 {
		m.logger.Info("Old cache generations deleted", "active", m.cfg.CacheName, "deleted", deleted)
	}
	return deleted, nil
}

// Generations lists the generations that hold at least one entry.
func (m *Manager) Generations() ([]string, error) {
	iter, err := m.db.NewIter(kv.PrefixBounds(cacheKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var gens []string
	for valid := iter.First(); valid; {
		rest := iter.Key()[len(cacheKeyPrefix):]
		i := bytes.IndexByte(rest, '/')
		if i < 0 {
			valid = iter.Next()
			continue
		}
		gen := string(rest[:i])
		gens = append(gens, gen)
		valid = iter.SeekGE(kv.PrefixEnd(generationPrefix(gen)))
	}
	return gens, iter.Error()
}

// Handler returns a reverse proxy that forwards to Origin through Fetch.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(m.serveProxy)
}

func (m *Manager) serveProxy(w http.ResponseWriter, r *http.Request) {
	target := m.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	out.Header = r.Header.Clone()
	out.Header.Del("Connection")
	out.ContentLength = r.ContentLength

	resp := m.Fetch(out)
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		m.logger.Debug("Failed to copy response body", "url", target.String(), "error", err)
	}
}

func (m *Manager) cacheable(req *http.Request, resp *http.Response) bool {
	if req.Method != http.MethodGet || resp.StatusCode != http.StatusOK {
		return false
	}
	if !m.sameOrigin(req.URL) {
		return false
	}
	for _, prefix := range m.cfg.ExcludedPrefixes {
		if strings.HasPrefix(req.URL.Path, prefix) {
			return false
		}
	}
	return true
}

func (m *Manager) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, m.origin.Scheme) && strings.EqualFold(u.Host, m.origin.Host)
}

func (m *Manager) put(gen string, entry *Entry, opts *pebble.WriteOptions) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return m.db.Set(m.entryKey(gen, entry.Method, entry.URL), value, opts)
}

func (m *Manager) get(gen, method, rawURL string) (*Entry, error) {
	raw, err := kv.GetCopy(m.db, m.entryKey(gen, method, rawURL))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry for %s: %w", rawURL, err)
	}
	if entry.Method != method || entry.URL != rawURL {
		// hash collision
		return nil, kv.ErrNotFound
	}
	return &entry, nil
}

func (m *Manager) entryKey(gen, method, rawURL string) []byte {
	sum := xxhash.Sum64String(method + " " + rawURL)
	return []byte(fmt.Sprintf("%s%016x", generationPrefix(gen), sum))
}

func generationPrefix(gen string) []byte {
	return []byte(string(cacheKeyPrefix) + gen + "/")
}

func canonicalURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

func isNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func (e *Entry) response(req *http.Request, source string) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(CacheHeader, source)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func timeoutResponse(req *http.Request) *http.Response {
	body := []byte("Network error")
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set(CacheHeader, "miss")
	return &http.Response{
		Status:        "408 Request Timeout",
		StatusCode:    http.StatusRequestTimeout,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
