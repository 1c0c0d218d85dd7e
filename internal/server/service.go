package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wellsync/wellsync/internal/server/ratelimit"
)

const readinessTimeout = 2 * time.Second

type serverImpl struct {
	cfg    Config
	logger *slog.Logger

	httpMux    *http.ServeMux
	httpServer *http.Server
	addr       string

	rateLimiter ratelimit.Limiter

	mu      sync.Mutex
	started bool
	checks  []readinessCheck
}

type readinessCheck struct {
	name  string
	check func(ctx context.Context) error
}

// New creates a Service with /healthz (liveness), /readyz (readiness) and
// /metrics registered.
func New(cfg Config, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	s := &serverImpl{
		cfg:     cfg,
		logger:  logger,
		httpMux: http.NewServeMux(),
	}

	if cfg.RateLimit.Enabled {
		s.rateLimiter = ratelimit.NewMemoryLimiter(cfg.RateLimit)
	}

	s.httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.httpMux.HandleFunc("/readyz", s.handleReady)
	s.httpMux.Handle("/metrics", promhttp.Handler())

	return s
}

func (s *serverImpl) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.started = true

	s.initHTTPServer()
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("http listen: %w", err)
	}
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go s.runHTTPServer(ln, errChan)

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (s *serverImpl) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.httpServer != nil {
		s.logger.Info("Stopping HTTP server")
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("http shutdown error: %w", shutdownErr)
		}
	}

	if stoppable, ok := s.rateLimiter.(ratelimit.Stoppable); ok {
		stoppable.Stop()
	}
	return err
}

func (s *serverImpl) AddReadinessCheck(name string, check func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, readinessCheck{name: name, check: check})
}

// handleReady answers 200 {"status":"ready"} or 503 with the failing probes.
func (s *serverImpl) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	checks := append([]readinessCheck(nil), s.checks...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	failed := map[string]string{}
	for _, c := range checks {
		if err := c.check(ctx); err != nil {
			failed[c.name] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if len(failed) > 0 {
		s.logger.Warn("Readiness check failed", "failed", failed)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "unavailable", "failed": failed})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (s *serverImpl) RegisterHTTPHandler(pattern string, handler http.Handler) {
	s.httpMux.Handle(pattern, handler)
}

func (s *serverImpl) HTTPMux() *http.ServeMux {
	return s.httpMux
}

func (s *serverImpl) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
