// Package services assembles the server process: the shared HTTP server,
// the channel hub and the ingest endpoint.
package services

import (
	"log/slog"
	"sync"

	"github.com/wellsync/wellsync/internal/config"
	"github.com/wellsync/wellsync/internal/hub"
	"github.com/wellsync/wellsync/internal/ingest"
	"github.com/wellsync/wellsync/internal/server"
)

type Options struct {
	RunHub    bool
	RunIngest bool
}

// DefaultOptions runs every service.
func DefaultOptions() Options {
	return Options{RunHub: true, RunIngest: true}
}

type Manager struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	server      server.Service
	hubServer   *hub.Server
	ingestStore ingest.Store

	wg      sync.WaitGroup
	errChan chan error
}

func NewManager(cfg *config.Config, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		opts:    opts,
		logger:  logger.With("component", "services"),
		errChan: make(chan error, 1),
	}
}

// Server returns the HTTP service, nil before Init.
func (m *Manager) Server() server.Service {
	return m.server
}

// Hub returns the hub server, nil when the hub is not run.
func (m *Manager) Hub() *hub.Server {
	return m.hubServer
}

// Errors reports a fatal server error after Start.
func (m *Manager) Errors() <-chan error {
	return m.errChan
}
