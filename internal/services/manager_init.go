package services

import (
	"context"
	"fmt"
	"net/http"

	"github.com/wellsync/wellsync/internal/hub"
	"github.com/wellsync/wellsync/internal/ingest"
	"github.com/wellsync/wellsync/internal/server"
)

var eventSinkFactory = func(cfg hub.Config) (hub.EventSink, error) {
	return hub.ConnectEventSink(cfg)
}

var ingestStoreFactory = func(ctx context.Context, cfg ingest.Config) (ingest.Store, error) {
	return ingest.Open(ctx, cfg)
}

func (m *Manager) Init(ctx context.Context) error {
	m.server = server.New(m.cfg.Server, m.logger)

	if m.opts.RunIngest {
		if err := m.initIngest(ctx); err != nil {
			return err
		}
	}
	if m.opts.RunHub {
		if err := m.initHub(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) initIngest(ctx context.Context) error {
	store, err := ingestStoreFactory(ctx, m.cfg.Ingest)
	if err != nil {
		return fmt.Errorf("failed to open ingest store: %w", err)
	}
	m.ingestStore = store

	var handler http.Handler = ingest.NewHandler(store, m.cfg.Ingest, m.logger)
	if m.cfg.Server.HTTPWriteTimeout > 0 {
		handler = server.TimeoutMiddleware(m.cfg.Server.HTTPWriteTimeout)(handler)
	}
	m.server.RegisterHTTPHandler(m.cfg.Ingest.Path, handler)
	m.server.AddReadinessCheck("ingest", func(ctx context.Context) error {
		_, err := store.Count(ctx)
		return err
	})
	m.logger.Info("Ingest endpoint registered", "path", m.cfg.Ingest.Path, "backend", m.cfg.Ingest.Backend)
	return nil
}

func (m *Manager) initHub() error {
	var sink hub.EventSink
	if m.cfg.Hub.NatsURL != "" {
		s, err := eventSinkFactory(m.cfg.Hub)
		if err != nil {
			return err
		}
		sink = s
	}

	hubServer, err := hub.NewServer(m.cfg.Hub, sink, m.logger)
	if err != nil {
		if sink != nil {
			sink.Close()
		}
		return fmt.Errorf("failed to create hub: %w", err)
	}
	m.hubServer = hubServer
	m.server.RegisterHTTPHandler(m.cfg.Hub.Path, http.HandlerFunc(hubServer.HandleWS))
	m.logger.Info("Hub registered", "path", m.cfg.Hub.Path, "events", sink != nil)
	return nil
}
