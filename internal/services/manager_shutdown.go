package services

import (
	"context"
)

// Shutdown stops the HTTP server and releases the hub and ingest resources.
// The context given to Start should be canceled first.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.server != nil {
		if err := m.server.Stop(ctx); err != nil {
			m.logger.Warn("Error shutting down HTTP server", "error", err)
		}
	}

	m.logger.Info("Waiting for background tasks to finish...")
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Background tasks finished")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for background tasks")
	}

	if m.hubServer != nil {
		if err := m.hubServer.Close(); err != nil {
			m.logger.Warn("Error closing hub event sink", "error", err)
		}
	}
	if m.ingestStore != nil {
		if err := m.ingestStore.Close(ctx); err != nil {
			m.logger.Warn("Error closing ingest store", "error", err)
		}
	}
}
