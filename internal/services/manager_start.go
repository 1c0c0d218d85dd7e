package services

import (
	"context"
)

// Start runs the hub and the HTTP server in the background. A fatal server
// error is delivered on Errors.
func (m *Manager) Start(bgCtx context.Context) {
	if m.hubServer != nil {
		m.hubServer.StartBackgroundTasks(bgCtx)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.Start(bgCtx); err != nil {
			m.logger.Error("HTTP server stopped", "error", err)
			select {
			case m.errChan <- err:
			default:
			}
		}
	}()
}
