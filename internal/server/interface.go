package server

import (
	"context"
	"net/http"
)

// Service is the HTTP layer shared by the hub and the ingest endpoint.
type Service interface {
	// Start binds the listener and serves until a fatal error occurs or
	// the context is canceled.
	Start(ctx context.Context) error

	// Stop initiates a graceful shutdown. It waits for active requests to
	// drain or for the context to expire.
	Stop(ctx context.Context) error

	// RegisterHTTPHandler registers a handler for a specific pattern.
	// This must be called BEFORE Start().
	RegisterHTTPHandler(pattern string, handler http.Handler)

	// HTTPMux returns the underlying HTTP ServeMux for direct route registration.
	// This must be called BEFORE Start().
	HTTPMux() *http.ServeMux

	// AddReadinessCheck registers a probe consulted by /readyz. The server is
	// ready when every probe returns nil.
	AddReadinessCheck(name string, check func(ctx context.Context) error)

	// Addr returns the bound listen address, or "" before Start.
	Addr() string
}
