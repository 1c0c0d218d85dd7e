// Package hub is the server end of the WellSync channel: it binds
// connections to principals and routes notifications, health data, challenge
// progress and presence between them.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wellsync/wellsync/internal/metrics"
	"github.com/wellsync/wellsync/pkg/model"
)

// Hub maintains the set of active clients and the principal index used for
// targeted delivery.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Authenticated clients by principal.
	principals map[string]map[*Client]bool

	// Register requests from the clients. done is closed once the client is
	// in clients, so deliveries right after Register see it.
	register chan registration

	// Unregister requests from clients.
	unregister chan *Client

	mu sync.RWMutex

	logger *slog.Logger

	runCtx   context.Context
	runCtxMu sync.RWMutex
}

type registration struct {
	client *Client
	done   chan struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		principals: make(map[string]map[*Client]bool),
		register:   make(chan registration),
		unregister: make(chan *Client),
		logger:     logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	h.setRunCtx(ctx)

	for {
		select {
		case <-ctx.Done():
			h.shutdownClients()
			return
		case req := <-h.register:
			h.mu.Lock()
			h.clients[req.client] = true
			h.mu.Unlock()
			metrics.HubConnections.Inc()
			close(req.done)
		case client := <-h.unregister:
			principal, last := h.remove(client)
			if last {
				h.broadcastPresence(principal, model.StatusOffline, nil)
			}
		}
	}
}

// remove drops client and reports whether it was the principal's last
// connection.
func (h *Hub) remove(client *Client) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return "", false
	}
	delete(h.clients, client)
	close(client.send)
	metrics.HubConnections.Dec()

	principal := client.Principal()
	if principal == "" {
		return "", false
	}
	conns := h.principals[principal]
	delete(conns, client)
	if len(conns) > 0 {
		return principal, false
	}
	delete(h.principals, principal)
	return principal, true
}

// bind attaches id to client and indexes it. It reports whether client is
// still registered and whether this is the principal's first connection.
func (h *Hub) bind(client *Client, id identity) (ok, first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return false, false
	}

	client.mu.Lock()
	client.principal = id.principal
	client.roles = id.roles
	client.mu.Unlock()

	conns, exists := h.principals[id.principal]
	if !exists {
		conns = make(map[*Client]bool)
		h.principals[id.principal] = conns
	}
	conns[client] = true
	return true, len(conns) == 1
}

// Register adds client and returns once it is registered, or false when the
// hub stopped first.
func (h *Hub) Register(client *Client) bool {
	req := registration{client: client, done: make(chan struct{})}
	select {
	case h.register <- req:
	case <-h.Done():
		return false
	}
	<-req.done
	return true
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.Done():
	}
}

// SendTo delivers msg to every connection of principal and returns how many
// accepted it.
func (h *Hub) SendTo(principal string, msg model.Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.principals[principal] {
		if h.enqueueLocked(c, msg) {
			n++
		}
	}
	return n
}

// Broadcast delivers msg to every authenticated connection accepted by
// filter. A nil filter accepts all.
func (h *Hub) Broadcast(msg model.Message, filter func(*Client) bool) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.principals {
		for c := range conns {
			if filter != nil && !filter(c) {
				continue
			}
			if h.enqueueLocked(c, msg) {
				n++
			}
		}
	}
	return n
}

// Online reports whether principal has at least one bound connection.
func (h *Hub) Online(principal string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.principals[principal]) > 0
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// deliver sends msg to one client if it is still registered.
func (h *Hub) deliver(c *Client, msg model.Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.enqueueLocked(c, msg)
}

// enqueueLocked must be called with h.mu held; the send channel is only
// closed under the write lock.
func (h *Hub) enqueueLocked(c *Client, msg model.Message) bool {
	if !h.clients[c] {
		return false
	}
	select {
	case c.send <- msg:
	default:
		select {
		case c.send <- msg:
		case <-time.After(50 * time.Millisecond):
			h.logger.Warn("Dropping message for slow client", "conn_id", c.id, "type", msg.Type)
			return false
		}
	}
	metrics.HubMessages.WithLabelValues(string(msg.Type), "out").Inc()
	return true
}

func (h *Hub) broadcastPresence(principal, status string, except *Client) {
	msg := model.MustMessage(model.TypeUserStatus, model.UserStatusPayload{Username: principal, Status: status})
	h.Broadcast(msg, func(c *Client) bool { return c != except })
	h.logger.Info("Presence changed", "principal", principal, "status", status)
}

func (h *Hub) setRunCtx(ctx context.Context) {
	h.runCtxMu.Lock()
	h.runCtx = ctx
	h.runCtxMu.Unlock()
}

func (h *Hub) Done() <-chan struct{} {
	h.runCtxMu.RLock()
	defer h.runCtxMu.RUnlock()
	if h.runCtx == nil {
		return nil
	}
	return h.runCtx.Done()
}

func (h *Hub) shutdownClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		metrics.HubConnections.Dec()
	}
	h.principals = make(map[string]map[*Client]bool)
}
