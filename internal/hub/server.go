package hub

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/schema"
	"github.com/gorilla/websocket"

	"github.com/wellsync/wellsync/pkg/model"
)

// ConnectParams are the optional query parameters of the upgrade request.
type ConnectParams struct {
	// ClientID identifies the device for logging.
	ClientID string `schema:"client_id"`
}

// Server exposes the hub over HTTP.
type Server struct {
	hub      *Hub
	cfg      Config
	auth     *authenticator
	policy   *ViewerPolicy
	sink     EventSink
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates the hub server. A nil sink disables event publishing.
func NewServer(cfg Config, sink EventSink, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := NewViewerPolicy(cfg.ViewerPolicy)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = nopSink{}
	}
	s := &Server{
		hub:    NewHub(logger),
		cfg:    cfg,
		auth:   newAuthenticator(cfg),
		policy: policy,
		sink:   sink,
		logger: logger.With("component", "hub"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return checkOrigin(r, cfg.AllowedOrigins) },
	}
	return s, nil
}

// Hub returns the underlying hub.
func (s *Server) Hub() *Hub { return s.hub }

// StartBackgroundTasks runs the hub until ctx is cancelled.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	go s.hub.Run(ctx)
}

// Close releases the event sink.
func (s *Server) Close() error {
	return s.sink.Close()
}

// HandleWS upgrades the request and starts the connection pumps.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("token") != "" || q.Get("access_token") != "" {
		http.Error(w, "Query token not allowed", http.StatusUnauthorized)
		return
	}

	var params ConnectParams
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(&params, q); err != nil {
		http.Error(w, "Invalid query parameters", http.StatusBadRequest)
		return
	}

	s.ServeWs(params, w, r)
}

// ServeWs handles websocket requests from the peer.
func (s *Server) ServeWs(params ConnectParams, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	client := &Client{
		hub:    s.hub,
		server: s,
		id:     id,
		conn:   conn,
		send:   make(chan model.Message, s.cfg.SendBuffer),
		logger: s.logger.With("conn_id", id, "client_id", params.ClientID),
	}

	if !s.hub.Register(client) {
		conn.Close()
		return
	}
	s.hub.deliver(client, model.MustMessage(model.TypeConnection, model.ConnectionPayload{
		ConnectionID: id,
		Message:      "connected",
	}))

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
