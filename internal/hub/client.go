package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wellsync/wellsync/internal/metrics"
	"github.com/wellsync/wellsync/pkg/model"
)

// Error codes carried by error messages.
const (
	CodeInvalidMessage = "invalid_message"
	CodeUnknownType    = "unknown_type"
	CodeUnsupported    = "unsupported"
	CodeUnauthorized   = "unauthorized"
	CodeInvalidAuth    = "invalid_auth"
	CodeNotDelivered   = "not_delivered"
)

// AuthStatusAuthenticated is set on the auth echo.
const AuthStatusAuthenticated = "authenticated"

const publishTimeout = 5 * time.Second

// checkOrigin validates WebSocket connection origins.
// It allows:
// - Empty origin (non-browser clients, including the agent)
// - Same host as the request, ignoring port
// - Any origin listed in allowed
func checkOrigin(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	originHost := strings.Split(u.Host, ":")[0]
	requestHost := strings.Split(r.Host, ":")[0]
	if strings.EqualFold(originHost, requestHost) {
		return true
	}

	trimmed := strings.TrimRight(origin, "/")
	for _, a := range allowed {
		if a != "" && strings.EqualFold(strings.TrimRight(a, "/"), trimmed) {
			return true
		}
	}
	return false
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub    *Hub
	server *Server
	id     string
	logger *slog.Logger

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan model.Message

	mu        sync.Mutex
	principal string
	roles     []string
}

// Principal returns the bound principal, or "" before auth.
func (c *Client) Principal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

// Roles returns a copy of the roles granted on auth.
func (c *Client) Roles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.roles)
}

// readPump pumps messages from the websocket connection to the hub.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	cfg := c.server.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); return nil })
	c.logger.Info("WebSocket connection established")

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket connection closed", "error", err)
			} else {
				c.logger.Info("WebSocket connection closed")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		c.handleFrame(data)
	}
}

// writePump pumps messages from the hub to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	cfg := c.server.cfg
	ticker := time.NewTicker((cfg.PongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(data []byte) {
	msg, err := model.ParseMessage(data)
	switch {
	case errors.Is(err, model.ErrUnknownType):
		c.logger.Warn("Dropping message of unknown type", "type", msg.Type)
		c.sendError(CodeUnknownType, "unknown message type")
		return
	case err != nil:
		c.logger.Warn("Dropping malformed message", "error", err)
		c.sendError(CodeInvalidMessage, "malformed message")
		return
	}
	metrics.HubMessages.WithLabelValues(string(msg.Type), "in").Inc()

	if !msg.Type.ClientOriginated() {
		c.sendError(CodeUnsupported, string(msg.Type)+" cannot be sent by clients")
		return
	}
	if err := model.Validate(msg); err != nil {
		c.sendError(CodeInvalidMessage, err.Error())
		return
	}

	if msg.Type != model.TypeAuth && msg.Type != model.TypePing && c.Principal() == "" {
		c.sendError(CodeUnauthorized, "auth required")
		return
	}

	c.handleMessage(msg)
}

// handleMessage runs on the read goroutine, so a connection's messages are
// processed in receipt order.
func (c *Client) handleMessage(msg model.Message) {
	c.logger.Debug("Received message", "type", msg.Type)
	switch msg.Type {
	case model.TypeAuth:
		c.handleAuth(msg)
	case model.TypePing:
		var p model.PingPayload
		_ = msg.Decode(&p)
		c.hub.deliver(c, model.MustMessage(model.TypePong, p))
	case model.TypeNotification:
		c.handleNotification(msg)
	case model.TypeHealthUpdate:
		c.handleHealthUpdate(msg)
	case model.TypeChallengeProgress:
		c.handleChallengeProgress(msg)
	}
}

func (c *Client) handleAuth(msg model.Message) {
	var p model.AuthPayload
	_ = msg.Decode(&p)

	if current := c.Principal(); current != "" && current != p.UserID {
		c.sendError(CodeInvalidAuth, "connection already bound to another user")
		return
	}

	id, err := c.server.auth.authenticate(p.UserID, p.Token)
	if err != nil {
		c.logger.Warn("Auth rejected", "user_id", p.UserID, "error", err)
		c.sendError(CodeUnauthorized, err.Error())
		return
	}

	ok, first := c.hub.bind(c, id)
	if !ok {
		return
	}
	c.logger = c.logger.With("principal", id.principal)
	c.hub.deliver(c, model.MustMessage(model.TypeAuth, model.AuthPayload{UserID: id.principal, Status: AuthStatusAuthenticated}))
	c.logger.Info("Connection authenticated", "roles", id.roles)

	if first {
		c.hub.broadcastPresence(id.principal, model.StatusOnline, c)
	}
}

func (c *Client) handleNotification(msg model.Message) {
	var p model.NotificationPayload
	_ = msg.Decode(&p)
	p.From = c.Principal()

	if n := c.hub.SendTo(p.TargetUserID, model.MustMessage(model.TypeNotification, p)); n == 0 {
		c.sendError(CodeNotDelivered, "user "+p.TargetUserID+" is not connected")
	}
}

func (c *Client) handleHealthUpdate(msg model.Message) {
	var p model.HealthUpdatePayload
	_ = msg.Decode(&p)
	subject := c.Principal()

	out := model.MustMessage(model.TypeHealthData, model.HealthDataPayload{UserID: subject, Metrics: p.Metrics})
	c.hub.Broadcast(out, func(viewer *Client) bool {
		return c.server.policy.Allows(viewer.Principal(), viewer.Roles(), subject)
	})
	c.publish(model.TypeHealthUpdate, subject, out)
}

func (c *Client) handleChallengeProgress(msg model.Message) {
	var p model.ChallengeProgressPayload
	_ = msg.Decode(&p)
	principal := c.Principal()

	out := model.MustMessage(model.TypeChallengeUpdate, model.ChallengeUpdatePayload{
		ChallengeID: p.ChallengeID,
		UserID:      principal,
		Progress:    p.Progress,
	})
	c.hub.Broadcast(out, nil)
	c.publish(model.TypeChallengeProgress, principal, out)
}

func (c *Client) publish(t model.MessageType, principal string, msg model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	evt := Event{Type: t, UserID: principal, Payload: msg.Payload, Timestamp: msg.Timestamp}
	if err := c.server.sink.Publish(ctx, evt); err != nil {
		c.logger.Warn("Failed to publish event", "type", t, "error", err)
	}
}

func (c *Client) sendError(code, message string) {
	c.hub.deliver(c, model.MustMessage(model.TypeError, model.ErrorPayload{Code: code, Message: message}))
}
