// Package channel owns the client's single real-time connection to the hub:
// handshake, keepalive, reconnection with backoff, send and receive.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/wellsync/wellsync/internal/metrics"
	"github.com/wellsync/wellsync/pkg/model"
)

var (
	// ErrNotConnected is returned by Send when the channel is not open.
	ErrNotConnected = errors.New("channel not connected")
	// ErrClosed is returned when a connection attempt was superseded or
	// the manager was disconnected while dialing.
	ErrClosed = errors.New("channel closed")
	// ErrPongTimeout is recorded when the hub stopped answering pings.
	ErrPongTimeout = errors.New("no pong received")
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Status is the user-facing view of the connection.
type Status struct {
	State        State
	Connected    bool
	Error        string
	Reconnecting bool
	Exhausted    bool
	Retries      int
	Principal    string
}

// session is one live websocket connection. Goroutines bound to a session
// stop touching manager state once the session is no longer current.
type session struct {
	conn      *websocket.Conn
	gen       uint64
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Manager is the connection state machine. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
	jitter func() float64

	// writeMu serializes frames; gorilla allows a single concurrent writer.
	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	sess          *session
	gen           uint64
	lastErr       error
	retries       int
	exhausted     bool
	manual        bool
	timer         *time.Timer
	timerSeq      uint64
	principal     string
	token         string
	authenticated string
	lastPong      time.Time
	handlers      []func([]byte)
	stateHandlers []func(from, to State)
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With("component", "channel"),
		jitter: rand.Float64,
	}
}

// OnMessage registers a handler for inbound frames. Handlers run on the
// reader goroutine in receipt order and must not block.
func (m *Manager) OnMessage(fn func(data []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// OnStateChange registers a handler called on every transition. It runs
// with the manager locked and must not call back into the manager.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateHandlers = append(m.stateHandlers, fn)
}

// SetPrincipal sets the identity sent in the auth message. When the
// channel is already open the auth message is sent immediately.
func (m *Manager) SetPrincipal(userID, token string) error {
	m.mu.Lock()
	m.principal = userID
	m.token = token
	sess := m.sess
	open := m.state == StateOpen || m.state == StateAuthenticated
	m.mu.Unlock()

	if !open || userID == "" {
		return nil
	}
	return m.write(sess, m.authMessage(userID, token))
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:        m.state,
		Connected:    m.state == StateOpen || m.state == StateAuthenticated,
		Reconnecting: m.timer != nil,
		Exhausted:    m.exhausted,
		Retries:      m.retries,
		Principal:    m.authenticated,
	}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	return st
}

// Connect dials the hub. It is a no-op when a connection is open or being
// established. A failed dial schedules a reconnect and returns the error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.manual = false
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	m.logger.Debug("Connecting", "url", m.cfg.URL)
	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen {
			return ErrClosed
		}
		m.lastErr = err
		m.setStateLocked(StateDisconnected)
		m.logger.Warn("Connect failed", "url", m.cfg.URL, "error", err)
		m.scheduleReconnectLocked()
		return fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}
	conn.SetReadLimit(m.cfg.MaxMessageSize)
	sess := &session{conn: conn, gen: gen, done: make(chan struct{})}

	// Hold the write lock across the transition so the auth message is the
	// first frame on the channel.
	m.writeMu.Lock()
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.writeMu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.sess = sess
	m.lastErr = nil
	m.retries = 0
	m.exhausted = false
	m.lastPong = time.Now()
	m.setStateLocked(StateOpen)
	principal, token := m.principal, m.token
	m.mu.Unlock()

	var authErr error
	if principal != "" {
		authErr = m.writeLocked(sess, m.authMessage(principal, token))
	}
	m.writeMu.Unlock()

	go m.readLoop(sess)
	go m.keepalive(sess)

	if authErr != nil {
		sess.close()
		return fmt.Errorf("send auth: %w", authErr)
	}
	m.logger.Info("Connected", "url", m.cfg.URL)
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.gen++
	m.stopTimerLocked()
	sess := m.sess
	m.sess = nil
	m.authenticated = ""
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if sess != nil {
		m.writeMu.Lock()
		_ = sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		sess.close()
	}
	m.logger.Info("Disconnected")
}

// Send writes msg to the hub. When the channel is not open it logs a
// warning, triggers a reconnect and returns ErrNotConnected; the message
// is not kept for later delivery.
func (m *Manager) Send(msg model.Message) error {
	m.mu.Lock()
	sess := m.sess
	open := m.state == StateOpen || m.state == StateAuthenticated
	m.mu.Unlock()

	if !open || sess == nil {
		m.logger.Warn("Send while not connected, message discarded", "type", string(msg.Type))
		m.triggerReconnect()
		return ErrNotConnected
	}
	if err := m.write(sess, msg); err != nil {
		sess.close()
		return err
	}
	return nil
}

func (m *Manager) write(sess *session, msg model.Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.writeLocked(sess, msg)
}

func (m *Manager) writeLocked(sess *session, msg model.Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if err := sess.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait)); err != nil {
		return err
	}
	if err := sess.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	metrics.ChannelMessages.WithLabelValues("out").Inc()
	return nil
}

func (m *Manager) authMessage(userID, token string) model.Message {
	return model.MustMessage(model.TypeAuth, model.AuthPayload{UserID: userID, Token: token})
}

func (m *Manager) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			m.handleDrop(sess, err)
			return
		}
		metrics.ChannelMessages.WithLabelValues("in").Inc()

		switch model.MessageType(gjson.GetBytes(data, "type").String()) {
		case model.TypePong:
			m.mu.Lock()
			if sess.gen == m.gen {
				m.lastPong = time.Now()
			}
			m.mu.Unlock()
		case model.TypeAuth:
			m.handleAuthAck(sess, data)
		}

		m.mu.Lock()
		handlers := slices.Clone(m.handlers)
		m.mu.Unlock()
		for _, fn := range handlers {
			fn(data)
		}
	}
}

func (m *Manager) handleAuthAck(sess *session, data []byte) {
	userID := gjson.GetBytes(data, "payload.userId").String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.gen != m.gen || m.state != StateOpen {
		return
	}
	if userID == "" {
		userID = m.principal
	}
	m.authenticated = userID
	m.setStateLocked(StateAuthenticated)
	m.logger.Info("Authenticated", "principal", userID)
}

// handleDrop runs when the reader fails: transport error, hub close or a
// force close by the keepalive.
func (m *Manager) handleDrop(sess *session, err error) {
	sess.close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.gen != m.gen {
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.logger.Warn("Connection lost", "error", err)
	} else {
		m.logger.Info("Connection closed", "error", err)
	}
	if !errors.Is(m.lastErr, ErrPongTimeout) {
		m.lastErr = err
	}
	m.sess = nil
	m.authenticated = ""
	m.gen++
	m.setStateLocked(StateDisconnected)
	m.scheduleReconnectLocked()
}

func (m *Manager) keepalive(sess *session) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		current := sess.gen == m.gen
		silent := time.Since(m.lastPong)
		m.mu.Unlock()
		if !current {
			return
		}

		if f := m.cfg.PongTimeoutFactor; f > 0 && silent > time.Duration(f)*m.cfg.PingInterval {
			m.logger.Warn("Hub stopped answering pings, closing connection", "silent_for", silent)
			m.mu.Lock()
			if sess.gen == m.gen {
				m.lastErr = ErrPongTimeout
			}
			m.mu.Unlock()
			sess.close()
			return
		}

		ping := model.MustMessage(model.TypePing, model.PingPayload{Timestamp: time.Now().UnixMilli()})
		if err := m.write(sess, ping); err != nil {
			m.logger.Debug("Ping failed", "error", err)
			sess.close()
			return
		}
	}
}

// triggerReconnect starts a connection attempt unless one is already
// running or scheduled.
func (m *Manager) triggerReconnect() {
	m.mu.Lock()
	idle := m.state == StateDisconnected && m.timer == nil
	m.mu.Unlock()
	if !idle {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
		defer cancel()
		_ = m.Connect(ctx)
	}()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.manual {
		return
	}
	if limit := m.cfg.Backoff.MaxRetries; limit > 0 && m.retries >= limit {
		m.exhausted = true
		m.logger.Error("Giving up reconnecting", "attempts", m.retries, "last_error", m.lastErr)
		return
	}
	delay := m.nextDelayLocked()
	m.retries++
	m.stopTimerLocked()
	m.timerSeq++
	seq := m.timerSeq
	m.timer = time.AfterFunc(delay, func() { m.fireReconnect(seq) })
	metrics.ChannelReconnects.Inc()
	m.logger.Info("Reconnect scheduled", "attempt", m.retries, "delay", delay)
}

func (m *Manager) fireReconnect(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || m.timer == nil || m.manual {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	defer cancel()
	_ = m.Connect(ctx)
}

func (m *Manager) nextDelayLocked() time.Duration {
	b := m.cfg.Backoff
	if b.Fixed {
		return b.Base
	}
	jitter := m.jitter() * float64(b.Base) * 0.5
	delay := float64(b.Base)*math.Pow(2, float64(m.retries)) + jitter
	return time.Duration(math.Min(delay, float64(b.Max)))
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	metrics.ChannelState.WithLabelValues(from.String()).Set(0)
	metrics.ChannelState.WithLabelValues(to.String()).Set(1)
	for _, fn := range m.stateHandlers {
		fn(from, to)
	}
}
