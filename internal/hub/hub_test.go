package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wellsync/wellsync/pkg/model"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func startServer(t *testing.T, cfg Config, sink EventSink) (*Server, string) {
	t.Helper()
	cfg.ApplyDefaults()
	srv, err := NewServer(cfg, sink, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv.StartBackgroundTasks(ctx)
	require.Eventually(t, func() bool { return srv.Hub().Done() != nil }, time.Second, time.Millisecond)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	greeting := readMessage(t, conn)
	require.Equal(t, model.TypeConnection, greeting.Type)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) model.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg model.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// collectUntil reads messages up to and including the first of type want.
func collectUntil(t *testing.T, conn *websocket.Conn, want model.MessageType) []model.Message {
	t.Helper()
	var msgs []model.Message
	for {
		msg := readMessage(t, conn)
		msgs = append(msgs, msg)
		if msg.Type == want {
			return msgs
		}
	}
}

func expect(t *testing.T, conn *websocket.Conn, want model.MessageType) model.Message {
	t.Helper()
	msgs := collectUntil(t, conn, want)
	return msgs[len(msgs)-1]
}

func send(t *testing.T, conn *websocket.Conn, msg model.Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func authAs(t *testing.T, conn *websocket.Conn, user, token string) model.AuthPayload {
	t.Helper()
	send(t, conn, model.MustMessage(model.TypeAuth, model.AuthPayload{UserID: user, Token: token}))
	var ack model.AuthPayload
	require.NoError(t, expect(t, conn, model.TypeAuth).Decode(&ack))
	return ack
}

// flush makes sure every message the hub queued for conn before now has been
// read, by round-tripping a ping.
func flush(t *testing.T, conn *websocket.Conn) []model.Message {
	t.Helper()
	send(t, conn, model.MustMessage(model.TypePing, model.PingPayload{Timestamp: time.Now().UnixMilli()}))
	msgs := collectUntil(t, conn, model.TypePong)
	return msgs[:len(msgs)-1]
}

func types(msgs []model.Message) []model.MessageType {
	out := make([]model.MessageType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func TestHub_RegisterCompletesBeforeReturn(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	require.Eventually(t, func() bool { return h.Done() != nil }, time.Second, time.Millisecond)

	greeting := model.MustMessage(model.TypeConnection, model.ConnectionPayload{ConnectionID: "c"})
	for i := 0; i < 100; i++ {
		c := &Client{id: "c", send: make(chan model.Message, 1)}
		require.True(t, h.Register(c))
		require.True(t, h.deliver(c, greeting), "delivery %d dropped", i)
		assert.Equal(t, model.TypeConnection, (<-c.send).Type)
	}
	assert.Equal(t, 100, h.ClientCount())

	cancel()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, time.Millisecond)
	assert.False(t, h.Register(&Client{send: make(chan model.Message, 1)}))
}

func TestHub_GreetingAndAuthEcho(t *testing.T) {
	_, url := startServer(t, DefaultConfig(), nil)
	conn, _, err := websocket.DefaultDialer.Dial(url+"?client_id=device-1", nil)
	require.NoError(t, err)
	defer conn.Close()

	greeting := readMessage(t, conn)
	require.Equal(t, model.TypeConnection, greeting.Type)
	var cp model.ConnectionPayload
	require.NoError(t, greeting.Decode(&cp))
	assert.NotEmpty(t, cp.ConnectionID)

	ack := authAs(t, conn, "alice", "")
	assert.Equal(t, "alice", ack.UserID)
	assert.Equal(t, AuthStatusAuthenticated, ack.Status)
	assert.Empty(t, ack.Token)
}

func TestHub_PingAnsweredWithPong(t *testing.T) {
	_, url := startServer(t, DefaultConfig(), nil)
	conn := dial(t, url)

	send(t, conn, model.MustMessage(model.TypePing, model.PingPayload{Timestamp: 12345}))
	pong := expect(t, conn, model.TypePong)
	var p model.PingPayload
	require.NoError(t, pong.Decode(&p))
	assert.Equal(t, int64(12345), p.Timestamp)
}

func TestHub_ProtocolErrors(t *testing.T) {
	_, url := startServer(t, DefaultConfig(), nil)
	conn := dial(t, url)

	tests := []struct {
		name  string
		frame string
		code  string
	}{
		{"malformed", `{not json`, CodeInvalidMessage},
		{"unknown type", `{"type":"teleport"}`, CodeUnknownType},
		{"server-only type", `{"type":"pong","payload":{"timestamp":1}}`, CodeUnsupported},
		{"invalid payload", `{"type":"auth","payload":{}}`, CodeInvalidMessage},
		{"auth required", `{"type":"notification","payload":{"targetUserId":"bob","message":"hi"}}`, CodeUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			var p model.ErrorPayload
			require.NoError(t, expect(t, conn, model.TypeError).Decode(&p))
			assert.Equal(t, tt.code, p.Code)
		})
	}
}

func TestHub_NotificationRoutedToTarget(t *testing.T) {
	_, url := startServer(t, DefaultConfig(), nil)
	alice := dial(t, url)
	bob := dial(t, url)
	bob2 := dial(t, url)
	carol := dial(t, url)
	authAs(t, alice, "alice", "")
	authAs(t, bob, "bob", "")
	authAs(t, bob2, "bob", "")
	authAs(t, carol, "carol", "")

	send(t, alice, model.MustMessage(model.TypeNotification, model.NotificationPayload{
		TargetUserID: "bob",
		Message:      "Nice run!",
		Level:        "success",
		From:         "mallory",
	}))

	for _, conn := range []*websocket.Conn{bob, bob2} {
		var p model.NotificationPayload
		require.NoError(t, expect(t, conn, model.TypeNotification).Decode(&p))
		assert.Equal(t, "Nice run!", p.Message)
		assert.Equal(t, "alice", p.From, "sender is taken from the binding")
	}

	flush(t, alice)
	assert.NotContains(t, types(flush(t, carol)), model.TypeNotification)
}

func TestHub_NotificationToOfflineUser(t *testing.T) {
	_, url := startServer(t, DefaultConfig(), nil)
	alice := dial(t, url)
	authAs(t, alice, "alice", "")

	send(t, alice, model.MustMessage(model.TypeNotification, model.NotificationPayload{TargetUserID: "nobody", Message: "hello"}))
	var p model.ErrorPayload
	require.NoError(t, expect(t, alice, model.TypeError).Decode(&p))
	assert.Equal(t, CodeNotDelivered, p.Code)
}

func TestHub_HealthDataFollowsViewerPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminUsers = []string{"coach"}
	sink := &recordingSink{}
	_, url := startServer(t, cfg, sink)

	alice := dial(t, url)
	bob := dial(t, url)
	coach := dial(t, url)
	authAs(t, alice, "alice", "")
	authAs(t, bob, "bob", "")
	authAs(t, coach, "coach", "")

	send(t, alice, model.MustMessage(model.TypeHealthUpdate, model.HealthUpdatePayload{
		UserID:  "spoofed",
		Metrics: map[string]interface{}{"heartRate": 72},
	}))

	for _, conn := range []*websocket.Conn{alice, coach} {
		var p model.HealthDataPayload
		require.NoError(t, expect(t, conn, model.TypeHealthData).Decode(&p))
		assert.Equal(t, "alice", p.UserID)
		assert.EqualValues(t, 72, p.Metrics["heartRate"])
	}

	flush(t, alice)
	assert.NotContains(t, types(flush(t, bob)), model.TypeHealthData)

	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, model.TypeHealthUpdate, events[0].Type)
	assert.Equal(t, "alice", events[0].UserID)
}

func TestHub_ChallengeProgressBroadcast(t *testing.T) {
	sink := &recordingSink{}
	_, url := startServer(t, DefaultConfig(), sink)
	alice := dial(t, url)
	bob := dial(t, url)
	anon := dial(t, url)
	authAs(t, alice, "alice", "")
	authAs(t, bob, "bob", "")

	send(t, alice, model.MustMessage(model.TypeChallengeProgress, model.ChallengeProgressPayload{ChallengeID: "10k", Progress: 0.4}))

	for _, conn := range []*websocket.Conn{alice, bob} {
		var p model.ChallengeUpdatePayload
		require.NoError(t, expect(t, conn, model.TypeChallengeUpdate).Decode(&p))
		assert.Equal(t, model.ChallengeUpdatePayload{ChallengeID: "10k", UserID: "alice", Progress: 0.4}, p)
	}

	flush(t, alice)
	assert.NotContains(t, types(flush(t, anon)), model.TypeChallengeUpdate, "unauthenticated connections get no broadcasts")
	require.Len(t, sink.snapshot(), 1)
}

func TestHub_Presence(t *testing.T) {
	srv, url := startServer(t, DefaultConfig(), nil)
	alice := dial(t, url)
	authAs(t, alice, "alice", "")

	bob := dial(t, url)
	authAs(t, bob, "bob", "")

	var p model.UserStatusPayload
	require.NoError(t, expect(t, alice, model.TypeUserStatus).Decode(&p))
	assert.Equal(t, model.UserStatusPayload{Username: "bob", Status: model.StatusOnline}, p)
	assert.True(t, srv.Hub().Online("bob"))

	// A second connection of an online user is not announced.
	bob2 := dial(t, url)
	authAs(t, bob2, "bob", "")
	assert.NotContains(t, types(flush(t, alice)), model.TypeUserStatus)

	bob2.Close()
	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, srv.Hub().Online("bob"))

	bob.Close()
	require.NoError(t, expect(t, alice, model.TypeUserStatus).Decode(&p))
	assert.Equal(t, model.UserStatusPayload{Username: "bob", Status: model.StatusOffline}, p)
	assert.False(t, srv.Hub().Online("bob"))
}

func TestHub_RebindToOtherPrincipalRejected(t *testing.T) {
	_, url := startServer(t, DefaultConfig(), nil)
	conn := dial(t, url)
	authAs(t, conn, "alice", "")

	send(t, conn, model.MustMessage(model.TypeAuth, model.AuthPayload{UserID: "bob"}))
	var p model.ErrorPayload
	require.NoError(t, expect(t, conn, model.TypeError).Decode(&p))
	assert.Equal(t, CodeInvalidAuth, p.Code)
}

func TestHub_TokenAuth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JWTSecret = "s3cret"
	cfg.RequireToken = true
	_, url := startServer(t, cfg, nil)

	t.Run("missing token", func(t *testing.T) {
		conn := dial(t, url)
		send(t, conn, model.MustMessage(model.TypeAuth, model.AuthPayload{UserID: "alice"}))
		var p model.ErrorPayload
		require.NoError(t, expect(t, conn, model.TypeError).Decode(&p))
		assert.Equal(t, CodeUnauthorized, p.Code)
	})

	t.Run("subject mismatch", func(t *testing.T) {
		token, err := SignToken("s3cret", "bob")
		require.NoError(t, err)
		conn := dial(t, url)
		send(t, conn, model.MustMessage(model.TypeAuth, model.AuthPayload{UserID: "alice", Token: token}))
		assert.Equal(t, model.TypeError, expect(t, conn, model.TypeError).Type)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := SignToken("other", "alice")
		require.NoError(t, err)
		conn := dial(t, url)
		send(t, conn, model.MustMessage(model.TypeAuth, model.AuthPayload{UserID: "alice", Token: token}))
		assert.Equal(t, model.TypeError, expect(t, conn, model.TypeError).Type)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := SignToken("s3cret", "alice", "admin")
		require.NoError(t, err)
		conn := dial(t, url)
		ack := authAs(t, conn, "alice", token)
		assert.Equal(t, AuthStatusAuthenticated, ack.Status)
	})
}

func TestHub_QueryTokenRejected(t *testing.T) {
	_, url := startServer(t, DefaultConfig(), nil)
	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=abc", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyDefaults()
	srv, err := NewServer(cfg, nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	srv.StartBackgroundTasks(ctx)
	require.Eventually(t, func() bool { return srv.Hub().Done() != nil }, time.Second, time.Millisecond)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer ts.Close()
	conn := dial(t, "ws"+strings.TrimPrefix(ts.URL, "http"))

	cancel()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	assert.Error(t, err)
	assert.Zero(t, srv.Hub().ClientCount())
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin  string
		host    string
		allowed []string
		want    bool
	}{
		{"", "example.com", nil, true},
		{"http://example.com", "example.com", nil, true},
		{"http://localhost:3000", "localhost:8080", nil, true},
		{"http://evil.com", "example.com", nil, false},
		{"https://app.wellsync.io/", "api.wellsync.io", []string{"https://app.wellsync.io"}, true},
		{"://bad", "example.com", nil, false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Host = tt.host
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, checkOrigin(r, tt.allowed), tt.origin)
	}
}
