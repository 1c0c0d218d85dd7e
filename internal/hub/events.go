package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/wellsync/wellsync/pkg/model"
)

// jetStreamNew is a variable to allow mocking jetstream.New in tests.
var jetStreamNew = func(nc *nats.Conn) (jetstream.JetStream, error) {
	return jetstream.New(nc)
}

// Event is a hub activity record handed to the sink.
type Event struct {
	Type      model.MessageType `json:"type"`
	UserID    string            `json:"userId"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// EventSink receives health and challenge activity for downstream consumers.
type EventSink interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) error { return nil }
func (nopSink) Close() error                         { return nil }

// natsSink publishes events to a JetStream stream.
type natsSink struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	prefix string
	stream string
}

// ConnectEventSink dials NATS and ensures the event stream exists.
func ConnectEventSink(cfg Config) (EventSink, error) {
	nc, err := nats.Connect(cfg.NatsURL, nats.Name("wellsync-hub"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	sink, err := newNATSSink(nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	sink.nc = nc
	return sink, nil
}

// NewNATSSink creates a sink on an existing connection. The caller owns nc.
func NewNATSSink(nc *nats.Conn, cfg Config) (EventSink, error) {
	sink, err := newNATSSink(nc, cfg)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func newNATSSink(nc *nats.Conn, cfg Config) (*natsSink, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	js, err := jetStreamNew(nc)
	if err != nil {
		return nil, err
	}
	if err := ensureStream(js, cfg); err != nil {
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return &natsSink{js: js, prefix: cfg.EventSubjectPrefix, stream: cfg.StreamName}, nil
}

func ensureStream(js jetstream.JetStream, cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.EventSubjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	return err
}

func NewNATSSinkFromJS(js jetstream.JetStream, cfg Config) EventSink {
	return &natsSink{js: js, prefix: cfg.EventSubjectPrefix, stream: cfg.StreamName}
}

// Subject format: <prefix>.<type>.<base64url(userId)>
func (s *natsSink) subject(evt Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, evt.Type, base64.RawURLEncoding.EncodeToString([]byte(evt.UserID)))
}

func (s *natsSink) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = s.js.Publish(ctx, s.subject(evt), data, jetstream.WithExpectStream(s.stream), jetstream.WithRetryAttempts(3))
	return err
}

func (s *natsSink) Close() error {
	if s.nc != nil {
		return s.nc.Drain()
	}
	return nil
}
