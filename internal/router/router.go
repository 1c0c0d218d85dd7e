// Package router classifies channel messages by type and dispatches them to
// the application's handlers.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/wellsync/wellsync/internal/metrics"
	"github.com/wellsync/wellsync/pkg/model"
)

var (
	ErrUnknownType    = model.ErrUnknownType
	ErrInvalidMessage = model.ErrInvalidMessage
)

// Category is where an inbound message is dispatched.
type Category int

const (
	// CategoryDropped is malformed input or an unrecognized type.
	CategoryDropped Category = iota
	// CategoryNotification goes to the user-visible alert surface.
	CategoryNotification
	// CategoryState goes to the application state updaters.
	CategoryState
	// CategoryInternal is channel housekeeping and needs no handling.
	CategoryInternal
	// CategoryError is a server-reported channel error.
	CategoryError
)

func (c Category) String() string {
	switch c {
	case CategoryNotification:
		return "notification"
	case CategoryState:
		return "state"
	case CategoryInternal:
		return "internal"
	case CategoryError:
		return "error"
	default:
		return "dropped"
	}
}

// Classify maps a known message type to its category.
func Classify(t model.MessageType) Category {
	switch t {
	case model.TypeNotification:
		return CategoryNotification
	case model.TypeHealthUpdate, model.TypeHealthData, model.TypeChallengeProgress,
		model.TypeChallengeUpdate, model.TypeUserStatus:
		return CategoryState
	case model.TypePing, model.TypePong, model.TypeConnection, model.TypeAuth:
		return CategoryInternal
	case model.TypeError:
		return CategoryError
	default:
		return CategoryDropped
	}
}

// Handler receives a dispatched message.
type Handler func(msg model.Message)

// Sender delivers outbound messages; the connection manager implements it.
type Sender interface {
	Send(msg model.Message) error
}

// Router dispatches inbound messages synchronously in the order Route is
// called. Handlers must not block.
type Router struct {
	logger *slog.Logger
	sender Sender

	mu            sync.RWMutex
	byType        map[model.MessageType][]Handler
	notifications []func(model.Message, model.NotificationPayload)
	stateUpdates  []Handler
	errors        []func(model.ErrorPayload)
}

// New creates a router. sender may be nil for inbound-only use.
func New(sender Sender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger: logger.With("component", "router"),
		sender: sender,
		byType: make(map[model.MessageType][]Handler),
	}
}

// Handle registers fn for a single message type.
func (r *Router) Handle(t model.MessageType, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[t] = append(r.byType[t], fn)
}

// OnNotification registers a handler for the notification surface.
func (r *Router) OnNotification(fn func(model.Message, model.NotificationPayload)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, fn)
}

// OnStateUpdate registers a handler for every state-updating message.
func (r *Router) OnStateUpdate(fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateUpdates = append(r.stateUpdates, fn)
}

// OnError registers a handler for server-reported errors.
func (r *Router) OnError(fn func(model.ErrorPayload)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, fn)
}

// Route classifies a raw frame and dispatches it. Malformed frames and
// unknown types are logged and dropped without invoking any handler.
func (r *Router) Route(raw []byte) {
	r.Dispatch(raw)
}

// Dispatch is Route returning the category the frame was dispatched to.
func (r *Router) Dispatch(raw []byte) Category {
	if !gjson.ValidBytes(raw) {
		r.drop("Dropping malformed message", "size", len(raw))
		return CategoryDropped
	}
	t := model.MessageType(gjson.GetBytes(raw, "type").String())
	if !t.Known() {
		r.drop("Dropping message with unknown type", "type", string(t))
		return CategoryDropped
	}
	msg, err := model.ParseMessage(raw)
	if err != nil {
		r.drop("Dropping undecodable message", "type", string(t), "error", err)
		return CategoryDropped
	}

	category := Classify(t)
	metrics.RouterMessages.WithLabelValues(category.String()).Inc()

	r.mu.RLock()
	typed := slices.Clone(r.byType[t])
	notifications := slices.Clone(r.notifications)
	stateUpdates := slices.Clone(r.stateUpdates)
	errs := slices.Clone(r.errors)
	r.mu.RUnlock()

	for _, fn := range typed {
		r.invoke(t, func() { fn(msg) })
	}

	switch category {
	case CategoryNotification:
		var p model.NotificationPayload
		if err := msg.Decode(&p); err != nil {
			r.logger.Warn("Invalid notification payload", "error", err)
			return category
		}
		for _, fn := range notifications {
			r.invoke(t, func() { fn(msg, p) })
		}
	case CategoryState:
		for _, fn := range stateUpdates {
			r.invoke(t, func() { fn(msg) })
		}
	case CategoryError:
		var p model.ErrorPayload
		_ = msg.Decode(&p)
		r.logger.Error("Server reported channel error", "code", p.Code, "message", p.Message)
		for _, fn := range errs {
			r.invoke(t, func() { fn(p) })
		}
	case CategoryInternal:
		r.logger.Debug("Channel message", "type", string(t))
	}
	return category
}

// Send validates an outbound message and hands it to the sender. Only
// client-originated types with valid payloads leave the router.
func (r *Router) Send(ctx context.Context, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return model.WrapError(err)
	}
	if !msg.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	if !msg.Type.ClientOriginated() {
		return fmt.Errorf("%w: %s cannot be sent by a client", ErrInvalidMessage, msg.Type)
	}
	if err := model.Validate(msg); err != nil {
		return err
	}
	if r.sender == nil {
		return fmt.Errorf("router has no sender")
	}
	return r.sender.Send(msg)
}

func (r *Router) drop(msg string, args ...any) {
	metrics.RouterMessages.WithLabelValues(CategoryDropped.String()).Inc()
	r.logger.Warn(msg, args...)
}

func (r *Router) invoke(t model.MessageType, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Handler panicked",
				"type", string(t),
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
