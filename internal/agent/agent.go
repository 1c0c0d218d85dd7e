// Package agent composes the client side: one store shared by the durable
// queue and the offline cache, the connection manager, the message router
// and the background sync coordinator.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/wellsync/wellsync/internal/channel"
	"github.com/wellsync/wellsync/internal/kv"
	"github.com/wellsync/wellsync/internal/offline"
	"github.com/wellsync/wellsync/internal/queue"
	"github.com/wellsync/wellsync/internal/router"
	"github.com/wellsync/wellsync/internal/syncer"
	"github.com/wellsync/wellsync/pkg/model"
)

var clientIDKey = []byte("agent/client_id")

// Agent owns every client component. Nothing is shared through package
// state; two agents in one process are independent.
type Agent struct {
	cfg      Config
	clientID string
	logger   *slog.Logger

	db      *kv.PebbleDB
	queue   queue.Queue
	channel *channel.Manager
	router  *router.Router
	syncer  *syncer.Coordinator
	cache   *offline.Manager

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	bg      sync.WaitGroup
}

// New opens the store and wires the components. Failing to open the store
// is returned to the caller; nothing else in New touches the network.
func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	storeCfg := cfg.Store
	storeCfg.Logger = logger
	db, err := kv.Open(storeCfg)
	if err != nil {
		return nil, err
	}

	a := &Agent{cfg: cfg, db: db, logger: logger.With("component", "agent")}
	if err := a.init(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) init() error {
	clientID, err := loadClientID(a.db, a.cfg.ClientID)
	if err != nil {
		return err
	}
	a.clientID = clientID

	q, err := queue.Open(a.cfg.Queue, a.db, a.logger)
	if err != nil {
		return err
	}
	a.queue = q

	a.cache, err = offline.NewManager(a.cfg.Offline, a.db, nil, a.logger)
	if err != nil {
		return err
	}

	chCfg := a.cfg.Channel
	chCfg.URL = withClientID(chCfg.URL, clientID)
	a.channel = channel.NewManager(chCfg, a.logger)
	if a.cfg.UserID != "" {
		if err := a.channel.SetPrincipal(a.cfg.UserID, a.cfg.Token); err != nil {
			return err
		}
	}

	a.router = router.New(a.channel, a.logger)
	a.router.OnNotification(func(_ model.Message, n model.NotificationPayload) {
		a.logger.Info("Notification", "from", n.From, "title", n.Title, "message", n.Message)
	})
	a.router.OnError(func(p model.ErrorPayload) {
		a.logger.Warn("Server reported error", "code", p.Code, "message", p.Message)
	})

	submitter := syncer.NewHTTPSubmitter(a.cfg.Sync.Endpoint, clientID, a.cfg.Sync.RequestTimeout)
	a.syncer = syncer.New(a.queue, submitter, a.cfg.Sync, a.logger)

	a.channel.OnMessage(a.router.Route)
	// Anonymous channels never leave StateOpen, so reaching Open counts as
	// being online too. Duplicate triggers are merged by the coordinator.
	a.channel.OnStateChange(func(from, to channel.State) {
		if to == channel.StateOpen || to == channel.StateAuthenticated {
			a.syncer.NotifyOnline()
		}
	})
	return nil
}

// loadClientID returns configured, or the stored id, or a new id that is
// persisted before use.
func loadClientID(db kv.DB, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	v, err := kv.GetCopy(db, clientIDKey)
	if err == nil {
		return string(v), nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return "", fmt.Errorf("failed to read client id: %w", err)
	}
	id := uuid.NewString()
	if err := db.Set(clientIDKey, []byte(id), pebble.Sync); err != nil {
		return "", fmt.Errorf("failed to store client id: %w", err)
	}
	return id, nil
}

func withClientID(rawURL, clientID string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("client_id", clientID)
	u.RawQuery = q.Encode()
	return u.String()
}

// ClientID returns the id used in idempotency keys.
func (a *Agent) ClientID() string { return a.clientID }

func (a *Agent) Queue() queue.Queue { return a.queue }
func (a *Agent) Channel() *channel.Manager { return a.channel }
func (a *Agent) Router() *router.Router { return a.router }
func (a *Agent) Syncer() *syncer.Coordinator { return a.syncer }
func (a *Agent) Cache() *offline.Manager { return a.cache }

// Start runs the sync coordinator, connects the channel and refreshes the
// offline cache generation in the background. A failed dial is not an
// error: the connection manager keeps retrying in the background.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("agent closed")
	}
	if a.started {
		return errors.New("agent already started")
	}
	if err := a.syncer.Start(ctx); err != nil {
		return err
	}
	a.started = true

	if err := a.channel.Connect(ctx); err != nil {
		a.logger.Warn("Initial connect failed, retrying in background", "error", err)
	}
	// Records left from a previous run are drained even before the channel
	// authenticates.
	a.syncer.Trigger("startup")

	bgCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.refreshCache(bgCtx)
	}()
	return nil
}

// refreshCache pre-fetches the manifest into the configured generation and
// then deletes every other generation. A failed install leaves the active
// generation to fill lazily from network responses.
func (a *Agent) refreshCache(ctx context.Context) {
	gen := a.cache.Generation()
	if n, err := a.cache.Install(ctx, a.cfg.Offline.Manifest); err != nil {
		a.logger.Warn("Offline cache install incomplete", "generation", gen, "error", err)
	} else {
		a.logger.Debug("Offline cache installed", "generation", gen, "assets", n)
	}
	if _, err := a.cache.Activate(ctx); err != nil {
		a.logger.Warn("Offline cache activation failed", "generation", gen, "error", err)
	}
}

// Submit stores data in the durable queue and asks for a drain. The record
// is removed only after the ingest endpoint confirmed it.
func (a *Agent) Submit(ctx context.Context, data json.RawMessage) (queue.Record, error) {
	rec, err := a.queue.Enqueue(ctx, data)
	if err != nil {
		return queue.Record{}, err
	}
	a.syncer.Trigger("submit")
	return rec, nil
}

// Send validates msg and writes it on the channel.
func (a *Agent) Send(ctx context.Context, msg model.Message) error {
	return a.router.Send(ctx, msg)
}

// ServeCache runs the caching proxy on Offline.ListenAddr until ctx ends.
func (a *Agent) ServeCache(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Offline.ListenAddr)
	if err != nil {
		return fmt.Errorf("cache proxy listen: %w", err)
	}
	return a.serveCache(ctx, ln)
}

func (a *Agent) serveCache(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.cache.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		a.logger.Info("Offline cache proxy listening", "addr", ln.Addr().String(), "generation", a.cache.Generation())
		errChan <- srv.Serve(ln)
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Close waits for the cache refresh, disconnects the channel, stops the
// coordinator and closes the store.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.bg.Wait()
	a.channel.Disconnect()
	a.syncer.Stop()
	return errors.Join(a.queue.Close(), a.db.Close())
}
