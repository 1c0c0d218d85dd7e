package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// memoryLimiter keeps one token bucket per key. Buckets hold Requests tokens
// and refill at Requests per Window.
type memoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	config  Config
	limit   rate.Limit

	cleanupT *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter creates an in-memory per-key limiter.
func NewMemoryLimiter(cfg Config) Limiter {
	l := &memoryLimiter{
		buckets: make(map[string]*bucket),
		config:  cfg,
		stopCh:  make(chan struct{}),
	}
	if cfg.Requests > 0 && cfg.Window > 0 {
		l.limit = rate.Every(cfg.Window / time.Duration(cfg.Requests))
	}

	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	l.cleanupT = time.NewTicker(window * 2)
	go l.cleanup()

	return l
}

func (l *memoryLimiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.config.Requests)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *memoryLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *memoryLimiter) cleanup() {
	for {
		select {
		case <-l.cleanupT.C:
			l.cleanupStale(time.Now())
		case <-l.stopCh:
			l.cleanupT.Stop()
			return
		}
	}
}

// cleanupStale drops buckets idle for two windows; they would be full again.
func (l *memoryLimiter) cleanupStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	staleThreshold := l.config.Window * 2
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > staleThreshold {
			delete(l.buckets, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *memoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

var _ Stoppable = (*memoryLimiter)(nil)
