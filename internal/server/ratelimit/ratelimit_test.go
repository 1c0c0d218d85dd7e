package ratelimit

import (
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg Config) *memoryLimiter {
	t.Helper()
	limiter := NewMemoryLimiter(cfg)
	require.NotNil(t, limiter)
	t.Cleanup(func() { limiter.(Stoppable).Stop() })
	return limiter.(*memoryLimiter)
}

func TestMemoryLimiter_Allow(t *testing.T) {
	limiter := newTestLimiter(t, Config{Enabled: true, Requests: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("k"), "request %d", i+1)
	}
	assert.False(t, limiter.Allow("k"))
	assert.False(t, limiter.Allow("k"))
}

func TestMemoryLimiter_Allow_DifferentKeys(t *testing.T) {
	limiter := newTestLimiter(t, Config{Enabled: true, Requests: 2, Window: time.Minute})

	assert.True(t, limiter.Allow("key1"))
	assert.True(t, limiter.Allow("key1"))
	assert.False(t, limiter.Allow("key1"))

	assert.True(t, limiter.Allow("key2"))
	assert.True(t, limiter.Allow("key2"))
	assert.False(t, limiter.Allow("key2"))
}

func TestMemoryLimiter_Allow_Disabled(t *testing.T) {
	limiter := newTestLimiter(t, Config{Enabled: false, Requests: 1, Window: time.Minute})

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("key"))
	}
}

func TestMemoryLimiter_Reset(t *testing.T) {
	limiter := newTestLimiter(t, Config{Enabled: true, Requests: 2, Window: time.Minute})

	assert.True(t, limiter.Allow("k"))
	assert.True(t, limiter.Allow("k"))
	assert.False(t, limiter.Allow("k"))

	limiter.Reset("k")

	assert.True(t, limiter.Allow("k"))
	assert.True(t, limiter.Allow("k"))
	assert.False(t, limiter.Allow("k"))
}

func TestMemoryLimiter_Refill(t *testing.T) {
	limiter := newTestLimiter(t, Config{Enabled: true, Requests: 5, Window: time.Second})

	for i := 0; i < 5; i++ {
		require.True(t, limiter.Allow("burst"))
	}
	assert.False(t, limiter.Allow("burst"))

	// One token every 200ms.
	time.Sleep(250 * time.Millisecond)
	assert.True(t, limiter.Allow("burst"))
	assert.False(t, limiter.Allow("burst"))
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	limiter := newTestLimiter(t, Config{Enabled: true, Requests: 50, Window: time.Hour})

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if limiter.Allow("shared") {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), allowed.Load())
}

func TestMemoryLimiter_CleanupStale(t *testing.T) {
	limiter := newTestLimiter(t, Config{Enabled: true, Requests: 5, Window: time.Minute})

	assert.True(t, limiter.Allow("active"))
	assert.True(t, limiter.Allow("stale"))

	limiter.mu.Lock()
	limiter.buckets["stale"].lastSeen = time.Now().Add(-3 * time.Minute)
	limiter.mu.Unlock()

	limiter.cleanupStale(time.Now())

	limiter.mu.Lock()
	_, activeExists := limiter.buckets["active"]
	_, staleExists := limiter.buckets["stale"]
	limiter.mu.Unlock()

	assert.True(t, activeExists)
	assert.False(t, staleExists)
}

func TestMemoryLimiter_StopTwice(t *testing.T) {
	limiter := NewMemoryLimiter(Config{Enabled: true, Requests: 1, Window: time.Second}).(Stoppable)
	limiter.Stop()
	assert.NotPanics(t, limiter.Stop)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		expected   string
	}{
		{name: "RemoteAddr only", remoteAddr: "192.168.1.1:12345", expected: "192.168.1.1"},
		{name: "RemoteAddr without port", remoteAddr: "192.168.1.1", expected: "192.168.1.1"},
		{
			name:       "X-Forwarded-For multiple",
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.195, 70.41.3.18"},
			expected:   "203.0.113.195",
		},
		{
			name:       "X-Real-IP",
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"X-Real-IP": "203.0.113.195"},
			expected:   "203.0.113.195",
		},
		{
			name:       "X-Forwarded-For takes precedence over X-Real-IP",
			remoteAddr: "10.0.0.1:12345",
			headers: map[string]string{
				"X-Forwarded-For": "203.0.113.195",
				"X-Real-IP":       "70.41.3.18",
			},
			expected: "203.0.113.195",
		},
		{
			name:       "garbage forwarding headers ignored",
			remoteAddr: "10.0.0.1:12345",
			headers: map[string]string{
				"X-Forwarded-For": "not-an-ip",
				"X-Real-IP":       "also bad",
			},
			expected: "10.0.0.1",
		},
		{
			name:       "IPv6 peer",
			remoteAddr: "[2001:db8::1]:443",
			expected:   "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, GetClientIP(req))
		})
	}
}
