// Package ratelimit limits HTTP requests per client.
package ratelimit

import (
	"time"
)

// Limiter decides per key (a client IP) whether a request may proceed.
type Limiter interface {
	Allow(key string) bool
	Reset(key string)
}

// Stoppable is a Limiter owning a background goroutine.
type Stoppable interface {
	Limiter
	Stop()
}

// Config grants each client Requests per Window, refilled continuously.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}
