// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-u2fzero.
//
// go-u2fzero is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package ratelimit provides keyed token-bucket limiters driven by an
// injectable clock. The authenticator uses it to space out physical
// actions such as recalibrating the touch button.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per key.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	enabled  bool
	now      func() time.Time

	allowed map[string]int
	denied  map[string]int
}

// Config configures a Limiter.
type Config struct {
	// Enabled controls whether limiting is active.
	Enabled bool

	// Interval is the minimum spacing between events of one key once the
	// burst is spent.
	Interval time.Duration

	// Burst is the number of events allowed back to back. Defaults to 1.
	Burst int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// New returns a Limiter. A nil config returns a disabled limiter.
func New(config *Config) *Limiter {
	if config == nil {
		config = &Config{Enabled: false}
	}

	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	limit := rate.Inf
	if config.Interval > 0 {
		limit = rate.Every(config.Interval)
	}

	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     limit,
		burst:    burst,
		enabled:  config.Enabled,
		now:      now,
		allowed:  make(map[string]int),
		denied:   make(map[string]int),
	}
}

// getLimiter returns the bucket of key. Caller holds l.mu.
func (l *Limiter) getLimiter(key string) *rate.Limiter {
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}

// Allow reports whether an event for key may happen now and consumes a
// token when it may.
func (l *Limiter) Allow(key string) bool {
	if !l.enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ok := l.getLimiter(key).AllowN(l.now(), 1)
	if ok {
		l.allowed[key]++
	} else {
		l.denied[key]++
	}
	return ok
}

// Record consumes a token for key regardless of availability. The next
// Allow then waits a full interval.
func (l *Limiter) Record(key string) {
	if !l.enabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.getLimiter(key).ReserveN(l.now(), 1)
	l.allowed[key]++
}

// Reset forgets the history of key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Stats returns limiter statistics.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	allowed := make(map[string]int, len(l.allowed))
	for k, v := range l.allowed {
		allowed[k] = v
	}
	denied := make(map[string]int, len(l.denied))
	for k, v := range l.denied {
		denied[k] = v
	}
	return map[string]interface{}{
		"enabled": l.enabled,
		"keys":    len(l.limiters),
		"burst":   l.burst,
		"allowed": allowed,
		"denied":  denied,
	}
}

// IsEnabled returns whether limiting is active.
func (l *Limiter) IsEnabled() bool {
	return l.enabled
}
