// Package limits provides the hub's rate limiting: a per-connection
// message limiter with violation escalation, and a per-IP + global
// connection admission limiter. Both use token buckets from
// golang.org/x/time/rate.
package limits

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// MessageLimiterConfig tunes the per-connection message limiter.
type MessageLimiterConfig struct {
	// Burst is the bucket capacity (instant allowance).
	Burst int
	// PerMinute is the sustained allowance, messages per rolling minute.
	PerMinute int
	// ViolationLimit escalates to a forced disconnect once this many
	// rate-limit violations accumulate within ViolationWindow. A single
	// violation never disconnects.
	ViolationLimit  int
	ViolationWindow time.Duration
}

func (c MessageLimiterConfig) withDefaults() MessageLimiterConfig {
	if c.Burst == 0 {
		c.Burst = 30
	}
	if c.PerMinute == 0 {
		c.PerMinute = 120
	}
	if c.ViolationLimit == 0 {
		c.ViolationLimit = 50
	}
	if c.ViolationWindow == 0 {
		c.ViolationWindow = 5 * time.Minute
	}
	return c
}

type connLimiter struct {
	bucket *rate.Limiter

	mu          sync.Mutex
	violations  int
	windowStart time.Time
}

// MessageLimiter owns one token bucket per connection. State for a
// connection is destroyed with the connection, so counters never outlive
// a disconnect or leak across reconnects.
type MessageLimiter struct {
	config MessageLimiterConfig
	conns  sync.Map // map[int64]*connLimiter

	limited int64 // total rate-limited messages, for metrics
}

func NewMessageLimiter(config MessageLimiterConfig) *MessageLimiter {
	return &MessageLimiter{config: config.withDefaults()}
}

func (l *MessageLimiter) limiterFor(connID int64) *connLimiter {
	if existing, ok := l.conns.Load(connID); ok {
		return existing.(*connLimiter)
	}
	created := &connLimiter{
		bucket:      rate.NewLimiter(rate.Limit(float64(l.config.PerMinute)/60.0), l.config.Burst),
		windowStart: time.Now(),
	}
	actual, _ := l.conns.LoadOrStore(connID, created)
	return actual.(*connLimiter)
}

// Allow reports whether the connection may process one more message.
func (l *MessageLimiter) Allow(connID int64) bool {
	if l.limiterFor(connID).bucket.Allow() {
		return true
	}
	atomic.AddInt64(&l.limited, 1)
	return false
}

// Violation records a rate-limit violation and reports whether the
// connection has abused the limit enough to be disconnected.
func (l *MessageLimiter) Violation(connID int64) bool {
	cl := l.limiterFor(connID)
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	if now.Sub(cl.windowStart) > l.config.ViolationWindow {
		cl.windowStart = now
		cl.violations = 0
	}
	cl.violations++
	return cl.violations >= l.config.ViolationLimit
}

// Remove destroys the connection's limiter state. Called exactly once
// from the connection teardown path.
func (l *MessageLimiter) Remove(connID int64) {
	l.conns.Delete(connID)
}

// LimitedTotal returns the running count of rate-limited messages.
func (l *MessageLimiter) LimitedTotal() int64 {
	return atomic.LoadInt64(&l.limited)
}
