package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnLimiterConfig tunes connection admission rate limiting.
type ConnLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func (c ConnLimiterConfig) withDefaults() ConnLimiterConfig {
	if c.IPBurst == 0 {
		c.IPBurst = 10
	}
	if c.IPRate == 0 {
		c.IPRate = 1.0
	}
	if c.IPTTL == 0 {
		c.IPTTL = 5 * time.Minute
	}
	if c.GlobalBurst == 0 {
		c.GlobalBurst = 300
	}
	if c.GlobalRate == 0 {
		c.GlobalRate = 50.0
	}
	return c
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnLimiter gates connection admission at two levels: per source IP,
// so one host cannot flood the accept path, and globally, so a
// distributed flood cannot either. Stale per-IP entries are reaped on a
// ticker.
type ConnLimiter struct {
	config ConnLimiterConfig
	global *rate.Limiter
	logger zerolog.Logger

	mu  sync.Mutex
	ips map[string]*ipEntry

	cleanupTicker *time.Ticker
	stop          chan struct{}
	stopOnce      sync.Once
}

func NewConnLimiter(config ConnLimiterConfig, logger zerolog.Logger) *ConnLimiter {
	config = config.withDefaults()
	l := &ConnLimiter{
		config: config,
		global: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger: logger.With().Str("component", "conn_limiter").Logger(),
		ips:    make(map[string]*ipEntry),
		stop:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a new connection from ip may be accepted.
func (l *ConnLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Warn().Str("ip", ip).Msg("global connection rate exceeded")
		return false
	}

	l.mu.Lock()
	entry, ok := l.ips[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.config.IPRate), l.config.IPBurst)}
		l.ips[ip] = entry
	}
	entry.lastAccess = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

func (l *ConnLimiter) cleanupLoop() {
	for {
		select {
		case <-l.stop:
			return
		case <-l.cleanupTicker.C:
			cutoff := time.Now().Add(-l.config.IPTTL)
			l.mu.Lock()
			for ip, entry := range l.ips {
				if entry.lastAccess.Before(cutoff) {
					delete(l.ips, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop terminates the cleanup loop.
func (l *ConnLimiter) Stop() {
	l.stopOnce.Do(func() {
		l.cleanupTicker.Stop()
		close(l.stop)
	})
}
