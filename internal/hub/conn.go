// Package hub is the realtime core: the connection registry, the topic
// index, the dispatcher that fans messages out to subscribers, and the
// router that handles inbound envelopes. One goroutine pair per
// connection; the registry, topic index, and limiter are the only shared
// mutable state.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BranchManager69/degenduel-sub000/internal/auth"
)

// Conn is one accepted transport session. A Conn starts unauthenticated
// at the public tier and may be promoted once by a validated credential
// at handshake or mid-session via an AUTHENTICATE command.
type Conn struct {
	ID       int64
	RemoteIP string
	OpenedAt time.Time

	ws   *websocket.Conn // nil in tests that drive the send channel directly
	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	cleanupOnce sync.Once

	mu       sync.RWMutex
	identity *auth.Identity
	topics   map[string]struct{}
	bridged  map[string]int // upstream account → holds acquired by this conn

	lastActivity int64 // unix nanos, atomic
	messagesIn   int64
	messagesOut  int64
	strikes      int32 // consecutive failed enqueue attempts
}

func newConn(id int64, ws *websocket.Conn, remoteIP string, sendBuffer int) *Conn {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Conn{
		ID:       id,
		RemoteIP: remoteIP,
		OpenedAt: time.Now(),
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		topics:   make(map[string]struct{}),
		bridged:  make(map[string]int),
	}
}

// Identity returns the authenticated identity, or nil while public.
func (c *Conn) Identity() *auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Tier is the connection's current authorization tier.
func (c *Conn) Tier() auth.Tier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return auth.TierPublic
	}
	return c.identity.Tier
}

func (c *Conn) setIdentity(identity *auth.Identity) {
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
}

// Topics returns a copy of the connection's subscribed topic set.
func (c *Conn) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

func (c *Conn) hasTopic(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *Conn) addTopic(topic string) {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) removeTopic(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (c *Conn) addBridged(account string) {
	c.mu.Lock()
	c.bridged[account]++
	c.mu.Unlock()
}

// takeBridged empties the conn's bridged account record and returns one
// entry per acquired hold, so the caller can release the upstream feeds
// exactly as many times as they were opened.
func (c *Conn) takeBridged() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.bridged))
	for a, holds := range c.bridged {
		for i := 0; i < holds; i++ {
			out = append(out, a)
		}
	}
	c.bridged = make(map[string]int)
	return out
}

// enqueue places an encoded envelope on the outbound queue without
// blocking. Returns false when the connection is closed or its buffer is
// full; the caller decides whether that counts as a strike.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

// LastActivity is the time of the most recent inbound traffic.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

// MessagesIn is the count of inbound envelopes read from this conn.
func (c *Conn) MessagesIn() int64 { return atomic.LoadInt64(&c.messagesIn) }

// MessagesOut is the count of outbound envelopes written to this conn.
func (c *Conn) MessagesOut() int64 { return atomic.LoadInt64(&c.messagesOut) }

// close releases the transport. Safe to call from any goroutine, any
// number of times; only the first call has an effect. The send channel
// is never closed, so a concurrent enqueue can never panic — writers
// observe done instead.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
