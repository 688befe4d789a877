package hub

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/BranchManager69/degenduel-sub000/internal/auth"
)

var (
	// ErrUnknownTopic means the topic is not in the configured catalog.
	// Clients cannot create topics.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrUnauthorized means the connection's tier is below the topic's
	// minimum. Re-checked on every subscribe, never cached from connect
	// time.
	ErrUnauthorized = errors.New("insufficient tier for topic")
	// ErrConnClosed means the connection was torn down while the
	// subscribe was in flight. A closed conn must never re-enter the
	// index.
	ErrConnClosed = errors.New("connection closed")
)

// Topic names. The catalog is a fixed enumeration the hub is configured
// with at startup.
const (
	TopicSystem        = "system"
	TopicMarketData    = "market-data"
	TopicContest       = "contest"
	TopicContestChat   = "contest-chat"
	TopicPortfolio     = "portfolio"
	TopicWalletBalance = "wallet-balance"
	TopicAdmin         = "admin"
)

// Catalog maps each known topic to its minimum required tier.
type Catalog struct {
	minTier map[string]auth.Tier
}

// NewCatalog returns the platform's topic catalog.
func NewCatalog() *Catalog {
	return &Catalog{minTier: map[string]auth.Tier{
		TopicSystem:        auth.TierPublic,
		TopicMarketData:    auth.TierPublic,
		TopicContest:       auth.TierPublic,
		TopicContestChat:   auth.TierUser,
		TopicPortfolio:     auth.TierUser,
		TopicWalletBalance: auth.TierUser,
		TopicAdmin:         auth.TierAdmin,
	}}
}

// MinTier returns the minimum tier for a topic and whether it exists.
func (c *Catalog) MinTier(topic string) (auth.Tier, bool) {
	tier, ok := c.minTier[topic]
	return tier, ok
}

// Topics lists the catalog in stable order.
func (c *Catalog) Topics() []string {
	out := make([]string, 0, len(c.minTier))
	for t := range c.minTier {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TopicIndex is the inverse mapping topic → subscriber snapshot. Writers
// take the index lock and swap in a new copy-on-write slice; the
// dispatcher reads snapshots lock-free, so a fan-out in progress is
// never affected by a concurrent subscribe or unsubscribe.
//
// The index is also the single writer of each Conn's topic set, which
// keeps the bidirectional invariant (conn lists topic ⇔ topic lists
// conn) atomic under its lock.
type TopicIndex struct {
	catalog *Catalog

	mu   sync.Mutex
	subs map[string]*atomic.Value // topic → []*Conn snapshot
}

func NewTopicIndex(catalog *Catalog) *TopicIndex {
	return &TopicIndex{
		catalog: catalog,
		subs:    make(map[string]*atomic.Value),
	}
}

// Subscribe adds the relation (conn, topic), re-validating the
// connection's tier against the topic's minimum at call time.
func (idx *TopicIndex) Subscribe(c *Conn, topic string) error {
	minTier, ok := idx.catalog.MinTier(topic)
	if !ok {
		return ErrUnknownTopic
	}
	if !c.Tier().AtLeast(minTier) {
		return ErrUnauthorized
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	// Teardown closes the conn before sweeping the index, so a closed
	// conn seen here can never be resurrected as a phantom subscriber.
	if c.isClosed() {
		return ErrConnClosed
	}

	slot := idx.subs[topic]
	if slot == nil {
		slot = &atomic.Value{}
		idx.subs[topic] = slot
	}

	current := loadSnapshot(slot)
	for _, existing := range current {
		if existing == c {
			return nil // already subscribed
		}
	}

	next := make([]*Conn, len(current)+1)
	copy(next, current)
	next[len(current)] = c
	slot.Store(next)

	c.addTopic(topic)
	return nil
}

// Unsubscribe removes the relation (conn, topic). Unsubscribing an
// unsubscribed topic is a no-op, not an error.
func (idx *TopicIndex) Unsubscribe(c *Conn, topic string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(c, topic)
}

// RemoveConn removes the connection from every topic. Called exactly
// once from the registry on teardown.
func (idx *TopicIndex) RemoveConn(c *Conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for topic := range idx.subs {
		idx.removeLocked(c, topic)
	}
}

func (idx *TopicIndex) removeLocked(c *Conn, topic string) {
	slot, ok := idx.subs[topic]
	if !ok {
		return
	}
	current := loadSnapshot(slot)
	for i, existing := range current {
		if existing != c {
			continue
		}
		next := make([]*Conn, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		if len(next) == 0 {
			delete(idx.subs, topic)
		} else {
			slot.Store(next)
		}
		c.removeTopic(topic)
		return
	}
}

// Subscribers returns the current immutable subscriber snapshot for a
// topic. Safe to iterate, must not be modified.
func (idx *TopicIndex) Subscribers(topic string) []*Conn {
	idx.mu.Lock()
	slot, ok := idx.subs[topic]
	idx.mu.Unlock()
	if !ok {
		return nil
	}
	return loadSnapshot(slot)
}

// Count returns the number of subscribers for a topic.
func (idx *TopicIndex) Count(topic string) int {
	return len(idx.Subscribers(topic))
}

func loadSnapshot(slot *atomic.Value) []*Conn {
	if v := slot.Load(); v != nil {
		return v.([]*Conn)
	}
	return nil
}
