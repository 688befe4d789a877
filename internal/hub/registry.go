package hub

import (
	"sync"

	"github.com/BranchManager69/degenduel-sub000/internal/auth"
)

// Registry owns the canonical set of live connections and the identity
// index over them. All mutating operations are safe under concurrent
// invocation from many connection goroutines. No domain I/O happens
// while the registry lock is held.
type Registry struct {
	topics *TopicIndex

	mu       sync.RWMutex
	conns    map[int64]*Conn
	byWallet map[string]map[int64]*Conn
}

func NewRegistry(topics *TopicIndex) *Registry {
	return &Registry{
		topics:   topics,
		conns:    make(map[int64]*Conn),
		byWallet: make(map[string]map[int64]*Conn),
	}
}

// Register adds a freshly accepted connection. If the connection already
// carries an identity (handshake credential), it is indexed by wallet
// too.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID] = c
	if id := c.Identity(); id != nil {
		r.indexWalletLocked(c, id.Wallet)
	}
}

// Promote attaches a validated identity to a connection, upgrading its
// tier for all later authorization checks. Returns false when the conn
// was already unregistered, so teardown never races a stale wallet index
// entry into existence.
func (r *Registry) Promote(c *Conn, identity *auth.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, present := r.conns[c.ID]; !present {
		return false
	}
	if prev := c.Identity(); prev != nil {
		r.unindexWalletLocked(c, prev.Wallet)
	}
	c.setIdentity(identity)
	r.indexWalletLocked(c, identity.Wallet)
	return true
}

// Unregister destroys a connection: removes it from the conn and wallet
// indexes, from every topic's subscriber set, and closes the transport.
// Idempotent — the second and later calls are no-ops and return false.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	if _, present := r.conns[c.ID]; !present {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, c.ID)
	if id := c.Identity(); id != nil {
		r.unindexWalletLocked(c, id.Wallet)
	}
	r.mu.Unlock()

	// The conn is marked dead before the index sweep: any subscribe
	// racing this teardown either lands before the sweep (and is swept)
	// or observes the closed conn and is refused. Either way no stale
	// broadcast target persists past disconnect.
	c.close()
	r.topics.RemoveConn(c)
	return true
}

// Find returns the connection with the given id, or nil.
func (r *Registry) Find(connID int64) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// FindByIdentity returns every live connection authenticated as the
// given wallet.
func (r *Registry) FindByIdentity(wallet string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byWallet[wallet]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) indexWalletLocked(c *Conn, wallet string) {
	set := r.byWallet[wallet]
	if set == nil {
		set = make(map[int64]*Conn)
		r.byWallet[wallet] = set
	}
	set[c.ID] = c
}

func (r *Registry) unindexWalletLocked(c *Conn, wallet string) {
	set := r.byWallet[wallet]
	if set == nil {
		return
	}
	delete(set, c.ID)
	if len(set) == 0 {
		delete(r.byWallet, wallet)
	}
}
