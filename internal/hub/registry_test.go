package hub

import (
	"errors"
	"sync"
	"testing"

	"github.com/BranchManager69/degenduel-sub000/internal/auth"
)

func newTestRegistry() (*Registry, *TopicIndex) {
	topics := NewTopicIndex(NewCatalog())
	return NewRegistry(topics), topics
}

func TestRegistryRegisterAndFind(t *testing.T) {
	r, _ := newTestRegistry()

	c := newConn(1, nil, "10.0.0.1", 8)
	r.Register(c)

	if got := r.Find(1); got != c {
		t.Fatalf("Find(1) = %v, want the registered conn", got)
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r, topics := newTestRegistry()

	c := newConn(1, nil, "10.0.0.1", 8)
	r.Register(c)
	if err := topics.Subscribe(c, TopicSystem); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if !r.Unregister(c) {
		t.Fatal("first Unregister returned false")
	}
	if r.Unregister(c) {
		t.Fatal("second Unregister returned true, want no-op")
	}
	if r.Find(1) != nil {
		t.Fatal("conn still findable after Unregister")
	}
	if topics.Count(TopicSystem) != 0 {
		t.Fatal("conn still subscribed after Unregister")
	}
	if !c.isClosed() {
		t.Fatal("conn not closed after Unregister")
	}
}

func TestRegistryPromoteIndexesWallet(t *testing.T) {
	r, _ := newTestRegistry()

	c := newConn(1, nil, "10.0.0.1", 8)
	r.Register(c)

	if got := r.FindByIdentity("wallet-a"); len(got) != 0 {
		t.Fatalf("FindByIdentity before promote = %d conns, want 0", len(got))
	}

	r.Promote(c, &auth.Identity{Wallet: "wallet-a", Tier: auth.TierUser})

	got := r.FindByIdentity("wallet-a")
	if len(got) != 1 || got[0] != c {
		t.Fatalf("FindByIdentity after promote = %v, want the promoted conn", got)
	}
	if c.Tier() != auth.TierUser {
		t.Fatalf("Tier() = %v, want user", c.Tier())
	}

	// Re-promotion to a different wallet moves the index entry.
	r.Promote(c, &auth.Identity{Wallet: "wallet-b", Tier: auth.TierAdmin})
	if len(r.FindByIdentity("wallet-a")) != 0 {
		t.Fatal("old wallet index entry not removed on re-promote")
	}
	if len(r.FindByIdentity("wallet-b")) != 1 {
		t.Fatal("new wallet index entry missing after re-promote")
	}
}

func TestRegistryPromoteAfterUnregisterRefused(t *testing.T) {
	r, _ := newTestRegistry()

	c := newConn(1, nil, "10.0.0.1", 8)
	r.Register(c)
	r.Unregister(c)

	if r.Promote(c, &auth.Identity{Wallet: "wallet-a", Tier: auth.TierUser}) {
		t.Fatal("Promote succeeded on an unregistered conn")
	}
	if len(r.FindByIdentity("wallet-a")) != 0 {
		t.Fatal("unregistered conn indexed by wallet")
	}
}

func TestRegistrySubscribeAfterUnregisterIsSwept(t *testing.T) {
	r, topics := newTestRegistry()

	c := newConn(1, nil, "10.0.0.1", 8)
	r.Register(c)
	r.Unregister(c)

	if err := topics.Subscribe(c, TopicMarketData); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Subscribe after Unregister = %v, want ErrConnClosed", err)
	}
	if topics.Count(TopicMarketData) != 0 {
		t.Fatal("unregistered conn persists as a topic subscriber")
	}
}

func TestRegistryMultipleConnsSameWallet(t *testing.T) {
	r, _ := newTestRegistry()

	c1 := newConn(1, nil, "10.0.0.1", 8)
	c2 := newConn(2, nil, "10.0.0.2", 8)
	r.Register(c1)
	r.Register(c2)
	r.Promote(c1, &auth.Identity{Wallet: "w", Tier: auth.TierUser})
	r.Promote(c2, &auth.Identity{Wallet: "w", Tier: auth.TierUser})

	if got := len(r.FindByIdentity("w")); got != 2 {
		t.Fatalf("FindByIdentity = %d conns, want 2", got)
	}

	r.Unregister(c1)
	if got := len(r.FindByIdentity("w")); got != 1 {
		t.Fatalf("FindByIdentity after one unregister = %d conns, want 1", got)
	}
}

func TestRegistryConcurrentChurn(t *testing.T) {
	r, topics := newTestRegistry()

	var wg sync.WaitGroup
	for i := int64(0); i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			c := newConn(id, nil, "10.0.0.1", 8)
			r.Register(c)
			_ = topics.Subscribe(c, TopicMarketData)
			r.Unregister(c)
		}(i)
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Fatalf("Count() = %d after churn, want 0", r.Count())
	}
	if topics.Count(TopicMarketData) != 0 {
		t.Fatalf("topic subscribers = %d after churn, want 0", topics.Count(TopicMarketData))
	}
}
