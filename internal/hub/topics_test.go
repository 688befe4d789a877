package hub

import (
	"errors"
	"testing"

	"github.com/BranchManager69/degenduel-sub000/internal/auth"
)

func TestCatalogTiers(t *testing.T) {
	catalog := NewCatalog()

	cases := []struct {
		topic string
		tier  auth.Tier
	}{
		{TopicSystem, auth.TierPublic},
		{TopicMarketData, auth.TierPublic},
		{TopicContest, auth.TierPublic},
		{TopicContestChat, auth.TierUser},
		{TopicPortfolio, auth.TierUser},
		{TopicWalletBalance, auth.TierUser},
		{TopicAdmin, auth.TierAdmin},
	}
	for _, tc := range cases {
		tier, ok := catalog.MinTier(tc.topic)
		if !ok {
			t.Fatalf("topic %q missing from catalog", tc.topic)
		}
		if tier != tc.tier {
			t.Errorf("MinTier(%q) = %v, want %v", tc.topic, tier, tc.tier)
		}
	}

	if _, ok := catalog.MinTier("made-up"); ok {
		t.Fatal("catalog accepted an unknown topic")
	}
}

func TestSubscribeUnknownTopic(t *testing.T) {
	idx := NewTopicIndex(NewCatalog())
	c := newConn(1, nil, "10.0.0.1", 8)

	if err := idx.Subscribe(c, "nope"); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("Subscribe(unknown) = %v, want ErrUnknownTopic", err)
	}
}

func TestSubscribeTierGate(t *testing.T) {
	idx := NewTopicIndex(NewCatalog())
	c := newConn(1, nil, "10.0.0.1", 8)

	if err := idx.Subscribe(c, TopicPortfolio); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("public conn on user topic = %v, want ErrUnauthorized", err)
	}

	c.setIdentity(&auth.Identity{Wallet: "w", Tier: auth.TierUser})
	if err := idx.Subscribe(c, TopicPortfolio); err != nil {
		t.Fatalf("user conn on user topic: %v", err)
	}
	if err := idx.Subscribe(c, TopicAdmin); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("user conn on admin topic = %v, want ErrUnauthorized", err)
	}
}

func TestSubscribeRefusesClosedConn(t *testing.T) {
	idx := NewTopicIndex(NewCatalog())
	c := newConn(1, nil, "10.0.0.1", 8)
	c.close()

	if err := idx.Subscribe(c, TopicMarketData); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Subscribe(closed conn) = %v, want ErrConnClosed", err)
	}
	if idx.Count(TopicMarketData) != 0 {
		t.Fatal("closed conn entered the topic index")
	}
	if c.hasTopic(TopicMarketData) {
		t.Fatal("closed conn recorded a topic")
	}
}

func TestSubscribeKeepsBothSidesConsistent(t *testing.T) {
	idx := NewTopicIndex(NewCatalog())
	c := newConn(1, nil, "10.0.0.1", 8)

	if err := idx.Subscribe(c, TopicMarketData); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !c.hasTopic(TopicMarketData) {
		t.Fatal("conn topic set missing subscribed topic")
	}
	if idx.Count(TopicMarketData) != 1 {
		t.Fatal("index missing subscriber")
	}

	idx.Unsubscribe(c, TopicMarketData)
	if c.hasTopic(TopicMarketData) {
		t.Fatal("conn topic set kept topic after unsubscribe")
	}
	if idx.Count(TopicMarketData) != 0 {
		t.Fatal("index kept subscriber after unsubscribe")
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	idx := NewTopicIndex(NewCatalog())
	c := newConn(1, nil, "10.0.0.1", 8)

	for i := 0; i < 3; i++ {
		if err := idx.Subscribe(c, TopicMarketData); err != nil {
			t.Fatalf("Subscribe #%d: %v", i, err)
		}
	}
	if idx.Count(TopicMarketData) != 1 {
		t.Fatalf("subscriber count = %d after repeat subscribes, want 1", idx.Count(TopicMarketData))
	}
}

func TestUnsubscribeAbsentIsNoop(t *testing.T) {
	idx := NewTopicIndex(NewCatalog())
	c := newConn(1, nil, "10.0.0.1", 8)

	idx.Unsubscribe(c, TopicMarketData) // never subscribed
	idx.Unsubscribe(c, "made-up")       // not even a topic
}

func TestSnapshotIsolation(t *testing.T) {
	idx := NewTopicIndex(NewCatalog())
	c1 := newConn(1, nil, "10.0.0.1", 8)
	c2 := newConn(2, nil, "10.0.0.2", 8)

	if err := idx.Subscribe(c1, TopicMarketData); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	snapshot := idx.Subscribers(TopicMarketData)

	if err := idx.Subscribe(c2, TopicMarketData); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// The earlier snapshot is unaffected by the later subscribe.
	if len(snapshot) != 1 || snapshot[0] != c1 {
		t.Fatalf("snapshot mutated by concurrent subscribe: %v", snapshot)
	}
	if got := idx.Subscribers(TopicMarketData); len(got) != 2 {
		t.Fatalf("current subscribers = %d, want 2", len(got))
	}
}

func TestRemoveConnClearsAllTopics(t *testing.T) {
	idx := NewTopicIndex(NewCatalog())
	c := newConn(1, nil, "10.0.0.1", 8)
	c.setIdentity(&auth.Identity{Wallet: "w", Tier: auth.TierAdmin})

	for _, topic := range []string{TopicSystem, TopicMarketData, TopicAdmin} {
		if err := idx.Subscribe(c, topic); err != nil {
			t.Fatalf("Subscribe(%s): %v", topic, err)
		}
	}

	idx.RemoveConn(c)

	for _, topic := range []string{TopicSystem, TopicMarketData, TopicAdmin} {
		if idx.Count(topic) != 0 {
			t.Errorf("topic %q still has subscribers after RemoveConn", topic)
		}
	}
	if len(c.Topics()) != 0 {
		t.Fatalf("conn topic set = %v after RemoveConn, want empty", c.Topics())
	}
}
