package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/BranchManager69/degenduel-sub000/internal/auth"
	"github.com/BranchManager69/degenduel-sub000/internal/protocol"
)

func newTestDispatcher() (*Dispatcher, *Registry, *TopicIndex) {
	topics := NewTopicIndex(NewCatalog())
	registry := NewRegistry(topics)
	codec := protocol.NewCodec(0)
	return NewDispatcher(registry, topics, codec, zerolog.Nop()), registry, topics
}

// drain pops every queued frame from a conn's send buffer.
func drain(c *Conn) [][]byte {
	var out [][]byte
	for {
		select {
		case data := <-c.send:
			out = append(out, data)
		default:
			return out
		}
	}
}

func decodeFrame(t *testing.T, data []byte) *protocol.Envelope {
	t.Helper()
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("frame is not a valid envelope: %v", err)
	}
	return &env
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	d, r, topics := newTestDispatcher()

	conns := make([]*Conn, 3)
	for i := range conns {
		conns[i] = newConn(int64(i+1), nil, "10.0.0.1", 8)
		r.Register(conns[i])
		if err := topics.Subscribe(conns[i], TopicMarketData); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	delivered := d.Publish(TopicMarketData, protocol.NewData(TopicMarketData, "token-update", "", nil))
	if delivered != 3 {
		t.Fatalf("Publish delivered %d, want 3", delivered)
	}

	for i, c := range conns {
		frames := drain(c)
		if len(frames) != 1 {
			t.Fatalf("conn %d got %d frames, want 1", i, len(frames))
		}
		env := decodeFrame(t, frames[0])
		if env.Type != protocol.TypeData || env.Topic != TopicMarketData {
			t.Fatalf("conn %d got %+v", i, env)
		}
	}
}

func TestPublishSkipsNonSubscribers(t *testing.T) {
	d, r, topics := newTestDispatcher()

	sub := newConn(1, nil, "10.0.0.1", 8)
	bystander := newConn(2, nil, "10.0.0.2", 8)
	r.Register(sub)
	r.Register(bystander)
	if err := topics.Subscribe(sub, TopicContest); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	d.Publish(TopicContest, protocol.NewData(TopicContest, "contest-event", "", nil))

	if len(drain(bystander)) != 0 {
		t.Fatal("non-subscriber received a topic publish")
	}
	if len(drain(sub)) != 1 {
		t.Fatal("subscriber missed the publish")
	}
}

func TestPublishSurvivesClosedSubscriber(t *testing.T) {
	d, r, topics := newTestDispatcher()

	healthy1 := newConn(1, nil, "10.0.0.1", 8)
	closed := newConn(2, nil, "10.0.0.2", 8)
	healthy2 := newConn(3, nil, "10.0.0.3", 8)
	for _, c := range []*Conn{healthy1, closed, healthy2} {
		r.Register(c)
		if err := topics.Subscribe(c, TopicMarketData); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	closed.close()

	delivered := d.Publish(TopicMarketData, protocol.NewData(TopicMarketData, "token-update", "", nil))
	if delivered != 2 {
		t.Fatalf("Publish delivered %d, want 2 (closed conn skipped)", delivered)
	}
	if len(drain(healthy1)) != 1 || len(drain(healthy2)) != 1 {
		t.Fatal("healthy subscriber missed delivery because a peer was closed")
	}
}

func TestSlowClientDisconnectedAfterStrikes(t *testing.T) {
	d, r, topics := newTestDispatcher()

	// Buffer of 1: the first publish fills it, the rest strike.
	slow := newConn(1, nil, "10.0.0.1", 1)
	r.Register(slow)
	if err := topics.Subscribe(slow, TopicMarketData); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env := protocol.NewData(TopicMarketData, "token-update", "", nil)
	d.Publish(TopicMarketData, env) // fills the buffer
	for i := 0; i < slowClientStrikes; i++ {
		d.Publish(TopicMarketData, env)
	}

	// Unregister runs on another goroutine; poll for it.
	deadline := time.Now().Add(2 * time.Second)
	for r.Find(1) != nil {
		if time.Now().After(deadline) {
			t.Fatal("slow client still registered after repeated full-buffer strikes")
		}
		time.Sleep(time.Millisecond)
	}

	if !slow.isClosed() {
		t.Fatal("slow client not closed after repeated full-buffer strikes")
	}
}

func TestStrikesResetOnSuccessfulDelivery(t *testing.T) {
	d, r, topics := newTestDispatcher()

	c := newConn(1, nil, "10.0.0.1", 1)
	r.Register(c)
	if err := topics.Subscribe(c, TopicMarketData); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env := protocol.NewData(TopicMarketData, "token-update", "", nil)
	for i := 0; i < 10; i++ {
		d.Publish(TopicMarketData, env) // fill
		d.Publish(TopicMarketData, env) // strike 1
		d.Publish(TopicMarketData, env) // strike 2
		drain(c)                        // client catches up, next publish resets
	}

	if r.Find(1) == nil {
		t.Fatal("client disconnected despite never reaching the strike limit")
	}
}

func TestSendToIdentityReachesEveryConn(t *testing.T) {
	d, r, _ := newTestDispatcher()

	c1 := newConn(1, nil, "10.0.0.1", 8)
	c2 := newConn(2, nil, "10.0.0.2", 8)
	other := newConn(3, nil, "10.0.0.3", 8)
	r.Register(c1)
	r.Register(c2)
	r.Register(other)
	r.Promote(c1, &auth.Identity{Wallet: "w", Tier: auth.TierUser})
	r.Promote(c2, &auth.Identity{Wallet: "w", Tier: auth.TierUser})
	r.Promote(other, &auth.Identity{Wallet: "x", Tier: auth.TierUser})

	delivered := d.SendToIdentity("w", protocol.NewData(TopicWalletBalance, "balance-update", "", nil))
	if delivered != 2 {
		t.Fatalf("SendToIdentity delivered %d, want 2", delivered)
	}
	if len(drain(other)) != 0 {
		t.Fatal("identity send leaked to another wallet")
	}
}

func TestPublishPreservesPerConnOrder(t *testing.T) {
	d, r, topics := newTestDispatcher()

	c := newConn(1, nil, "10.0.0.1", 16)
	r.Register(c)
	if err := topics.Subscribe(c, TopicContestChat); err == nil {
		t.Fatal("public conn subscribed to user topic")
	}
	r.Promote(c, &auth.Identity{Wallet: "w", Tier: auth.TierUser})
	if err := topics.Subscribe(c, TopicContestChat); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"seq": i})
		d.Publish(TopicContestChat, protocol.NewData(TopicContestChat, "chat-message", "", payload))
	}

	frames := drain(c)
	if len(frames) != 5 {
		t.Fatalf("got %d frames, want 5", len(frames))
	}
	for i, frame := range frames {
		env := decodeFrame(t, frame)
		var body struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(env.Data, &body); err != nil {
			t.Fatalf("frame %d data: %v", i, err)
		}
		if body.Seq != i {
			t.Fatalf("frame %d carries seq %d, order broken", i, body.Seq)
		}
	}
}
