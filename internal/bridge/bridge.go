// Package bridge connects the hub to the upstream event plane. It owns
// two kinds of feeds: shared market feeds that fan out to topic
// subscribers, and per-account feeds opened on demand for wallet-balance
// subscriptions, refcounted so many watchers share one upstream
// subscription.
package bridge

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/BranchManager69/degenduel-sub000/internal/auth"
	"github.com/BranchManager69/degenduel-sub000/internal/hub"
	"github.com/BranchManager69/degenduel-sub000/internal/logging"
	"github.com/BranchManager69/degenduel-sub000/internal/metrics"
	"github.com/BranchManager69/degenduel-sub000/internal/protocol"
)

// Caps bounds how many accounts one identity may bridge at once, by
// tier. Public connections cannot bridge at all.
type Caps struct {
	User  int
	Admin int
}

func (c Caps) forTier(tier auth.Tier) int {
	switch tier {
	case auth.TierAdmin:
		return c.Admin
	case auth.TierUser:
		return c.User
	default:
		return 0
	}
}

// subscribeFn opens one upstream subscription and returns its unsubscribe
// handle. Indirection over the NATS client so feed lifecycle is testable
// without a broker.
type subscribeFn func(subject string, handler func(data []byte)) (func() error, error)

// accountFeed is one shared upstream subscription for one account, with
// the set of identities watching it.
type accountFeed struct {
	unsubscribe func() error
	watchers    map[string]int // wallet → refcount
}

// Bridge implements hub.AccountBridge over NATS and runs the shared
// market feeds.
type Bridge struct {
	subscribe  subscribeFn
	dispatcher *hub.Dispatcher
	caps       Caps
	logger     zerolog.Logger

	mu       sync.Mutex
	feeds    map[string]*accountFeed // account → feed
	byWallet map[string]int          // wallet → bridged account count

	marketUnsubs []func() error
}

func New(nc *nats.Conn, dispatcher *hub.Dispatcher, caps Caps, logger zerolog.Logger) *Bridge {
	return newBridge(func(subject string, handler func(data []byte)) (func() error, error) {
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			handler(msg.Data)
		})
		if err != nil {
			return nil, err
		}
		return sub.Unsubscribe, nil
	}, dispatcher, caps, logger)
}

func newBridge(subscribe subscribeFn, dispatcher *hub.Dispatcher, caps Caps, logger zerolog.Logger) *Bridge {
	return &Bridge{
		subscribe:  subscribe,
		dispatcher: dispatcher,
		caps:       caps,
		logger:     logger.With().Str("component", "bridge").Logger(),
		feeds:      make(map[string]*accountFeed),
		byWallet:   make(map[string]int),
	}
}

// SubscribeAccount opens (or joins) the upstream feed for an account on
// behalf of an identity. Enforces the identity's tier cap across all its
// bridged accounts.
func (b *Bridge) SubscribeAccount(wallet, account string, tier auth.Tier) error {
	limit := b.caps.forTier(tier)
	if limit == 0 {
		return hub.ErrBridgeCapExceeded
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	feed := b.feeds[account]
	if feed != nil && feed.watchers[wallet] > 0 {
		// Same identity re-bridging the same account does not count
		// against the cap again.
		feed.watchers[wallet]++
		return nil
	}

	if b.byWallet[wallet] >= limit {
		return hub.ErrBridgeCapExceeded
	}

	if feed == nil {
		unsubscribe, err := b.subscribe("chain.account."+account, func(data []byte) {
			b.forwardAccountEvent(account, data)
		})
		if err != nil {
			return fmt.Errorf("open account feed %s: %w", account, err)
		}
		feed = &accountFeed{
			unsubscribe: unsubscribe,
			watchers:    make(map[string]int),
		}
		b.feeds[account] = feed
		b.logger.Debug().Str("account", account).Msg("account feed opened")
	}

	feed.watchers[wallet]++
	b.byWallet[wallet]++
	return nil
}

// Release drops one identity's hold on an account feed. The upstream
// subscription is torn down when the last watcher leaves.
func (b *Bridge) Release(wallet, account string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	feed := b.feeds[account]
	if feed == nil || feed.watchers[wallet] == 0 {
		return
	}

	feed.watchers[wallet]--
	if feed.watchers[wallet] == 0 {
		delete(feed.watchers, wallet)
	}
	if b.byWallet[wallet] > 0 {
		b.byWallet[wallet]--
		if b.byWallet[wallet] == 0 {
			delete(b.byWallet, wallet)
		}
	}

	if len(feed.watchers) == 0 {
		if err := feed.unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("account", account).Msg("account feed unsubscribe failed")
		}
		delete(b.feeds, account)
		b.logger.Debug().Str("account", account).Msg("account feed closed")
	}
}

// forwardAccountEvent pushes a balance change to every connection of
// every identity watching the account.
func (b *Bridge) forwardAccountEvent(account string, data []byte) {
	defer logging.RecoverPanic(b.logger, "accountFeed", map[string]any{"account": account})
	metrics.UpstreamEvents.WithLabelValues("account").Inc()

	b.mu.Lock()
	feed := b.feeds[account]
	var wallets []string
	if feed != nil {
		wallets = make([]string, 0, len(feed.watchers))
		for wallet := range feed.watchers {
			wallets = append(wallets, wallet)
		}
	}
	b.mu.Unlock()

	if len(wallets) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"account": account,
		"event":   json.RawMessage(data),
	})
	if err != nil {
		return
	}
	env := protocol.NewData(hub.TopicWalletBalance, "balance-update", "", payload)
	for _, wallet := range wallets {
		b.dispatcher.SendToIdentity(wallet, env)
	}
}

// StartMarketFeeds opens the always-on shared feeds: token market events
// fan out to market-data subscribers, contest events to contest
// subscribers.
func (b *Bridge) StartMarketFeeds() error {
	feeds := []struct {
		subject string
		topic   string
		subtype string
		feed    string
	}{
		{"market.token.>", hub.TopicMarketData, "token-update", "market"},
		{"contest.events.>", hub.TopicContest, "contest-event", "contest"},
	}

	for _, f := range feeds {
		f := f
		unsubscribe, err := b.subscribe(f.subject, func(data []byte) {
			defer logging.RecoverPanic(b.logger, "marketFeed", map[string]any{"feed": f.feed})
			metrics.UpstreamEvents.WithLabelValues(f.feed).Inc()
			b.dispatcher.Publish(f.topic, protocol.NewData(f.topic, f.subtype, "", json.RawMessage(data)))
		})
		if err != nil {
			return fmt.Errorf("open %s feed: %w", f.feed, err)
		}
		b.marketUnsubs = append(b.marketUnsubs, unsubscribe)
		b.logger.Info().Str("subject", f.subject).Str("topic", f.topic).Msg("market feed started")
	}
	return nil
}

// Close tears down every upstream subscription.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, unsubscribe := range b.marketUnsubs {
		_ = unsubscribe()
	}
	b.marketUnsubs = nil

	for account, feed := range b.feeds {
		_ = feed.unsubscribe()
		delete(b.feeds, account)
	}
	b.byWallet = make(map[string]int)
}

// BridgedAccounts reports how many accounts an identity currently has
// bridged.
func (b *Bridge) BridgedAccounts(wallet string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byWallet[wallet]
}

// FeedCount reports how many account feeds are open.
func (b *Bridge) FeedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.feeds)
}
