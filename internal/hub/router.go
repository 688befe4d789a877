package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/BranchManager69/degenduel-sub000/internal/auth"
	"github.com/BranchManager69/degenduel-sub000/internal/domain"
	"github.com/BranchManager69/degenduel-sub000/internal/limits"
	"github.com/BranchManager69/degenduel-sub000/internal/metrics"
	"github.com/BranchManager69/degenduel-sub000/internal/protocol"
)

// ErrBridgeCapExceeded is returned by an AccountBridge when an identity
// has reached its tier's cap of simultaneously bridged accounts.
var ErrBridgeCapExceeded = errors.New("bridged account cap reached")

// AccountBridge is the upstream account-change collaborator. The router
// opens a feed per (identity, account) when a wallet-balance
// subscription is created and releases it on unsubscribe or disconnect.
type AccountBridge interface {
	SubscribeAccount(wallet, account string, tier auth.Tier) error
	Release(wallet, account string)
}

// Router turns inbound envelopes into registry/topic mutations, domain
// collaborator calls, and responses. It never closes a connection for a
// protocol error; its only disconnect signal is the return value of
// HandleFrame, used for rate-limit abuse escalation.
type Router struct {
	codec      *protocol.Codec
	gate       *auth.Gate
	limiter    *limits.MessageLimiter
	registry   *Registry
	topics     *TopicIndex
	dispatcher *Dispatcher
	bridge     AccountBridge // nil when the upstream feed is disabled
	services   domain.Services
	logger     zerolog.Logger
}

func NewRouter(
	codec *protocol.Codec,
	gate *auth.Gate,
	limiter *limits.MessageLimiter,
	registry *Registry,
	topics *TopicIndex,
	dispatcher *Dispatcher,
	bridge AccountBridge,
	services domain.Services,
	logger zerolog.Logger,
) *Router {
	return &Router{
		codec:      codec,
		gate:       gate,
		limiter:    limiter,
		registry:   registry,
		topics:     topics,
		dispatcher: dispatcher,
		bridge:     bridge,
		services:   services,
		logger:     logger.With().Str("component", "router").Logger(),
	}
}

// HandleFrame processes one inbound frame. The returned bool asks the
// caller to disconnect the client (rate-limit abuse escalation only).
func (rt *Router) HandleFrame(ctx context.Context, c *Conn, data []byte) bool {
	c.touch()
	atomic.AddInt64(&c.messagesIn, 1)
	metrics.MessagesReceived.Inc()

	env, err := rt.codec.Decode(data)
	if err != nil {
		rt.sendProtocolError(c, err, "")
		return false
	}

	if !rt.limiter.Allow(c.ID) {
		metrics.RateLimitedMessages.Inc()
		rt.sendError(c, protocol.CodeRateLimited, "rate limit exceeded, slow down", env.RequestID)
		if rt.limiter.Violation(c.ID) {
			rt.logger.Warn().
				Int64("conn_id", c.ID).
				Msg("disconnecting client for repeated rate limit abuse")
			return true
		}
		return false
	}

	switch env.Type {
	case protocol.TypeSubscribe:
		rt.handleSubscribe(ctx, c, env)
	case protocol.TypeUnsubscribe:
		rt.handleUnsubscribe(c, env)
	case protocol.TypeRequest:
		rt.handleRequest(ctx, c, env)
	case protocol.TypeCommand:
		rt.handleCommand(ctx, c, env)
	default:
		// Server-originated types arriving from a client carry no
		// meaning; drop them without closing the connection.
		rt.logger.Debug().
			Int64("conn_id", c.ID).
			Str("type", string(env.Type)).
			Msg("ignoring client-sent server envelope type")
	}
	return false
}

// subscribePayload is the optional SUBSCRIBE data: an inline credential
// and, for wallet-balance, extra accounts to bridge.
type subscribePayload struct {
	Token    string   `json:"token"`
	Accounts []string `json:"accounts"`
}

func (rt *Router) handleSubscribe(ctx context.Context, c *Conn, env *protocol.Envelope) {
	if len(env.Topics) == 0 {
		rt.sendError(c, protocol.CodeEmptyTopics, "topics array required", env.RequestID)
		return
	}

	var payload subscribePayload
	if len(env.Data) > 0 {
		// Payload is optional; a malformed one is treated as absent.
		_ = json.Unmarshal(env.Data, &payload)
	}

	// An inline credential upgrades the connection before tier checks,
	// so a single SUBSCRIBE can authenticate and subscribe at once.
	if payload.Token != "" && c.Identity() == nil {
		if rt.authenticate(ctx, c, payload.Token, env.RequestID) == nil {
			return
		}
	}

	// Validate the whole batch before mutating anything: a SUBSCRIBE
	// either takes effect for every listed topic or for none.
	for _, topic := range env.Topics {
		minTier, known := rt.topics.catalog.MinTier(topic)
		if !known {
			rt.sendError(c, protocol.CodeUnknownTopic, "unknown topic: "+topic, env.RequestID)
			return
		}
		if !c.Tier().AtLeast(minTier) {
			if c.Identity() == nil {
				rt.sendError(c, protocol.CodeAuthRequired, "authentication required for topic: "+topic, env.RequestID)
			} else {
				rt.sendError(c, protocol.CodeInsufficientTier, minTier.String()+" tier required for topic: "+topic, env.RequestID)
			}
			return
		}
	}

	for _, topic := range env.Topics {
		if err := rt.topics.Subscribe(c, topic); err != nil {
			// Pre-validated above; a failure here means the conn raced
			// its own teardown.
			rt.logger.Debug().Err(err).Int64("conn_id", c.ID).Str("topic", topic).Msg("subscribe raced teardown")
			return
		}
		if topic == TopicWalletBalance {
			if !rt.openBalanceFeeds(c, payload.Accounts, env.RequestID) {
				rt.topics.Unsubscribe(c, topic)
				return
			}
		}
	}

	rt.dispatcher.SendTo(c, protocol.NewAck("", env.Topics, env.RequestID, nil))
}

// openBalanceFeeds bridges the identity's accounts upstream. The
// identity's own wallet is always included. The batch is transactional:
// a failure partway releases the holds this call already acquired, so a
// rejected subscribe never leaves orphaned feeds or consumed cap slots.
func (rt *Router) openBalanceFeeds(c *Conn, extraAccounts []string, requestID string) bool {
	identity := c.Identity()
	if identity == nil || rt.bridge == nil {
		return true
	}

	accounts := append([]string{identity.Wallet}, extraAccounts...)
	acquired := make([]string, 0, len(accounts))
	for _, account := range accounts {
		if err := rt.bridge.SubscribeAccount(identity.Wallet, account, identity.Tier); err != nil {
			for _, held := range acquired {
				rt.bridge.Release(identity.Wallet, held)
			}
			if errors.Is(err, ErrBridgeCapExceeded) {
				rt.sendError(c, protocol.CodeSubscriptionCap, "bridged account cap reached for tier "+identity.Tier.String(), requestID)
			} else {
				rt.sendError(c, protocol.CodeUpstreamError, "account feed unavailable", requestID)
			}
			return false
		}
		acquired = append(acquired, account)
	}
	for _, account := range acquired {
		c.addBridged(account)
	}
	return true
}

func (rt *Router) handleUnsubscribe(c *Conn, env *protocol.Envelope) {
	for _, topic := range env.Topics {
		rt.topics.Unsubscribe(c, topic)
		if topic == TopicWalletBalance {
			rt.releaseBridged(c)
		}
	}
	rt.dispatcher.SendTo(c, protocol.NewAck("", env.Topics, env.RequestID, nil))
}

func (rt *Router) releaseBridged(c *Conn) {
	if rt.bridge == nil {
		return
	}
	identity := c.Identity()
	if identity == nil {
		return
	}
	for _, account := range c.takeBridged() {
		rt.bridge.Release(identity.Wallet, account)
	}
}

func (rt *Router) handleRequest(ctx context.Context, c *Conn, env *protocol.Envelope) {
	result, perr := rt.routeRequest(ctx, c, env)
	if perr != nil {
		rt.sendProtocolError(c, perr, env.RequestID)
		return
	}
	rt.dispatcher.SendTo(c, protocol.NewData(env.Topic, "", env.RequestID, result))
}

func (rt *Router) routeRequest(ctx context.Context, c *Conn, env *protocol.Envelope) (json.RawMessage, *protocol.ProtocolError) {
	switch env.Topic {
	case TopicMarketData:
		switch env.Action {
		case "GET_PRICE":
			var req struct {
				Token string `json:"token"`
			}
			if err := json.Unmarshal(env.Data, &req); err != nil || req.Token == "" {
				return nil, protocol.Errf(protocol.CodeMalformed, "token required")
			}
			return rt.domainResult(rt.services.Market.Price(ctx, req.Token))
		case "GET_MARKET_SNAPSHOT":
			return rt.domainResult(rt.services.Market.Snapshot(ctx))
		}
	case TopicContest:
		switch env.Action {
		case "GET_CONTEST":
			var req struct {
				ContestID int64 `json:"contestId"`
			}
			if err := json.Unmarshal(env.Data, &req); err != nil || req.ContestID == 0 {
				return nil, protocol.Errf(protocol.CodeMalformed, "contestId required")
			}
			return rt.domainResult(rt.services.Contests.Get(ctx, req.ContestID))
		case "LIST_CONTESTS":
			return rt.domainResult(rt.services.Contests.List(ctx))
		}
	case TopicPortfolio:
		if env.Action == "GET_PORTFOLIO" {
			identity := c.Identity()
			if identity == nil {
				return nil, protocol.Errf(protocol.CodeAuthRequired, "authentication required")
			}
			return rt.domainResult(rt.services.Portfolios.Portfolio(ctx, identity.Wallet))
		}
	default:
		return nil, protocol.Errf(protocol.CodeUnknownTopic, "unknown topic: "+env.Topic)
	}
	return nil, protocol.Errf(protocol.CodeUnknownAction, "unknown action %q for topic %q", env.Action, env.Topic)
}

// domainResult maps a collaborator outcome to a wire result or a
// 5000-class error. Domain failures never crash the connection.
func (rt *Router) domainResult(result json.RawMessage, err error) (json.RawMessage, *protocol.ProtocolError) {
	if err == nil {
		return result, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, protocol.Errf(protocol.CodeInternalError, "not_found")
	}
	if errors.Is(err, domain.ErrUnavailable) {
		return nil, protocol.Errf(protocol.CodeUpstreamError, "service unavailable")
	}
	rt.logger.Error().Err(err).Msg("domain collaborator failed")
	return nil, protocol.Errf(protocol.CodeInternalError, "internal error")
}

func (rt *Router) handleCommand(ctx context.Context, c *Conn, env *protocol.Envelope) {
	if env.Topic == "auth" && env.Action == "AUTHENTICATE" {
		var req struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(env.Data, &req); err != nil || req.Token == "" {
			rt.sendError(c, protocol.CodeMalformed, "token required", env.RequestID)
			return
		}
		if identity := rt.authenticate(ctx, c, req.Token, env.RequestID); identity != nil {
			ack, _ := json.Marshal(map[string]string{
				"wallet":   identity.Wallet,
				"nickname": identity.Nickname,
				"tier":     identity.Tier.String(),
			})
			rt.dispatcher.SendTo(c, protocol.NewAck(env.Topic, nil, env.RequestID, ack))
		}
		return
	}

	identity := c.Identity()
	if identity == nil {
		rt.sendError(c, protocol.CodeAuthRequired, "authentication required", env.RequestID)
		return
	}

	switch {
	case env.Topic == TopicContestChat && env.Action == "SEND_MESSAGE":
		rt.handleSendMessage(ctx, c, identity, env)
	case env.Topic == TopicContest && env.Action == "JOIN_CONTEST":
		var req struct {
			ContestID int64 `json:"contestId"`
		}
		if err := json.Unmarshal(env.Data, &req); err != nil || req.ContestID == 0 {
			rt.sendError(c, protocol.CodeMalformed, "contestId required", env.RequestID)
			return
		}
		if _, perr := rt.domainResult(nil, rt.services.Contests.Join(ctx, identity.Wallet, req.ContestID)); perr != nil {
			rt.sendProtocolError(c, perr, env.RequestID)
			return
		}
		rt.dispatcher.SendTo(c, protocol.NewAck(env.Topic, nil, env.RequestID, nil))
	case env.Topic == TopicAdmin && env.Action == "BROADCAST":
		if !identity.Tier.AtLeast(auth.TierAdmin) {
			rt.sendError(c, protocol.CodeInsufficientTier, "admin tier required", env.RequestID)
			return
		}
		delivered := rt.dispatcher.Publish(TopicSystem, protocol.NewData(TopicSystem, "announcement", "", env.Data))
		ack, _ := json.Marshal(map[string]int{"delivered": delivered})
		rt.dispatcher.SendTo(c, protocol.NewAck(env.Topic, nil, env.RequestID, ack))
	default:
		rt.sendError(c, protocol.CodeUnknownAction, "unknown command "+env.Action+" for topic "+env.Topic, env.RequestID)
	}
}

func (rt *Router) handleSendMessage(ctx context.Context, c *Conn, identity *auth.Identity, env *protocol.Envelope) {
	var req struct {
		ContestID int64  `json:"contestId"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(env.Data, &req); err != nil || req.ContestID == 0 || req.Text == "" {
		rt.sendError(c, protocol.CodeMalformed, "contestId and text required", env.RequestID)
		return
	}

	messageID, err := rt.services.Chat.SaveMessage(ctx, req.ContestID, identity.Wallet, req.Text)
	if err != nil {
		_, perr := rt.domainResult(nil, err)
		rt.sendProtocolError(c, perr, env.RequestID)
		return
	}

	ack, _ := json.Marshal(map[string]string{"messageId": messageID})
	rt.dispatcher.SendTo(c, protocol.NewAck(env.Topic, nil, env.RequestID, ack))

	broadcast, _ := json.Marshal(map[string]any{
		"contestId": req.ContestID,
		"messageId": messageID,
		"wallet":    identity.Wallet,
		"nickname":  identity.Nickname,
		"text":      req.Text,
	})
	rt.dispatcher.Publish(TopicContestChat, protocol.NewData(TopicContestChat, "chat-message", "", broadcast))
}

// authenticate validates a credential and promotes the connection.
// Returns nil after sending the appropriate error envelope, or when the
// connection raced its own teardown.
func (rt *Router) authenticate(ctx context.Context, c *Conn, token, requestID string) *auth.Identity {
	identity, err := rt.gate.Validate(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			metrics.AuthFailures.WithLabelValues("expired").Inc()
			rt.sendError(c, protocol.CodeTokenExpired, "token_expired", requestID)
		default:
			metrics.AuthFailures.WithLabelValues("invalid").Inc()
			rt.sendError(c, protocol.CodeInvalidToken, "invalid credential", requestID)
		}
		return nil
	}
	if !rt.registry.Promote(c, identity) {
		return nil
	}
	return identity
}

func (rt *Router) sendError(c *Conn, code int, reason, requestID string) {
	rt.dispatcher.SendTo(c, protocol.NewError(code, reason, requestID))
}

func (rt *Router) sendProtocolError(c *Conn, err error, requestID string) {
	var perr *protocol.ProtocolError
	if !errors.As(err, &perr) {
		perr = protocol.Errf(protocol.CodeInternalError, "internal error")
	}
	rt.sendError(c, perr.Code, perr.Reason, requestID)
}
