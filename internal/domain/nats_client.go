package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Request/reply subjects served by the platform's domain services.
const (
	subjectMarketPrice    = "svc.market.price"
	subjectMarketSnapshot = "svc.market.snapshot"
	subjectContestGet     = "svc.contest.get"
	subjectContestList    = "svc.contest.list"
	subjectContestJoin    = "svc.contest.join"
	subjectPortfolioGet   = "svc.portfolio.get"
	subjectChatSave       = "svc.chat.save"
	subjectProfileGet     = "svc.profile.get"
)

// reply is the common response shape of the domain services: either a
// result payload or an error string.
type reply struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NATSClient implements every collaborator interface over NATS
// request/reply.
type NATSClient struct {
	nc      *nats.Conn
	timeout time.Duration
	logger  zerolog.Logger
}

func NewNATSClient(nc *nats.Conn, timeout time.Duration, logger zerolog.Logger) *NATSClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSClient{
		nc:      nc,
		timeout: timeout,
		logger:  logger.With().Str("component", "domain").Logger(),
	}
}

func (c *NATSClient) request(ctx context.Context, subject string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request for %s: %w", subject, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, subject)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, subject, err)
	}

	var resp reply
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("%w: bad reply from %s", ErrUnavailable, subject)
	}
	if !resp.OK {
		if resp.Error == "not_found" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("domain error from %s: %s", subject, resp.Error)
	}
	return resp.Result, nil
}

func (c *NATSClient) Price(ctx context.Context, token string) (json.RawMessage, error) {
	return c.request(ctx, subjectMarketPrice, map[string]string{"token": token})
}

func (c *NATSClient) Snapshot(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, subjectMarketSnapshot, struct{}{})
}

func (c *NATSClient) Get(ctx context.Context, contestID int64) (json.RawMessage, error) {
	return c.request(ctx, subjectContestGet, map[string]int64{"contestId": contestID})
}

func (c *NATSClient) List(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, subjectContestList, struct{}{})
}

func (c *NATSClient) Join(ctx context.Context, wallet string, contestID int64) error {
	_, err := c.request(ctx, subjectContestJoin, map[string]any{"wallet": wallet, "contestId": contestID})
	return err
}

func (c *NATSClient) Portfolio(ctx context.Context, wallet string) (json.RawMessage, error) {
	return c.request(ctx, subjectPortfolioGet, map[string]string{"wallet": wallet})
}

func (c *NATSClient) SaveMessage(ctx context.Context, contestID int64, wallet, text string) (string, error) {
	result, err := c.request(ctx, subjectChatSave, map[string]any{
		"contestId": contestID,
		"wallet":    wallet,
		"text":      text,
	})
	if err != nil {
		return "", err
	}
	var saved struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(result, &saved); err != nil || saved.MessageID == "" {
		return "", fmt.Errorf("%w: chat reply missing messageId", ErrUnavailable)
	}
	return saved.MessageID, nil
}

func (c *NATSClient) Nickname(ctx context.Context, wallet string) (string, error) {
	result, err := c.request(ctx, subjectProfileGet, map[string]string{"wallet": wallet})
	if err != nil {
		return "", err
	}
	var profile struct {
		Nickname string `json:"nickname"`
	}
	if err := json.Unmarshal(result, &profile); err != nil {
		return "", fmt.Errorf("%w: bad profile reply", ErrUnavailable)
	}
	return profile.Nickname, nil
}

// Services returns the collaborator bundle backed by this client.
func (c *NATSClient) Services() Services {
	return Services{
		Market:     c,
		Contests:   c,
		Portfolios: c,
		Chat:       c,
		Profiles:   c,
	}
}
