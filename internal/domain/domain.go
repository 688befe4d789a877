// Package domain defines the business collaborators the hub calls into.
// The hub treats them as simple request/response functions that return
// data or a domain error; their implementations live in other services
// and are reached over NATS request/reply.
package domain

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrUnavailable means the collaborator could not be reached or
	// timed out. The hub answers with an upstream-class protocol error
	// and the connection stays open.
	ErrUnavailable = errors.New("domain service unavailable")
	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// MarketData looks up token market state.
type MarketData interface {
	Price(ctx context.Context, token string) (json.RawMessage, error)
	Snapshot(ctx context.Context) (json.RawMessage, error)
}

// Contests reads and mutates contest state.
type Contests interface {
	Get(ctx context.Context, contestID int64) (json.RawMessage, error)
	List(ctx context.Context) (json.RawMessage, error)
	Join(ctx context.Context, wallet string, contestID int64) error
}

// Portfolios reads a wallet's contest portfolio.
type Portfolios interface {
	Portfolio(ctx context.Context, wallet string) (json.RawMessage, error)
}

// Chat persists contest chat messages and returns their assigned ids.
type Chat interface {
	SaveMessage(ctx context.Context, contestID int64, wallet, text string) (string, error)
}

// Profiles resolves wallet display attributes.
type Profiles interface {
	Nickname(ctx context.Context, wallet string) (string, error)
}

// Services bundles every collaborator the router needs.
type Services struct {
	Market     MarketData
	Contests   Contests
	Portfolios Portfolios
	Chat       Chat
	Profiles   Profiles
}
