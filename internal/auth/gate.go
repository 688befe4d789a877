// Package auth validates bearer credentials presented by realtime
// clients and resolves them to an Identity with an authorization tier.
// The gate never panics on hostile input; every failure is a tagged
// error the caller maps to a protocol response.
package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

var (
	// ErrNoCredential means no token was presented on any channel.
	ErrNoCredential = errors.New("no credential presented")
	// ErrTokenExpired is distinct from ErrTokenInvalid so callers can
	// tell clients to re-login instead of silently retrying.
	ErrTokenExpired = errors.New("credential expired")
	// ErrTokenInvalid covers malformed tokens, bad signatures, and
	// unacceptable claims.
	ErrTokenInvalid = errors.New("credential invalid")
)

// SessionCookie is the cookie-equivalent credential channel.
const SessionCookie = "dd_session"

// Claims is the token payload the gate understands.
type Claims struct {
	Wallet   string `json:"wallet"`
	Nickname string `json:"nickname"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// NicknameLookup resolves a wallet's display name from the profile
// collaborator. Lookup failure never fails authentication; it only
// leaves the nickname empty.
type NicknameLookup func(ctx context.Context, wallet string) (string, error)

// Gate validates credentials. Stateless given the credential, except for
// a bounded cache of token digests that already failed as expired:
// a repeat presentation of the same expired token is answered from the
// cache without re-verifying signature material.
type Gate struct {
	secret  []byte
	lookup  NicknameLookup
	expired *expiredCache
	logger  zerolog.Logger

	parses int64 // verification attempts, read by tests
}

func NewGate(secret string, lookup NicknameLookup, logger zerolog.Logger) *Gate {
	return &Gate{
		secret:  []byte(secret),
		lookup:  lookup,
		expired: newExpiredCache(4096),
		logger:  logger.With().Str("component", "auth").Logger(),
	}
}

// Validate verifies a credential and returns the identity it carries.
func (g *Gate) Validate(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, ErrNoCredential
	}

	digest := sha256.Sum256([]byte(credential))
	if g.expired.Has(digest) {
		return nil, ErrTokenExpired
	}

	atomic.AddInt64(&g.parses, 1)
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			g.expired.Put(digest)
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid || claims.Wallet == "" {
		return nil, ErrTokenInvalid
	}

	identity := &Identity{
		Wallet:   claims.Wallet,
		Nickname: claims.Nickname,
		Tier:     ParseTier(claims.Role),
	}

	if identity.Nickname == "" && g.lookup != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		nickname, err := g.lookup(lookupCtx, claims.Wallet)
		if err != nil {
			g.logger.Debug().Err(err).Str("wallet", claims.Wallet).Msg("nickname lookup failed")
		} else {
			identity.Nickname = nickname
		}
	}

	return identity, nil
}

// CredentialFromRequest extracts a token from whichever channel the
// client used: query parameter, Authorization header, or session cookie.
// None of them is mandatory; the first one present wins.
func CredentialFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); header != "" {
		const bearer = "Bearer "
		if strings.HasPrefix(header, bearer) {
			return strings.TrimPrefix(header, bearer)
		}
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}
