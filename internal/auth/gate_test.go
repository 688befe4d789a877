package auth

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const testSecret = "test-secret"

func signToken(t *testing.T, wallet, role string, ttl time.Duration) string {
	t.Helper()
	claims := &Claims{
		Wallet: wallet,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func newTestGate(lookup NicknameLookup) *Gate {
	return NewGate(testSecret, lookup, zerolog.Nop())
}

func TestValidateUserToken(t *testing.T) {
	g := newTestGate(nil)

	id, err := g.Validate(context.Background(), signToken(t, "wallet-1", "user", time.Hour))
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if id.Wallet != "wallet-1" || id.Tier != TierUser {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestValidateAdminToken(t *testing.T) {
	g := newTestGate(nil)

	id, err := g.Validate(context.Background(), signToken(t, "wallet-2", "admin", time.Hour))
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if id.Tier != TierAdmin {
		t.Fatalf("expected admin tier, got %v", id.Tier)
	}
}

func TestUnknownRoleFailsClosed(t *testing.T) {
	g := newTestGate(nil)

	id, err := g.Validate(context.Background(), signToken(t, "wallet-3", "wizard", time.Hour))
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if id.Tier != TierPublic {
		t.Fatalf("unknown role should map to public, got %v", id.Tier)
	}
}

func TestExpiredTokenDistinctError(t *testing.T) {
	g := newTestGate(nil)

	_, err := g.Validate(context.Background(), signToken(t, "wallet-4", "user", -time.Hour))
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestExpiredTokenShortCircuitsOnRepeat(t *testing.T) {
	g := newTestGate(nil)
	token := signToken(t, "wallet-5", "user", -time.Hour)

	if _, err := g.Validate(context.Background(), token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("first validate: expected ErrTokenExpired, got %v", err)
	}
	parsesAfterFirst := atomic.LoadInt64(&g.parses)

	if _, err := g.Validate(context.Background(), token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("second validate: expected ErrTokenExpired, got %v", err)
	}
	if got := atomic.LoadInt64(&g.parses); got != parsesAfterFirst {
		t.Fatalf("expected cached failure without re-verification, parses %d -> %d", parsesAfterFirst, got)
	}
}

func TestBadSignatureInvalid(t *testing.T) {
	g := newTestGate(nil)

	claims := &Claims{Wallet: "wallet-6", Role: "user", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := g.Validate(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestNicknameLookupFailureDoesNotFailAuth(t *testing.T) {
	g := newTestGate(func(ctx context.Context, wallet string) (string, error) {
		return "", errors.New("profile service down")
	})

	id, err := g.Validate(context.Background(), signToken(t, "wallet-7", "user", time.Hour))
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if id.Nickname != "" {
		t.Fatalf("expected empty nickname, got %q", id.Nickname)
	}
}

func TestCredentialFromRequestChannels(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	if got := CredentialFromRequest(r); got != "from-query" {
		t.Fatalf("query channel: got %q", got)
	}

	r, _ = http.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	if got := CredentialFromRequest(r); got != "from-header" {
		t.Fatalf("header channel: got %q", got)
	}

	r, _ = http.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "from-cookie"})
	if got := CredentialFromRequest(r); got != "from-cookie" {
		t.Fatalf("cookie channel: got %q", got)
	}

	r, _ = http.NewRequest(http.MethodGet, "/ws", nil)
	if got := CredentialFromRequest(r); got != "" {
		t.Fatalf("expected empty credential, got %q", got)
	}
}
