// Package auth is the admission gateway boundary: bearer-credential
// verification and tiered request-rate limiting in front of the REST and
// realtime surfaces.
//
// Credentials are HMAC-SHA256 tokens signed with the instance secret:
// v1.<base64url(subject)>.<tier>.<expiry-unix>.<signature>. No token
// configured means every request is rejected (fail closed).
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Tier names embedded in tokens.
const (
	TierStandard = "standard"
	TierElevated = "elevated"
)

// Identity is the caller resolved from a verified credential.
type Identity struct {
	Subject   string
	Elevated  bool
	ExpiresAt time.Time
}

type contextKey struct{}

// IdentityFrom extracts the verified caller from a request context.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	ident, ok := ctx.Value(contextKey{}).(Identity)
	return ident, ok
}

// WithIdentity returns a context carrying the caller identity. Exposed
// for tests that drive handlers directly.
func WithIdentity(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, ident)
}

// Gateway verifies credentials and applies per-caller rate limits.
type Gateway struct {
	secret  []byte
	limiter *tierLimiter
}

// NewGateway creates a gateway signing and verifying with the given
// secret. An empty secret rejects all requests.
func NewGateway(secret string) *Gateway {
	return &Gateway{
		secret:  []byte(secret),
		limiter: newTierLimiter(),
	}
}

// Sign issues a credential for the subject at the given tier.
func (g *Gateway) Sign(subject, tier string, ttl time.Duration) (string, error) {
	if len(g.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	if tier != TierStandard && tier != TierElevated {
		return "", fmt.Errorf("unknown tier %q", tier)
	}
	expiry := time.Now().Add(ttl).Unix()
	body := fmt.Sprintf("v1.%s.%s.%d",
		base64.RawURLEncoding.EncodeToString([]byte(subject)), tier, expiry)
	return body + "." + g.sign(body), nil
}

// Verify checks a credential and returns the caller identity.
func (g *Gateway) Verify(token string) (Identity, error) {
	if len(g.secret) == 0 {
		return Identity{}, ErrUnauthorized
	}
	parts := strings.Split(token, ".")
	if len(parts) != 5 || parts[0] != "v1" {
		return Identity{}, ErrUnauthorized
	}
	body := strings.Join(parts[:4], ".")
	if !hmac.Equal([]byte(g.sign(body)), []byte(parts[4])) {
		return Identity{}, ErrUnauthorized
	}
	subject, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || len(subject) == 0 {
		return Identity{}, ErrUnauthorized
	}
	expiry, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	expiresAt := time.Unix(expiry, 0)
	if time.Now().After(expiresAt) {
		return Identity{}, ErrUnauthorized
	}
	return Identity{
		Subject:   string(subject),
		Elevated:  parts[2] == TierElevated,
		ExpiresAt: expiresAt,
	}, nil
}

func (g *Gateway) sign(body string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// credential pulls the bearer token from the Authorization header or,
// for browser WebSocket dials that cannot set headers, a token query
// parameter.
func credential(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Authenticate resolves and verifies the request credential.
func (g *Gateway) Authenticate(r *http.Request) (Identity, error) {
	token := credential(r)
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	return g.Verify(token)
}

// Require wraps a handler with credential verification and the standard
// rate tier. The resolved identity is attached to the request context.
func (g *Gateway) Require(next http.Handler) http.Handler {
	return g.require(next, false)
}

// RequireStrict is Require with the stricter rate tier, for
// credential-issuance endpoints.
func (g *Gateway) RequireStrict(next http.Handler) http.Handler {
	return g.require(next, true)
}

func (g *Gateway) require(next http.Handler, strict bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, err := g.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !g.limiter.allow(ident, strict) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), ident)))
	})
}
