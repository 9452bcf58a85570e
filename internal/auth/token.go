// Package auth supplies bearer credentials for synthesis sessions.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource returns a credential usable as a bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static always returns the same credential.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", errors.New("static token is empty")
	}
	return string(s), nil
}

// refreshMargin is how long before expiry a cached token is replaced.
const refreshMargin = 60 * time.Second

// cache holds one token until shortly before it expires.
type cache struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	clock   func() time.Time
}

func (c *cache) get() (string, bool) {
	if c.token == "" {
		return "", false
	}
	if c.expires.IsZero() || !c.now().Before(c.expires.Add(-refreshMargin)) {
		return "", false
	}
	return c.token, true
}

func (c *cache) put(token string, fallback time.Time) {
	c.token = token
	c.expires = fallback
	if exp, ok := expiry(token); ok {
		c.expires = exp
	}
}

func (c *cache) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now()
}

// expiry reads the exp claim of a JWT without verifying its signature; the
// issuer verifies it, the client only needs to know when to refresh.
func expiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
