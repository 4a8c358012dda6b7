package authfetch

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the registered claims of a JWT access token.
type Claims struct {
	Subject   string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ParseClaims decodes the claims of a JWT without verifying its signature.
// The client never holds the signing key; the result is only used to show and
// schedule expiry. Opaque tokens return an error.
func ParseClaims(token string) (*Claims, error) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return nil, fmt.Errorf("failed to decode access token: %w", err)
	}

	c := &Claims{
		Subject: rc.Subject,
		Issuer:  rc.Issuer,
	}
	if rc.IssuedAt != nil {
		c.IssuedAt = rc.IssuedAt.Time
	}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}

// Expired reports whether the token carries an expiry that is not after now.
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}
