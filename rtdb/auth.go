package rtdb

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// AuthToken wraps the opaque bearer string exchanged on the `auth`
// frame. Despite the client treating it as opaque, it is conventionally
// a JWT; when it parses as one, ExpiresAt and Subject are populated.
// The session manager and cache use only the raw token string; nothing
// in this package reads these parsed fields.
type AuthToken struct {
	Raw       string
	Subject   string
	ExpiresAt time.Time
}

// ParseAuthTokenUnverified extracts claims without verifying the
// signature: signature verification is the server's job, and these
// fields are informational only (e.g. with NearExpiry), grounded on the
// teacher's ParseByJwtUnverified.
func ParseAuthTokenUnverified(raw string) *AuthToken {
	token := &AuthToken{Raw: raw}

	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(raw, gojwt.MapClaims{})
	if err != nil {
		return token
	}
	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return token
	}

	if subject, err := claims.GetSubject(); err == nil {
		token.Subject = subject
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		token.ExpiresAt = expiresAt.Time
	}
	return token
}

// NearExpiry reports whether the token's expiry, if known, falls within
// window of now. Tokens with no parsed expiry (opaque, non-JWT tokens)
// are never considered near expiry; the caller relies on the server's
// invalidAuthToken error instead.
func (self *AuthToken) NearExpiry(now time.Time, window time.Duration) bool {
	if self.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(self.ExpiresAt.Add(-window))
}
