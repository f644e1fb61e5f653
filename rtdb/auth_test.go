package rtdb

import (
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func signTestToken(t *testing.T, subject string, expiresAt time.Time) string {
	claims := gojwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-signing-key"))
	assert.Equal(t, err, nil)
	return signed
}

func TestParseAuthTokenUnverifiedExtractsSubjectAndExpiry(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	raw := signTestToken(t, "user-1", expiresAt)

	token := ParseAuthTokenUnverified(raw)
	assert.Equal(t, token.Raw, raw)
	assert.Equal(t, token.Subject, "user-1")
	assert.Equal(t, token.ExpiresAt.Equal(expiresAt), true)
}

func TestParseAuthTokenUnverifiedToleratesOpaqueToken(t *testing.T) {
	token := ParseAuthTokenUnverified("not-a-jwt-opaque-token")
	assert.Equal(t, token.Raw, "not-a-jwt-opaque-token")
	assert.Equal(t, token.Subject, "")
	assert.Equal(t, token.ExpiresAt.IsZero(), true)
}

func TestNearExpiryIsFalseForOpaqueToken(t *testing.T) {
	token := ParseAuthTokenUnverified("not-a-jwt-opaque-token")
	assert.Equal(t, token.NearExpiry(time.Now(), time.Hour), false)
}

func TestNearExpiryTrueWithinWindow(t *testing.T) {
	expiresAt := time.Now().Add(5 * time.Minute)
	raw := signTestToken(t, "user-1", expiresAt)
	token := ParseAuthTokenUnverified(raw)

	assert.Equal(t, token.NearExpiry(time.Now(), 10*time.Minute), true)
	assert.Equal(t, token.NearExpiry(time.Now(), time.Minute), false)
}
