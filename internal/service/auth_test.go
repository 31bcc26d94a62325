package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdtag/birdtag/internal/model"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestJWTRoundTrip(t *testing.T) {
	t.Parallel()
	auth := NewAuthService(testSecret, "identity", time.Hour)

	token, err := auth.GenerateJWT(alice)
	require.NoError(t, err)

	p, err := auth.VerifyJWT(token)
	require.NoError(t, err)
	assert.Equal(t, alice, p)

	_, err = auth.GenerateJWT(model.Principal{Email: "a@x.com"})
	assert.ErrorIs(t, err, ErrMissingOwner)
}

func TestJWTRejects(t *testing.T) {
	t.Parallel()
	auth := NewAuthService(testSecret, "identity", time.Hour)

	sign := func(method jwt.SigningMethod, key any, claims Claims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u1",
		Issuer:    "identity",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongIssuer := valid
	wrongIssuer.Issuer = "elsewhere"
	noExpiry := valid
	noExpiry.ExpiresAt = nil
	noSubject := valid
	noSubject.Subject = ""

	tests := map[string]string{
		"garbage":      "not.a.jwt",
		"wrong secret": sign(jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx"), valid),
		"expired":      sign(jwt.SigningMethodHS256, []byte(testSecret), expired),
		"wrong issuer": sign(jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer),
		"no expiry":    sign(jwt.SigningMethodHS256, []byte(testSecret), noExpiry),
		"none alg":     sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid),
		"no subject":   sign(jwt.SigningMethodHS256, []byte(testSecret), noSubject),
	}
	for name, token := range tests {
		_, err := auth.VerifyJWT(token)
		assert.Error(t, err, name)
	}
}
