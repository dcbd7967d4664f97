// ABOUTME: Tests for JWT verification covering claims, expiry, and tampering.
// ABOUTME: Exercises both the happy path and each rejection reason.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate(Principal{UserID: "op-1", OrgID: "org-1"}, time.Hour)
	require.NoError(t, err)

	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "op-1", p.UserID)
	assert.Equal(t, "org-1", p.OrgID)
}

func TestVerifyExpiredToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate(Principal{UserID: "op-1", OrgID: "org-1"}, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	signer := NewJWTVerifier([]byte("secret-a"))
	verifier := NewJWTVerifier([]byte("secret-b"))

	token, err := signer.Generate(Principal{UserID: "op-1", OrgID: "org-1"}, time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyGarbage(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	_, err := v.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyMissingClaims(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTVerifier(secret)

	sign := func(claims jwt.MapClaims) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		s, err := token.SignedString(secret)
		require.NoError(t, err)
		return s
	}

	now := time.Now()
	_, err := v.Verify(sign(jwt.MapClaims{"org": "org-1", "exp": now.Add(time.Hour).Unix()}))
	assert.ErrorIs(t, err, ErrMissingClaim)

	_, err = v.Verify(sign(jwt.MapClaims{"sub": "op-1", "exp": now.Add(time.Hour).Unix()}))
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerifyRejectsUnsignedAlg(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "op-1", "org": "org-1"})
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(s)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
