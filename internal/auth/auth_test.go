package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoAuth(t *testing.T) {
	claims, err := NoAuth()("whatever")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", claims.Subject)
}

func TestStatic(t *testing.T) {
	v := Static(map[string]string{"s3cr3t": "reader"})

	claims, err := v("s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, "reader", claims.Subject)

	_, err = v("wrong")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = v("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWT(t *testing.T) {
	secret := []byte("0123456789abcdef")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "trader-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)

	v := JWT(secret)
	claims, err := v(token)
	require.NoError(t, err)
	assert.Equal(t, "trader-7", claims.Subject)

	_, err = v(token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "trader-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)
	_, err = v(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Tokens signed with a different key are rejected.
	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "trader-7",
	}).SignedString([]byte("another-key-entirely"))
	require.NoError(t, err)
	_, err = v(other)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
