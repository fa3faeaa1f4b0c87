package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRoundTrip(t *testing.T) {
	m, err := NewManager(time.Hour, "influent")
	require.NoError(t, err)

	token, err := m.GenerateAccessToken("user-a", "alice")
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-a", claims.Identity())
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "access", claims.Type)
}

func TestValidateTokenRejectsForeignKey(t *testing.T) {
	issuer, err := NewManager(time.Hour, "a")
	require.NoError(t, err)
	other, err := NewManager(time.Hour, "b")
	require.NoError(t, err)

	token, err := issuer.GenerateAccessToken("user-a", "alice")
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenExpired(t *testing.T) {
	m, err := NewManager(-time.Minute, "influent")
	require.NoError(t, err)

	token, err := m.GenerateAccessToken("user-a", "alice")
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestParseUnverified(t *testing.T) {
	m, err := NewManager(time.Hour, "influent")
	require.NoError(t, err)
	token, err := m.GenerateAccessToken("user-a", "alice")
	require.NoError(t, err)

	claims, err := ParseUnverified(token)
	require.NoError(t, err)
	assert.Equal(t, "user-a", claims.Identity())
	assert.False(t, claims.ExpiresWithin(time.Now(), time.Minute))
	assert.True(t, claims.ExpiresWithin(time.Now(), 2*time.Hour))

	_, err = ParseUnverified("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
