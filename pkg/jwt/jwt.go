package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrMissingUser  = errors.New("token carries no user id")
)

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string   `json:"user_id"`
	Email    string   `json:"email"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	Type     string   `json:"type"` // "access" or "refresh"
}

// Identity returns the user id, falling back to the registered sub claim.
func (c *Claims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// ExpiresWithin reports whether the token expires before now+d.
// Tokens without an exp claim never expire.
func (c *Claims) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Time.Before(now.Add(d))
}

// ParseUnverified decodes the claims of a bearer token without checking its
// signature. Clients hold tokens they cannot verify; they only need to know
// whose token it is and when it runs out.
func ParseUnverified(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Identity() == "" {
		return nil, ErrMissingUser
	}
	return claims, nil
}

// Manager signs and validates RS256 access tokens.
type Manager struct {
	privateKey     *rsa.PrivateKey
	publicKey      *rsa.PublicKey
	accessDuration time.Duration
	issuer         string
}

// NewManager creates a new JWT manager with a fresh RSA key pair.
func NewManager(accessDuration time.Duration, issuer string) (*Manager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	return &Manager{
		privateKey:     privateKey,
		publicKey:      &privateKey.PublicKey,
		accessDuration: accessDuration,
		issuer:         issuer,
	}, nil
}

// GenerateAccessToken creates a signed access token for a user.
func (m *Manager) GenerateAccessToken(userID, username string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessDuration)),
		},
		UserID:   userID,
		Username: username,
		Type:     "access",
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(m.privateKey)
}

// ValidateToken validates a token and returns claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, ErrInvalidToken
		}
		return m.publicKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
