package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/Meyliana22/influent-app-sub001/internal/domain"
	"github.com/Meyliana22/influent-app-sub001/pkg/jwt"
)

// Identity resolves the local user id from the current token's claims.
// The id decides message authorship and which typing events are our own.
func Identity(ctx context.Context, p Provider) (domain.ID, error) {
	token, err := p.Token(ctx)
	if err != nil {
		return "", err
	}
	claims, err := jwt.ParseUnverified(token)
	if err != nil {
		return "", fmt.Errorf("failed to read identity from token: %w", err)
	}
	return domain.ID(claims.Identity()), nil
}

// ExpiresWithin reports whether the current token lapses within d, so a
// later reconnect would be refused. Tokens that cannot be read report false.
func ExpiresWithin(ctx context.Context, p Provider, d time.Duration) bool {
	token, err := p.Token(ctx)
	if err != nil {
		return false
	}
	claims, err := jwt.ParseUnverified(token)
	if err != nil {
		return false
	}
	return claims.ExpiresWithin(time.Now(), d)
}
