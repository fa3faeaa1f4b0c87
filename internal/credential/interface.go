package credential

import (
	"context"
	"errors"
)

// ErrNoCredential is returned when the session store holds no token.
var ErrNoCredential = errors.New("no credential available")

// Provider supplies the bearer token for the realtime channel. It is read
// again on every (re)connect so a refreshed session token is picked up.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (string, error)

func (f ProviderFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}
