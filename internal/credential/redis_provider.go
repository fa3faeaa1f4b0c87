package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// stringGetter is the slice of redis.Cmdable the provider needs.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisProvider reads the access token the web app's session store keeps
// under a fixed key.
type RedisProvider struct {
	client stringGetter
	key    string
	closer func() error
}

// RedisConfig configures a RedisProvider.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// NewRedisProvider connects to the session store and verifies it responds.
func NewRedisProvider(ctx context.Context, cfg RedisConfig) (*RedisProvider, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to session store: %w", err)
	}

	return &RedisProvider{client: client, key: cfg.Key, closer: client.Close}, nil
}

func newRedisProvider(client stringGetter, key string) *RedisProvider {
	return &RedisProvider{client: client, key: key}
}

func (p *RedisProvider) Token(ctx context.Context) (string, error) {
	val, err := p.client.Get(ctx, p.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session token: %w", err)
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return "", ErrNoCredential
	}
	return val, nil
}

// Close releases the underlying client.
func (p *RedisProvider) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
