package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "harrier:fp:"

// Redis is the shared fingerprint cache tier.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the server named in cfg and verifies it answers.
func NewRedis(cfg domain.CacheConfig) (*Redis, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis cache at %s: %w", addr, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}, nil
}

// Get returns the cached record or nil on a miss.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		metrics.CacheLookupsTotal.WithLabelValues("l2", "miss").Inc()
		return nil, nil
	case err != nil:
		metrics.CacheLookupsTotal.WithLabelValues("l2", "error").Inc()
		return nil, err
	}
	metrics.CacheLookupsTotal.WithLabelValues("l2", "hit").Inc()
	return val, nil
}

// Set stores value with ttl. go-redis reads a zero expiry as "never expire",
// so a non-positive ttl stores nothing.
func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

// Delete unlinks the key; the server reclaims memory in the background.
func (c *Redis) Delete(ctx context.Context, key string) error {
	return c.client.Unlink(ctx, c.prefix+key).Err()
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.client.Close()
}
