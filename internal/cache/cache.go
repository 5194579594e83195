package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/logging"
)

// New builds the fingerprint cache selected by cfg.Backend.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewLRU(cfg.L1Size), nil

	case "redis":
		remote, err := NewRedis(cfg)
		if err != nil {
			return nil, err
		}
		if !cfg.Layered {
			return remote, nil
		}
		return NewLayered(NewLRU(cfg.L1Size), remote, cfg.L1TTL), nil

	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}

// Layered reads through an in-process LRU to a shared remote tier.
type Layered struct {
	local  *LRU
	remote domain.Cache
	l1TTL  time.Duration
}

// NewLayered puts local in front of remote. L1 entries never outlive l1TTL.
func NewLayered(local *LRU, remote domain.Cache, l1TTL time.Duration) *Layered {
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}
	return &Layered{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}
}

// Get serves L1, then L2, back-filling L1 on an L2 hit. A failing L2 reads
// as a miss so the registry falls through to the repository.
func (c *Layered) Get(ctx context.Context, key string) ([]byte, error) {
	if val, _ := c.local.Get(ctx, key); val != nil {
		return val, nil
	}

	val, err := c.remote.Get(ctx, key)
	if err != nil {
		logging.L(ctx).Warn("fingerprint cache L2 read failed", "key", key, "error", err)
		return nil, nil
	}
	if val != nil {
		_ = c.local.Set(ctx, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes L2 first and only fills L1 once the shared tier accepted the
// value. On an L2 failure the local copy is dropped instead.
func (c *Layered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.remote.Set(ctx, key, value, ttl); err != nil {
		_ = c.local.Delete(ctx, key)
		return fmt.Errorf("L2 set %s: %w", key, err)
	}
	return c.local.Set(ctx, key, value, min(ttl, c.l1TTL))
}

// Delete clears L1 unconditionally, then L2.
func (c *Layered) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	return c.remote.Delete(ctx, key)
}

// Ping reports L2 health; L1 cannot fail.
func (c *Layered) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping: %w", err)
	}
	return nil
}

// Close releases both tiers.
func (c *Layered) Close() error {
	return errors.Join(c.local.Close(), c.remote.Close())
}

// Stats returns L1 statistics.
func (c *Layered) Stats() domain.CacheStats {
	return c.local.Stats()
}
