package domain

import (
	"context"
	"time"
)

// Cache holds encoded fingerprint records keyed by their repository key.
// The repository stays the source of truth; a cache entry is only ever a
// copy that may lag it by at most the entry TTL.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value for ttl. A non-positive ttl stores nothing.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// CacheStats is a point-in-time view of the in-process tier.
type CacheStats struct {
	Size     int   `json:"size"`
	Capacity int   `json:"capacity"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// CacheConfig selects the fingerprint cache backend.
type CacheConfig struct {
	// Backend is "memory" (in-process LRU only) or "redis".
	Backend string `json:"backend"`

	// L1Size and L1TTL bound the in-process LRU.
	L1Size int           `json:"l1Size"`
	L1TTL  time.Duration `json:"l1Ttl"`

	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redisDb"`

	// KeyPrefix namespaces Redis keys so several deployments can share one server.
	KeyPrefix string `json:"keyPrefix"`

	// EntryTTL bounds how long a fingerprint record may be served from cache.
	EntryTTL time.Duration `json:"entryTtl"`

	// Layered puts the LRU in front of Redis. Without it the redis backend
	// is read directly, which keeps every node's view identical.
	Layered bool `json:"layered"`
}
