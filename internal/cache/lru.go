// Package cache provides the read-through caches that sit in front of the
// fingerprint repository.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// LRU is the in-process fingerprint cache. Entries carry their own expiry
// and the least recently read entry is evicted once capacity is reached.
type LRU struct {
	mu       sync.Mutex
	capacity int
	index    map[string]*list.Element
	recency  *list.List // front = most recently used
	now      func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

type lruEntry struct {
	key     string
	value   []byte
	expires time.Time
}

// NewLRU creates an LRU holding at most capacity entries.
func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRU{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		recency:  list.New(),
		now:      time.Now,
	}
}

func (c *LRU) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	val, ok := c.lookup(key)
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		metrics.CacheLookupsTotal.WithLabelValues("l1", "miss").Inc()
		return nil, nil
	}
	c.hits.Add(1)
	metrics.CacheLookupsTotal.WithLabelValues("l1", "hit").Inc()
	return val, nil
}

// lookup must be called with mu held. Expired entries are dropped on sight.
func (c *LRU) lookup(key string) ([]byte, bool) {
	elem, ok := c.index[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*lruEntry)
	if !c.now().Before(entry.expires) {
		c.unlink(elem)
		return nil, false
	}
	c.recency.MoveToFront(elem)
	return entry.value, true
}

// Set stores value for ttl. A non-positive ttl stores nothing.
func (c *LRU) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if elem, ok := c.index[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value, entry.expires = value, expires
		c.recency.MoveToFront(elem)
		return nil
	}

	c.index[key] = c.recency.PushFront(&lruEntry{key: key, value: value, expires: expires})
	for c.recency.Len() > c.capacity {
		c.unlink(c.recency.Back())
	}
	return nil
}

func (c *LRU) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	if elem, ok := c.index[key]; ok {
		c.unlink(elem)
	}
	c.mu.Unlock()
	return nil
}

func (c *LRU) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRU) Close() error {
	c.mu.Lock()
	c.index = make(map[string]*list.Element)
	c.recency.Init()
	c.mu.Unlock()
	return nil
}

// Stats returns size and hit counters.
func (c *LRU) Stats() domain.CacheStats {
	c.mu.Lock()
	size := c.recency.Len()
	c.mu.Unlock()

	return domain.CacheStats{
		Size:     size,
		Capacity: c.capacity,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
	}
}

func (c *LRU) unlink(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.index, elem.Value.(*lruEntry).key)
}
