package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

const paymentKey = "fingerprints:payment:pf_1"

func TestLRU(t *testing.T) {
	c := NewLRU(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, paymentKey, []byte(`{"id":"pf_1"}`), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := c.Get(ctx, paymentKey)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != `{"id":"pf_1"}` {
			t.Errorf("unexpected value %q", val)
		}
	})

	t.Run("Miss", func(t *testing.T) {
		val, err := c.Get(ctx, "fingerprints:device:unknown")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil on miss, got %q", val)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, paymentKey, []byte("v2"), time.Minute)
		if val, _ := c.Get(ctx, paymentKey); string(val) != "v2" {
			t.Errorf("expected overwritten value, got %q", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "fingerprints:device:df_1", []byte("x"), time.Minute)
		if err := c.Delete(ctx, "fingerprints:device:df_1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := c.Get(ctx, "fingerprints:device:df_1"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("NonPositiveTTLStoresNothing", func(t *testing.T) {
		_ = c.Set(ctx, "ttl-zero", []byte("x"), 0)
		if val, _ := c.Get(ctx, "ttl-zero"); val != nil {
			t.Error("expected zero TTL to skip caching")
		}
	})

	t.Run("CloseDropsEntries", func(t *testing.T) {
		_ = c.Close()
		if size := c.Stats().Size; size != 0 {
			t.Errorf("expected empty cache after Close, size %d", size)
		}
	})
}

func TestLRUExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	c := NewLRU(10)
	c.now = func() time.Time { return now }

	_ = c.Set(ctx, paymentKey, []byte("fresh"), 30*time.Second)

	now = now.Add(29 * time.Second)
	if val, _ := c.Get(ctx, paymentKey); val == nil {
		t.Error("expected value before expiry")
	}

	now = now.Add(time.Second)
	if val, _ := c.Get(ctx, paymentKey); val != nil {
		t.Error("expected nil once the TTL elapsed")
	}
	if size := c.Stats().Size; size != 0 {
		t.Errorf("expected expired entry to be dropped, size %d", size)
	}
}

func TestLRUEviction(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(3)

	_ = c.Set(ctx, "a", []byte("1"), time.Minute)
	_ = c.Set(ctx, "b", []byte("2"), time.Minute)
	_ = c.Set(ctx, "c", []byte("3"), time.Minute)

	// Reading "a" leaves "b" as the least recently used entry
	_, _ = c.Get(ctx, "a")
	_ = c.Set(ctx, "d", []byte("4"), time.Minute)

	if val, _ := c.Get(ctx, "b"); val != nil {
		t.Error("expected 'b' to be evicted")
	}
	if val, _ := c.Get(ctx, "a"); val == nil {
		t.Error("expected 'a' to survive eviction")
	}

	stats := c.Stats()
	if stats.Size != 3 || stats.Capacity != 3 {
		t.Errorf("expected size 3 and capacity 3, got %+v", stats)
	}
}

func TestLRUStats(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(10)

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	_, _ = c.Get(ctx, "k")
	_, _ = c.Get(ctx, "k")
	_, _ = c.Get(ctx, "missing")

	stats := c.Stats()
	if stats.Hits != 2 {
		t.Errorf("expected 2 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestLRUConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(50)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("fingerprints:payment:%d-%d", n, j%10)
				_ = c.Set(ctx, key, []byte("v"), time.Minute)
				_, _ = c.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()

	if size := c.Stats().Size; size > 50 {
		t.Errorf("cache grew past capacity: %d", size)
	}
}

// fakeRemote stands in for Redis so the layered logic runs without a server.
type fakeRemote struct {
	*LRU
	failGets bool
	failSets bool
}

func (f *fakeRemote) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failGets {
		return nil, errors.New("connection refused")
	}
	return f.LRU.Get(ctx, key)
}

func (f *fakeRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failSets {
		return errors.New("connection refused")
	}
	return f.LRU.Set(ctx, key, value, ttl)
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	if f.failGets {
		return errors.New("connection refused")
	}
	return nil
}

func TestLayered(t *testing.T) {
	ctx := context.Background()

	t.Run("L2HitFillsL1", func(t *testing.T) {
		remote := &fakeRemote{LRU: NewLRU(10)}
		c := NewLayered(NewLRU(10), remote, time.Minute)

		_ = remote.Set(ctx, paymentKey, []byte("from-l2"), time.Minute)

		val, err := c.Get(ctx, paymentKey)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "from-l2" {
			t.Errorf("expected 'from-l2', got %q", val)
		}
		if local, _ := c.local.Get(ctx, paymentKey); local == nil {
			t.Error("expected L1 to be filled after an L2 hit")
		}
	})

	t.Run("SetWritesBothTiers", func(t *testing.T) {
		remote := &fakeRemote{LRU: NewLRU(10)}
		c := NewLayered(NewLRU(10), remote, time.Minute)

		if err := c.Set(ctx, paymentKey, []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if v, _ := c.local.Get(ctx, paymentKey); v == nil {
			t.Error("expected L1 write")
		}
		if v, _ := remote.Get(ctx, paymentKey); v == nil {
			t.Error("expected L2 write")
		}
	})

	t.Run("L2SetFailureDropsL1", func(t *testing.T) {
		remote := &fakeRemote{LRU: NewLRU(10)}
		local := NewLRU(10)
		c := NewLayered(local, remote, time.Minute)

		_ = local.Set(ctx, paymentKey, []byte("stale"), time.Minute)
		remote.failSets = true

		if err := c.Set(ctx, paymentKey, []byte("new"), time.Minute); err == nil {
			t.Fatal("expected L2 set failure to surface")
		}
		if v, _ := local.Get(ctx, paymentKey); v != nil {
			t.Errorf("expected L1 entry to be dropped, got %q", v)
		}
	})

	t.Run("DeleteClearsBothTiers", func(t *testing.T) {
		remote := &fakeRemote{LRU: NewLRU(10)}
		c := NewLayered(NewLRU(10), remote, time.Minute)

		_ = c.Set(ctx, paymentKey, []byte("v"), time.Hour)
		_ = c.Delete(ctx, paymentKey)

		if v, _ := c.Get(ctx, paymentKey); v != nil {
			t.Error("expected miss after delete")
		}
	})

	t.Run("L2ReadFailureIsAMiss", func(t *testing.T) {
		remote := &fakeRemote{LRU: NewLRU(10), failGets: true}
		c := NewLayered(NewLRU(10), remote, time.Minute)

		val, err := c.Get(ctx, paymentKey)
		if err != nil {
			t.Errorf("expected L2 failure to be swallowed, got %v", err)
		}
		if val != nil {
			t.Errorf("expected miss, got %q", val)
		}
		if err := c.Ping(ctx); err == nil {
			t.Error("expected Ping to report the L2 failure")
		}
	})
}

func TestNew(t *testing.T) {
	c, err := New(domain.CacheConfig{Backend: "memory", L1Size: 5})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	lru, ok := c.(*LRU)
	if !ok {
		t.Fatalf("expected *LRU, got %T", c)
	}
	if lru.Stats().Capacity != 5 {
		t.Errorf("expected capacity 5, got %d", lru.Stats().Capacity)
	}

	if _, err := New(domain.CacheConfig{Backend: "memcached"}); err == nil {
		t.Error("expected error for unsupported backend")
	}
}
