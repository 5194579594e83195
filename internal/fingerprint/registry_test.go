package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *repository.MemoryRepository, *testClock) {
	t.Helper()
	h, err := NewHasher("registry-test")
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	reg := NewRegistry(repo, cache.NewLRU(100), h, Options{
		SharingPenalty: 25,
		CacheTTL:       time.Minute,
		Now:            clock.Now,
	})
	return reg, repo, clock
}

func TestResolvePaymentCreatesThenUpdates(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.ResolvePayment(ctx, "user-a", testCard())
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.UsageCount)
	assert.Equal(t, []string{"user-a"}, first.AssociatedUsers)
	assert.Equal(t, uint8(0), first.RiskScore)
	assert.Equal(t, "visa", first.BrandClass)
	assert.Equal(t, int64(1), first.Version)

	clock.Advance(time.Hour)

	again, err := reg.ResolvePayment(ctx, "user-a", testCard())
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(2), again.UsageCount)
	assert.Equal(t, []string{"user-a"}, again.AssociatedUsers, "same user must not be added twice")
	assert.Equal(t, uint8(0), again.RiskScore)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)
	assert.True(t, again.LastUsedAt.After(first.LastUsedAt))
}

func TestSharedCardScenario(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := reg.ResolvePayment(ctx, "user-a", testCard())
	require.NoError(t, err)
	b, err := reg.ResolvePayment(ctx, "user-b", testCard())
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID, "identical signals must map to one identity regardless of user")

	report, err := reg.CheckSharing(ctx, domain.KindPayment, a.ID)
	require.NoError(t, err)
	assert.True(t, report.Known)
	assert.True(t, report.IsShared)
	assert.Equal(t, 2, report.UserCount)
	assert.Equal(t, domain.RiskLow, report.RiskLevel)
	assert.Equal(t, uint8(25), b.RiskScore)
}

func TestSharingPenalty(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	var last *domain.PaymentFingerprint
	steps := []struct {
		user  string
		score uint8
	}{
		{"u1", 0},
		{"u2", 25},
		{"u2", 25},
		{"u3", 50},
		{"u1", 50},
		{"u4", 75},
		{"u5", 100},
		{"u6", 100},
	}
	for _, step := range steps {
		fp, err := reg.ResolvePayment(ctx, step.user, testCard())
		require.NoError(t, err)
		assert.Equal(t, step.score, fp.RiskScore, "after %s", step.user)
		last = fp
	}

	report, err := reg.CheckSharing(ctx, domain.KindPayment, last.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, report.UserCount)
	assert.Equal(t, domain.RiskHigh, report.RiskLevel)
}

func TestSharingMonotonicity(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	sig := domain.DeviceSignals{UserAgent: chromeMac, CanvasHash: "abc"}
	users := []string{"a", "b", "a", "c", "b", "d", "a", "e"}

	prevCount, prevScore := 0, uint8(0)
	for _, u := range users {
		fp, err := reg.ResolveDevice(ctx, u, sig)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, fp.UserCount(), prevCount)
		assert.GreaterOrEqual(t, fp.RiskScore, prevScore)
		prevCount, prevScore = fp.UserCount(), fp.RiskScore
	}
	assert.Equal(t, 5, prevCount)
}

func TestSharingLevels(t *testing.T) {
	cases := []struct {
		users int
		want  domain.RiskLevel
	}{
		{0, domain.RiskLow},
		{1, domain.RiskLow},
		{2, domain.RiskLow},
		{3, domain.RiskMedium},
		{4, domain.RiskMedium},
		{5, domain.RiskHigh},
		{12, domain.RiskHigh},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, domain.SharingLevel(c.users), "users=%d", c.users)
	}
}

func TestUnknownFingerprints(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	report, err := reg.CheckSharing(ctx, domain.KindPayment, "pf_doesnotexist")
	require.NoError(t, err)
	assert.False(t, report.Known)
	assert.False(t, report.IsShared)

	blacklisted, err := reg.IsBlacklisted(ctx, domain.KindDevice, "df_doesnotexist")
	require.NoError(t, err)
	assert.False(t, blacklisted)

	fp, err := reg.GetPayment(ctx, "pf_doesnotexist")
	require.NoError(t, err)
	assert.Nil(t, fp)

	_, err = reg.Blacklist(ctx, domain.KindPayment, "pf_doesnotexist", "fraud", "ops")
	assert.True(t, errors.Is(err, domain.ErrFingerprintNotFound))

	err = reg.ResetRisk(ctx, domain.KindPayment, "pf_doesnotexist", "ops")
	assert.True(t, errors.Is(err, domain.ErrFingerprintNotFound))

	_, err = reg.CheckSharing(ctx, "card", "pf_x")
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestBlacklistIsIdempotent(t *testing.T) {
	reg, repo, _ := newTestRegistry(t)
	ctx := context.Background()

	fp, err := reg.ResolvePayment(ctx, "user-a", testCard())
	require.NoError(t, err)

	changed, err := reg.Blacklist(ctx, domain.KindPayment, fp.ID, "chargeback", "analyst-1")
	require.NoError(t, err)
	assert.True(t, changed)

	first, err := reg.GetPayment(ctx, fp.ID)
	require.NoError(t, err)
	assert.Equal(t, uint8(100), first.RiskScore)

	rec, err := repo.Get(ctx, domain.KeyPaymentFingerprints+fp.ID)
	require.NoError(t, err)
	versionAfterFirst := rec.Version

	changed, err = reg.Blacklist(ctx, domain.KindPayment, fp.ID, "again", "analyst-2")
	require.NoError(t, err)
	assert.False(t, changed)

	rec, err = repo.Get(ctx, domain.KeyPaymentFingerprints+fp.ID)
	require.NoError(t, err)
	assert.Equal(t, versionAfterFirst, rec.Version, "second blacklist must not write")

	stored, err := reg.GetPayment(ctx, fp.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsBlacklisted)
	assert.Equal(t, uint8(100), stored.RiskScore)
	require.NotNil(t, stored.Blacklist)
	assert.Equal(t, "chargeback", stored.Blacklist.Reason)
	assert.Equal(t, "analyst-1", stored.Blacklist.Actor)

	blacklisted, err := reg.IsBlacklisted(ctx, domain.KindPayment, fp.ID)
	require.NoError(t, err)
	assert.True(t, blacklisted)
}

func TestResetRisk(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.ResolvePayment(ctx, "a", testCard())
	require.NoError(t, err)
	fp, err := reg.ResolvePayment(ctx, "b", testCard())
	require.NoError(t, err)
	require.Equal(t, uint8(25), fp.RiskScore)

	_, err = reg.Blacklist(ctx, domain.KindPayment, fp.ID, "fraud", "ops")
	require.NoError(t, err)

	require.NoError(t, reg.ResetRisk(ctx, domain.KindPayment, fp.ID, "ops"))

	stored, err := reg.GetPayment(ctx, fp.ID)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), stored.RiskScore)
	assert.False(t, stored.IsBlacklisted)
	assert.Nil(t, stored.Blacklist)
	assert.Equal(t, []string{"a", "b"}, stored.AssociatedUsers, "reset keeps associations")
}

func TestResolveRejectsEmptyUser(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.ResolvePayment(context.Background(), "", testCard())
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestResolveUnhashable(t *testing.T) {
	reg, repo, _ := newTestRegistry(t)
	_, err := reg.ResolvePayment(context.Background(), "u", domain.PaymentSignals{CardNumber: "123"})
	assert.True(t, errors.Is(err, domain.ErrFingerprintingFailed))
	assert.Equal(t, 0, repo.Len())
}

func TestConcurrentResolveSameCard(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	const users = 20
	var wg sync.WaitGroup
	errs := make(chan error, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := reg.ResolvePayment(ctx, fmt.Sprintf("user-%02d", n), testCard()); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent resolve failed: %v", err)
	}

	ident, err := reg.hasher.Payment(testCard())
	require.NoError(t, err)
	fp, err := reg.GetPayment(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, users, fp.UserCount())
	assert.Equal(t, int64(users), fp.UsageCount)
	assert.Equal(t, uint8(100), fp.RiskScore)
}

func TestBusyIdentityDoesNotBlockOthers(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	busy, err := reg.ResolvePayment(ctx, "a", testCard())
	require.NoError(t, err)

	unlock := reg.locks.Lock(keyFor(domain.KindPayment, busy.ID))
	defer unlock()

	other := testCard()
	other.CardNumber = "5500 0000 0000 0004"

	done := make(chan error, 1)
	go func() {
		_, err := reg.ResolvePayment(ctx, "b", other)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("resolving an unrelated card waited on a busy identity")
	}
}

func TestConflictingWriterIsRetried(t *testing.T) {
	reg, repo, _ := newTestRegistry(t)
	ctx := context.Background()

	fp, err := reg.ResolvePayment(ctx, "a", testCard())
	require.NoError(t, err)

	flaky := &conflictOnce{Repository: repo, key: domain.KeyPaymentFingerprints + fp.ID}
	reg.repo = flaky

	updated, err := reg.ResolvePayment(ctx, "b", testCard())
	require.NoError(t, err)
	assert.Equal(t, 2, updated.UserCount())
	assert.Equal(t, 2, flaky.puts)
}

// conflictOnce fails the first versioned write to key as if another node won the race.
type conflictOnce struct {
	domain.Repository
	key  string
	puts int
}

func (c *conflictOnce) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	if key == c.key {
		c.puts++
		if c.puts == 1 {
			return 0, domain.ErrConcurrentModification
		}
	}
	return c.Repository.Put(ctx, key, value, expected)
}

func TestTrackIP(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	n, err := reg.TrackIP(ctx, "198.51.100.4", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, _ = reg.TrackIP(ctx, "198.51.100.4", "a")
	assert.Equal(t, 1, n)

	n, _ = reg.TrackIP(ctx, "198.51.100.4", "b")
	assert.Equal(t, 2, n)

	n, err = reg.TrackIP(ctx, "192.0.2.1", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "accounts are counted per address")
}

func TestList(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	other := testCard()
	other.CardNumber = "5500 0000 0000 0004"

	_, err := reg.ResolvePayment(ctx, "a", testCard())
	require.NoError(t, err)
	_, err = reg.ResolvePayment(ctx, "a", other)
	require.NoError(t, err)
	_, err = reg.ResolveDevice(ctx, "a", domain.DeviceSignals{UserAgent: chromeMac})
	require.NoError(t, err)

	payments, err := reg.List(ctx, domain.KindPayment)
	require.NoError(t, err)
	assert.Len(t, payments, 2)

	devices, err := reg.List(ctx, domain.KindDevice)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}
