// Package fingerprint gives payment instruments and devices stable,
// privacy-preserving identities and tracks which users share them.
package fingerprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/retry"
	"github.com/opensource-finance/harrier/internal/syncutil"
)

const (
	casAttempts  = 3
	casBaseDelay = 5 * time.Millisecond

	maxRiskScore = 100
)

// Options tunes a Registry.
type Options struct {
	// SharingPenalty is added to the risk score when a new user joins an
	// identity that then has more than one user. Scores cap at 100.
	SharingPenalty uint8

	// CacheTTL bounds how long a record is served from cache.
	CacheTTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Registry resolves signals into identities and maintains their association sets.
//
// Writes are serialized per id by an in-process keyed lock and made safe across
// nodes by versioned writes to the repository, retried on conflict. Reads go
// through the cache; every mutation writes the repository first and then
// refreshes the cache entry.
type Registry struct {
	repo     domain.Repository
	cache    domain.Cache
	hasher   *Hasher
	locks    syncutil.KeyedMutex
	penalty  uint8
	cacheTTL time.Duration
	now      func() time.Time
}

// NewRegistry creates a registry. cache may be nil.
func NewRegistry(repo domain.Repository, cache domain.Cache, hasher *Hasher, opts Options) *Registry {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SharingPenalty > 100 {
		opts.SharingPenalty = 100
	}
	return &Registry{
		repo:     repo,
		cache:    cache,
		hasher:   hasher,
		penalty:  opts.SharingPenalty,
		cacheTTL: opts.CacheTTL,
		now:      opts.Now,
	}
}

// ResolvePayment returns the identity for the payment signals, creating it on
// first sight, and associates userID with it.
func (r *Registry) ResolvePayment(ctx context.Context, userID string, sig domain.PaymentSignals) (*domain.PaymentFingerprint, error) {
	ident, err := r.hasher.Payment(sig)
	if err != nil {
		return nil, err
	}

	fp := &domain.PaymentFingerprint{}
	created, err := r.resolve(ctx, domain.KindPayment, ident.ID, userID, fp, func() {
		*fp = domain.PaymentFingerprint{BrandClass: ident.BrandClass, BINHash: ident.BINHash}
	})
	if err != nil {
		return nil, err
	}
	observeResolve(domain.KindPayment, created)
	return fp, nil
}

// ResolveDevice returns the identity for the device bundle, creating it on
// first sight, and associates userID with it.
func (r *Registry) ResolveDevice(ctx context.Context, userID string, sig domain.DeviceSignals) (*domain.DeviceFingerprint, error) {
	ident, err := r.hasher.Device(sig)
	if err != nil {
		return nil, err
	}

	fp := &domain.DeviceFingerprint{}
	created, err := r.resolve(ctx, domain.KindDevice, ident.ID, userID, fp, func() {
		*fp = domain.DeviceFingerprint{
			Browser:  ident.Browser,
			OS:       ident.OS,
			Platform: ident.Platform,
			Mobile:   ident.Mobile,
		}
	})
	if err != nil {
		return nil, err
	}
	observeResolve(domain.KindDevice, created)
	return fp, nil
}

// resolve loads or creates the record at id inside dst and applies the usage
// update. It reports whether the record was created.
func (r *Registry) resolve(ctx context.Context, kind domain.FingerprintKind, id, userID string, dst domain.Fingerprint, reset func()) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}

	key := keyFor(kind, id)
	unlock := r.locks.Lock(key)
	defer unlock()

	var created bool
	err := retry.OnlyIf(ctx, domain.ErrConcurrentModification, casAttempts, casBaseDelay, func() error {
		reset()
		version, err := r.load(ctx, key, dst)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			reset()
			now := r.now().UTC()
			st := dst.State()
			st.ID = id
			st.CreatedAt = now
			version = domain.NewRecord
			created = true
		case err != nil:
			return err
		default:
			created = false
		}

		if joined := r.touch(dst.State(), userID); joined && !created {
			slog.Debug("fingerprint association grew",
				"kind", kind,
				"fingerprint_id", id,
				"user_count", dst.State().UserCount(),
				"risk_score", dst.State().RiskScore,
			)
		}
		return r.save(ctx, key, dst, version)
	})
	if err != nil {
		return false, fmt.Errorf("resolve %s fingerprint: %w", kind, err)
	}
	return created, nil
}

// touch records one use by userID and applies the sharing penalty when a new
// user makes the set shared. It reports whether userID was new.
func (r *Registry) touch(st *domain.FingerprintState, userID string) bool {
	st.UsageCount++
	st.LastUsedAt = r.now().UTC()

	if st.HasUser(userID) {
		return false
	}
	st.AssociatedUsers = insertSorted(st.AssociatedUsers, userID)
	if st.UserCount() > 1 {
		st.RiskScore = addCapped(st.RiskScore, r.penalty)
	}
	return true
}

// CheckSharing reports how widely an identity is shared. Unknown ids yield
// Known=false and no error.
func (r *Registry) CheckSharing(ctx context.Context, kind domain.FingerprintKind, id string) (domain.SharingReport, error) {
	fp, err := r.Get(ctx, kind, id)
	if err != nil {
		return domain.SharingReport{}, err
	}
	if fp == nil {
		return domain.SharingReport{FingerprintID: id, Kind: kind, RiskLevel: domain.RiskLow}, nil
	}
	return fp.State().Report(kind), nil
}

// IsBlacklisted reports whether the identity is blacklisted. Unknown ids are not.
func (r *Registry) IsBlacklisted(ctx context.Context, kind domain.FingerprintKind, id string) (bool, error) {
	fp, err := r.Get(ctx, kind, id)
	if err != nil || fp == nil {
		return false, err
	}
	return fp.State().IsBlacklisted, nil
}

// Blacklist marks the identity as blacklisted and pins its risk score at 100.
// It is idempotent: blacklisting an already blacklisted identity changes
// nothing and reports changed=false.
func (r *Registry) Blacklist(ctx context.Context, kind domain.FingerprintKind, id, reason, actor string) (bool, error) {
	changed := false
	err := r.mutate(ctx, kind, id, func(st *domain.FingerprintState) bool {
		changed = false
		if st.IsBlacklisted && st.RiskScore == maxRiskScore {
			return false
		}
		if !st.IsBlacklisted || st.Blacklist == nil {
			st.Blacklist = &domain.Blacklisting{Reason: reason, Actor: actor, At: r.now().UTC()}
		}
		st.IsBlacklisted = true
		st.RiskScore = maxRiskScore
		changed = true
		return true
	})
	if err != nil {
		return false, err
	}
	if changed {
		metrics.FingerprintsBlacklistedTotal.WithLabelValues(string(kind)).Inc()
		slog.Info("fingerprint blacklisted",
			"kind", kind,
			"fingerprint_id", id,
			"reason", reason,
			"actor", actor,
		)
	}
	return changed, nil
}

// ResetRisk zeroes the risk score and lifts any blacklisting. Association sets
// are kept.
func (r *Registry) ResetRisk(ctx context.Context, kind domain.FingerprintKind, id, actor string) error {
	err := r.mutate(ctx, kind, id, func(st *domain.FingerprintState) bool {
		if st.RiskScore == 0 && !st.IsBlacklisted {
			return false
		}
		st.RiskScore = 0
		st.IsBlacklisted = false
		st.Blacklist = nil
		return true
	})
	if err != nil {
		return err
	}
	slog.Info("fingerprint risk reset", "kind", kind, "fingerprint_id", id, "actor", actor)
	return nil
}

// mutate applies fn to an existing identity under its lock. fn returns false
// to skip the write.
func (r *Registry) mutate(ctx context.Context, kind domain.FingerprintKind, id string, fn func(*domain.FingerprintState) bool) error {
	fp, err := newFingerprint(kind)
	if err != nil {
		return err
	}
	if !hasPrefixFor(kind, id) {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrFingerprintNotFound)
	}

	key := keyFor(kind, id)
	unlock := r.locks.Lock(key)
	defer unlock()

	err = retry.OnlyIf(ctx, domain.ErrConcurrentModification, casAttempts, casBaseDelay, func() error {
		fp, _ = newFingerprint(kind)
		version, err := r.load(ctx, key, fp)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%s %s: %w", kind, id, domain.ErrFingerprintNotFound)
		}
		if err != nil {
			return err
		}
		if !fn(fp.State()) {
			return nil
		}
		return r.save(ctx, key, fp, version)
	})
	return err
}

// Get returns the stored identity, or nil for an unknown id.
func (r *Registry) Get(ctx context.Context, kind domain.FingerprintKind, id string) (domain.Fingerprint, error) {
	fp, err := newFingerprint(kind)
	if err != nil {
		return nil, err
	}
	if !hasPrefixFor(kind, id) {
		return nil, nil
	}

	key := keyFor(kind, id)
	if r.cache != nil {
		if data, _ := r.cache.Get(ctx, key); data != nil {
			if err := json.Unmarshal(data, fp); err == nil {
				return fp, nil
			}
		}
	}

	if _, err := r.load(ctx, key, fp); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	r.refreshCache(ctx, key, fp)
	return fp, nil
}

// GetPayment returns the stored payment identity, or nil for an unknown id.
func (r *Registry) GetPayment(ctx context.Context, id string) (*domain.PaymentFingerprint, error) {
	fp, err := r.Get(ctx, domain.KindPayment, id)
	if err != nil || fp == nil {
		return nil, err
	}
	return fp.(*domain.PaymentFingerprint), nil
}

// List returns every stored identity of kind straight from the repository.
func (r *Registry) List(ctx context.Context, kind domain.FingerprintKind) ([]domain.Fingerprint, error) {
	if _, err := newFingerprint(kind); err != nil {
		return nil, err
	}
	recs, err := r.repo.List(ctx, keyFor(kind, ""))
	if err != nil {
		return nil, fmt.Errorf("list %s fingerprints: %w", kind, err)
	}

	out := make([]domain.Fingerprint, 0, len(recs))
	for _, rec := range recs {
		fp, _ := newFingerprint(kind)
		if err := json.Unmarshal(rec.Value, fp); err != nil {
			slog.Warn("skipping undecodable fingerprint", "key", rec.Key, "error", err)
			continue
		}
		fp.State().Version = rec.Version
		out = append(out, fp)
	}
	return out, nil
}

// TrackIP associates userID with ip and returns the number of distinct
// accounts seen from it.
func (r *Registry) TrackIP(ctx context.Context, ip, userID string) (int, error) {
	id, err := r.hasher.IP(ip)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}

	key := domain.KeyIPAccounts + id
	unlock := r.locks.Lock(key)
	defer unlock()

	var accounts domain.IPAccounts
	err = retry.OnlyIf(ctx, domain.ErrConcurrentModification, casAttempts, casBaseDelay, func() error {
		accounts = domain.IPAccounts{}
		version, err := r.load(ctx, key, &accounts)
		now := r.now().UTC()
		switch {
		case errors.Is(err, domain.ErrNotFound):
			accounts = domain.IPAccounts{ID: id, FirstSeen: now}
			version = domain.NewRecord
		case err != nil:
			return err
		}

		accounts.LastSeen = now
		for _, u := range accounts.UserIDs {
			if u == userID {
				return nil
			}
		}
		accounts.UserIDs = insertSorted(accounts.UserIDs, userID)
		return r.saveIP(ctx, key, &accounts, version)
	})
	if err != nil {
		return 0, fmt.Errorf("track ip: %w", err)
	}
	return len(accounts.UserIDs), nil
}

func (r *Registry) load(ctx context.Context, key string, dst any) (int64, error) {
	rec, err := r.repo.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(rec.Value, dst); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	switch v := dst.(type) {
	case domain.Fingerprint:
		v.State().Version = rec.Version
	case *domain.IPAccounts:
		v.Version = rec.Version
	}
	return rec.Version, nil
}

func (r *Registry) save(ctx context.Context, key string, fp domain.Fingerprint, version int64) error {
	data, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	newVersion, err := r.repo.Put(ctx, key, data, version)
	if err != nil {
		return err
	}
	fp.State().Version = newVersion
	r.refreshCache(ctx, key, fp)
	return nil
}

func (r *Registry) saveIP(ctx context.Context, key string, accounts *domain.IPAccounts, version int64) error {
	data, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	newVersion, err := r.repo.Put(ctx, key, data, version)
	if err != nil {
		return err
	}
	accounts.Version = newVersion
	return nil
}

func (r *Registry) refreshCache(ctx context.Context, key string, fp domain.Fingerprint) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(fp)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, data, r.cacheTTL); err != nil {
		slog.Warn("fingerprint cache refresh failed", "key", key, "error", err)
		_ = r.cache.Delete(ctx, key)
	}
}

func newFingerprint(kind domain.FingerprintKind) (domain.Fingerprint, error) {
	switch kind {
	case domain.KindPayment:
		return &domain.PaymentFingerprint{}, nil
	case domain.KindDevice:
		return &domain.DeviceFingerprint{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown fingerprint kind %q", domain.ErrInvalidInput, kind)
	}
}

func keyFor(kind domain.FingerprintKind, id string) string {
	if kind == domain.KindDevice {
		return domain.KeyDeviceFingerprints + id
	}
	return domain.KeyPaymentFingerprints + id
}

func hasPrefixFor(kind domain.FingerprintKind, id string) bool {
	if kind == domain.KindDevice {
		return strings.HasPrefix(id, DevicePrefix)
	}
	return strings.HasPrefix(id, PaymentPrefix)
}

func observeResolve(kind domain.FingerprintKind, created bool) {
	result := "existing"
	if created {
		result = "new"
	}
	metrics.FingerprintsResolvedTotal.WithLabelValues(string(kind), result).Inc()
}

func insertSorted(users []string, u string) []string {
	i := sort.SearchStrings(users, u)
	users = append(users, "")
	copy(users[i+1:], users[i:])
	users[i] = u
	return users
}

func addCapped(score, delta uint8) uint8 {
	if int(score)+int(delta) > maxRiskScore {
		return maxRiskScore
	}
	return score + delta
}
