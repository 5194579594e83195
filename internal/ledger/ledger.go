// Package ledger is the append-only record of fingerprint usage.
//
// Records live in memory in a time-ordered series per fingerprint, spread over
// a fixed number of shards, and are written through to the repository so the
// index can be rebuilt at startup.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/syncutil"
)

const (
	shardCount = 64

	// DefaultRetention is how long records are kept when no retention is configured.
	DefaultRetention = 90 * 24 * time.Hour
)

type shard struct {
	mu     sync.RWMutex
	series map[string][]domain.UsageRecord
}

// Ledger is safe for concurrent use. Appends to different fingerprints only
// contend when they land on the same shard.
type Ledger struct {
	repo      domain.Repository
	seq       atomic.Uint64
	shards    [shardCount]*shard
	retention time.Duration
	now       func() time.Time
}

// New creates an empty ledger. Call Load to rebuild it from the repository.
func New(repo domain.Repository, retention time.Duration) *Ledger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	l := &Ledger{
		repo:      repo,
		retention: retention,
		now:       time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{series: make(map[string][]domain.UsageRecord)}
	}
	return l
}

// SetClock overrides the ledger clock. Tests only.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Record appends a usage record and returns it with its assigned id.
func (l *Ledger) Record(ctx context.Context, in domain.UsageInput) (domain.UsageRecord, error) {
	if strings.TrimSpace(in.FingerprintID) == "" {
		return domain.UsageRecord{}, fmt.Errorf("%w: fingerprint id is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(in.UserID) == "" {
		return domain.UsageRecord{}, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	if !in.Outcome.Valid() {
		return domain.UsageRecord{}, fmt.Errorf("%w: unknown outcome %q", domain.ErrInvalidInput, in.Outcome)
	}
	if in.Amount.IsNegative() {
		return domain.UsageRecord{}, fmt.Errorf("%w: amount must not be negative", domain.ErrInvalidInput)
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	rec := domain.UsageRecord{
		ID:            l.seq.Add(1),
		FingerprintID: in.FingerprintID,
		UserID:        in.UserID,
		TransactionID: in.TransactionID,
		Amount:        in.Amount,
		Currency:      strings.ToUpper(in.Currency),
		Timestamp:     ts.UTC(),
		Outcome:       in.Outcome,
		Flags:         in.Flags,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return domain.UsageRecord{}, fmt.Errorf("encode usage record: %w", err)
	}
	if _, err := l.repo.Put(ctx, recordKey(rec.FingerprintID, rec.ID), data, domain.NewRecord); err != nil {
		return domain.UsageRecord{}, fmt.Errorf("persist usage record: %w", err)
	}

	l.insert(rec)
	metrics.UsageRecordsTotal.WithLabelValues(string(rec.Outcome)).Inc()
	return rec, nil
}

// insert places rec into its series, keeping (timestamp, id) order.
func (l *Ledger) insert(rec domain.UsageRecord) {
	s := l.shardFor(rec.FingerprintID)
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.series[rec.FingerprintID]
	n := len(series)
	if n == 0 || !before(rec, series[n-1]) {
		s.series[rec.FingerprintID] = append(series, rec)
		return
	}

	i := sort.Search(n, func(i int) bool { return before(rec, series[i]) })
	series = append(series, domain.UsageRecord{})
	copy(series[i+1:], series[i:])
	series[i] = rec
	s.series[rec.FingerprintID] = series
}

// Recent returns the records for fp within the trailing window, oldest first.
// The cost is proportional to the number of records returned.
func (l *Ledger) Recent(fp string, window time.Duration) []domain.UsageRecord {
	cutoff := l.now().Add(-window)

	s := l.shardFor(fp)
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.series[fp]
	i := sort.Search(len(series), func(i int) bool {
		return !series[i].Timestamp.Before(cutoff)
	})
	if i == len(series) {
		return nil
	}
	out := make([]domain.UsageRecord, len(series)-i)
	copy(out, series[i:])
	return out
}

// Latest returns up to n of the most recent records for fp, oldest first.
func (l *Ledger) Latest(fp string, n int) []domain.UsageRecord {
	if n <= 0 {
		return nil
	}
	s := l.shardFor(fp)
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.series[fp]
	start := len(series) - n
	if start < 0 {
		start = 0
	}
	if start == len(series) {
		return nil
	}
	out := make([]domain.UsageRecord, len(series)-start)
	copy(out, series[start:])
	return out
}

// Fingerprints returns every fingerprint id with at least one record, sorted.
func (l *Ledger) Fingerprints() []string {
	var ids []string
	for _, s := range l.shards {
		s.mu.RLock()
		for id := range s.series {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of records held in memory.
func (l *Ledger) Len() int {
	total := 0
	for _, s := range l.shards {
		s.mu.RLock()
		for _, series := range s.series {
			total += len(series)
		}
		s.mu.RUnlock()
	}
	return total
}

// Purge drops records older than the retention window from memory and the
// repository. It returns how many records were removed.
func (l *Ledger) Purge(ctx context.Context) (int, error) {
	cutoff := l.now().Add(-l.retention)

	var expired []domain.UsageRecord
	for _, s := range l.shards {
		s.mu.Lock()
		for fp, series := range s.series {
			i := sort.Search(len(series), func(i int) bool {
				return !series[i].Timestamp.Before(cutoff)
			})
			if i == 0 {
				continue
			}
			expired = append(expired, series[:i]...)
			if i == len(series) {
				delete(s.series, fp)
				continue
			}
			kept := make([]domain.UsageRecord, len(series)-i)
			copy(kept, series[i:])
			s.series[fp] = kept
		}
		s.mu.Unlock()
	}

	var errs []error
	for _, rec := range expired {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := l.repo.Delete(ctx, recordKey(rec.FingerprintID, rec.ID), domain.AnyVersion)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
		}
	}

	metrics.UsageRecordsPurgedTotal.Add(float64(len(expired)))
	if len(expired) > 0 {
		slog.Info("usage ledger purged",
			"removed", len(expired),
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	if len(errs) > 0 {
		return len(expired), fmt.Errorf("purge usage records: %w", errors.Join(errs...))
	}
	return len(expired), nil
}

// Load rebuilds the in-memory index from the repository and advances the
// sequence past the highest stored id. Records already past retention are
// deleted instead of loaded.
func (l *Ledger) Load(ctx context.Context) error {
	recs, err := l.repo.List(ctx, domain.KeyUsage)
	if err != nil {
		return fmt.Errorf("load usage records: %w", err)
	}

	cutoff := l.now().Add(-l.retention)
	loaded, skipped := 0, 0
	for _, r := range recs {
		var rec domain.UsageRecord
		if err := json.Unmarshal(r.Value, &rec); err != nil {
			slog.Warn("skipping undecodable usage record", "key", r.Key, "error", err)
			skipped++
			continue
		}
		for {
			cur := l.seq.Load()
			if rec.ID <= cur || l.seq.CompareAndSwap(cur, rec.ID) {
				break
			}
		}
		if rec.Timestamp.Before(cutoff) {
			if err := l.repo.Delete(ctx, r.Key, domain.AnyVersion); err != nil && !errors.Is(err, domain.ErrNotFound) {
				slog.Warn("failed to delete expired usage record", "key", r.Key, "error", err)
			}
			skipped++
			continue
		}
		l.insert(rec)
		loaded++
	}

	slog.Info("usage ledger loaded",
		"records", loaded,
		"skipped", skipped,
		"next_seq", l.seq.Load()+1,
	)
	return nil
}

func (l *Ledger) shardFor(fp string) *shard {
	return l.shards[syncutil.Shard(fp, shardCount)]
}

func recordKey(fp string, seq uint64) string {
	return fmt.Sprintf("%s%s:%020d", domain.KeyUsage, fp, seq)
}

func before(a, b domain.UsageRecord) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}
