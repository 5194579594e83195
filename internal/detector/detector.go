// Package detector finds cross-account abuse patterns in the ledger and the
// fingerprint registry.
//
// Detection is additive: every run produces new CardRiskPattern records and
// never edits earlier ones. Consumers read the latest patterns with List.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/velocity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Detection thresholds.
const (
	sharedMediumUsers = 3
	sharedHighUsers   = 5

	velocityWindow     = time.Hour
	velocityMaxRecords = 5

	cardTestingSample      = 100
	cardTestingMaxFailures = 3
)

var tracer = otel.Tracer("harrier-detector")

// UsageSource is the part of the ledger the detector scans.
type UsageSource interface {
	velocity.Source
	Fingerprints() []string
}

// FingerprintSource lists stored identities.
type FingerprintSource interface {
	List(ctx context.Context, kind domain.FingerprintKind) ([]domain.Fingerprint, error)
}

// Detector runs the pattern checks. Bus may be nil.
type Detector struct {
	repo     domain.Repository
	bus      domain.EventBus
	registry FingerprintSource
	usage    UsageSource
	counts   *velocity.Service
	now      func() time.Time
}

// New creates a detector.
func New(repo domain.Repository, eventBus domain.EventBus, registry FingerprintSource, usage UsageSource) *Detector {
	return &Detector{
		repo:     repo,
		bus:      eventBus,
		registry: registry,
		usage:    usage,
		counts:   velocity.NewService(usage),
		now:      time.Now,
	}
}

// Run executes every check concurrently, persists and publishes what they
// found, and returns the new patterns ordered by type and fingerprint.
func (d *Detector) Run(ctx context.Context) ([]domain.CardRiskPattern, error) {
	ctx, span := tracer.Start(ctx, "detector.Run")
	defer span.End()

	start := time.Now()
	at := d.now().UTC()

	var multiUser, velocity, cardTesting []domain.CardRiskPattern
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		multiUser, err = d.detectMultiUser(gctx, at)
		return err
	})
	g.Go(func() error {
		velocity = d.detectVelocity(at)
		return nil
	})
	g.Go(func() error {
		cardTesting = d.detectCardTesting(at)
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("pattern detection: %w", err)
	}

	patterns := make([]domain.CardRiskPattern, 0, len(multiUser)+len(velocity)+len(cardTesting))
	patterns = append(patterns, multiUser...)
	patterns = append(patterns, velocity...)
	patterns = append(patterns, cardTesting...)
	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].PatternType != patterns[j].PatternType {
			return patterns[i].PatternType < patterns[j].PatternType
		}
		return patterns[i].FingerprintIDs[0] < patterns[j].FingerprintIDs[0]
	})

	for i := range patterns {
		p := &patterns[i]
		if err := d.save(ctx, p); err != nil {
			span.RecordError(err)
			return nil, err
		}
		metrics.PatternsDetectedTotal.WithLabelValues(string(p.PatternType)).Inc()
		if d.bus != nil {
			if err := bus.PublishJSON(ctx, d.bus, domain.TopicPatternDetected, p); err != nil {
				slog.Warn("failed to publish pattern", "pattern_id", p.ID, "error", err)
			}
		}
	}

	span.SetAttributes(attribute.Int("patterns.count", len(patterns)))
	slog.Info("pattern detection completed",
		"patterns", len(patterns),
		"multi_user", len(multiUser),
		"velocity", len(velocity),
		"card_testing", len(cardTesting),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return patterns, nil
}

// List returns persisted patterns detected at or after since, oldest first.
func (d *Detector) List(ctx context.Context, since time.Time) ([]domain.CardRiskPattern, error) {
	recs, err := d.repo.List(ctx, domain.KeyPatterns)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}

	out := make([]domain.CardRiskPattern, 0, len(recs))
	for _, rec := range recs {
		var p domain.CardRiskPattern
		if err := json.Unmarshal(rec.Value, &p); err != nil {
			slog.Warn("skipping undecodable pattern", "key", rec.Key, "error", err)
			continue
		}
		if p.DetectedAt.Before(since) {
			continue
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (d *Detector) detectMultiUser(ctx context.Context, at time.Time) ([]domain.CardRiskPattern, error) {
	ctx, span := tracer.Start(ctx, "detector.multiUser")
	defer span.End()

	var out []domain.CardRiskPattern
	for _, kind := range []domain.FingerprintKind{domain.KindPayment, domain.KindDevice} {
		fps, err := d.registry.List(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, fp := range fps {
			st := fp.State()
			users := st.UserCount()
			if users < sharedMediumUsers {
				continue
			}
			severity, confidence := domain.SeverityMedium, 0.7
			if users >= sharedHighUsers {
				severity, confidence = domain.SeverityHigh, 0.9
			}
			out = append(out, domain.CardRiskPattern{
				PatternType:    domain.PatternMultiUser,
				Severity:       severity,
				Description:    fmt.Sprintf("%s fingerprint shared by %d accounts", kind, users),
				DetectedAt:     at,
				FingerprintIDs: []string{st.ID},
				UserIDs:        append([]string(nil), st.AssociatedUsers...),
				Confidence:     confidence,
			})
		}
	}
	span.SetAttributes(attribute.Int("patterns.count", len(out)))
	return out, nil
}

func (d *Detector) detectVelocity(at time.Time) []domain.CardRiskPattern {
	var out []domain.CardRiskPattern
	for _, fp := range d.usage.Fingerprints() {
		recs := d.usage.Recent(fp, velocityWindow)
		if len(recs) <= velocityMaxRecords {
			continue
		}
		out = append(out, domain.CardRiskPattern{
			PatternType:    domain.PatternVelocity,
			Severity:       domain.SeverityHigh,
			Description:    fmt.Sprintf("%d uses in the last hour", len(recs)),
			DetectedAt:     at,
			FingerprintIDs: []string{fp},
			UserIDs:        distinctUsers(recs),
			Confidence:     scaled(0.6, 0.05, len(recs)-velocityMaxRecords),
		})
	}
	return out
}

func (d *Detector) detectCardTesting(at time.Time) []domain.CardRiskPattern {
	var out []domain.CardRiskPattern
	for _, fp := range d.usage.Fingerprints() {
		failures := d.counts.FailuresInLatest(fp, cardTestingSample)
		if failures <= cardTestingMaxFailures {
			continue
		}
		recs := d.usage.Latest(fp, cardTestingSample)
		out = append(out, domain.CardRiskPattern{
			PatternType:    domain.PatternCardTesting,
			Severity:       domain.SeverityMedium,
			Description:    fmt.Sprintf("%d failed or declined attempts in the last %d uses", failures, len(recs)),
			DetectedAt:     at,
			FingerprintIDs: []string{fp},
			UserIDs:        distinctUsers(recs),
			Confidence:     scaled(0.6, 0.05, failures-cardTestingMaxFailures),
		})
	}
	return out
}

func (d *Detector) save(ctx context.Context, p *domain.CardRiskPattern) error {
	p.ID = uuid.New().String()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pattern: %w", err)
	}
	if _, err := d.repo.Put(ctx, domain.KeyPatterns+p.ID, data, domain.NewRecord); err != nil {
		return fmt.Errorf("persist pattern: %w", err)
	}
	return nil
}

func distinctUsers(recs []domain.UsageRecord) []string {
	seen := make(map[string]struct{}, len(recs))
	users := make([]string, 0, len(recs))
	for _, r := range recs {
		if _, ok := seen[r.UserID]; ok {
			continue
		}
		seen[r.UserID] = struct{}{}
		users = append(users, r.UserID)
	}
	sort.Strings(users)
	return users
}

// scaled grows base by step for each unit over the limit, capped at 1.
func scaled(base, step float64, over int) float64 {
	return min(1, base+step*float64(over-1))
}
