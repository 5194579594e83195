// Package engine ties the registry, ledger, rule engine and aggregator into the
// assessment flow and owns their lifecycle.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/aggregator"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/detector"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/fingerprint"
	"github.com/opensource-finance/harrier/internal/ledger"
	"github.com/opensource-finance/harrier/internal/logging"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("harrier-engine")

// DefaultHistoryLimit caps History when no limit is given.
const DefaultHistoryLimit = 50

// Deps are the collaborators an Engine is built from. Bus and Detector are optional.
type Deps struct {
	Repo       domain.Repository
	Bus        domain.EventBus
	Registry   *fingerprint.Registry
	Ledger     *ledger.Ledger
	Rules      *rules.Engine
	Aggregator *aggregator.Processor
	Detector   *detector.Detector

	// SeedDefaultRules installs the default policy on Start when the rule store is empty.
	SeedDefaultRules bool
}

// Engine is the fraud and risk assessment service.
type Engine struct {
	repo       domain.Repository
	bus        domain.EventBus
	registry   *fingerprint.Registry
	ledger     *ledger.Ledger
	rules      *rules.Engine
	aggregator *aggregator.Processor
	detector   *detector.Detector
	seed       bool
	now        func() time.Time
}

// New validates deps and builds an engine. Call Start before serving.
func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Repo == nil:
		return nil, errors.New("engine: repository is required")
	case deps.Registry == nil:
		return nil, errors.New("engine: fingerprint registry is required")
	case deps.Ledger == nil:
		return nil, errors.New("engine: usage ledger is required")
	case deps.Rules == nil:
		return nil, errors.New("engine: rule engine is required")
	}
	if deps.Aggregator == nil {
		deps.Aggregator = aggregator.NewProcessor()
	}

	return &Engine{
		repo:       deps.Repo,
		bus:        deps.Bus,
		registry:   deps.Registry,
		ledger:     deps.Ledger,
		rules:      deps.Rules,
		aggregator: deps.Aggregator,
		detector:   deps.Detector,
		seed:       deps.SeedDefaultRules,
		now:        time.Now,
	}, nil
}

// Start loads persistent state: the usage index and the rule set.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.ledger.Load(ctx); err != nil {
		return fmt.Errorf("load usage ledger: %w", err)
	}
	if e.seed {
		if _, err := e.rules.SeedDefaults(ctx); err != nil {
			return fmt.Errorf("seed default rules: %w", err)
		}
	}
	if _, err := e.rules.Reload(ctx); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	slog.Info("engine started",
		"rules", e.rules.RulesCount(),
		"active_rules", e.rules.ActiveCount(),
		"usage_records", e.ledger.Len(),
	)
	return nil
}

// Close releases in-memory state. The repository and bus are closed by their owner.
func (e *Engine) Close() error {
	return e.rules.Close()
}

// Rules exposes the rule administration surface.
func (e *Engine) Rules() *rules.Engine {
	return e.rules
}

// Assess scores one user action and returns the persisted assessment.
// Only fingerprinting failures and store failures while resolving identities
// abort the assessment; rule faults are contained per rule.
func (e *Engine) Assess(ctx context.Context, userID string, req domain.RequestContext) (*domain.FraudAssessment, error) {
	ctx, span := tracer.Start(ctx, "engine.Assess",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	start := time.Now()
	now := e.now().UTC()
	log := logging.L(ctx)

	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}

	in := &rules.Input{UserID: userID, Request: req, Now: now}
	if err := e.resolve(ctx, in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fingerprinting failed")
		metrics.AssessmentFailuresTotal.WithLabelValues("fingerprint").Inc()
		return nil, err
	}

	evals := e.rules.Evaluate(ctx, in)
	decision := e.aggregator.Aggregate(evals)

	a := &domain.FraudAssessment{
		ID:               uuid.New().String(),
		UserID:           userID,
		OverallRiskScore: decision.Score,
		Confidence:       decision.Confidence,
		Recommendation:   decision.Recommendation,
		TriggeredRules:   decision.Triggered,
		RiskFactors:      decision.RiskFactors,
		Timestamp:        now,
		TransactionID:    req.TransactionID,
		RulesEvaluated:   decision.RulesEvaluated,
	}
	if in.Payment != nil {
		a.PaymentFingerprintID = in.Payment.ID
	}
	if in.Device != nil {
		a.DeviceFingerprintID = in.Device.ID
	}
	a.DurationMs = time.Since(start).Milliseconds()

	if err := e.saveAssessment(ctx, a); err != nil {
		span.RecordError(err)
		metrics.AssessmentFailuresTotal.WithLabelValues("persist").Inc()
		return nil, err
	}

	if ids := a.TriggeredRuleIDs(); len(ids) > 0 {
		for _, id := range ids {
			metrics.RuleTriggersTotal.WithLabelValues(id).Inc()
		}
		e.rules.RecordTriggers(ctx, ids, now)
	}
	if a.Recommendation == domain.RecommendBlock && in.Payment != nil {
		e.recordBlocked(ctx, a, req)
	}
	e.publish(ctx, domain.TopicAssessmentCompleted, a)
	if a.Recommendation == domain.RecommendBlock {
		e.publish(ctx, domain.TopicAlert, a)
	}

	metrics.AssessmentsTotal.WithLabelValues(string(a.Recommendation)).Inc()
	metrics.AssessmentDuration.Observe(time.Since(start).Seconds())
	metrics.RiskScore.Observe(a.OverallRiskScore)

	span.SetAttributes(
		attribute.String("assessment.id", a.ID),
		attribute.String("assessment.recommendation", string(a.Recommendation)),
		attribute.Float64("assessment.score", a.OverallRiskScore),
	)
	log.Info("assessment completed",
		"assessment_id", a.ID,
		"user_id", userID,
		"recommendation", a.Recommendation,
		"score", a.OverallRiskScore,
		"triggered", len(a.TriggeredRules),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return a, nil
}

// resolve fills the identity part of in from the request signals.
func (e *Engine) resolve(ctx context.Context, in *rules.Input) error {
	req := in.Request
	if req.Payment != nil {
		fp, err := e.registry.ResolvePayment(ctx, in.UserID, *req.Payment)
		if err != nil {
			return fmt.Errorf("resolve payment fingerprint: %w", err)
		}
		in.Payment = fp
	}
	if sig := req.DeviceSignals(); sig != nil {
		fp, err := e.registry.ResolveDevice(ctx, in.UserID, *sig)
		if err != nil {
			return fmt.Errorf("resolve device fingerprint: %w", err)
		}
		in.Device = fp
	}
	if req.IP != "" {
		n, err := e.registry.TrackIP(ctx, req.IP, in.UserID)
		if err != nil {
			return err
		}
		in.IPAccounts = n
	}
	return nil
}

func (e *Engine) saveAssessment(ctx context.Context, a *domain.FraudAssessment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode assessment: %w", err)
	}
	if _, err := e.repo.Put(ctx, domain.KeyAssessments+a.ID, data, domain.NewRecord); err != nil {
		return fmt.Errorf("persist assessment %s: %w", a.ID, err)
	}
	return nil
}

// recordBlocked writes the fraud_blocked usage event for a blocked payment attempt.
func (e *Engine) recordBlocked(ctx context.Context, a *domain.FraudAssessment, req domain.RequestContext) {
	_, err := e.ledger.Record(ctx, domain.UsageInput{
		FingerprintID: a.PaymentFingerprintID,
		UserID:        a.UserID,
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Outcome:       domain.OutcomeFraudBlocked,
		Timestamp:     a.Timestamp,
	})
	if err != nil {
		logging.L(ctx).Warn("failed to record blocked attempt",
			"assessment_id", a.ID,
			"error", err,
		)
	}
}

func (e *Engine) publish(ctx context.Context, topic string, v any) {
	if e.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, e.bus, topic, v); err != nil {
		logging.L(ctx).Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// GetAssessment returns a stored assessment.
func (e *Engine) GetAssessment(ctx context.Context, id string) (*domain.FraudAssessment, error) {
	rec, err := e.repo.Get(ctx, domain.KeyAssessments+id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrAssessmentNotFound)
	}
	if err != nil {
		return nil, err
	}
	var a domain.FraudAssessment
	if err := json.Unmarshal(rec.Value, &a); err != nil {
		return nil, fmt.Errorf("decode assessment %s: %w", id, err)
	}
	return &a, nil
}

// History returns the user's assessments, newest first. A limit <= 0 uses
// DefaultHistoryLimit.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]*domain.FraudAssessment, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	recs, err := e.repo.List(ctx, domain.KeyAssessments)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}

	var out []*domain.FraudAssessment
	for _, rec := range recs {
		var a domain.FraudAssessment
		if err := json.Unmarshal(rec.Value, &a); err != nil {
			slog.Warn("skipping undecodable assessment", "key", rec.Key, "error", err)
			continue
		}
		if a.UserID == userID {
			out = append(out, &a)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordReviewOutcome applies an analyst verdict to the rules that fired for
// an assessment. Each assessment can be reviewed once.
func (e *Engine) RecordReviewOutcome(ctx context.Context, assessmentID string, truePositive bool, actor string) (*domain.ReviewOutcome, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}
	a, err := e.GetAssessment(ctx, assessmentID)
	if err != nil {
		return nil, err
	}

	review := &domain.ReviewOutcome{
		AssessmentID:    a.ID,
		WasTruePositive: truePositive,
		Actor:           actor,
		RuleIDs:         a.TriggeredRuleIDs(),
		ReviewedAt:      e.now().UTC(),
	}
	data, err := json.Marshal(review)
	if err != nil {
		return nil, fmt.Errorf("encode review: %w", err)
	}
	if _, err := e.repo.Put(ctx, domain.KeyReviews+a.ID, data, domain.NewRecord); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			return nil, fmt.Errorf("%s: %w", a.ID, domain.ErrAlreadyReviewed)
		}
		return nil, fmt.Errorf("persist review: %w", err)
	}

	if err := e.rules.RecordReviewOutcome(ctx, review.RuleIDs, truePositive); err != nil {
		logging.L(ctx).Warn("failed to update rule effectiveness",
			"assessment_id", a.ID,
			"error", err,
		)
	}

	logging.L(ctx).Info("assessment reviewed",
		"assessment_id", a.ID,
		"true_positive", truePositive,
		"actor", actor,
		"rules", len(review.RuleIDs),
	)
	return review, nil
}

// RecordUsage appends a payment attempt to the usage ledger.
func (e *Engine) RecordUsage(ctx context.Context, in domain.UsageInput) (domain.UsageRecord, error) {
	return e.ledger.Record(ctx, in)
}

// CheckSharing reports how widely an identity is shared.
func (e *Engine) CheckSharing(ctx context.Context, kind domain.FingerprintKind, id string) (domain.SharingReport, error) {
	if !kind.Valid() {
		return domain.SharingReport{}, fmt.Errorf("%w: unknown fingerprint kind %q", domain.ErrInvalidInput, kind)
	}
	return e.registry.CheckSharing(ctx, kind, id)
}

// IsBlacklisted reports whether the identity is blacklisted.
func (e *Engine) IsBlacklisted(ctx context.Context, kind domain.FingerprintKind, id string) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("%w: unknown fingerprint kind %q", domain.ErrInvalidInput, kind)
	}
	return e.registry.IsBlacklisted(ctx, kind, id)
}

// BlacklistEvent is published when an identity becomes blacklisted.
type BlacklistEvent struct {
	FingerprintID string                 `json:"fingerprintId"`
	Kind          domain.FingerprintKind `json:"kind"`
	Reason        string                 `json:"reason"`
	Actor         string                 `json:"actor"`
	At            time.Time              `json:"at"`
}

// Blacklist marks an identity as blacklisted and announces the change.
func (e *Engine) Blacklist(ctx context.Context, kind domain.FingerprintKind, id, reason, actor string) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("%w: unknown fingerprint kind %q", domain.ErrInvalidInput, kind)
	}
	changed, err := e.registry.Blacklist(ctx, kind, id, reason, actor)
	if err != nil {
		return false, err
	}
	if changed {
		e.publish(ctx, domain.TopicFingerprintBlacklisted, BlacklistEvent{
			FingerprintID: id,
			Kind:          kind,
			Reason:        reason,
			Actor:         actor,
			At:            e.now().UTC(),
		})
	}
	return changed, nil
}

// ResetRisk clears an identity's risk score and blacklisting.
func (e *Engine) ResetRisk(ctx context.Context, kind domain.FingerprintKind, id, actor string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown fingerprint kind %q", domain.ErrInvalidInput, kind)
	}
	return e.registry.ResetRisk(ctx, kind, id, actor)
}

// DetectPatterns runs the pattern detector once.
func (e *Engine) DetectPatterns(ctx context.Context) ([]domain.CardRiskPattern, error) {
	if e.detector == nil {
		return nil, errors.New("pattern detector is not configured")
	}
	return e.detector.Run(ctx)
}

// Patterns lists detected patterns since the given time.
func (e *Engine) Patterns(ctx context.Context, since time.Time) ([]domain.CardRiskPattern, error) {
	if e.detector == nil {
		return nil, errors.New("pattern detector is not configured")
	}
	return e.detector.List(ctx, since)
}

// Ping checks the backing store and, if configured, the bus.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	if e.bus != nil {
		if err := e.bus.Ping(ctx); err != nil {
			return fmt.Errorf("event bus: %w", err)
		}
	}
	return nil
}
