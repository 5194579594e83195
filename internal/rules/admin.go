package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/retry"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 10 * time.Millisecond
)

// List returns every loaded rule, ordered by id.
func (e *Engine) List(ctx context.Context) []*domain.FraudRule {
	rules := e.snapshot(false)
	out := make([]*domain.FraudRule, len(rules))
	for i, cr := range rules {
		out[i] = cr.rule.Clone()
	}
	return out
}

// Get returns a loaded rule.
func (e *Engine) Get(ctx context.Context, id string) (*domain.FraudRule, error) {
	e.mu.RLock()
	cr, ok := e.rules[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrRuleNotFound)
	}
	return cr.rule.Clone(), nil
}

// Create stores a new rule and makes it live. Metadata starts at zero.
func (e *Engine) Create(ctx context.Context, rule *domain.FraudRule) (*domain.FraudRule, error) {
	if err := e.Validate(rule); err != nil {
		return nil, err
	}

	r := rule.Clone()
	now := e.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Metadata = domain.RuleMetadata{}

	version, err := e.store(ctx, r, domain.NewRecord)
	if errors.Is(err, domain.ErrConcurrentModification) {
		return nil, fmt.Errorf("%s: %w", r.ID, domain.ErrRuleExists)
	}
	if err != nil {
		return nil, err
	}
	r.Version = version

	e.put(e.compile(r))
	slog.Info("rule created", "rule_id", r.ID, "category", r.Category, "active", r.IsActive)
	return r.Clone(), nil
}

// Update replaces a rule's definition. Metadata and CreatedAt are kept from the
// stored rule. A non-zero rule.Version must match the stored version.
func (e *Engine) Update(ctx context.Context, rule *domain.FraudRule) (*domain.FraudRule, error) {
	if err := e.Validate(rule); err != nil {
		return nil, err
	}

	updated, err := e.modify(ctx, rule.ID, func(stored *domain.FraudRule) error {
		if rule.Version != 0 && rule.Version != stored.Version {
			return retry.Permanent(fmt.Errorf("%s: expected version %d, stored %d: %w",
				rule.ID, rule.Version, stored.Version, domain.ErrConcurrentModification))
		}
		next := rule.Clone()
		next.CreatedAt = stored.CreatedAt
		next.Metadata = stored.Metadata
		*stored = *next
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("rule updated", "rule_id", updated.ID, "version", updated.Version, "active", updated.IsActive)
	return updated.Clone(), nil
}

// Delete removes a rule from the store and the live set.
func (e *Engine) Delete(ctx context.Context, id string) error {
	key := domain.KeyRules + id
	err := retry.OnlyIf(ctx, domain.ErrConcurrentModification, writeAttempts, writeBaseDelay, func() error {
		rec, err := e.repo.Get(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, domain.ErrRuleNotFound)
		}
		if err != nil {
			return err
		}
		err = e.repo.Delete(ctx, key, rec.Version)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, domain.ErrRuleNotFound)
		}
		return err
	})
	if err != nil {
		return err
	}

	e.remove(id)
	slog.Info("rule deleted", "rule_id", id)
	return nil
}

// Reload replaces the live rule set with the rules in the store.
// Undecodable records are skipped. Rules whose guard does not compile are
// loaded but never trigger.
func (e *Engine) Reload(ctx context.Context) (int, error) {
	recs, err := e.repo.List(ctx, domain.KeyRules)
	if err != nil {
		return 0, fmt.Errorf("failed to list rules: %w", err)
	}

	next := make(map[string]*compiledRule, len(recs))
	for _, rec := range recs {
		var r domain.FraudRule
		if err := json.Unmarshal(rec.Value, &r); err != nil {
			slog.Warn("skipping undecodable rule", "key", rec.Key, "error", err)
			continue
		}
		r.Version = rec.Version
		cr := e.compile(&r)
		if cr.compileErr != nil {
			slog.Warn("rule guard does not compile, rule will not trigger",
				"rule_id", r.ID,
				"error", cr.compileErr,
			)
		}
		next[r.ID] = cr
	}

	e.mu.Lock()
	e.rules = next
	e.mu.Unlock()

	active := e.ActiveCount()
	metrics.ActiveRules.Set(float64(active))
	slog.Info("rules reloaded", "rules_count", len(next), "active", active)
	return len(next), nil
}

// SeedDefaults stores the default policy when the store holds no rules.
// It returns how many rules were created.
func (e *Engine) SeedDefaults(ctx context.Context) (int, error) {
	recs, err := e.repo.List(ctx, domain.KeyRules)
	if err != nil {
		return 0, fmt.Errorf("failed to list rules: %w", err)
	}
	if len(recs) > 0 {
		return 0, nil
	}

	created := 0
	for _, r := range DefaultRules() {
		if _, err := e.Create(ctx, r); err != nil {
			if errors.Is(err, domain.ErrRuleExists) {
				continue
			}
			return created, fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
		created++
	}
	slog.Info("default rules seeded", "rules_count", created)
	return created, nil
}

// RecordTriggers bumps trigger counters for the given rules. Failures are
// logged and skipped.
func (e *Engine) RecordTriggers(ctx context.Context, ids []string, at time.Time) {
	for _, id := range ids {
		_, err := e.modify(ctx, id, func(r *domain.FraudRule) error {
			r.Metadata.TriggerCount++
			t := at.UTC()
			r.Metadata.LastTriggered = &t
			return nil
		})
		if err != nil {
			slog.Warn("failed to record rule trigger", "rule_id", id, "error", err)
		}
	}
}

// RecordReviewOutcome applies an analyst verdict to the given rules'
// effectiveness counters.
func (e *Engine) RecordReviewOutcome(ctx context.Context, ids []string, truePositive bool) error {
	var errs []error
	for _, id := range ids {
		_, err := e.modify(ctx, id, func(r *domain.FraudRule) error {
			if truePositive {
				r.Metadata.TruePositiveCount++
			} else {
				r.Metadata.FalsePositiveCount++
			}
			r.Metadata.Effectiveness = effectiveness(r.Metadata)
			return nil
		})
		if err != nil && !errors.Is(err, domain.ErrRuleNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func effectiveness(m domain.RuleMetadata) float64 {
	total := m.TruePositiveCount + m.FalsePositiveCount
	if total == 0 {
		return 0
	}
	return float64(m.TruePositiveCount) / float64(total)
}

// modify is a read-modify-write of a stored rule with conflict retries. The
// live copy is replaced on success.
func (e *Engine) modify(ctx context.Context, id string, fn func(*domain.FraudRule) error) (*domain.FraudRule, error) {
	key := domain.KeyRules + id
	var result *domain.FraudRule

	err := retry.OnlyIf(ctx, domain.ErrConcurrentModification, writeAttempts, writeBaseDelay, func() error {
		rec, err := e.repo.Get(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, domain.ErrRuleNotFound)
		}
		if err != nil {
			return err
		}

		var r domain.FraudRule
		if err := json.Unmarshal(rec.Value, &r); err != nil {
			return fmt.Errorf("decode rule %s: %w", id, err)
		}
		r.Version = rec.Version

		if err := fn(&r); err != nil {
			return err
		}
		r.ID = id
		r.UpdatedAt = e.now().UTC()

		version, err := e.store(ctx, &r, rec.Version)
		if err != nil {
			return err
		}
		r.Version = version
		result = &r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.put(e.recompile(result))
	return result, nil
}

func (e *Engine) store(ctx context.Context, r *domain.FraudRule, expectedVersion int64) (int64, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("encode rule %s: %w", r.ID, err)
	}
	return e.repo.Put(ctx, domain.KeyRules+r.ID, data, expectedVersion)
}
