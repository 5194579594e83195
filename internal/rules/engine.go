// Package rules evaluates operator-authored fraud rules against a request.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// UsageCounter answers the windowed ledger queries the payment and velocity
// checks need.
type UsageCounter interface {
	CountRecent(ctx context.Context, fp string, window time.Duration) (int, error)
	CountFailures(ctx context.Context, fp string, window time.Duration) (int, error)
}

// Input is everything a rule may inspect for one request. Fingerprints are the
// snapshots returned by the registry for this request and may be nil.
type Input struct {
	UserID     string
	Request    domain.RequestContext
	Payment    *domain.PaymentFingerprint
	Device     *domain.DeviceFingerprint
	IPAccounts int
	Now        time.Time
}

func (in *Input) fingerprintIDs() []string {
	var ids []string
	if in.Payment != nil {
		ids = append(ids, in.Payment.ID)
	}
	if in.Device != nil {
		ids = append(ids, in.Device.ID)
	}
	return ids
}

// compiledRule pairs a stored rule with its guard program. A guard that failed
// to compile is kept so the rule stays visible, but it never triggers.
type compiledRule struct {
	rule       *domain.FraudRule
	program    cel.Program
	compileErr error
}

// Engine holds the rule set and evaluates it.
// Evaluation works on a snapshot, so admin writes never block an assessment
// for longer than the snapshot copy.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	rules      map[string]*compiledRule
	repo       domain.Repository
	usage      UsageCounter
	geo        domain.GeoIPProvider
	disposable map[string]struct{}
	maxWorkers int
	now        func() time.Time
}

// NewEngine creates a rule engine. usage and geo may be nil, in which case
// rules that need them fail closed.
func NewEngine(repo domain.Repository, usage UsageCounter, geo domain.GeoIPProvider, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := newGuardEnv()
	if err != nil {
		return nil, err
	}

	return &Engine{
		env:        env,
		rules:      make(map[string]*compiledRule),
		repo:       repo,
		usage:      usage,
		geo:        geo,
		disposable: defaultDisposableSet(),
		maxWorkers: maxWorkers,
		now:        time.Now,
	}, nil
}

// Evaluate runs every active rule against in and returns one evaluation per
// rule, ordered by rule id. A rule that errors or panics is reported as not
// triggered with its error recorded.
func (e *Engine) Evaluate(ctx context.Context, in *Input) []domain.RuleEvaluation {
	rules := e.snapshot(true)
	if len(rules) == 0 {
		return nil
	}
	if in.Now.IsZero() {
		in.Now = e.now()
	}

	results := make([]domain.RuleEvaluation, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *compiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = e.evaluateRule(ctx, r, in)
		}(i, rule)
	}

	wg.Wait()
	return results
}

// evaluateRule evaluates a single rule. It never panics.
func (e *Engine) evaluateRule(ctx context.Context, cr *compiledRule, in *Input) (result domain.RuleEvaluation) {
	rule := cr.rule
	result = domain.RuleEvaluation{
		RuleID:            rule.ID,
		RuleName:          rule.Name,
		Category:          rule.Category,
		RiskMultiplier:    rule.Weights.RiskMultiplier,
		RecommendedAction: domain.ActionAllow,
	}

	defer func() {
		if p := recover(); p != nil {
			result = failed(result, &domain.RuleEvaluationError{RuleID: rule.ID, Err: fmt.Errorf("panic: %v", p)})
		}
	}()

	if cr.compileErr != nil {
		return failed(result, &domain.RuleEvaluationError{RuleID: rule.ID, Err: cr.compileErr})
	}

	f, err := e.check(ctx, rule.Conditions, in)
	if err != nil {
		return failed(result, &domain.RuleEvaluationError{RuleID: rule.ID, Err: err})
	}
	result.Confidence = f.confidence
	if f.confidence <= 0 {
		return result
	}

	if cr.program != nil {
		ok, err := evalGuard(cr.program, guardActivation(in, f.confidence))
		if err != nil {
			return failed(result, &domain.RuleEvaluationError{RuleID: rule.ID, Err: err})
		}
		if !ok {
			return result
		}
	}

	if f.confidence < rule.Weights.ConfidenceThreshold {
		return result
	}

	result.Triggered = true
	result.Evidence = f.evidence
	result.RiskContribution = rule.Weights.RiskMultiplier * 10 * f.confidence
	result.RecommendedAction = rule.Actions.Recommended()
	return result
}

func failed(result domain.RuleEvaluation, err *domain.RuleEvaluationError) domain.RuleEvaluation {
	metrics.RuleErrorsTotal.WithLabelValues(err.RuleID).Inc()
	slog.Warn("rule evaluation failed",
		"rule_id", err.RuleID,
		"error", err.Err,
	)
	result.Triggered = false
	result.Confidence = 0
	result.Evidence = nil
	result.RiskContribution = 0
	result.RecommendedAction = domain.ActionAllow
	result.Error = err.Error()
	return result
}

// snapshot copies the rule set, optionally only active rules, ordered by id.
func (e *Engine) snapshot(activeOnly bool) []*compiledRule {
	e.mu.RLock()
	out := make([]*compiledRule, 0, len(e.rules))
	for _, cr := range e.rules {
		if activeOnly && !cr.rule.IsActive {
			continue
		}
		out = append(out, cr)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].rule.ID < out[j].rule.ID })
	return out
}

// RulesCount returns the number of loaded rules, active or not.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// ActiveCount returns the number of active rules.
func (e *Engine) ActiveCount() int {
	return len(e.snapshot(true))
}

// compile builds the in-memory form of rule. Guard compile errors are kept on
// the result, not returned.
func (e *Engine) compile(rule *domain.FraudRule) *compiledRule {
	cr := &compiledRule{rule: rule}
	if rule.Expression != "" {
		cr.program, cr.compileErr = compileGuard(e.env, rule.ID, rule.Expression)
	}
	return cr
}

// recompile reuses the live program when the guard expression is unchanged.
func (e *Engine) recompile(rule *domain.FraudRule) *compiledRule {
	e.mu.RLock()
	prev, ok := e.rules[rule.ID]
	e.mu.RUnlock()
	if ok && prev.rule.Expression == rule.Expression {
		return &compiledRule{rule: rule, program: prev.program, compileErr: prev.compileErr}
	}
	return e.compile(rule)
}

// Validate checks rule structure and its guard expression.
func (e *Engine) Validate(rule *domain.FraudRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrInvalidRule)
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.Expression != "" {
		if _, err := compileGuard(e.env, rule.ID, rule.Expression); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidRule, err)
		}
	}
	return nil
}

// put installs cr unless a newer version of the rule is already live.
func (e *Engine) put(cr *compiledRule) {
	e.mu.Lock()
	if prev, ok := e.rules[cr.rule.ID]; !ok || prev.rule.Version <= cr.rule.Version {
		e.rules[cr.rule.ID] = cr
	}
	e.mu.Unlock()
	metrics.ActiveRules.Set(float64(e.ActiveCount()))
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.rules, id)
	e.mu.Unlock()
	metrics.ActiveRules.Set(float64(e.ActiveCount()))
}

// Close drops the loaded rule set.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[string]*compiledRule)
	return nil
}
