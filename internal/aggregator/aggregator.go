// Package aggregator turns per-rule evaluations into a single risk decision.
package aggregator

import (
	"math"
	"sort"

	"github.com/opensource-finance/harrier/internal/domain"
)

// MaxScore bounds the overall risk score.
const MaxScore = 100.0

// Processor aggregates rule evaluations and produces a recommendation.
type Processor struct {
	// Score at or above which the recommendation is block
	BlockThreshold float64

	// Score at or above which the recommendation is review
	ReviewThreshold float64
}

// NewProcessor creates a processor with the default thresholds.
func NewProcessor() *Processor {
	return &Processor{
		BlockThreshold:  80,
		ReviewThreshold: 40,
	}
}

// Decision is the aggregated outcome of one evaluation run.
type Decision struct {
	Score          float64
	Confidence     float64
	Recommendation domain.Recommendation
	Triggered      []domain.RuleEvaluation
	RiskFactors    []string
	RulesEvaluated int
}

// Aggregate combines the evaluations. It is a pure function of its input:
// non-triggered evaluations contribute nothing.
func (p *Processor) Aggregate(evals []domain.RuleEvaluation) Decision {
	d := Decision{
		Recommendation: domain.RecommendAllow,
		Triggered:      []domain.RuleEvaluation{},
		RiskFactors:    []string{},
		RulesEvaluated: len(evals),
	}

	var (
		score       float64
		weighted    float64
		totalWeight float64
		anyBlock    bool
		anyFlag     bool
	)

	for _, e := range evals {
		if !e.Triggered {
			continue
		}
		d.Triggered = append(d.Triggered, e)

		score += e.RiskContribution
		weighted += e.Confidence * e.RiskMultiplier
		totalWeight += e.RiskMultiplier

		switch e.RecommendedAction {
		case domain.ActionBlock:
			anyBlock = true
		case domain.ActionFlag:
			anyFlag = true
		}
	}

	if len(d.Triggered) == 0 {
		return d
	}

	d.Score = math.Min(MaxScore, math.Max(0, score))
	if totalWeight > 0 {
		d.Confidence = weighted / totalWeight
	}

	switch {
	case anyBlock || d.Score >= p.BlockThreshold:
		d.Recommendation = domain.RecommendBlock
	case anyFlag || d.Score >= p.ReviewThreshold:
		d.Recommendation = domain.RecommendReview
	}

	// Strongest contribution first; rule id breaks ties so output is stable.
	sort.SliceStable(d.Triggered, func(i, j int) bool {
		a, b := d.Triggered[i], d.Triggered[j]
		if a.RiskContribution != b.RiskContribution {
			return a.RiskContribution > b.RiskContribution
		}
		return a.RuleID < b.RuleID
	})

	d.RiskFactors = riskFactors(d.Triggered)
	return d
}

// riskFactors flattens evidence in triggered order, dropping duplicates.
func riskFactors(triggered []domain.RuleEvaluation) []string {
	seen := make(map[string]struct{})
	factors := []string{}
	for _, e := range triggered {
		for _, ev := range e.Evidence {
			if _, ok := seen[ev]; ok {
				continue
			}
			seen[ev] = struct{}{}
			factors = append(factors, ev)
		}
	}
	return factors
}
