package aggregator

import (
	"math"
	"reflect"
	"testing"

	"github.com/opensource-finance/harrier/internal/domain"
)

func triggered(id string, conf, multiplier float64, action domain.Action, evidence ...string) domain.RuleEvaluation {
	return domain.RuleEvaluation{
		RuleID:            id,
		Triggered:         true,
		Confidence:        conf,
		RiskMultiplier:    multiplier,
		RiskContribution:  multiplier * 10 * conf,
		RecommendedAction: action,
		Evidence:          evidence,
	}
}

func TestAggregate(t *testing.T) {
	proc := NewProcessor()

	t.Run("NothingTriggered", func(t *testing.T) {
		d := proc.Aggregate([]domain.RuleEvaluation{
			{RuleID: "a", Confidence: 0.5},
			{RuleID: "b", Error: "rule b: boom"},
		})

		if d.Recommendation != domain.RecommendAllow {
			t.Errorf("expected allow, got %s", d.Recommendation)
		}
		if d.Score != 0 || d.Confidence != 0 {
			t.Errorf("expected zero score and confidence, got %v / %v", d.Score, d.Confidence)
		}
		if d.RulesEvaluated != 2 {
			t.Errorf("expected 2 rules evaluated, got %d", d.RulesEvaluated)
		}
		if d.Triggered == nil || d.RiskFactors == nil {
			t.Error("expected empty, non-nil slices")
		}
	})

	t.Run("NoInput", func(t *testing.T) {
		d := proc.Aggregate(nil)
		if d.Recommendation != domain.RecommendAllow || d.RulesEvaluated != 0 {
			t.Errorf("unexpected decision %+v", d)
		}
	})

	t.Run("ScoreIsBounded", func(t *testing.T) {
		d := proc.Aggregate([]domain.RuleEvaluation{
			triggered("a", 1, 10, domain.ActionAllow),
			triggered("b", 1, 10, domain.ActionAllow),
		})
		if d.Score != MaxScore {
			t.Errorf("expected score capped at %v, got %v", MaxScore, d.Score)
		}
		if d.Recommendation != domain.RecommendBlock {
			t.Errorf("expected block at max score, got %s", d.Recommendation)
		}
	})

	t.Run("WeightedConfidence", func(t *testing.T) {
		d := proc.Aggregate([]domain.RuleEvaluation{
			triggered("a", 0.9, 3, domain.ActionAllow),
			triggered("b", 0.6, 1, domain.ActionAllow),
		})
		want := (0.9*3 + 0.6*1) / 4
		if math.Abs(d.Confidence-want) > 1e-9 {
			t.Errorf("expected confidence %v, got %v", want, d.Confidence)
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			t.Errorf("confidence out of range: %v", d.Confidence)
		}
	})

	t.Run("ZeroMultiplierRules", func(t *testing.T) {
		d := proc.Aggregate([]domain.RuleEvaluation{triggered("a", 0.9, 0, domain.ActionFlag)})
		if d.Confidence != 0 || d.Score != 0 {
			t.Errorf("expected zero weight to contribute nothing, got %+v", d)
		}
		if d.Recommendation != domain.RecommendReview {
			t.Errorf("expected flag action to still force review, got %s", d.Recommendation)
		}
	})
}

func TestRecommendation(t *testing.T) {
	proc := NewProcessor()

	cases := []struct {
		name  string
		evals []domain.RuleEvaluation
		want  domain.Recommendation
	}{
		{"LowScoreAllows", []domain.RuleEvaluation{triggered("a", 0.7, 2, domain.ActionAllow)}, domain.RecommendAllow},
		{"ReviewThreshold", []domain.RuleEvaluation{triggered("a", 0.8, 5, domain.ActionAllow)}, domain.RecommendReview},
		{"BlockThreshold", []domain.RuleEvaluation{triggered("a", 0.8, 10, domain.ActionAllow)}, domain.RecommendBlock},
		{"FlagForcesReview", []domain.RuleEvaluation{triggered("a", 0.7, 1, domain.ActionFlag)}, domain.RecommendReview},
		{"BlockActionForcesBlock", []domain.RuleEvaluation{triggered("a", 0.7, 1, domain.ActionBlock)}, domain.RecommendBlock},
		{"BlockBeatsFlag", []domain.RuleEvaluation{
			triggered("a", 0.7, 1, domain.ActionFlag),
			triggered("b", 0.7, 1, domain.ActionBlock),
		}, domain.RecommendBlock},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := proc.Aggregate(tc.evals).Recommendation; got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}

	t.Run("CustomThresholds", func(t *testing.T) {
		strict := &Processor{BlockThreshold: 20, ReviewThreshold: 10}
		d := strict.Aggregate([]domain.RuleEvaluation{triggered("a", 0.7, 3, domain.ActionAllow)})
		if d.Recommendation != domain.RecommendBlock {
			t.Errorf("expected block with a low block threshold, got %s", d.Recommendation)
		}
	})
}

func TestTriggeredOrdering(t *testing.T) {
	proc := NewProcessor()

	d := proc.Aggregate([]domain.RuleEvaluation{
		triggered("small", 0.7, 1, domain.ActionAllow),
		{RuleID: "skipped"},
		triggered("tie_b", 0.8, 2, domain.ActionAllow),
		triggered("large", 0.9, 4, domain.ActionAllow),
		triggered("tie_a", 0.8, 2, domain.ActionAllow),
	})

	var ids []string
	for _, e := range d.Triggered {
		ids = append(ids, e.RuleID)
	}
	want := []string{"large", "tie_a", "tie_b", "small"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("expected order %v, got %v", want, ids)
	}
}

func TestRiskFactors(t *testing.T) {
	proc := NewProcessor()

	d := proc.Aggregate([]domain.RuleEvaluation{
		triggered("device", 0.7, 1, domain.ActionAllow, "device used by 3 accounts (max 2)", "request from a VPN address"),
		triggered("geo", 0.8, 2, domain.ActionAllow, "request from a VPN address"),
		{RuleID: "quiet", Evidence: []string{"not triggered"}},
	})

	want := []string{"request from a VPN address", "device used by 3 accounts (max 2)"}
	if !reflect.DeepEqual(d.RiskFactors, want) {
		t.Errorf("expected %v, got %v", want, d.RiskFactors)
	}
}

func TestAggregateDoesNotMutateInput(t *testing.T) {
	proc := NewProcessor()
	evals := []domain.RuleEvaluation{
		triggered("a", 0.7, 1, domain.ActionAllow),
		triggered("b", 0.9, 4, domain.ActionAllow),
	}

	_ = proc.Aggregate(evals)
	if evals[0].RuleID != "a" || evals[1].RuleID != "b" {
		t.Error("expected input order to be preserved")
	}
}
