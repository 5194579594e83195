package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

type recordingService struct {
	mu      sync.Mutex
	assess  []AssessMessage
	usage   []domain.UsageInput
	reviews []ReviewMessage
	err     error
}

func (s *recordingService) Assess(ctx context.Context, userID string, req domain.RequestContext) (*domain.FraudAssessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.assess = append(s.assess, AssessMessage{UserID: userID, Context: req})
	return &domain.FraudAssessment{ID: "a-1", UserID: userID, Recommendation: domain.RecommendAllow}, nil
}

func (s *recordingService) RecordUsage(ctx context.Context, in domain.UsageInput) (domain.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.UsageRecord{}, s.err
	}
	s.usage = append(s.usage, in)
	return domain.UsageRecord{ID: uint64(len(s.usage)), FingerprintID: in.FingerprintID}, nil
}

func (s *recordingService) RecordReviewOutcome(ctx context.Context, id string, tp bool, actor string) (*domain.ReviewOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.reviews = append(s.reviews, ReviewMessage{AssessmentID: id, WasTruePositive: tp, Actor: actor})
	return &domain.ReviewOutcome{AssessmentID: id, WasTruePositive: tp, Actor: actor}, nil
}

func (s *recordingService) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assess), len(s.usage), len(s.reviews)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func publish(t *testing.T, b domain.EventBus, topic string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := b.Publish(context.Background(), topic, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, &recordingService{})
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != len(AllTopics) {
			t.Errorf("expected %d subscriptions, got %d", len(AllTopics), stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("SelectedTopics", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, &recordingService{})
		if err := w.Start(Config{Topics: []string{domain.TopicUsageReported}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		stats := w.GetStats()
		if len(stats.Topics) != 1 || stats.Topics[0] != domain.TopicUsageReported {
			t.Errorf("unexpected topics %v", stats.Topics)
		}
	})

	t.Run("UnsupportedTopic", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, &recordingService{})
		if err := w.Start(Config{Topics: []string{"harrier.unknown"}}); err == nil {
			t.Error("expected unsupported topic to be rejected")
		}
	})

	t.Run("ProcessAssess", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		svc := &recordingService{}
		w := NewWorker(eventBus, svc)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publish(t, eventBus, domain.TopicAssessRequested, AssessMessage{
			RequestID: "req-1",
			UserID:    "user-1",
			Context: domain.RequestContext{
				TransactionID: "tx-001",
				Amount:        decimal.RequireFromString("49.99"),
				Email:         "jane@example.com",
			},
		})

		waitFor(t, func() bool { a, _, _ := svc.counts(); return a == 1 })

		svc.mu.Lock()
		got := svc.assess[0]
		svc.mu.Unlock()
		if got.UserID != "user-1" {
			t.Errorf("expected user-1, got %s", got.UserID)
		}
		if got.Context.TransactionID != "tx-001" {
			t.Errorf("expected tx-001, got %s", got.Context.TransactionID)
		}
		if !got.Context.Amount.Equal(decimal.RequireFromString("49.99")) {
			t.Errorf("expected amount 49.99, got %s", got.Context.Amount)
		}
		waitFor(t, func() bool { return w.GetStats().Processed == 1 })
	})

	t.Run("ProcessUsageAndReview", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		svc := &recordingService{}
		w := NewWorker(eventBus, svc)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publish(t, eventBus, domain.TopicUsageReported, domain.UsageInput{
			FingerprintID: "pf_abc",
			UserID:        "user-1",
			Outcome:       domain.OutcomeDeclined,
		})
		publish(t, eventBus, domain.TopicReviewSubmitted, ReviewMessage{
			AssessmentID:    "a-1",
			WasTruePositive: true,
			Actor:           "analyst-1",
		})

		waitFor(t, func() bool { _, u, r := svc.counts(); return u == 1 && r == 1 })

		svc.mu.Lock()
		defer svc.mu.Unlock()
		if svc.usage[0].Outcome != domain.OutcomeDeclined {
			t.Errorf("expected declined outcome, got %s", svc.usage[0].Outcome)
		}
		if svc.reviews[0].Actor != "analyst-1" || !svc.reviews[0].WasTruePositive {
			t.Errorf("unexpected review %+v", svc.reviews[0])
		}
	})

	t.Run("FailuresAreCounted", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		svc := &recordingService{err: errors.New("store down")}
		w := NewWorker(eventBus, svc)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publish(t, eventBus, domain.TopicAssessRequested, AssessMessage{UserID: "user-1"})
		if err := eventBus.Publish(context.Background(), domain.TopicUsageReported, []byte("{not json")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		waitFor(t, func() bool { return w.GetStats().Failed == 2 })
		if w.GetStats().Processed != 0 {
			t.Errorf("expected nothing processed, got %d", w.GetStats().Processed)
		}
	})

	t.Run("NoDeliveryAfterStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		svc := &recordingService{}
		w := NewWorker(eventBus, svc)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		w.Stop()

		publish(t, eventBus, domain.TopicAssessRequested, AssessMessage{UserID: "user-1"})
		time.Sleep(50 * time.Millisecond)
		if a, _, _ := svc.counts(); a != 0 {
			t.Errorf("expected no assessments after stop, got %d", a)
		}
	})
}
