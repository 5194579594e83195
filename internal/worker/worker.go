// Package worker consumes assessment, usage and review requests from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/logging"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// Service is the part of the engine the worker drives.
type Service interface {
	Assess(ctx context.Context, userID string, req domain.RequestContext) (*domain.FraudAssessment, error)
	RecordUsage(ctx context.Context, in domain.UsageInput) (domain.UsageRecord, error)
	RecordReviewOutcome(ctx context.Context, assessmentID string, truePositive bool, actor string) (*domain.ReviewOutcome, error)
}

// Worker processes requests asynchronously from the EventBus.
type Worker struct {
	bus     domain.EventBus
	service Service

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Topics to consume. Empty means all request topics.
	Topics []string
}

// AllTopics are the request topics the worker understands.
var AllTopics = []string{
	domain.TopicAssessRequested,
	domain.TopicUsageReported,
	domain.TopicReviewSubmitted,
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, service Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		service: service,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AssessMessage requests an assessment. The result is published by the engine
// on the assessment-completed topic.
type AssessMessage struct {
	RequestID string                `json:"requestId,omitempty"`
	UserID    string                `json:"userId"`
	Context   domain.RequestContext `json:"context"`
}

// ReviewMessage carries an analyst verdict.
type ReviewMessage struct {
	AssessmentID    string `json:"assessmentId"`
	WasTruePositive bool   `json:"wasTruePositive"`
	Actor           string `json:"actor"`
}

// Start subscribes to the configured topics.
func (w *Worker) Start(cfg Config) error {
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = AllTopics
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, topic := range topics {
		handler, err := w.handlerFor(topic)
		if err != nil {
			return err
		}
		sub, err := w.bus.Subscribe(w.ctx, topic, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("worker started", "topics", topics)
	return nil
}

func (w *Worker) handlerFor(topic string) (domain.MessageHandler, error) {
	var fn func(context.Context, *domain.Message) error
	switch topic {
	case domain.TopicAssessRequested:
		fn = w.processAssess
	case domain.TopicUsageReported:
		fn = w.processUsage
	case domain.TopicReviewSubmitted:
		fn = w.processReview
	default:
		return nil, fmt.Errorf("worker: unsupported topic %q", topic)
	}

	return func(ctx context.Context, msg *domain.Message) error {
		ctx = logging.WithRequestID(ctx, msg.RequestID())
		err := fn(ctx, msg)
		status := "ok"
		if err != nil {
			status = "error"
			w.failed.Add(1)
			logging.L(ctx).Error("message processing failed",
				"topic", topic,
				"message_id", msg.ID,
				"error", err,
			)
		} else {
			w.processed.Add(1)
		}
		metrics.WorkerMessagesTotal.WithLabelValues(topic, status).Inc()
		return err
	}, nil
}

func (w *Worker) processAssess(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var m AssessMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return fmt.Errorf("decode assess message: %w", err)
	}
	if m.RequestID != "" {
		ctx = logging.WithRequestID(ctx, m.RequestID)
	}

	a, err := w.service.Assess(ctx, m.UserID, m.Context)
	if err != nil {
		return err
	}

	logging.L(ctx).Debug("assessment processed",
		"assessment_id", a.ID,
		"user_id", m.UserID,
		"recommendation", a.Recommendation,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) processUsage(ctx context.Context, msg *domain.Message) error {
	var in domain.UsageInput
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		return fmt.Errorf("decode usage message: %w", err)
	}
	_, err := w.service.RecordUsage(ctx, in)
	return err
}

func (w *Worker) processReview(ctx context.Context, msg *domain.Message) error {
	var m ReviewMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return fmt.Errorf("decode review message: %w", err)
	}
	_, err := w.service.RecordReviewOutcome(ctx, m.AssessmentID, m.WasTruePositive, m.Actor)
	return err
}

// Stop unsubscribes from every topic.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
