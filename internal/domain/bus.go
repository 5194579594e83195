package domain

import (
	"context"
)

// EventBus carries assessment requests in and fraud events out.
// The channel backend is in-process; the NATS backend spans nodes.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for topic. On NATS, subscribers that share
	// a queue group split a topic's messages between them.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes one delivered message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every backend delivers.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// MetadataRequestID is the metadata key holding the publisher's request id.
const MetadataRequestID = "request_id"

// RequestID returns the id of the request that caused the message, falling
// back to the message id.
func (m *Message) RequestID() string {
	if id := m.Metadata[MetadataRequestID]; id != "" {
		return id
	}
	return m.ID
}

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects the event bus backend.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string `json:"type"`

	// ChannelBufferSize is the per-subscriber backlog before messages drop.
	ChannelBufferSize int `json:"channelBufferSize"`

	NATSUrl           string `json:"natsUrl"`
	NATSToken         string `json:"-"`
	NATSQueueGroup    string `json:"natsQueueGroup"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait"` // seconds
}

// Topics consumed by the worker.
const (
	TopicAssessRequested = "harrier.assess.requested"
	TopicUsageReported   = "harrier.usage.reported"
	TopicReviewSubmitted = "harrier.review.submitted"
)

// Topics published by the engine.
const (
	TopicAssessmentCompleted    = "harrier.assessment.completed"
	TopicAlert                  = "harrier.alert"
	TopicFingerprintBlacklisted = "harrier.fingerprint.blacklisted"
	TopicPatternDetected        = "harrier.pattern.detected"
)
