// Package bus provides the event bus backends that carry assessment
// requests in and fraud events out.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/logging"
)

// New creates the bus named by cfg.Type.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type %q", cfg.Type)
	}
}

// PublishJSON marshals v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, topic, payload)
}

// newMessage stamps an envelope with a fresh id and the request id carried by ctx.
func newMessage(ctx context.Context, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string, 1),
		Timestamp: time.Now().UnixNano(),
	}
	if id := logging.RequestID(ctx); id != "" {
		msg.Metadata[domain.MetadataRequestID] = id
	}
	return msg
}

// handlerContext derives the context a handler runs under.
func handlerContext(ctx context.Context, msg *domain.Message) context.Context {
	return logging.WithRequestID(ctx, msg.RequestID())
}
