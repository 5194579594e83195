package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/logging"
	"github.com/opensource-finance/harrier/internal/retry"
)

// Envelope fields travel as NATS headers so the payload stays the raw JSON
// body and other consumers can read it without unwrapping.
const (
	headerRequestID = "Harrier-Request-Id"
	headerTimestamp = "Harrier-Timestamp"
)

// NATSBus is the multi-node event bus. With a queue group configured every
// subscription joins it, so Harrier nodes share the request topics instead
// of each processing every message.
type NATSBus struct {
	mu         sync.Mutex
	conn       *nats.Conn
	subs       map[*natsSubscription]struct{}
	queueGroup string
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to cfg.NATSUrl, retrying the initial dial with backoff.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	opts := []nats.Option{
		nats.Name("harrier"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var conn *nats.Conn
	attempt := 0
	err := retry.Do(context.Background(), min(cfg.NATSMaxReconnects, 5), wait/4, func() error {
		attempt++
		var err error
		conn, err = nats.Connect(cfg.NATSUrl, opts...)
		if err != nil {
			slog.Warn("NATS connection attempt failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s after %d attempts: %w", cfg.NATSUrl, attempt, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"queue_group", cfg.NATSQueueGroup,
	)

	return &NATSBus{
		conn:       conn,
		subs:       make(map[*natsSubscription]struct{}),
		queueGroup: cfg.NATSQueueGroup,
	}, nil
}

// Publish sends payload on the subject named by topic with the envelope in headers.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	env := newMessage(ctx, topic, payload)

	m := nats.NewMsg(topic)
	m.Data = payload
	m.Header.Set(nats.MsgIdHdr, env.ID)
	m.Header.Set(headerTimestamp, strconv.FormatInt(env.Timestamp, 10))
	if id := env.Metadata[domain.MetadataRequestID]; id != "" {
		m.Header.Set(headerRequestID, id)
	}

	if err := b.conn.PublishMsg(m); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler on the subject named by topic.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	cb := func(m *nats.Msg) {
		msg := fromNATS(m)
		hctx := handlerContext(ctx, msg)
		if err := handler(hctx, msg); err != nil {
			logging.L(hctx).Error("bus handler failed",
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var (
		ns  *nats.Subscription
		err error
	)
	if b.queueGroup != "" {
		ns, err = b.conn.QueueSubscribe(topic, b.queueGroup, cb)
	} else {
		ns, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	sub := &natsSubscription{topic: topic, sub: ns, bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

// fromNATS rebuilds the envelope from a delivered message. Messages published
// by other producers carry no Harrier headers and get empty envelope fields.
func fromNATS(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		Topic:    m.Subject,
		Payload:  m.Data,
		Metadata: make(map[string]string, 1),
	}
	if m.Header == nil {
		return msg
	}
	msg.ID = m.Header.Get(nats.MsgIdHdr)
	if id := m.Header.Get(headerRequestID); id != "" {
		msg.Metadata[domain.MetadataRequestID] = id
	}
	if ts, err := strconv.ParseInt(m.Header.Get(headerTimestamp), 10, 64); err == nil {
		msg.Timestamp = ts
	}
	return msg
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("NATS not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the connection so in-flight handlers finish before it closes.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	clear(b.subs)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

// Stats returns connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
