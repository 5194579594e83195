package bus

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/logging"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// ErrBusClosed is returned by a bus after Close.
var ErrBusClosed = errors.New("event bus is closed")

// ChannelBus is the in-process event bus. Each subscriber owns a buffered
// inbox drained by one goroutine, so a topic's messages reach a subscriber
// in publish order. Delivery is best-effort: a full inbox drops the message.
type ChannelBus struct {
	mu       sync.RWMutex
	buffer   int
	topics   map[string][]*channelSubscription
	closed   bool
	dropped  atomic.Int64
	inflight sync.WaitGroup
}

type channelSubscription struct {
	id      string
	topic   string
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
	once    sync.Once
}

// NewChannelBus creates a bus whose subscribers buffer up to bufferSize messages.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		buffer: bufferSize,
		topics: make(map[string][]*channelSubscription),
	}
}

// Publish fans the message out to every subscriber of topic without blocking.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	msg := newMessage(ctx, topic, payload)
	for _, sub := range b.topics[topic] {
		select {
		case sub.inbox <- msg:
		default:
			b.dropped.Add(1)
			metrics.BusMessagesDroppedTotal.WithLabelValues(topic).Inc()
			logging.L(ctx).Warn("subscriber inbox full, message dropped",
				"topic", topic,
				"subscription_id", sub.id,
				"message_id", msg.ID,
			)
		}
	}
	return nil
}

// Subscribe starts a delivery goroutine for handler. It stops when ctx is
// cancelled, the subscription is removed, or the bus closes.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		inbox:   make(chan *domain.Message, b.buffer),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}
	b.topics[topic] = append(b.topics[topic], sub)

	b.inflight.Add(1)
	go sub.deliver()

	return sub, nil
}

func (s *channelSubscription) deliver() {
	defer s.bus.inflight.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			ctx := handlerContext(s.ctx, msg)
			if err := s.handler(ctx, msg); err != nil {
				logging.L(ctx).Error("bus handler failed",
					"topic", s.topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Dropped returns how many deliveries were lost to full inboxes.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// Close cancels every subscription and waits for running handlers to return.
// Calling it again is a no-op.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	clear(b.topics)
	b.mu.Unlock()

	b.inflight.Wait()
	return nil
}

func (b *ChannelBus) detach(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.topics[sub.topic] = slices.DeleteFunc(b.topics[sub.topic], func(s *channelSubscription) bool {
		return s == sub
	})
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}

func (s *channelSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.bus.detach(s)
	})
	return nil
}

func (s *channelSubscription) Topic() string {
	return s.topic
}
