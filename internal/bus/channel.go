// Package bus provides event bus implementations for Kestrel.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var errBusClosed = errors.New("bus is closed")

// ChannelBus is the in-process Community tier bus. Each subscription owns a
// buffered queue drained by one goroutine, so a subscriber sees messages in
// publish order and a slow subscriber never blocks publishers.
type ChannelBus struct {
	depth int

	mu     sync.RWMutex
	topics map[string][]*chanSub
	closed bool

	running sync.WaitGroup
}

type chanSub struct {
	id      string
	topic   string
	queue   chan *domain.Message
	handler domain.MessageHandler
	ctx     context.Context
	stop    context.CancelFunc
	owner   *ChannelBus
}

// NewChannelBus creates a bus whose subscribers buffer up to depth messages;
// a non-positive depth selects 1000.
func NewChannelBus(depth int) *ChannelBus {
	if depth <= 0 {
		depth = 1000
	}
	return &ChannelBus{
		depth:  depth,
		topics: make(map[string][]*chanSub),
	}
}

// Publish enqueues the message for every current subscriber of topic. When
// a subscriber's queue is full that subscriber misses the message and the
// drop is logged.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}

	msg := newMessage(ctx, topic, payload)
	for _, s := range b.topics[topic] {
		select {
		case s.queue <- msg:
		default:
			slog.Warn("subscriber queue full, message dropped",
				"topic", topic,
				"message_id", msg.ID,
				"subscription_id", s.id,
			)
		}
	}
	return nil
}

// Subscribe starts delivering topic to handler. Delivery stops when ctx is
// cancelled, the subscription is removed or the bus is closed.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}

	s := &chanSub{
		id:      uuid.NewString(),
		topic:   topic,
		queue:   make(chan *domain.Message, b.depth),
		handler: handler,
		owner:   b,
	}
	s.ctx, s.stop = context.WithCancel(ctx)
	b.topics[topic] = append(b.topics[topic], s)

	b.running.Add(1)
	go func() {
		defer b.running.Done()
		s.drain()
	}()
	return s, nil
}

func (s *chanSub) drain() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("handler error",
					"topic", s.topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	return nil
}

// Close stops every subscription and waits for in-flight handlers to
// return. Queued messages that were not yet handled are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, s := range subs {
			s.stop()
		}
	}
	clear(b.topics)
	b.mu.Unlock()

	// handlers may still publish; they see errBusClosed rather than block
	b.running.Wait()
	return nil
}

func (s *chanSub) Unsubscribe() error {
	s.stop()

	b := s.owner
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[s.topic] = slices.DeleteFunc(b.topics[s.topic], func(o *chanSub) bool { return o == s })
	if len(b.topics[s.topic]) == 0 {
		delete(b.topics, s.topic)
	}
	return nil
}

func (s *chanSub) Topic() string {
	return s.topic
}
