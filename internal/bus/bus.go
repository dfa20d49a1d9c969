package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/driftlight/overlay-server/internal/logger"
	"github.com/driftlight/overlay-server/internal/metrics"
	"github.com/google/uuid"
)

const defaultMailboxSize = 64

// Subscription is one subscriber's attachment to a topic. Envelopes arrive
// on C in publish order; a full mailbox drops the envelope rather than stall
// the publisher.
type Subscription struct {
	ID    string
	Topic string
	C     chan Envelope

	bus  *Bus
	once sync.Once
}

// Cancel detaches the subscription from its topic. Idempotent. The channel
// is not closed; in-flight envelopes remain readable.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// Bus is the in-process topic-based pub/sub fan-out. Best-effort: no
// durability, no replay, no backpressure to publishers beyond the bounded
// subscriber mailboxes.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscription
	mailboxSize int
	idSource    func() string
	logger      *logger.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithMailboxSize overrides the per-subscriber mailbox capacity.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// WithIDSource sets the generator used to stamp envelopes that arrive
// without a correlation ID. Typically an idpool.Pool.
func WithIDSource(fn func() string) Option {
	return func(b *Bus) {
		b.idSource = fn
	}
}

// New creates an event bus.
func New(log *logger.Logger, opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[string]map[string]*Subscription),
		mailboxSize: defaultMailboxSize,
		idSource:    func() string { return uuid.NewString() },
		logger:      log.WithComponent("bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches a new subscriber to topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		C:     make(chan Envelope, b.mailboxSize),
		bus:   b,
	}

	b.mu.Lock()
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[string]*Subscription)
	}
	b.subscribers[topic][sub.ID] = sub
	count := len(b.subscribers[topic])
	b.mu.Unlock()

	metrics.BusSubscribers.WithLabelValues(topic).Set(float64(count))
	b.logger.Debug("subscriber added",
		slog.String("topic", topic),
		slog.String("subscriber_id", sub.ID),
		slog.Int("total_subscribers", count))
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if subs, ok := b.subscribers[sub.Topic]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(b.subscribers, sub.Topic)
		}
	}
	count := len(b.subscribers[sub.Topic])
	b.mu.Unlock()

	metrics.BusSubscribers.WithLabelValues(sub.Topic).Set(float64(count))
	b.logger.Debug("subscriber removed",
		slog.String("topic", sub.Topic),
		slog.String("subscriber_id", sub.ID))
}

// Publish fans an event out to every subscriber of topic. Publishing to a
// topic with no subscribers is not an error; it is logged and dropped.
// Publish never blocks: a subscriber whose mailbox is full loses the
// envelope, which is logged and counted.
func (b *Bus) Publish(topic, eventType string, payload interface{}) Envelope {
	env := Envelope{
		Topic:         topic,
		Type:          eventType,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: b.idSource(),
	}
	b.publish(env)
	return env
}

// PublishEnvelope delivers a pre-built envelope, stamping timestamp and
// correlation ID if absent.
func (b *Bus) PublishEnvelope(env Envelope) Envelope {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = b.idSource()
	}
	b.publish(env)
	return env
}

func (b *Bus) publish(env Envelope) {
	metrics.BusPublishedTotal.WithLabelValues(env.Topic).Inc()

	b.mu.RLock()
	subs := b.subscribers[env.Topic]
	if len(subs) == 0 {
		b.mu.RUnlock()
		b.logger.Debug("publish to topic with no subscribers",
			slog.String("topic", env.Topic),
			slog.String("type", env.Type))
		return
	}

	for _, sub := range subs {
		select {
		case sub.C <- env:
			// Delivered.
		default:
			metrics.BusDroppedTotal.WithLabelValues(env.Topic).Inc()
			b.logger.Warn("subscriber mailbox full, dropping envelope",
				slog.String("topic", env.Topic),
				slog.String("type", env.Type),
				slog.String("subscriber_id", sub.ID),
				slog.String("correlation_id", env.CorrelationID))
		}
	}
	b.mu.RUnlock()
}

// SubscriberCount returns the number of subscribers attached to topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}
