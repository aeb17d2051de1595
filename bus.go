package athanor

import (
	"log/slog"
	"sync"
)

// VillageTopic names the per-user tool lifecycle topic.
func VillageTopic(userID string) string { return "village/" + userID }

// CouncilTopic names the per-session council progress topic.
func CouncilTopic(sessionID string) string { return "council/" + sessionID }

// Bus is an in-process topic broker with at-most-once delivery. Each
// subscriber owns a bounded queue; a subscriber that falls behind receives a
// terminal subscriber_lagged event and is dropped. Delivery within a topic is
// serial, so a single subscriber always observes events in publish order.
type Bus struct {
	mu     sync.Mutex
	topics map[string]map[*BusSubscriber]struct{}
	queue  int
	logger *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusQueueSize sets the per-subscriber queue bound. Default 128.
func WithBusQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queue = n
		}
	}
}

// WithBusLogger sets the structured logger.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates a broker with no topics.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		topics: make(map[string]map[*BusSubscriber]struct{}),
		queue:  128,
		logger: nopLogger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// BusSubscriber is one bounded-queue consumer of a topic. Its channel closes
// after Unsubscribe or after a lagged drop; the subscriber_lagged event, when
// present, is always the last event received.
type BusSubscriber struct {
	topic  string
	ch     chan StreamEvent
	lagged bool
}

// Events returns the subscriber's queue.
func (s *BusSubscriber) Events() <-chan StreamEvent { return s.ch }

// Topic returns the topic the subscriber is attached to.
func (s *BusSubscriber) Topic() string { return s.topic }

// Subscribe attaches a new bounded-queue subscriber to topic.
func (b *Bus) Subscribe(topic string) *BusSubscriber {
	// One slot past the bound is reserved for the terminal lagged event.
	sub := &BusSubscriber{topic: topic, ch: make(chan StreamEvent, b.queue+1)}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*BusSubscriber]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches sub and closes its channel.
func (b *Bus) Unsubscribe(sub *BusSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[sub.topic]; ok {
		if _, present := subs[sub]; present {
			delete(subs, sub)
			close(sub.ch)
		}
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
}

// Publish delivers ev to every subscriber of topic. A subscriber whose queue
// is full gets subscriber_lagged and is dropped; publishers never block.
func (b *Bus) Publish(topic string, ev StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	for sub := range subs {
		if len(sub.ch) < cap(sub.ch)-1 {
			sub.ch <- ev
			continue
		}
		sub.lagged = true
		sub.ch <- StreamEvent{Type: EventLagged}
		close(sub.ch)
		delete(subs, sub)
		b.logger.Warn("bus: subscriber lagged, dropped", "topic", topic)
	}
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}
