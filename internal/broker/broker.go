package broker

import (
	"sync"

	"github.com/quickchat/realtime-service/internal/event"
)

const defaultBuffer = 64

// Broker is the in-process pub/sub bus. It owns every subscriber list; all
// access goes through its methods, never through shared collections.
// Delivery is best-effort: a subscriber that cannot keep up loses events
// rather than stalling the publisher.
type Broker struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

// Subscription is one subscriber's attachment to a single topic.
type Subscription struct {
	broker *Broker
	topic  string
	ch     chan event.Event
	once   sync.Once
}

func New() *Broker {
	return &Broker{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: defaultBuffer,
	}
}

// Subscribe attaches a new subscriber to topic. Events published before the
// subscription existed are not replayed.
func (b *Broker) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		broker: b,
		topic:  topic,
		ch:     make(chan event.Event, b.buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}
	return sub
}

// C returns the subscriber's event channel. The channel is closed when the
// subscription or the broker is closed.
func (s *Subscription) C() <-chan event.Event {
	return s.ch
}

// Topic returns the topic this subscription is attached to.
func (s *Subscription) Topic() string {
	return s.topic
}

// Close detaches the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		if set, ok := b.topics[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.topics, s.topic)
			}
		}
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			close(s.ch)
		}
	})
}

// Publish delivers ev to every current subscriber of topic. Sends never
// block: a full subscriber buffer drops the event for that subscriber only.
// Returns delivered and dropped counts.
func (b *Broker) Publish(topic string, ev event.Event) (delivered, dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, 0
	}
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

// SubscriberCount reports the number of live subscriptions for topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.topics {
		for sub := range set {
			close(sub.ch)
		}
	}
	b.topics = make(map[string]map[*Subscription]struct{})
}
