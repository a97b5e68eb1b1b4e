// Package bus implements the in-process publish/subscribe fabric used
// for lifecycle notifications, deployment progress and live telemetry.
// Delivery is best-effort: publishing never blocks, and a subscriber
// whose buffer is full loses the oldest pending message.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fleetforge/internal/logging"

	"go.uber.org/zap"
)

// Topic name helpers. Topics are namespaced per entity.

// InstanceEvents is the lifecycle topic for one instance
func InstanceEvents(instanceID string) string {
	return "instance:" + instanceID + ":events"
}

// InstanceMetrics is the live telemetry topic for one instance
func InstanceMetrics(instanceID string) string {
	return "instance:" + instanceID + ":metrics"
}

// DeploymentProgress is the progress topic for one deployment
func DeploymentProgress(deploymentID string) string {
	return "deployment:" + deploymentID + ":progress"
}

// Message is one published payload, already JSON-encoded
type Message struct {
	Topic   string
	Payload []byte
	TS      time.Time
}

// Subscription is one consumer's handle on a topic
type Subscription struct {
	topic string
	bus   *Bus
	once  sync.Once

	// mu serializes deliveries against channel close so a publisher
	// holding a stale reference can never send on a closed channel
	mu     sync.Mutex
	ch     chan Message
	closed bool
}

// C returns the receive channel for this subscription
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Topic returns the subscribed topic
func (s *Subscription) Topic() string {
	return s.topic
}

// Close unsubscribes and closes the receive channel
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// deliver hands the message to the subscriber without blocking. After
// the subscription is closed this is a no-op.
func (s *Subscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- msg:
	default:
		// Buffer full: evict the oldest message so slow consumers
		// see the freshest state instead of stalling the publisher.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- msg:
		default:
			logging.Logger().Debug("dropped bus message",
				zap.String("topic", s.topic))
		}
	}
}

// closeChan marks the subscription closed and closes its channel.
// Safe to call more than once.
func (s *Subscription) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus is an in-process topic-keyed pub/sub fabric
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	buffer int
	closed bool
}

// New creates a Bus. buffer is the per-subscriber channel capacity.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string][]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a new consumer on topic
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan Message, b.buffer),
		bus:   b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.closeChan()
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub
}

// unsubscribe removes the subscription from the topic's list and only
// then closes its channel. Removal builds a fresh slice so a concurrent
// Publish iterating its own snapshot is never affected.
func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	subs := b.subs[sub.topic]
	next := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		if s != sub {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.subs, sub.topic)
	} else {
		b.subs[sub.topic] = next
	}
	b.mu.Unlock()

	sub.closeChan()
}

// Publish marshals payload to JSON and delivers it to every current
// subscriber of topic. It returns an error only when the payload cannot
// be marshaled; delivery itself is fire-and-forget.
func (b *Bus) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal bus payload for %s: %w", topic, err)
	}

	msg := Message{Topic: topic, Payload: data, TS: time.Now()}

	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(msg)
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions on topic
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close tears down every subscription. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for topic, subs := range b.subs {
		all = append(all, subs...)
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.closeChan()
	}
}
