// Package local is an in-process broker: per-topic channel fanout with
// best-effort delivery. It backs library embeddings and the engine tests.
package local

import (
	"sync"

	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/pubsub"
)

// Message is one delivery to a subscriber.
type Message struct {
	Topic string
	Data  []byte
}

// Broker fans published payloads out to channel subscribers. Delivery is
// best-effort: a subscriber whose buffer is full misses the message rather
// than back-pressuring the playback worker.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

const defaultDepth = 64

// New returns an empty broker.
func New() *Broker {
	return &Broker{subs: make(map[string]map[*Subscription]struct{})}
}

var _ pubsub.Broker = (*Broker)(nil)

// CreateSender implements pubsub.Broker.
func (b *Broker) CreateSender(topic string, td pubsub.TypeDescriptor, qos pubsub.QoS) (pubsub.Sender, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, pubsub.ErrClosed
	}
	return &sender{broker: b, topic: topic}, nil
}

// Subscribe registers interest in one topic; the empty topic subscribes to
// everything. depth <= 0 uses the broker default.
func (b *Broker) Subscribe(topic string, depth int) *Subscription {
	if depth <= 0 {
		depth = defaultDepth
	}
	sub := &Subscription{broker: b, topic: topic, ch: make(chan Message, depth)}
	b.mu.Lock()
	if !b.closed {
		if b.subs[topic] == nil {
			b.subs[topic] = make(map[*Subscription]struct{})
		}
		b.subs[topic][sub] = struct{}{}
	} else {
		close(sub.ch)
	}
	b.mu.Unlock()
	return sub
}

// Close drops all subscriptions and closes their channels.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	b.subs = nil
	return nil
}

func (b *Broker) publish(topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return pubsub.ErrClosed
	}
	msg := Message{Topic: topic, Data: data}
	for _, key := range []string{topic, ""} {
		for sub := range b.subs[key] {
			select {
			case sub.ch <- msg:
			default:
				// subscriber too slow, drop
			}
		}
	}
	return nil
}

type sender struct {
	broker *Broker
	topic  string
}

func (s *sender) Topic() string          { return s.topic }
func (s *sender) Send(data []byte) error { return s.broker.publish(s.topic, data) }

// Subscription is one receiver registration.
type Subscription struct {
	broker *Broker
	topic  string
	ch     chan Message
	once   sync.Once
}

// C returns the delivery channel. It is closed when the subscription is
// cancelled or the broker shuts down.
func (s *Subscription) C() <-chan Message { return s.ch }

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		if !s.broker.closed {
			if set := s.broker.subs[s.topic]; set != nil {
				delete(set, s)
			}
			close(s.ch)
		}
		s.broker.mu.Unlock()
	})
}
