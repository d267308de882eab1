// Package registry caches one topic-bound sender per topic, resolving message
// types lazily on first use.
package registry

import (
	"fmt"
	"log"
	"sync"

	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/internal/logutil"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/pubsub"
)

// Registry lazily creates and caches senders keyed by topic name. A topic
// whose type fails to resolve is recorded and skipped for the remainder of
// playback; the failure is logged once per topic.
type Registry struct {
	resolver pubsub.TypeResolver
	broker   pubsub.Broker
	qos      pubsub.QoS
	logger   *log.Logger

	mu      sync.Mutex
	senders map[string]pubsub.Sender
	failed  map[string]struct{}
}

// New constructs an empty registry publishing through broker with the given
// default QoS.
func New(resolver pubsub.TypeResolver, broker pubsub.Broker, qos pubsub.QoS, logger *log.Logger) *Registry {
	return &Registry{
		resolver: resolver,
		broker:   broker,
		qos:      qos,
		logger:   logger,
		senders:  make(map[string]pubsub.Sender),
		failed:   make(map[string]struct{}),
	}
}

// GetOrCreate returns the cached sender for topic, creating it on first use.
// Type resolution happens only on that first call; subsequent lookups are
// O(1) map hits. The type is assumed stable per topic per bag.
func (r *Registry) GetOrCreate(topic, typeName string) (pubsub.Sender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.senders[topic]; ok {
		return s, nil
	}
	if _, ok := r.failed[topic]; ok {
		return nil, pubsub.ErrUnknownType
	}
	td, err := r.resolver.Resolve(typeName)
	if err != nil {
		r.failed[topic] = struct{}{}
		logutil.Warnf(r.logger, "skipping topic %s: cannot resolve type %q: %v", topic, typeName, err)
		return nil, fmt.Errorf("%w: %s", pubsub.ErrUnknownType, typeName)
	}
	s, err := r.broker.CreateSender(topic, td, r.qos)
	if err != nil {
		return nil, fmt.Errorf("pubsub: create sender for %s: %w", topic, err)
	}
	r.senders[topic] = s
	return s, nil
}

// Send routes one payload to its topic's sender, creating it if needed.
func (r *Registry) Send(topic, typeName string, data []byte) error {
	s, err := r.GetOrCreate(topic, typeName)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// Skipped reports whether the topic was marked unresolvable.
func (r *Registry) Skipped(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.failed[topic]
	return ok
}

// Len returns the number of cached senders.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.senders)
}

// Clear drops every cached handle and skip mark. Called when a new bag
// supersedes the current one.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.senders = make(map[string]pubsub.Sender)
	r.failed = make(map[string]struct{})
	r.mu.Unlock()
}
