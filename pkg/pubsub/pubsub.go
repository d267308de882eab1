// Package pubsub defines the transport boundary the playback engine publishes
// through: dynamic message-type resolution, per-topic senders and the broker
// capability that creates them. Implementations live in subpackages (local,
// grpc); the engine never inspects payloads, it only routes opaque bytes by
// topic.
package pubsub

import "errors"

var (
	// ErrUnknownType indicates a message type name could not be resolved to
	// type support. Messages on such topics are skipped, not fatal.
	ErrUnknownType = errors.New("pubsub: unknown message type")
	// ErrClosed is returned when publishing through a closed broker.
	ErrClosed = errors.New("pubsub: broker is closed")
)

// TypeDescriptor is the resolved type support for a message type name.
type TypeDescriptor struct {
	// Name is the canonical type name, e.g. "sensor_msgs/msg/Imu".
	Name string
	// Encoding is the serialization format of the payload bytes.
	Encoding string
}

// QoS carries the per-sender delivery settings honored by brokers.
type QoS struct {
	// Depth bounds the per-subscriber buffering; 0 means the broker default.
	Depth int
	// Reliable requests delivery confirmation where the transport supports it.
	Reliable bool
}

// Sender publishes serialized payloads on one topic.
type Sender interface {
	Topic() string
	Send(data []byte) error
}

// Broker creates topic-bound senders. One broker instance is shared by all
// senders of a loaded bag.
type Broker interface {
	CreateSender(topic string, td TypeDescriptor, qos QoS) (Sender, error)
	Close() error
}

// TypeResolver resolves a message type name into a descriptor, or reports
// ErrUnknownType. The publisher registry is the only engine component that
// depends on this capability.
type TypeResolver interface {
	Resolve(typeName string) (TypeDescriptor, error)
}

// ResolverFunc adapts a function to the TypeResolver interface.
type ResolverFunc func(typeName string) (TypeDescriptor, error)

// Resolve implements TypeResolver.
func (f ResolverFunc) Resolve(typeName string) (TypeDescriptor, error) { return f(typeName) }

// ResolveAll returns a resolver that accepts every non-empty type name with
// the given payload encoding. Used when the deployment trusts the bag's own
// topic table.
func ResolveAll(encoding string) TypeResolver {
	return ResolverFunc(func(typeName string) (TypeDescriptor, error) {
		if typeName == "" {
			return TypeDescriptor{}, ErrUnknownType
		}
		return TypeDescriptor{Name: typeName, Encoding: encoding}, nil
	})
}

// Allow returns a resolver that accepts only the listed type names.
func Allow(encoding string, names ...string) TypeResolver {
	known := make(map[string]struct{}, len(names))
	for _, n := range names {
		known[n] = struct{}{}
	}
	return ResolverFunc(func(typeName string) (TypeDescriptor, error) {
		if _, ok := known[typeName]; !ok {
			return TypeDescriptor{}, ErrUnknownType
		}
		return TypeDescriptor{Name: typeName, Encoding: encoding}, nil
	})
}
