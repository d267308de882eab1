package player

import (
	"errors"
	"log"

	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/pubsub"
)

// DefaultClockTopic is the topic the simulated-time broadcast is published
// on so downstream consumers can slave their clocks to playback.
const DefaultClockTopic = "/clock"

// ClockTypeName is the message type advertised for the simulated-time topic.
const ClockTypeName = "rosgraph_msgs/msg/Clock"

// Options carries the injected collaborators and settings used to assemble a
// Player. Instances are typically produced from bootstrap.Config.
type Options struct {
	// Open opens bags by URI (required).
	Open bag.Opener
	// Broker creates the per-topic senders playback publishes through
	// (required).
	Broker pubsub.Broker
	// Resolver resolves message type names. Defaults to accepting every
	// type recorded in the bag's topic table, with "cdr" payload encoding.
	Resolver pubsub.TypeResolver
	// QoS is the default profile for created senders.
	QoS pubsub.QoS
	// ClockTopic overrides the simulated-time topic. Empty means
	// DefaultClockTopic.
	ClockTopic string
	// Sink receives outward notifications (optional).
	Sink Sink
	// Logger is used for operational messages. Nil means log.Default().
	Logger *log.Logger
}

// Validate checks that the required collaborators are present.
func (o Options) Validate() error {
	if o.Open == nil {
		return errors.New("player: nil Open")
	}
	if o.Broker == nil {
		return errors.New("player: nil Broker")
	}
	return nil
}
