// Package bag defines the log source boundary of the playback engine: bag
// metadata, records and the forward-only Reader contract implemented by the
// storage backends (sqlite, memory).
package bag

import (
	"errors"
	"time"
)

// Time is a bag timestamp in nanoseconds since the Unix epoch.
type Time int64

// FromTime converts a wall-clock time into a bag timestamp.
func FromTime(t time.Time) Time { return Time(t.UnixNano()) }

// AsTime converts the bag timestamp into a wall-clock time.
func (t Time) AsTime() time.Time { return time.Unix(0, int64(t)) }

// Sub returns the signed distance between two bag timestamps.
func (t Time) Sub(o Time) time.Duration { return time.Duration(int64(t) - int64(o)) }

var (
	// ErrBagOpen indicates the bag could not be opened (missing file,
	// unreadable or corrupt storage).
	ErrBagOpen = errors.New("bag: cannot open bag")
	// ErrExhausted is returned by ReadNext when the cursor has no further
	// records. Callers should consult HasNext first.
	ErrExhausted = errors.New("bag: no more records")
	// ErrClosed is returned for operations on a closed reader.
	ErrClosed = errors.New("bag: reader is closed")
)

// Record is one (topic, timestamp, payload) entry read from a bag. The payload
// is an opaque serialized message; the engine never deserializes it.
type Record struct {
	Topic string
	Stamp Time
	Data  []byte
}

// TopicInfo describes one topic recorded in a bag.
type TopicInfo struct {
	Name string
	Type string
}

// Metadata is the immutable description of a loaded bag. It is replaced
// wholesale when a new bag is loaded.
type Metadata struct {
	Start     Time
	End       Time
	SizeBytes uint64
	Topics    []TopicInfo
}

// Duration returns the recorded time span of the bag.
func (m Metadata) Duration() time.Duration { return m.End.Sub(m.Start) }

// TypeOf returns the recorded message type for a topic, or "" when the topic
// is not part of the bag.
func (m Metadata) TypeOf(topic string) string {
	for _, ti := range m.Topics {
		if ti.Name == topic {
			return ti.Type
		}
	}
	return ""
}

// Reader is a forward-only cursor over a bag. Implementations are not safe
// for concurrent use; the playback engine confines a Reader to its worker
// goroutine.
type Reader interface {
	// Metadata returns the bag description captured at open time.
	Metadata() Metadata
	// Seek repositions the cursor to the first record with Stamp >= t.
	Seek(t Time) error
	// HasNext reports whether a further record is available.
	HasNext() bool
	// ReadNext returns the record under the cursor and advances it.
	ReadNext() (Record, error)
	// Close releases the underlying storage handle.
	Close() error
}

// Opener opens a bag by URI. Backends provide implementations; the engine
// depends only on this capability so tests can inject in-memory bags.
type Opener func(uri string) (Reader, error)
