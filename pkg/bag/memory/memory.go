// Package memory provides an in-memory bag backend. It is the reference
// implementation of the bag.Reader semantics and the fixture backend used by
// the engine tests.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag"
)

// Bag is an immutable, time-sorted collection of records that can hand out
// independent readers.
type Bag struct {
	records []bag.Record
	topics  []bag.TopicInfo
	size    uint64
}

// Builder accumulates records before freezing them into a Bag.
type Builder struct {
	mu      sync.Mutex
	records []bag.Record
	topics  map[string]string
}

// NewBuilder returns an empty bag builder.
func NewBuilder() *Builder {
	return &Builder{topics: make(map[string]string)}
}

// Add appends one record and registers its topic type. The first type seen
// for a topic wins; bags assume a stable type per topic.
func (b *Builder) Add(topic, typeName string, stamp bag.Time, data []byte) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = typeName
	}
	b.records = append(b.records, bag.Record{Topic: topic, Stamp: stamp, Data: append([]byte(nil), data...)})
	return b
}

// Build freezes the accumulated records into a Bag sorted by timestamp.
// Records sharing a timestamp keep their insertion order.
func (b *Builder) Build() *Bag {
	b.mu.Lock()
	defer b.mu.Unlock()
	recs := make([]bag.Record, len(b.records))
	copy(recs, b.records)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Stamp < recs[j].Stamp })
	var topics []bag.TopicInfo
	for name, typ := range b.topics {
		topics = append(topics, bag.TopicInfo{Name: name, Type: typ})
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
	var size uint64
	for _, r := range recs {
		size += uint64(len(r.Data))
	}
	return &Bag{records: recs, topics: topics, size: size}
}

// Reader returns a fresh forward cursor positioned at the start of the bag.
func (b *Bag) Reader() *Reader {
	return &Reader{bag: b}
}

// Metadata computes the bag description.
func (b *Bag) Metadata() bag.Metadata {
	md := bag.Metadata{SizeBytes: b.size, Topics: b.topics}
	if len(b.records) > 0 {
		md.Start = b.records[0].Stamp
		md.End = b.records[len(b.records)-1].Stamp
	}
	return md
}

// Reader is a forward-only cursor over an in-memory Bag.
type Reader struct {
	bag    *Bag
	idx    int
	closed bool
}

var _ bag.Reader = (*Reader)(nil)

// Metadata implements bag.Reader.
func (r *Reader) Metadata() bag.Metadata { return r.bag.Metadata() }

// Seek positions the cursor at the first record with Stamp >= t.
func (r *Reader) Seek(t bag.Time) error {
	if r.closed {
		return bag.ErrClosed
	}
	r.idx = sort.Search(len(r.bag.records), func(i int) bool {
		return r.bag.records[i].Stamp >= t
	})
	return nil
}

// HasNext implements bag.Reader.
func (r *Reader) HasNext() bool {
	return !r.closed && r.idx < len(r.bag.records)
}

// ReadNext implements bag.Reader.
func (r *Reader) ReadNext() (bag.Record, error) {
	if r.closed {
		return bag.Record{}, bag.ErrClosed
	}
	if r.idx >= len(r.bag.records) {
		return bag.Record{}, bag.ErrExhausted
	}
	rec := r.bag.records[r.idx]
	r.idx++
	return rec, nil
}

// Close implements bag.Reader.
func (r *Reader) Close() error {
	r.closed = true
	return nil
}

// registry of named bags so the memory backend can be addressed by URI, the
// way the engine addresses any other backend.
var (
	regMu sync.Mutex
	reg   = make(map[string]*Bag)
)

// Register stores a bag under a name for retrieval through Open.
func Register(name string, b *Bag) {
	regMu.Lock()
	reg[name] = b
	regMu.Unlock()
}

// Open resolves a previously registered bag by name.
func Open(uri string) (bag.Reader, error) {
	regMu.Lock()
	b, ok := reg[uri]
	regMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no in-memory bag registered as %q", bag.ErrBagOpen, uri)
	}
	return b.Reader(), nil
}
