// Package sqlite reads bags stored as rosbag2-layout SQLite databases: a
// topics table describing the channels and a messages table holding the
// serialized payloads keyed by timestamp.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag"
)

// Reader is a forward-only cursor over a SQLite bag file.
type Reader struct {
	db     *sql.DB
	md     bag.Metadata
	rows   *sql.Rows
	next   *bag.Record
	closed bool
}

var _ bag.Reader = (*Reader)(nil)

// Open opens a bag database read-only, captures its metadata and positions
// the cursor at the first record.
func Open(path string) (bag.Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bag.ErrBagOpen, err)
	}
	// The file: prefix is required for the driver to parse the query
	// parameters; a bare path would open the database read-write.
	dsn := "file:" + filepath.ToSlash(filepath.Clean(path)) + "?mode=ro&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bag.ErrBagOpen, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", bag.ErrBagOpen, err)
	}
	md, err := readMetadata(db, uint64(info.Size()))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &Reader{db: db, md: md}
	if err := r.Seek(md.Start); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", bag.ErrBagOpen, err)
	}
	return r, nil
}

func readMetadata(db *sql.DB, sizeBytes uint64) (bag.Metadata, error) {
	md := bag.Metadata{SizeBytes: sizeBytes}
	rows, err := db.Query(`SELECT name, type FROM topics ORDER BY id`)
	if err != nil {
		return md, fmt.Errorf("%w: read topics: %v", bag.ErrBagOpen, err)
	}
	defer rows.Close()
	for rows.Next() {
		var ti bag.TopicInfo
		if err := rows.Scan(&ti.Name, &ti.Type); err != nil {
			return md, fmt.Errorf("%w: scan topic: %v", bag.ErrBagOpen, err)
		}
		md.Topics = append(md.Topics, ti)
	}
	if err := rows.Err(); err != nil {
		return md, fmt.Errorf("%w: read topics: %v", bag.ErrBagOpen, err)
	}
	var start, end sql.NullInt64
	row := db.QueryRow(`SELECT MIN(timestamp), MAX(timestamp) FROM messages`)
	if err := row.Scan(&start, &end); err != nil {
		return md, fmt.Errorf("%w: read time range: %v", bag.ErrBagOpen, err)
	}
	md.Start = bag.Time(start.Int64)
	md.End = bag.Time(end.Int64)
	return md, nil
}

// Metadata implements bag.Reader.
func (r *Reader) Metadata() bag.Metadata { return r.md }

// Seek repositions the cursor to the first record with timestamp >= t by
// rebinding the streaming query.
func (r *Reader) Seek(t bag.Time) error {
	if r.closed {
		return bag.ErrClosed
	}
	if r.rows != nil {
		_ = r.rows.Close()
		r.rows = nil
	}
	r.next = nil
	rows, err := r.db.Query(
		`SELECT t.name, m.timestamp, m.data
		   FROM messages m JOIN topics t ON t.id = m.topic_id
		  WHERE m.timestamp >= ?
		  ORDER BY m.timestamp, m.id`, int64(t))
	if err != nil {
		return fmt.Errorf("bag: seek: %w", err)
	}
	r.rows = rows
	return r.advance()
}

// advance pulls the lookahead record so HasNext is cheap.
func (r *Reader) advance() error {
	if r.rows == nil {
		return nil
	}
	if !r.rows.Next() {
		err := r.rows.Err()
		_ = r.rows.Close()
		r.rows = nil
		r.next = nil
		if err != nil {
			return fmt.Errorf("bag: read: %w", err)
		}
		return nil
	}
	var (
		topic string
		stamp int64
		data  []byte
	)
	if err := r.rows.Scan(&topic, &stamp, &data); err != nil {
		return fmt.Errorf("bag: scan record: %w", err)
	}
	r.next = &bag.Record{Topic: topic, Stamp: bag.Time(stamp), Data: data}
	return nil
}

// HasNext implements bag.Reader.
func (r *Reader) HasNext() bool { return !r.closed && r.next != nil }

// ReadNext implements bag.Reader.
func (r *Reader) ReadNext() (bag.Record, error) {
	if r.closed {
		return bag.Record{}, bag.ErrClosed
	}
	if r.next == nil {
		return bag.Record{}, bag.ErrExhausted
	}
	rec := *r.next
	if err := r.advance(); err != nil {
		return rec, err
	}
	return rec, nil
}

// Close implements bag.Reader.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.rows != nil {
		_ = r.rows.Close()
		r.rows = nil
	}
	return r.db.Close()
}
