package bag

import "time"

// defaultRescanWindow is the initial span re-read per backward step batch.
const defaultRescanWindow = 5 * time.Second

// ReverseCursor emulates backward traversal over a forward-only Reader.
//
// The underlying storage can only scan forward, so the cursor works in
// batches: it seeks back to a checkpoint, scans forward collecting every
// record in the half-open window [checkpoint, upper), and then serves that
// batch in reverse read order. When the batch is drained the upper bound
// moves down to the checkpoint, so windows tile the bag exactly and no
// record is skipped or duplicated at a boundary, including runs of records
// sharing one timestamp. Empty windows double the rescan span before the
// next attempt; the span snaps back to the default after the next non-empty
// batch.
type ReverseCursor struct {
	r      Reader
	lower  Time // inclusive floor, records below are never served
	upper  Time // exclusive ceiling of the next batch
	window time.Duration
	batch  []Record
}

// NewReverseCursor positions a backward cursor so that the first served
// record is the latest one with Stamp <= from (and >= floor).
func NewReverseCursor(r Reader, from, floor Time) *ReverseCursor {
	return &ReverseCursor{
		r:      r,
		lower:  floor,
		upper:  from + 1,
		window: defaultRescanWindow,
	}
}

// NewReverseCursorBefore is like NewReverseCursor but excludes records
// stamped exactly at from. Used after a mid-playback direction flip so the
// record just delivered forward is not replayed.
func NewReverseCursorBefore(r Reader, from, floor Time) *ReverseCursor {
	return &ReverseCursor{
		r:      r,
		lower:  floor,
		upper:  from,
		window: defaultRescanWindow,
	}
}

// Next returns the next record in reverse-chronological order. ok is false
// once every record at or above the floor has been served.
func (c *ReverseCursor) Next() (rec Record, ok bool, err error) {
	for len(c.batch) == 0 {
		if c.upper <= c.lower {
			return Record{}, false, nil
		}
		if err := c.fill(); err != nil {
			return Record{}, false, err
		}
	}
	rec = c.batch[len(c.batch)-1]
	c.batch = c.batch[:len(c.batch)-1]
	return rec, true, nil
}

// fill rescans one window ending at the current upper bound.
func (c *ReverseCursor) fill() error {
	checkpoint := c.upper - Time(c.window)
	if checkpoint < c.lower {
		checkpoint = c.lower
	}
	if err := c.r.Seek(checkpoint); err != nil {
		return err
	}
	for c.r.HasNext() {
		rec, err := c.r.ReadNext()
		if err != nil {
			return err
		}
		if rec.Stamp >= c.upper {
			break
		}
		c.batch = append(c.batch, rec)
	}
	c.upper = checkpoint
	if len(c.batch) == 0 {
		// Sparse region: widen the window so the next rescan makes progress.
		c.window *= 2
	} else {
		// A productive rescan ends the sparse stretch; shrink back so dense
		// regions after a gap are not re-read in one oversized batch.
		c.window = defaultRescanWindow
	}
	return nil
}
