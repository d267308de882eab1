// Package playclock converts bag timestamps into wall-clock delivery
// deadlines and provides the cancellable sleep the playback worker paces on.
package playclock

import (
	"sync"
	"time"

	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag"
)

// Clock holds one (bag time, wall time) anchor pair plus the speed and
// traversal direction in effect since that anchor. Deadlines scale only the
// time elapsed since the last anchor, so changing speed mid-playback never
// retroactively rescales time already waited; callers re-anchor on every
// pause/resume, speed change, direction change and seek.
type Clock struct {
	mu         sync.Mutex
	wallAnchor time.Time
	bagAnchor  bag.Time
	speed      float64
	backward   bool

	// wake carries at most one pending interrupt; senders never block.
	wake chan struct{}
}

// New returns a Clock anchored at the zero times with real-time speed.
func New() *Clock {
	return &Clock{speed: 1.0, wake: make(chan struct{}, 1)}
}

// Anchor records a new reference pair. speed values <= 0 fall back to 1.0;
// the engine validates speed at its boundary, this is a last-resort guard
// against a divide-by-zero deadline.
func (c *Clock) Anchor(bagTime bag.Time, wall time.Time, speed float64, backward bool) {
	if speed <= 0 {
		speed = 1.0
	}
	c.mu.Lock()
	c.bagAnchor = bagTime
	c.wallAnchor = wall
	c.speed = speed
	c.backward = backward
	c.mu.Unlock()
}

// DeadlineFor returns the wall-clock instant at which a record stamped t is
// due. The elapsed bag-time magnitude is non-negative in both directions.
func (c *Clock) DeadlineFor(t bag.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var elapsed time.Duration
	if c.backward {
		elapsed = c.bagAnchor.Sub(t)
	} else {
		elapsed = t.Sub(c.bagAnchor)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return c.wallAnchor.Add(time.Duration(float64(elapsed) / c.speed))
}

// SleepUntil blocks until the deadline passes (true) or an interrupt arrives
// first (false). An interrupt posted while nobody sleeps is observed by the
// next call, so control signals are never lost between sleeps.
func (c *Clock) SleepUntil(deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		select {
		case <-c.wake:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.wake:
		return false
	}
}

// Wake interrupts the current (or next) SleepUntil. Safe to call from any
// goroutine; redundant wakes collapse into one.
func (c *Clock) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
