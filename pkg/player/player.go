// Package player implements the playback engine: a control surface driving a
// single worker goroutine that reads records from a loaded bag and republishes
// them on their original topics, paced by a scalable playback clock.
package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/internal/logutil"
	obsmetrics "github.com/Ayrton2718/rosbag-rviz-panel/pkg/observability/metrics"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/observability/tracing"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/playclock"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/pubsub"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/pubsub/registry"
)

// Player owns one loaded bag and replays it. All exported methods are safe
// for concurrent use; the bag reader itself is confined to the worker
// goroutine (or to the caller's goroutine while no worker runs).
type Player struct {
	opts   Options
	logger *log.Logger
	clock  *playclock.Clock
	reg    *registry.Registry
	eb     eventBus

	mu   sync.Mutex
	cond *sync.Cond

	state State
	uri   string
	src   bag.Reader
	md    bag.Metadata

	clockSender pubsub.Sender

	// control state, read by the worker under mu
	pos        bag.Time
	dir        Direction
	speed      float64
	paused     bool
	stopping   bool
	rangeStart bag.Time
	rangeEnd   bag.Time

	// gen is bumped whenever control state changes in a way that requires
	// the worker to reposition its cursor and re-anchor the clock.
	gen uint64
	// delivered reports whether pos refers to a record already published,
	// which decides inclusive vs exclusive cursor repositioning.
	delivered bool
	// posSerial counts how many records stamped exactly pos were already
	// published while traversing in posDir. Resync uses it to reposition
	// exactly inside a run of equal timestamps.
	posSerial int
	posDir    Direction

	workerDone chan struct{}
}

// New assembles a Player from its collaborators. No bag is loaded yet.
func New(opts Options) (*Player, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Resolver == nil {
		opts.Resolver = pubsub.ResolveAll("cdr")
	}
	if opts.ClockTopic == "" {
		opts.ClockTopic = DefaultClockTopic
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	p := &Player{
		opts:   opts,
		logger: opts.Logger,
		clock:  playclock.New(),
		reg:    registry.New(opts.Resolver, opts.Broker, opts.QoS, opts.Logger),
		speed:  1.0,
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Load opens the bag at uri and makes it the current one, replacing any bag
// loaded before. A running worker is stopped first. On open failure the
// player ends up with no bag loaded.
func (p *Player) Load(uri string) error {
	_, end := tracing.StartSpan(context.Background(), "player.Load")
	defer end()
	p.stopWorker()

	p.mu.Lock()
	if p.src != nil {
		if err := p.src.Close(); err != nil {
			logutil.Warnf(p.logger, "closing previous bag: %v", err)
		}
		p.src = nil
	}
	p.state = Idle
	p.uri = ""
	p.md = bag.Metadata{}
	p.clockSender = nil
	p.mu.Unlock()
	p.reg.Clear()

	r, err := p.opts.Open(uri)
	if err != nil {
		err = fmt.Errorf("load %s: %w", uri, err)
		logutil.Errorf(p.logger, "%v", err)
		p.emit(Event{Type: EventStatus, Status: fmt.Sprintf("failed to load %s", uri)})
		p.emit(Event{Type: EventControls, ControlsEnabled: false})
		return err
	}
	md := r.Metadata()

	cs, err := p.opts.Broker.CreateSender(p.opts.ClockTopic,
		pubsub.TypeDescriptor{Name: ClockTypeName, Encoding: "json"}, p.opts.QoS)
	if err != nil {
		r.Close()
		return fmt.Errorf("load %s: clock sender: %w", uri, err)
	}

	p.mu.Lock()
	p.src = r
	p.md = md
	p.uri = uri
	p.state = Ready
	p.pos = md.Start
	p.dir = Forward
	p.rangeStart = md.Start
	p.rangeEnd = md.End
	p.delivered = false
	p.gen++
	p.clockSender = cs
	speed := p.speed
	p.mu.Unlock()

	obsmetrics.BagsLoaded.Inc()
	logutil.Infof(p.logger, "loaded bag %s: %d topics, %s, %s",
		uri, len(md.Topics), md.Duration(), FormatSize(md.SizeBytes))

	p.emit(Event{Type: EventBagSize, SizeBytes: md.SizeBytes, SizeLabel: FormatSize(md.SizeBytes)})
	p.emitPosition(md.Start)
	p.emit(Event{Type: EventSpeed, Speed: speed})
	p.emit(Event{Type: EventControls, ControlsEnabled: true})
	p.emit(Event{Type: EventStatus, Status: fmt.Sprintf("loaded %s", uri)})
	return nil
}

// Play starts the worker, or resumes it when paused. Playing while already
// running is a no-op.
func (p *Player) Play() error {
	p.mu.Lock()
	switch p.state {
	case Idle:
		p.mu.Unlock()
		return ErrNoBag
	case Running:
		if p.paused {
			p.paused = false
			p.gen++
			p.cond.Broadcast()
			p.mu.Unlock()
			p.clock.Wake()
			obsmetrics.Paused.Set(0)
			p.emit(Event{Type: EventStatus, Status: "resumed"})
			return nil
		}
		p.mu.Unlock()
		return nil
	}
	// Ready: spin up the worker.
	p.state = Running
	p.stopping = false
	p.paused = false
	p.gen++
	p.workerDone = make(chan struct{})
	obsmetrics.Playing.Set(1)
	go p.run(p.workerDone)
	p.mu.Unlock()

	p.emit(Event{Type: EventStatus, Status: "playing"})
	return nil
}

// Pause suspends delivery without losing the playhead position.
func (p *Player) Pause() error {
	p.mu.Lock()
	if p.state == Idle {
		p.mu.Unlock()
		return ErrNoBag
	}
	if p.state != Running || p.paused {
		p.mu.Unlock()
		return nil
	}
	p.paused = true
	p.gen++
	p.cond.Broadcast()
	p.mu.Unlock()
	p.clock.Wake()

	obsmetrics.Paused.Set(1)
	p.emit(Event{Type: EventStatus, Status: "paused"})
	return nil
}

// TogglePause pauses a running worker or resumes a paused one.
func (p *Player) TogglePause() error {
	p.mu.Lock()
	paused := p.paused
	state := p.state
	p.mu.Unlock()
	if state == Idle {
		return ErrNoBag
	}
	if paused {
		return p.Play()
	}
	return p.Pause()
}

// Stop halts the worker and waits for it to exit. The playhead keeps its
// position, so a subsequent Play resumes from where playback stopped.
func (p *Player) Stop() error {
	p.mu.Lock()
	if p.state == Idle {
		p.mu.Unlock()
		return ErrNoBag
	}
	p.mu.Unlock()
	p.stopWorker()
	p.emit(Event{Type: EventStatus, Status: "stopped"})
	return nil
}

// stopWorker signals the worker to exit and joins it. No-op when idle/ready.
func (p *Player) stopWorker() {
	p.mu.Lock()
	if p.state != Running {
		p.mu.Unlock()
		return
	}
	done := p.workerDone
	p.stopping = true
	p.gen++
	p.cond.Broadcast()
	p.mu.Unlock()
	p.clock.Wake()
	<-done
}

// SetSpeed sets the playback speed multiplier. The new speed applies from the
// current playhead on; time already waited is never rescaled.
func (p *Player) SetSpeed(speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, speed)
	}
	p.mu.Lock()
	p.speed = speed
	if p.state == Running {
		p.gen++
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	p.clock.Wake()

	obsmetrics.PlaybackSpeed.Set(speed)
	p.emit(Event{Type: EventSpeed, Speed: speed})
	return nil
}

// ChangeSpeed adjusts the speed multiplier by delta. The result must stay
// positive.
func (p *Player) ChangeSpeed(delta float64) error {
	p.mu.Lock()
	next := p.speed + delta
	p.mu.Unlock()
	return p.SetSpeed(next)
}

// Speed returns the current speed multiplier.
func (p *Player) Speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// SetDirection selects forward or backward traversal. Changing direction
// mid-playback repositions the cursor at the playhead; a record already
// waiting for its deadline is discarded, not delivered late.
func (p *Player) SetDirection(d Direction) error {
	p.mu.Lock()
	if p.state == Idle {
		p.mu.Unlock()
		return ErrNoBag
	}
	if d == p.dir {
		p.mu.Unlock()
		return nil
	}
	p.dir = d
	if p.state == Running {
		p.gen++
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	p.clock.Wake()

	p.emit(Event{Type: EventStatus, Status: fmt.Sprintf("direction: %s", d)})
	return nil
}

// ToggleDirection flips the traversal direction.
func (p *Player) ToggleDirection() error {
	p.mu.Lock()
	d := p.dir
	p.mu.Unlock()
	if d == Forward {
		return p.SetDirection(Backward)
	}
	return p.SetDirection(Forward)
}

// Seek moves the playhead to a fractional position within the control range:
// 0 is the range start, 1 the range end.
func (p *Player) Seek(fraction float64) error {
	if fraction < 0 || fraction > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidSeek, fraction)
	}
	p.mu.Lock()
	if p.state == Idle {
		p.mu.Unlock()
		return ErrNoBag
	}
	span := p.rangeEnd.Sub(p.rangeStart)
	p.pos = p.rangeStart + bag.Time(float64(span)*fraction)
	p.delivered = false
	pos := p.pos
	if p.state == Running {
		p.gen++
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	p.clock.Wake()

	p.emitPosition(pos)
	return nil
}

// SeekTo moves the playhead to an absolute bag timestamp, clamped into the
// control range.
func (p *Player) SeekTo(t bag.Time) error {
	p.mu.Lock()
	if p.state == Idle {
		p.mu.Unlock()
		return ErrNoBag
	}
	if t < p.rangeStart {
		t = p.rangeStart
	}
	if t > p.rangeEnd {
		t = p.rangeEnd
	}
	p.pos = t
	p.delivered = false
	if p.state == Running {
		p.gen++
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	p.clock.Wake()

	p.emitPosition(t)
	return nil
}

// SetRangeStart trims the playable range's lower bound. The bound is clamped
// into the bag's extent; a bound above the current range end is rejected.
// The playhead is pulled into the new range if it fell outside.
func (p *Player) SetRangeStart(t bag.Time) error {
	p.mu.Lock()
	if p.state == Idle {
		p.mu.Unlock()
		return ErrNoBag
	}
	if t < p.md.Start {
		t = p.md.Start
	}
	if t > p.rangeEnd {
		p.mu.Unlock()
		return fmt.Errorf("%w: start %d > end %d", ErrInvalidRange, t, p.rangeEnd)
	}
	p.rangeStart = t
	var moved bool
	if p.pos < t {
		p.pos = t
		p.delivered = false
		moved = true
	}
	pos := p.pos
	if p.state == Running {
		p.gen++
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	p.clock.Wake()

	if moved {
		p.emitPosition(pos)
	}
	return nil
}

// SetRangeEnd trims the playable range's upper bound. Mirror of
// SetRangeStart.
func (p *Player) SetRangeEnd(t bag.Time) error {
	p.mu.Lock()
	if p.state == Idle {
		p.mu.Unlock()
		return ErrNoBag
	}
	if t > p.md.End {
		t = p.md.End
	}
	if t < p.rangeStart {
		p.mu.Unlock()
		return fmt.Errorf("%w: end %d < start %d", ErrInvalidRange, t, p.rangeStart)
	}
	p.rangeEnd = t
	var moved bool
	if p.pos > t {
		p.pos = t
		p.delivered = false
		moved = true
	}
	pos := p.pos
	if p.state == Running {
		p.gen++
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	p.clock.Wake()

	if moved {
		p.emitPosition(pos)
	}
	return nil
}

// GotoBegin snaps the playhead to the range start.
func (p *Player) GotoBegin() error {
	p.mu.Lock()
	t := p.rangeStart
	p.mu.Unlock()
	return p.SeekTo(t)
}

// GotoEnd snaps the playhead to the range end.
func (p *Player) GotoEnd() error {
	p.mu.Lock()
	t := p.rangeEnd
	p.mu.Unlock()
	return p.SeekTo(t)
}

// Status returns a snapshot of the engine state.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		State:      p.state.String(),
		URI:        p.uri,
		Start:      p.md.Start,
		End:        p.md.End,
		RangeStart: p.rangeStart,
		RangeEnd:   p.rangeEnd,
		Position:   p.pos,
		Direction:  p.dir.String(),
		Speed:      p.speed,
		Paused:     p.paused,
		SizeBytes:  p.md.SizeBytes,
		Topics:     p.md.Topics,
	}
}

// Close stops playback and releases the loaded bag. The player is unusable
// afterwards except for loading a new bag.
func (p *Player) Close() error {
	p.stopWorker()
	p.mu.Lock()
	var err error
	if p.src != nil {
		err = p.src.Close()
		p.src = nil
	}
	p.state = Idle
	p.uri = ""
	p.clockSender = nil
	p.mu.Unlock()
	p.reg.Clear()
	return err
}

// emitPosition publishes the playhead-derived labels as one position event.
func (p *Player) emitPosition(t bag.Time) {
	p.mu.Lock()
	md := p.md
	rs, re := p.rangeStart, p.rangeEnd
	p.mu.Unlock()

	progress := 0
	if span := re.Sub(rs); span > 0 {
		progress = int(float64(t.Sub(rs)) / float64(span) * 100)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	obsmetrics.PlaybackProgress.Set(float64(progress))
	p.emit(Event{
		Type:           EventPosition,
		Stamp:          t,
		DateLabel:      formatDate(t),
		ElapsedSeconds: t.Sub(md.Start).Seconds(),
		Progress:       progress,
	})
}

// clockPayload is the simulated-time message body broadcast on ClockTopic.
type clockPayload struct {
	Sec     int64  `json:"sec"`
	Nanosec uint32 `json:"nanosec"`
}

func (p *Player) broadcastClock(t bag.Time) {
	p.mu.Lock()
	cs := p.clockSender
	p.mu.Unlock()
	if cs == nil {
		return
	}
	body, err := json.Marshal(clockPayload{
		Sec:     int64(t) / int64(time.Second),
		Nanosec: uint32(int64(t) % int64(time.Second)),
	})
	if err != nil {
		return
	}
	if err := cs.Send(body); err != nil {
		logutil.Warnf(p.logger, "clock broadcast: %v", err)
	}
}

// run is the playback worker. It owns the bag reader until it exits.
func (p *Player) run(done chan struct{}) {
	var (
		rev     *bag.ReverseCursor
		pending *bag.Record
		seenGen uint64
		synced  bool
	)

	finish := func(natural bool, dir Direction) {
		p.mu.Lock()
		p.state = Ready
		p.stopping = false
		if natural {
			// Rewind to the opposite boundary so Play replays the range.
			if dir == Forward {
				p.pos = p.rangeStart
			} else {
				p.pos = p.rangeEnd
			}
			p.delivered = false
		}
		pos := p.pos
		p.mu.Unlock()

		obsmetrics.Playing.Set(0)
		obsmetrics.Paused.Set(0)
		if natural {
			p.emitPosition(pos)
			p.emit(Event{Type: EventFinished})
			p.emit(Event{Type: EventStatus, Status: "finished"})
		}
		p.emit(Event{Type: EventControls, ControlsEnabled: true})
		close(done)
	}

	fail := func(err error) {
		logutil.Errorf(p.logger, "playback aborted: %v", err)
		p.emit(Event{Type: EventStatus, Status: fmt.Sprintf("playback error: %v", err)})
		finish(false, Forward)
	}

	for {
		p.mu.Lock()
		for p.paused && !p.stopping {
			p.cond.Wait()
		}
		if p.stopping {
			dir := p.dir
			p.mu.Unlock()
			finish(false, dir)
			return
		}
		if !synced || seenGen != p.gen {
			synced = true
			seenGen = p.gen
			pending = nil
			pos, dir, speed, delivered := p.pos, p.dir, p.speed, p.delivered
			serial, servedDir := p.posSerial, p.posDir
			rangeStart := p.rangeStart
			p.mu.Unlock()

			if dir == Forward {
				rev = nil
				switch {
				case !delivered:
					if err := p.src.Seek(pos); err != nil {
						fail(err)
						return
					}
				case servedDir == Forward:
					// Same direction: skip exactly the records at pos that
					// were already published, so the rest of an equal-stamp
					// run still plays.
					if err := p.src.Seek(pos); err != nil {
						fail(err)
						return
					}
					for skipped := 0; skipped < serial && p.src.HasNext(); skipped++ {
						rec, err := p.src.ReadNext()
						if err != nil {
							fail(err)
							return
						}
						if rec.Stamp != pos {
							pending = &rec
							break
						}
					}
				default:
					// Flipped from backward: the whole stamp is behind the
					// playhead now.
					if err := p.src.Seek(pos + 1); err != nil {
						fail(err)
						return
					}
				}
			} else {
				switch {
				case !delivered:
					rev = bag.NewReverseCursor(p.src, pos, rangeStart)
				case servedDir == Backward:
					rev = bag.NewReverseCursor(p.src, pos, rangeStart)
					for skipped := 0; skipped < serial; skipped++ {
						rec, ok, err := rev.Next()
						if err != nil {
							fail(err)
							return
						}
						if !ok {
							break
						}
						if rec.Stamp != pos {
							pending = &rec
							break
						}
					}
				default:
					rev = bag.NewReverseCursorBefore(p.src, pos, rangeStart)
				}
			}
			p.clock.Anchor(pos, time.Now(), speed, dir == Backward)
			continue
		}
		dir := p.dir
		rangeEnd := p.rangeEnd
		p.mu.Unlock()

		if pending == nil {
			if dir == Forward {
				if !p.src.HasNext() {
					finish(true, dir)
					return
				}
				rec, err := p.src.ReadNext()
				if err != nil {
					fail(err)
					return
				}
				if rec.Stamp > rangeEnd {
					finish(true, dir)
					return
				}
				pending = &rec
			} else {
				rec, ok, err := rev.Next()
				if err != nil {
					fail(err)
					return
				}
				if !ok {
					finish(true, dir)
					return
				}
				pending = &rec
			}
		}

		if !p.clock.SleepUntil(p.clock.DeadlineFor(pending.Stamp)) {
			// Interrupted by a control change. The pending record is not
			// delivered; the gen resync above repositions the cursor so it
			// is re-read if still due under the new settings.
			continue
		}

		rec := *pending
		pending = nil
		if err := p.reg.Send(rec.Topic, p.md.TypeOf(rec.Topic), rec.Data); err != nil {
			if errors.Is(err, pubsub.ErrUnknownType) {
				obsmetrics.MessagesSkipped.WithLabelValues(rec.Topic).Inc()
			} else {
				logutil.Warnf(p.logger, "publish %s: %v", rec.Topic, err)
				obsmetrics.MessagesSkipped.WithLabelValues(rec.Topic).Inc()
			}
		} else {
			obsmetrics.MessagesPublished.WithLabelValues(rec.Topic).Inc()
		}
		p.broadcastClock(rec.Stamp)

		p.mu.Lock()
		if p.delivered && rec.Stamp == p.pos && p.posDir == dir {
			p.posSerial++
		} else {
			p.posSerial = 1
			p.posDir = dir
		}
		p.pos = rec.Stamp
		p.delivered = true
		p.mu.Unlock()
		p.emitPosition(rec.Stamp)
	}
}
