package player

import (
	"context"
	"sync"
	"time"

	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag"
)

type EventType string

const (
	EventFinished EventType = "finished"
	EventBagSize  EventType = "bag_size"
	EventPosition EventType = "position"
	EventSpeed    EventType = "speed"
	EventStatus   EventType = "status"
	EventControls EventType = "controls"
)

// Event is one outward notification from the engine. Only the fields
// relevant to an event type are populated.
type Event struct {
	Type EventType
	At   time.Time

	// EventBagSize
	SizeBytes uint64
	SizeLabel string

	// EventPosition
	Stamp          bag.Time
	DateLabel      string
	ElapsedSeconds float64
	Progress       int

	// EventSpeed
	Speed float64

	// EventStatus
	Status string

	// EventControls
	ControlsEnabled bool
}

// Sink receives the engine's outward notifications as plain callbacks; it is
// the seam a UI panel attaches to. Implementations must not block: callbacks
// run on the engine's goroutines.
type Sink interface {
	OnFinished()
	OnBagSize(bytes uint64)
	OnStampLabel(stamp bag.Time)
	OnDateLabel(humanDate string)
	OnSpeedLabel(speed float64)
	OnElapsedSecondsLabel(seconds float64)
	OnStatusText(status string)
	OnEnableControls(enable bool)
	OnProgress(percent int)
}

// SinkFuncs adapts optional funcs to the Sink interface; nil fields are
// no-ops.
type SinkFuncs struct {
	Finished       func()
	BagSize        func(uint64)
	StampLabel     func(bag.Time)
	DateLabel      func(string)
	SpeedLabel     func(float64)
	ElapsedSeconds func(float64)
	StatusText     func(string)
	EnableControls func(bool)
	Progress       func(int)
}

func (s SinkFuncs) OnFinished() {
	if s.Finished != nil {
		s.Finished()
	}
}
func (s SinkFuncs) OnBagSize(b uint64) {
	if s.BagSize != nil {
		s.BagSize(b)
	}
}
func (s SinkFuncs) OnStampLabel(t bag.Time) {
	if s.StampLabel != nil {
		s.StampLabel(t)
	}
}
func (s SinkFuncs) OnDateLabel(d string) {
	if s.DateLabel != nil {
		s.DateLabel(d)
	}
}
func (s SinkFuncs) OnSpeedLabel(v float64) {
	if s.SpeedLabel != nil {
		s.SpeedLabel(v)
	}
}
func (s SinkFuncs) OnElapsedSecondsLabel(v float64) {
	if s.ElapsedSeconds != nil {
		s.ElapsedSeconds(v)
	}
}
func (s SinkFuncs) OnStatusText(v string) {
	if s.StatusText != nil {
		s.StatusText(v)
	}
}
func (s SinkFuncs) OnEnableControls(v bool) {
	if s.EnableControls != nil {
		s.EnableControls(v)
	}
}
func (s SinkFuncs) OnProgress(v int) {
	if s.Progress != nil {
		s.Progress(v)
	}
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring the worker.
func (p *Player) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	p.eb.add(ch)
	go func() {
		<-ctx.Done()
		p.eb.remove(ch)
		close(ch)
	}()
	return ch
}

// internal event bus
type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	if e.subs != nil {
		delete(e.subs, ch)
	}
	e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
	e.mu.Lock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// drop if receiver is slow
		}
	}
	e.mu.Unlock()
}

// emit fans an event out to the bus and, when configured, the sink.
func (p *Player) emit(ev Event) {
	ev.At = time.Now()
	p.eb.publish(ev)
	s := p.opts.Sink
	if s == nil {
		return
	}
	switch ev.Type {
	case EventFinished:
		s.OnFinished()
	case EventBagSize:
		s.OnBagSize(ev.SizeBytes)
	case EventPosition:
		s.OnStampLabel(ev.Stamp)
		s.OnDateLabel(ev.DateLabel)
		s.OnElapsedSecondsLabel(ev.ElapsedSeconds)
		s.OnProgress(ev.Progress)
	case EventSpeed:
		s.OnSpeedLabel(ev.Speed)
	case EventStatus:
		s.OnStatusText(ev.Status)
	case EventControls:
		s.OnEnableControls(ev.ControlsEnabled)
	}
}
