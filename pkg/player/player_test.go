package player_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag/memory"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/player"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/pubsub"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/pubsub/local"
)

// unit is the bag-time spacing used by the fixtures. Playback tests run at
// high speed so wall time stays in the tens of milliseconds.
const unit = 10 * time.Millisecond

func at(n int) bag.Time { return bag.Time(int64(n) * int64(unit)) }

// fixtureBag builds a single-topic bag with one record per given stamp.
func fixtureBag(stamps ...int) *memory.Bag {
	b := memory.NewBuilder()
	for i, n := range stamps {
		b.Add("/scan", "sensor_msgs/msg/LaserScan", at(n), []byte{byte(i)})
	}
	return b.Build()
}

type harness struct {
	p      *player.Player
	broker *local.Broker
	events <-chan player.Event

	mu        sync.Mutex
	delivered []bag.Time
}

// newHarness wires a player to a local broker, loads the bag and records
// every delivery on /scan.
func newHarness(t *testing.T, b *memory.Bag, opts ...func(*player.Options)) *harness {
	t.Helper()
	name := fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
	memory.Register(name, b)

	broker := local.New()
	po := player.Options{
		Open:   memory.Open,
		Broker: broker,
	}
	for _, o := range opts {
		o(&po)
	}
	p, err := player.New(po)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close(); broker.Close() })

	h := &harness{p: p, broker: broker}
	sub := broker.Subscribe("/scan", 256)
	t.Cleanup(sub.Cancel)
	go func() {
		for m := range sub.C() {
			stamp := stampOf(b, m.Data)
			h.mu.Lock()
			h.delivered = append(h.delivered, stamp)
			h.mu.Unlock()
		}
	}()

	if err := p.Load(name); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.events = p.Subscribe(ctx)
	return h
}

// stampOf recovers a record's stamp from its payload index.
func stampOf(b *memory.Bag, data []byte) bag.Time {
	r := b.Reader()
	defer r.Close()
	for r.HasNext() {
		rec, err := r.ReadNext()
		if err != nil {
			return -1
		}
		if len(rec.Data) == len(data) && (len(data) == 0 || rec.Data[0] == data[0]) {
			return rec.Stamp
		}
	}
	return -1
}

func (h *harness) snapshot() []bag.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]bag.Time, len(h.delivered))
	copy(out, h.delivered)
	return out
}

// waitDeliveries polls until at least n records arrived.
func (h *harness) waitDeliveries(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.snapshot()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries, have %v", n, h.snapshot())
}

func (h *harness) waitFinished(t *testing.T) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == player.EventFinished {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for finish")
		}
	}
}

func TestLoadExposesMetadata(t *testing.T) {
	h := newHarness(t, fixtureBag(0, 1, 2, 3))
	st := h.p.Status()
	if st.State != "ready" {
		t.Fatalf("state = %s, want ready", st.State)
	}
	if st.Start != at(0) || st.End != at(3) {
		t.Fatalf("extent = [%d, %d]", st.Start, st.End)
	}
	if st.RangeStart != st.Start || st.RangeEnd != st.End {
		t.Fatal("range not initialized to full extent")
	}
	if st.Position != st.Start {
		t.Fatalf("position = %d, want start", st.Position)
	}
	if st.Direction != "forward" || st.Speed != 1.0 {
		t.Fatalf("direction/speed = %s/%v", st.Direction, st.Speed)
	}
	if len(st.Topics) != 1 || st.Topics[0].Name != "/scan" {
		t.Fatalf("topics = %v", st.Topics)
	}
}

func TestForwardPlaybackDeliversInOrder(t *testing.T) {
	h := newHarness(t, fixtureBag(0, 1, 2, 3, 4, 5))
	if err := h.p.SetSpeed(100); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitFinished(t)
	h.waitDeliveries(t, 6)

	got := h.snapshot()
	if len(got) != 6 {
		t.Fatalf("delivered %d records, want 6: %v", len(got), got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("order violated: %v", got)
		}
	}
}

func TestDoubleSpeedHalvesWallTime(t *testing.T) {
	// Six records one unit apart: 50ms of bag time. At 2x the span between
	// first and last delivery should be about 25ms.
	h := newHarness(t, fixtureBag(0, 1, 2, 3, 4, 5))
	if err := h.p.SetSpeed(2); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitFinished(t)
	elapsed := time.Since(start)

	if elapsed < 20*time.Millisecond {
		t.Fatalf("finished in %v, faster than the scaled timeline allows", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("finished in %v, nowhere near 2x pacing", elapsed)
	}
}

func TestSeekFractionLandsOnNextRecord(t *testing.T) {
	// Records at 1..10 units; the midpoint of that range is 5.5 units, so
	// the first record delivered after Seek(0.5) is the one at 6.
	h := newHarness(t, fixtureBag(1, 2, 3, 4, 5, 6, 7, 8, 9, 10))
	if err := h.p.SetSpeed(100); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Seek(0.5); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitFinished(t)
	h.waitDeliveries(t, 5)

	got := h.snapshot()
	if len(got) == 0 || got[0] != at(6) {
		t.Fatalf("first delivery = %v, want %v (got %v)", got[0], at(6), got)
	}
	if len(got) != 5 {
		t.Fatalf("delivered %d records, want 5", len(got))
	}
}

func TestTrimmedRangeBackward(t *testing.T) {
	// Records at even stamps 0..10; range [2, 8] played backward delivers
	// 8, 6, 4, 2 and nothing outside the range.
	h := newHarness(t, fixtureBag(0, 2, 4, 6, 8, 10))
	if err := h.p.SetRangeStart(at(2)); err != nil {
		t.Fatal(err)
	}
	if err := h.p.SetRangeEnd(at(8)); err != nil {
		t.Fatal(err)
	}
	if err := h.p.SetDirection(player.Backward); err != nil {
		t.Fatal(err)
	}
	if err := h.p.GotoEnd(); err != nil {
		t.Fatal(err)
	}
	if err := h.p.SetSpeed(100); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitFinished(t)
	h.waitDeliveries(t, 4)

	want := []bag.Time{at(8), at(6), at(4), at(2)}
	got := h.snapshot()
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
	// A finished backward pass parks the playhead back at the range end.
	if st := h.p.Status(); st.Position != at(8) || st.State != "ready" {
		t.Fatalf("after finish: pos=%d state=%s", st.Position, st.State)
	}
}

func TestPauseHaltsDelivery(t *testing.T) {
	h := newHarness(t, fixtureBag(0, 1, 2, 3, 4, 5, 6, 7, 8, 9))
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitDeliveries(t, 1)
	if err := h.p.Pause(); err != nil {
		t.Fatal(err)
	}
	// Give any in-flight delivery time to land, then the count must hold.
	time.Sleep(3 * unit)
	before := len(h.snapshot())
	time.Sleep(5 * unit)
	if after := len(h.snapshot()); after != before {
		t.Fatalf("deliveries continued while paused: %d -> %d", before, after)
	}
	if !h.p.Status().Paused {
		t.Fatal("status does not report paused")
	}

	if err := h.p.SetSpeed(100); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitFinished(t)
	h.waitDeliveries(t, 10)
	if got := h.snapshot(); len(got) != 10 {
		t.Fatalf("delivered %d records across pause, want 10", len(got))
	}
}

func TestStopKeepsPlayheadForResume(t *testing.T) {
	h := newHarness(t, fixtureBag(0, 1, 2, 3, 4, 5, 6, 7, 8, 9))
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitDeliveries(t, 2)
	if err := h.p.Stop(); err != nil {
		t.Fatal(err)
	}
	st := h.p.Status()
	if st.State != "ready" {
		t.Fatalf("state = %s after Stop", st.State)
	}
	if st.Position <= st.Start {
		t.Fatalf("playhead lost: %d", st.Position)
	}
	already := h.snapshot()
	last := already[len(already)-1]

	if err := h.p.SetSpeed(100); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitFinished(t)
	h.waitDeliveries(t, 10)

	got := h.snapshot()
	if got[len(already)] <= last {
		t.Fatalf("resume replayed old records: %v", got)
	}
	if len(got) != 10 {
		t.Fatalf("delivered %d records in total, want 10", len(got))
	}
}

func TestDirectionFlipRewindsFromPlayhead(t *testing.T) {
	h := newHarness(t, fixtureBag(0, 2, 4, 6, 8))
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitDeliveries(t, 2)
	flipAt := len(h.snapshot())
	if err := h.p.SetDirection(player.Backward); err != nil {
		t.Fatal(err)
	}
	h.waitFinished(t)

	got := h.snapshot()
	if len(got) <= flipAt {
		t.Fatalf("no deliveries after flip: %v", got)
	}
	// Wherever the flip actually landed, the tail must descend through the
	// earlier records and finish at the range start.
	peak := 0
	for i, s := range got {
		if s >= got[peak] {
			peak = i
		}
	}
	for i := peak + 1; i < len(got); i++ {
		if got[i] >= got[i-1] {
			t.Fatalf("not rewinding after flip: %v", got)
		}
	}
	if got[len(got)-1] != at(0) {
		t.Fatalf("backward pass did not reach range start: %v", got)
	}
}

func TestEqualStampRunSurvivesPauseResume(t *testing.T) {
	// Three records share one stamp. A pause/resume landing after the first
	// of them repositions the cursor; the other two must still be delivered.
	var (
		p    *player.Player
		once sync.Once
	)
	h := newHarness(t, fixtureBag(1, 2, 2, 2, 3), func(o *player.Options) {
		o.Sink = player.SinkFuncs{StampLabel: func(s bag.Time) {
			if s != at(2) {
				return
			}
			once.Do(func() {
				_ = p.Pause()
				_ = p.Play()
			})
		}}
	})
	p = h.p

	if err := h.p.SetSpeed(100); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitFinished(t)
	h.waitDeliveries(t, 5)

	got := h.snapshot()
	if len(got) != 5 {
		t.Fatalf("delivered %d records across pause, want 5: %v", len(got), got)
	}
	shared := 0
	for i, s := range got {
		if s == at(2) {
			shared++
		}
		if i > 0 && s < got[i-1] {
			t.Fatalf("order violated: %v", got)
		}
	}
	if shared != 3 {
		t.Fatalf("delivered %d records at the shared stamp, want 3: %v", shared, got)
	}
}

func TestEqualStampRunSurvivesPauseResumeBackward(t *testing.T) {
	// Mirror of the forward case: backward traversal through an equal-stamp
	// run interrupted after its first delivery keeps the remaining records.
	var (
		p    *player.Player
		once sync.Once
	)
	h := newHarness(t, fixtureBag(1, 2, 2, 2, 3), func(o *player.Options) {
		o.Sink = player.SinkFuncs{StampLabel: func(s bag.Time) {
			if s != at(2) {
				return
			}
			once.Do(func() {
				_ = p.Pause()
				_ = p.Play()
			})
		}}
	})
	p = h.p

	if err := h.p.SetDirection(player.Backward); err != nil {
		t.Fatal(err)
	}
	if err := h.p.GotoEnd(); err != nil {
		t.Fatal(err)
	}
	if err := h.p.SetSpeed(100); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitFinished(t)
	h.waitDeliveries(t, 5)

	got := h.snapshot()
	if len(got) != 5 {
		t.Fatalf("delivered %d records across pause, want 5: %v", len(got), got)
	}
	shared := 0
	for i, s := range got {
		if s == at(2) {
			shared++
		}
		if i > 0 && s > got[i-1] {
			t.Fatalf("order violated: %v", got)
		}
	}
	if shared != 3 {
		t.Fatalf("delivered %d records at the shared stamp, want 3: %v", shared, got)
	}
	if got[len(got)-1] != at(1) {
		t.Fatalf("backward pass did not reach range start: %v", got)
	}
}

func TestUnresolvableTopicIsSkipped(t *testing.T) {
	b := memory.NewBuilder()
	for i := 0; i < 4; i++ {
		b.Add("/scan", "sensor_msgs/msg/LaserScan", at(i), []byte{byte(i)})
		b.Add("/exotic", "vendor_msgs/msg/Proprietary", at(i), []byte{0xEE, byte(i)})
	}
	h := newHarness(t, b.Build(), func(o *player.Options) {
		o.Resolver = pubsub.Allow("cdr", "sensor_msgs/msg/LaserScan", player.ClockTypeName)
	})
	if err := h.p.SetSpeed(100); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitFinished(t)
	h.waitDeliveries(t, 4)

	// All /scan records arrive; the exotic topic is skipped, not fatal.
	if got := h.snapshot(); len(got) != 4 {
		t.Fatalf("delivered %d /scan records, want 4", len(got))
	}
}

func TestFinishRewindsForReplay(t *testing.T) {
	h := newHarness(t, fixtureBag(0, 1, 2))
	if err := h.p.SetSpeed(100); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitFinished(t)

	st := h.p.Status()
	if st.State != "ready" || st.Position != st.RangeStart {
		t.Fatalf("after finish: state=%s pos=%d rangeStart=%d", st.State, st.Position, st.RangeStart)
	}
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitFinished(t)
	h.waitDeliveries(t, 6)
	if got := h.snapshot(); len(got) != 6 {
		t.Fatalf("replay delivered %d records in total, want 6", len(got))
	}
}

func TestClockBroadcastTracksStamps(t *testing.T) {
	h := newHarness(t, fixtureBag(0, 1, 2))
	clock := h.broker.Subscribe(player.DefaultClockTopic, 64)
	t.Cleanup(clock.Cancel)

	if err := h.p.SetSpeed(100); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitFinished(t)

	var last struct {
		Sec     int64  `json:"sec"`
		Nanosec uint32 `json:"nanosec"`
	}
	n := 0
	deadline := time.After(time.Second)
	for n < 3 {
		select {
		case m := <-clock.C():
			if err := json.Unmarshal(m.Data, &last); err != nil {
				t.Fatalf("clock payload: %v", err)
			}
			n++
		case <-deadline:
			t.Fatalf("got %d clock ticks, want 3", n)
		}
	}
	want := at(2)
	got := bag.Time(last.Sec*int64(time.Second) + int64(last.Nanosec))
	if got != want {
		t.Fatalf("last clock tick = %d, want %d", got, want)
	}
}

func TestValidation(t *testing.T) {
	broker := local.New()
	defer broker.Close()
	p, err := player.New(player.Options{Open: memory.Open, Broker: broker})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	// Nothing loaded yet: every transport-surface op refuses.
	for name, op := range map[string]func() error{
		"play":  p.Play,
		"pause": p.Pause,
		"stop":  p.Stop,
		"seek":  func() error { return p.Seek(0.5) },
		"dir":   func() error { return p.SetDirection(player.Backward) },
		"range": func() error { return p.SetRangeStart(0) },
	} {
		if err := op(); !errors.Is(err, player.ErrNoBag) {
			t.Fatalf("%s with no bag: err = %v, want ErrNoBag", name, err)
		}
	}

	if err := p.SetSpeed(0); !errors.Is(err, player.ErrInvalidSpeed) {
		t.Fatalf("err = %v, want ErrInvalidSpeed", err)
	}
	if err := p.SetSpeed(-1); !errors.Is(err, player.ErrInvalidSpeed) {
		t.Fatalf("err = %v, want ErrInvalidSpeed", err)
	}
	if err := p.ChangeSpeed(-5); !errors.Is(err, player.ErrInvalidSpeed) {
		t.Fatalf("err = %v, want ErrInvalidSpeed", err)
	}

	name := fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
	memory.Register(name, fixtureBag(0, 5, 10))
	if err := p.Load(name); err != nil {
		t.Fatal(err)
	}
	if err := p.Seek(1.5); !errors.Is(err, player.ErrInvalidSeek) {
		t.Fatalf("err = %v, want ErrInvalidSeek", err)
	}
	if err := p.SetRangeEnd(at(2)); err != nil {
		t.Fatal(err)
	}
	if err := p.SetRangeStart(at(4)); !errors.Is(err, player.ErrInvalidRange) {
		t.Fatalf("err = %v, want ErrInvalidRange", err)
	}
}

func TestLoadFailureLeavesNoBag(t *testing.T) {
	broker := local.New()
	defer broker.Close()
	p, err := player.New(player.Options{Open: memory.Open, Broker: broker})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.Load("does-not-exist"); !errors.Is(err, bag.ErrBagOpen) {
		t.Fatalf("err = %v, want ErrBagOpen", err)
	}
	if st := p.Status(); st.State != "idle" {
		t.Fatalf("state = %s after failed load, want idle", st.State)
	}
	if err := p.Play(); !errors.Is(err, player.ErrNoBag) {
		t.Fatalf("err = %v, want ErrNoBag", err)
	}
}

func TestLoadReplacesBagAndStopsWorker(t *testing.T) {
	h := newHarness(t, fixtureBag(0, 1, 2, 3, 4, 5, 6, 7, 8, 9))
	if err := h.p.Play(); err != nil {
		t.Fatal(err)
	}
	h.waitDeliveries(t, 1)

	name := fmt.Sprintf("%s-b-%d", t.Name(), time.Now().UnixNano())
	memory.Register(name, fixtureBag(0, 1))
	if err := h.p.Load(name); err != nil {
		t.Fatal(err)
	}
	st := h.p.Status()
	if st.State != "ready" || st.URI != name {
		t.Fatalf("after reload: state=%s uri=%s", st.State, st.URI)
	}
	if st.Position != st.Start {
		t.Fatal("playhead not reset by reload")
	}
}
