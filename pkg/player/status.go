package player

import "github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag"

// State is the engine lifecycle state.
type State int

const (
	// Idle means no bag is loaded.
	Idle State = iota
	// Ready means a bag is loaded and the worker is not running.
	Ready
	// Running means the worker is active (possibly internally paused).
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Running:
		return "running"
	}
	return "unknown"
}

// Direction is the temporal traversal direction of playback.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Status is a JSON-serializable snapshot of the engine suitable for status
// endpoints and tooling.
type Status struct {
	State      string          `json:"state"`
	URI        string          `json:"uri,omitempty"`
	Start      bag.Time        `json:"start"`
	End        bag.Time        `json:"end"`
	RangeStart bag.Time        `json:"rangeStart"`
	RangeEnd   bag.Time        `json:"rangeEnd"`
	Position   bag.Time        `json:"position"`
	Direction  string          `json:"direction"`
	Speed      float64         `json:"speed"`
	Paused     bool            `json:"paused"`
	SizeBytes  uint64          `json:"sizeBytes"`
	Topics     []bag.TopicInfo `json:"topics,omitempty"`
}
