package camera

import (
	"sync"
	"time"
)

// State is the worker connection state visible on the status surface.
type State int32

const (
	StateConnecting State = iota
	StateOnline
	StateOffline
)

// String returns the lowercase state name used in status JSON.
func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "connecting"
	}
}

// fpsAlpha is the EWMA smoothing factor for the frame-rate estimate.
const fpsAlpha = 0.1

// Status is a point-in-time snapshot of one camera.
type Status struct {
	Index          int       `json:"index"`
	Source         string    `json:"source"`
	Tag            string    `json:"tag"`
	State          string    `json:"state"`
	FPS            float64   `json:"fps"`
	LastDetections int       `json:"last_detection_count"`
	LastFrameTS    time.Time `json:"last_frame_ts"`
	FramesTotal    uint64    `json:"frames_total"`
	WriteErrors    uint64    `json:"write_errors"`
	EvidenceDrops  uint64    `json:"evidence_drops"`
	EvidenceErrors []string  `json:"evidence_errors,omitempty"`
	EvidenceQueue  int       `json:"evidence_queue"`
}

// StatusTracker accumulates per-camera state under a short mutex. The
// worker writes every tick; the HTTP surface reads snapshots.
type StatusTracker struct {
	mu             sync.Mutex
	index          int
	source         string
	tag            string
	state          State
	fps            float64
	lastDetections int
	lastFrameTS    time.Time
	lastFrameMono  time.Time
	framesTotal    uint64
}

// NewStatusTracker creates a tracker starting in the connecting state.
func NewStatusTracker(index int, source, tag string) *StatusTracker {
	return &StatusTracker{index: index, source: source, tag: tag, state: StateConnecting}
}

// SetState records a state transition.
func (t *StatusTracker) SetState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State returns the current state.
func (t *StatusTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ObserveFrame folds one processed frame into the EWMA frame rate and the
// last-frame fields.
func (t *StatusTracker) ObserveFrame(detections int, ts time.Time) {
	now := time.Now()
	t.mu.Lock()
	if !t.lastFrameMono.IsZero() {
		if dt := now.Sub(t.lastFrameMono).Seconds(); dt > 0 {
			inst := 1.0 / dt
			if t.fps == 0 {
				t.fps = inst
			} else {
				t.fps = fpsAlpha*inst + (1-fpsAlpha)*t.fps
			}
		}
	}
	t.lastFrameMono = now
	t.lastFrameTS = ts
	t.lastDetections = detections
	t.framesTotal++
	t.mu.Unlock()
}

// Snapshot returns the tracker's view of the camera. Recorder and evidence
// counters are merged in by the caller.
func (t *StatusTracker) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Index:          t.index,
		Source:         t.source,
		Tag:            t.tag,
		State:          t.state.String(),
		FPS:            t.fps,
		LastDetections: t.lastDetections,
		LastFrameTS:    t.lastFrameTS,
		FramesTotal:    t.framesTotal,
	}
}
