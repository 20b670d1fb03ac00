// Package detect defines the face-detection capability consumed by the
// processing pipeline and the wrappers that adapt real backends to it.
// The model itself always lives behind the Detector interface; this package
// never links an inference runtime.
package detect

import (
	"context"
	"sync"

	"github.com/bayusegara27/secure-edge-vision/pkg/vision"
)

// Detector returns zero or more face bounding boxes for a frame. The boxes
// a backend returns are already NMS-suppressed at its configured IoU
// threshold; confidence filtering happens in the Processor.
type Detector interface {
	Detect(ctx context.Context, frame *vision.Frame) ([]vision.Detection, error)
	Close() error
}

// Serialized wraps a Detector that is not safe for concurrent use. All
// camera workers share one detector instance, so a non-thread-safe backend
// turns detection into a short critical section.
type Serialized struct {
	mu    sync.Mutex
	inner Detector
}

// NewSerialized wraps a detector with a mutex.
func NewSerialized(inner Detector) *Serialized {
	return &Serialized{inner: inner}
}

// Detect runs the wrapped detector under the lock.
func (s *Serialized) Detect(ctx context.Context, frame *vision.Frame) ([]vision.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Detect(ctx, frame)
}

// Close closes the wrapped detector.
func (s *Serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}

// Nop is a detector that never detects anything. Used when a node runs
// without an inference backend; the public stream then passes through
// unblurred and no evidence is retained in detection-only mode.
type Nop struct{}

// Detect always returns no detections.
func (Nop) Detect(ctx context.Context, frame *vision.Frame) ([]vision.Detection, error) {
	return nil, nil
}

// Close is a no-op.
func (Nop) Close() error { return nil }
