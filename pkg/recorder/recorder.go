// Package recorder writes the blurred public stream as time-sliced
// container segments with codec fallback.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bayusegara27/secure-edge-vision/pkg/logging"
	"github.com/bayusegara27/secure-edge-vision/pkg/vision"
)

// ErrCodecUnavailable is returned by an EncoderFactory for codecs it
// cannot open.
var ErrCodecUnavailable = errors.New("codec unavailable")

// Encoder writes frames into a single container file.
type Encoder interface {
	Write(frame *vision.Frame) error
	Close() error
}

// EncoderFactory opens an encoder for one codec at the given path, or
// fails with ErrCodecUnavailable so the fallback chain can continue.
type EncoderFactory func(path, codec string, width, height, fps int) (Encoder, error)

// codecOrder is the fallback chain tried on every segment open. MJPEG is
// last because it is always available but large; it also forces the AVI
// container.
var codecOrder = []string{"avc1", "X264", "mp4v", "MJPG"}

// extForCodec returns the container extension for a codec choice.
func extForCodec(codec string) string {
	if codec == "MJPG" {
		return "avi"
	}
	return "mp4"
}

// DefaultFactory opens the built-in MJPEG/AVI encoder. The MP4 codecs need
// an external encoder plugged in by the embedding application.
func DefaultFactory(path, codec string, width, height, fps int) (Encoder, error) {
	if codec != "MJPG" {
		return nil, fmt.Errorf("%w: %s", ErrCodecUnavailable, codec)
	}
	return newAVIWriter(path, width, height, fps, 85)
}

// Options configures a Recorder.
type Options struct {
	CameraTag      string
	Dir            string
	Width          int
	Height         int
	FPS            int
	SegmentSeconds int
	Factory        EncoderFactory   // nil means DefaultFactory
	OnSegmentOpen  func(time.Time)  // called with each new segment's open time
	WriteSidecar   bool             // write a per-segment analytics JSON next to the video
}

// segmentSidecar is the optional analytics JSON written beside a closed segment.
type segmentSidecar struct {
	FrameCount          int     `json:"frame_count"`
	DetectionsPerSecond float64 `json:"detections_per_second"`
}

// Recorder appends blurred frames to the currently open segment and
// rotates on wall-clock boundaries. Rotation closes the outgoing encoder
// on a background goroutine and opens the next one synchronously, so Write
// never blocks on finalization. Write is called only by the owning camera
// worker; the counters are safe to read from anywhere.
type Recorder struct {
	opts Options
	log  *logging.Logger

	mu           sync.Mutex
	enc          Encoder
	codec        string
	path         string
	segmentStart time.Time
	lastTS       time.Time
	segFrames    int
	segDets      int
	closed       bool

	writeErrors atomic.Uint64
	segments    atomic.Uint64
	totalFrames atomic.Uint64
	totalDets   atomic.Uint64

	closeWG sync.WaitGroup
}

// New creates a Recorder. No file is opened until the first Write.
func New(opts Options, log *logging.Logger) (*Recorder, error) {
	if opts.Width <= 0 || opts.Height <= 0 || opts.FPS <= 0 {
		return nil, fmt.Errorf("invalid stream parameters %dx%d@%d", opts.Width, opts.Height, opts.FPS)
	}
	if opts.SegmentSeconds <= 0 {
		return nil, fmt.Errorf("segment seconds must be positive, got %d", opts.SegmentSeconds)
	}
	if opts.Factory == nil {
		opts.Factory = DefaultFactory
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create public directory: %w", err)
	}
	return &Recorder{opts: opts, log: log}, nil
}

// Write appends one blurred frame. detections is a hint used only for the
// per-segment analytics counters.
func (r *Recorder) Write(frame *vision.Frame, detections int, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder is closed")
	}

	if r.enc == nil {
		if err := r.openLocked(ts); err != nil {
			return err
		}
	} else if ts.Sub(r.segmentStart) >= time.Duration(r.opts.SegmentSeconds)*time.Second {
		r.rotateLocked()
		if err := r.openLocked(ts); err != nil {
			return err
		}
	}

	if err := r.enc.Write(frame); err != nil {
		// A failed encoder is abandoned and a fresh segment opened under a
		// new timestamp; the frame is retried there so nothing drops silently.
		r.writeErrors.Add(1)
		if r.log != nil {
			r.log.Errorf("segment write failed on %s: %v", r.path, err)
		}
		r.rotateLocked()
		if err := r.openLocked(ts); err != nil {
			return err
		}
		if err := r.enc.Write(frame); err != nil {
			r.writeErrors.Add(1)
			return fmt.Errorf("write failed after reopen: %w", err)
		}
	}

	r.segFrames++
	r.segDets += detections
	r.lastTS = ts
	r.totalFrames.Add(1)
	r.totalDets.Add(uint64(detections))
	return nil
}

// openLocked walks the codec fallback chain and opens a new segment.
func (r *Recorder) openLocked(ts time.Time) error {
	var lastErr error
	for _, codec := range codecOrder {
		name := fmt.Sprintf("public_%s_%s.%s", r.opts.CameraTag, ts.Format("20060102150405"), extForCodec(codec))
		path := filepath.Join(r.opts.Dir, name)

		enc, err := r.opts.Factory(path, codec, r.opts.Width, r.opts.Height, r.opts.FPS)
		if err != nil {
			lastErr = err
			continue
		}

		r.enc = enc
		r.codec = codec
		r.path = path
		r.segmentStart = ts
		r.segFrames = 0
		r.segDets = 0
		r.segments.Add(1)
		if r.log != nil {
			r.log.Infof("public segment opened: %s (codec %s)", name, codec)
		}
		if r.opts.OnSegmentOpen != nil {
			r.opts.OnSegmentOpen(ts)
		}
		return nil
	}
	return fmt.Errorf("no usable codec for %s: %w", r.opts.CameraTag, lastErr)
}

// rotateLocked hands the current encoder to a background goroutine for
// finalization and clears the slot.
func (r *Recorder) rotateLocked() {
	if r.enc == nil {
		return
	}
	enc := r.enc
	path := r.path
	frames := r.segFrames
	dets := r.segDets
	elapsed := r.lastTS.Sub(r.segmentStart).Seconds()
	r.enc = nil

	r.closeWG.Add(1)
	go func() {
		defer r.closeWG.Done()
		r.finalize(enc, path, frames, dets, elapsed)
	}()
}

// finalize closes a segment encoder and writes the optional sidecar.
func (r *Recorder) finalize(enc Encoder, path string, frames, dets int, elapsed float64) {
	if err := enc.Close(); err != nil {
		r.writeErrors.Add(1)
		if r.log != nil {
			r.log.Errorf("failed to finalize %s: %v", path, err)
		}
		return
	}
	if !r.opts.WriteSidecar {
		return
	}

	dps := 0.0
	if elapsed > 0 {
		dps = float64(dets) / elapsed
	}
	data, err := json.Marshal(segmentSidecar{FrameCount: frames, DetectionsPerSecond: dps})
	if err == nil {
		err = os.WriteFile(path+".json", data, 0644)
	}
	if err != nil && r.log != nil {
		r.log.Warnf("failed to write sidecar for %s: %v", path, err)
	}
}

// Close finalizes the open segment synchronously and waits for background
// closes from earlier rotations.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	enc := r.enc
	path := r.path
	frames := r.segFrames
	dets := r.segDets
	elapsed := r.lastTS.Sub(r.segmentStart).Seconds()
	r.enc = nil
	r.mu.Unlock()

	if enc != nil {
		r.finalize(enc, path, frames, dets, elapsed)
	}
	r.closeWG.Wait()
	return nil
}

// WriteErrors returns the monotonically increasing write error count.
func (r *Recorder) WriteErrors() uint64 { return r.writeErrors.Load() }

// Segments returns how many segments have been opened.
func (r *Recorder) Segments() uint64 { return r.segments.Load() }

// Totals returns the lifetime frame and detection counters, kept so
// analytics can be recomputed even when sidecars are disabled.
func (r *Recorder) Totals() (frames, detections uint64) {
	return r.totalFrames.Load(), r.totalDets.Load()
}

// CurrentSegment returns the active segment path and codec, empty before
// the first write or after Close.
func (r *Recorder) CurrentSegment() (path, codec string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return "", ""
	}
	return r.path, r.codec
}
