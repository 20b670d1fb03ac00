package camera

import (
	"context"
	"time"

	"github.com/bayusegara27/secure-edge-vision/pkg/detect"
	"github.com/bayusegara27/secure-edge-vision/pkg/evidence"
	"github.com/bayusegara27/secure-edge-vision/pkg/logging"
	"github.com/bayusegara27/secure-edge-vision/pkg/recorder"
	"github.com/bayusegara27/secure-edge-vision/pkg/vision"
)

// Options configures a Worker.
type Options struct {
	Index           int
	Source          string
	Tag             string
	Width           int
	Height          int
	PreviewQuality  int           // JPEG quality for the latest-frame slot; default 80
	ReadTimeout     time.Duration // per-frame read bound; default 2s
	MaxReadFailures int           // consecutive failures before going offline; default 5
	BackoffInitial  time.Duration // reconnect backoff start; default 1s
	BackoffMax      time.Duration // reconnect backoff cap; default 30s

	// OnDetections, when set, is invoked from the worker goroutine for
	// every frame that carried detections. Implementations must not block.
	OnDetections func(dets []vision.Detection, ts time.Time)
}

// Worker is the per-camera loop: connect, read, process, fan out to the
// public recorder and the evidence manager, refresh the latest-frame slot
// and the status tracker. One goroutine per worker; all collaborators are
// owned exclusively except the shared detector inside the processor.
type Worker struct {
	opts      Options
	factory   SourceFactory
	processor *detect.Processor
	recorder  *recorder.Recorder
	evidence  *evidence.Manager
	slot      *LatestFrameSlot
	status    *StatusTracker
	log       *logging.Logger

	stopCh chan struct{}
	done   chan struct{}
}

// NewWorker wires a worker to its per-camera collaborators.
func NewWorker(opts Options, factory SourceFactory, processor *detect.Processor,
	rec *recorder.Recorder, ev *evidence.Manager, slot *LatestFrameSlot,
	status *StatusTracker, log *logging.Logger) *Worker {

	if opts.PreviewQuality == 0 {
		opts.PreviewQuality = 80
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 2 * time.Second
	}
	if opts.MaxReadFailures == 0 {
		opts.MaxReadFailures = 5
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if factory == nil {
		factory = DefaultSourceFactory
	}

	return &Worker{
		opts:      opts,
		factory:   factory,
		processor: processor,
		recorder:  rec,
		evidence:  ev,
		slot:      slot,
		status:    status,
		log:       log,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop signals the loop and waits for it to drain. The recorder and
// evidence manager are closed by the engine, not here, so their teardown
// can be ordered across all cameras.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.done
}

// stopped reports whether shutdown has been requested.
func (w *Worker) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d or until shutdown; returns false on shutdown.
func (w *Worker) sleep(d time.Duration) bool {
	select {
	case <-w.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// run is the connect/read/reconnect state machine.
func (w *Worker) run() {
	defer close(w.done)

	backoff := w.opts.BackoffInitial
	for {
		if w.stopped() {
			return
		}

		w.status.SetState(StateConnecting)
		src, err := w.factory(w.opts.Source, w.opts.ReadTimeout)
		if err != nil {
			w.log.Warnf("open failed: %v (retrying in %s)", err, backoff)
			if !w.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, w.opts.BackoffMax)
			continue
		}

		w.status.SetState(StateOnline)
		w.log.Infof("source online: %s", w.opts.Source)

		if online := w.readLoop(src, &backoff); !online {
			return // shutdown
		}

		// Too many consecutive read failures: offline, then reconnect
		// after the current backoff.
		w.status.SetState(StateOffline)
		w.log.Warnf("source offline after %d consecutive read failures", w.opts.MaxReadFailures)
		if !w.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff, w.opts.BackoffMax)
	}
}

// readLoop consumes frames until shutdown (returns false) or too many
// consecutive read failures (returns true, source closed).
func (w *Worker) readLoop(src FrameSource, backoff *time.Duration) bool {
	defer src.Close()

	failures := 0
	for {
		if w.stopped() {
			return false
		}

		frame, err := src.Read()
		if err != nil {
			failures++
			if failures >= w.opts.MaxReadFailures {
				return true
			}
			continue
		}
		failures = 0
		*backoff = w.opts.BackoffInitial // a good frame resets the reconnect clock

		w.processFrame(frame)
	}
}

// processFrame runs one tick of the per-camera pipeline: canonicalize,
// detect, fan out, refresh the preview slot, update status.
func (w *Worker) processFrame(frame *vision.Frame) {
	frame = frame.CenterFit(w.opts.Width, w.opts.Height)
	ts := frame.CapturedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	blurred, raw, dets, err := w.processor.Process(context.Background(), frame)
	if err != nil {
		// Transient: skip the frame rather than risk publishing pixels
		// that were never checked for faces.
		w.log.Warnf("detection failed, frame skipped: %v", err)
		return
	}

	if err := w.recorder.Write(blurred, len(dets), ts); err != nil {
		w.log.Errorf("public write failed: %v", err)
	}
	if err := w.evidence.AddFrame(raw, dets, ts); err != nil {
		w.log.Errorf("evidence add failed: %v", err)
	}

	if preview, err := blurred.EncodeJPEG(w.opts.PreviewQuality); err == nil {
		w.slot.Set(preview)
	}

	w.status.ObserveFrame(len(dets), ts)

	if len(dets) > 0 && w.opts.OnDetections != nil {
		w.opts.OnDetections(dets, ts)
	}
}

// nextBackoff doubles up to the cap.
func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
