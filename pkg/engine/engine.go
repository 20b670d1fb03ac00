// Package engine owns the lifecycle of every per-camera pipeline, the
// shared detector and the vault, and exposes the snapshot surface the
// HTTP layer is built on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bayusegara27/secure-edge-vision/pkg/camera"
	"github.com/bayusegara27/secure-edge-vision/pkg/config"
	"github.com/bayusegara27/secure-edge-vision/pkg/detect"
	"github.com/bayusegara27/secure-edge-vision/pkg/evidence"
	"github.com/bayusegara27/secure-edge-vision/pkg/logging"
	"github.com/bayusegara27/secure-edge-vision/pkg/recorder"
	"github.com/bayusegara27/secure-edge-vision/pkg/vault"
	"github.com/bayusegara27/secure-edge-vision/pkg/vision"
)

// ErrNoCameras indicates the configuration names no camera sources.
var ErrNoCameras = errors.New("no camera sources configured")

// ErrVault indicates key material could not be loaded or generated.
var ErrVault = errors.New("vault initialization failed")

// ErrUnknownCamera indicates a camera index outside the configured range.
var ErrUnknownCamera = errors.New("unknown camera index")

// DetectionEvent is one frame's worth of detections, fanned out to the
// configured event sinks.
type DetectionEvent struct {
	CameraIndex   int       `json:"camera_index"`
	CameraTag     string    `json:"camera_tag"`
	TS            time.Time `json:"ts"`
	Count         int       `json:"count"`
	MaxConfidence float32   `json:"max_confidence"`
}

// EvidenceEvent announces a durably written evidence container.
type EvidenceEvent struct {
	CameraTag string               `json:"camera_tag"`
	File      string               `json:"file"`
	SHA256    string               `json:"sha256"`
	Meta      evidence.SegmentMeta `json:"meta"`
}

// EventSink receives detection and evidence events. Sinks are called from
// a single pump goroutine; slow sinks delay each other but never the
// camera workers.
type EventSink interface {
	PublishDetection(ctx context.Context, ev DetectionEvent) error
	PublishEvidence(ctx context.Context, ev EvidenceEvent) error
}

// cameraSet bundles the per-camera components the engine owns.
type cameraSet struct {
	tag      string
	worker   *camera.Worker
	recorder *recorder.Recorder
	evidence *evidence.Manager
	slot     *camera.LatestFrameSlot
	status   *camera.StatusTracker
}

// Options configures engine construction beyond the config file.
type Options struct {
	Detector       detect.Detector       // required
	SourceFactory  camera.SourceFactory  // nil = camera.DefaultSourceFactory
	EncoderFactory recorder.EncoderFactory // nil = recorder.DefaultFactory
	WriteSidecars  bool
}

// Engine is the root object owned by main. It is constructed stopped;
// Start spawns the workers and background loops, Stop tears everything
// down and zeroes the vault key.
type Engine struct {
	cfg *config.Config
	log *logging.Logger

	vlt    *vault.Vault
	hybrid *vault.HybridVault
	sealer evidence.Sealer

	detector detect.Detector
	cameras  []*cameraSet

	sinks  []EventSink
	events chan interface{}

	janitorStop chan struct{}
	pumpStop    chan struct{}
	pumpDone    chan struct{}
	janitorDone chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds an engine from configuration: vault key material, the shared
// detector wrapper, and one recorder/evidence/worker set per source.
func New(cfg *config.Config, opts Options, log *logging.Logger) (*Engine, error) {
	if len(cfg.Cameras.Sources) == 0 {
		return nil, ErrNoCameras
	}
	if opts.Detector == nil {
		return nil, fmt.Errorf("detector is required")
	}

	vlt, err := vault.Open(cfg.Vault.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVault, err)
	}

	e := &Engine{
		cfg:         cfg,
		log:         log,
		vlt:         vlt,
		sealer:      vlt,
		detector:    opts.Detector,
		events:      make(chan interface{}, 256),
		janitorStop: make(chan struct{}),
		pumpStop:    make(chan struct{}),
		pumpDone:    make(chan struct{}),
		janitorDone: make(chan struct{}),
	}

	// An RSA public key switches evidence encryption to the hybrid
	// container; the symmetric vault still decrypts legacy files.
	if cfg.Vault.RSAPublicKey != "" {
		hybrid, err := newHybridFromConfig(cfg.Vault.RSAPublicKey, cfg.Vault.RSAPrivateKey)
		if err != nil {
			vlt.Close()
			return nil, fmt.Errorf("%w: %v", ErrVault, err)
		}
		e.hybrid = hybrid
		e.sealer = hybrid
	}

	detector := opts.Detector
	if cfg.Detector.Serialize {
		detector = detect.NewSerialized(detector)
		e.detector = detector
	}

	seenTags := make(map[string]bool)
	for idx, source := range cfg.Cameras.Sources {
		tag := camera.SourceTag(source)
		if seenTags[tag] {
			tag = fmt.Sprintf("%s%d", tag, idx)
		}
		seenTags[tag] = true

		set, err := e.buildCameraSet(idx, source, tag, detector, opts)
		if err != nil {
			e.closeCameraSets()
			vlt.Close()
			return nil, err
		}
		e.cameras = append(e.cameras, set)
	}

	return e, nil
}

// newHybridFromConfig loads the RSA key material named in the config.
func newHybridFromConfig(pubPath, privPath string) (*vault.HybridVault, error) {
	pub, err := vault.LoadRSAPublicKey(pubPath)
	if err != nil {
		return nil, err
	}
	if privPath == "" {
		return vault.NewHybrid(pub, nil)
	}
	priv, err := vault.LoadRSAPrivateKey(privPath)
	if err != nil {
		return nil, err
	}
	return vault.NewHybrid(pub, priv)
}

// buildCameraSet assembles the recorder, evidence manager, worker and
// status plumbing for one source.
func (e *Engine) buildCameraSet(idx int, source, tag string, detector detect.Detector, opts Options) (*cameraSet, error) {
	camLog := e.log.ForCamera(tag)

	proc, err := detect.NewProcessor(detector, detect.ProcessorOptions{
		ConfidenceThreshold: e.cfg.Detector.ConfidenceThreshold,
		BlurKernel:          e.cfg.Processing.BlurKernel,
	})
	if err != nil {
		return nil, err
	}

	ev, err := evidence.NewManager(e.sealer, evidence.Options{
		CameraTag:      tag,
		Dir:            e.cfg.Recording.EvidencePath,
		SegmentSeconds: e.cfg.Recording.SegmentSeconds,
		DetectionOnly:  e.cfg.EvidenceDetectionOnly(),
		JPEGQuality:    e.cfg.Recording.EvidenceJPEGQuality,
		PreRollSize:    e.cfg.PreRollSize(),
		QueueCapacity:  e.cfg.Recording.FlushQueueCapacity,
		OnFlush: func(file, hash string, meta evidence.SegmentMeta) {
			e.emit(EvidenceEvent{CameraTag: tag, File: file, SHA256: hash, Meta: meta})
		},
	}, e.log.ForComponent("evidence").ForCamera(tag))
	if err != nil {
		return nil, err
	}

	rec, err := recorder.New(recorder.Options{
		CameraTag:      tag,
		Dir:            e.cfg.Recording.PublicPath,
		Width:          e.cfg.Processing.Width,
		Height:         e.cfg.Processing.Height,
		FPS:            e.cfg.Processing.TargetFPS,
		SegmentSeconds: e.cfg.Recording.SegmentSeconds,
		Factory:        opts.EncoderFactory,
		WriteSidecar:   opts.WriteSidecars,
		OnSegmentOpen:  ev.SetSyncTimestamp,
	}, e.log.ForComponent("recorder").ForCamera(tag))
	if err != nil {
		ev.Close()
		return nil, err
	}

	slot := &camera.LatestFrameSlot{}
	status := camera.NewStatusTracker(idx, source, tag)

	worker := camera.NewWorker(camera.Options{
		Index:  idx,
		Source: source,
		Tag:    tag,
		Width:  e.cfg.Processing.Width,
		Height: e.cfg.Processing.Height,
		OnDetections: func(dets []vision.Detection, ts time.Time) {
			var maxConf float32
			for _, d := range dets {
				if d.Confidence > maxConf {
					maxConf = d.Confidence
				}
			}
			e.emit(DetectionEvent{
				CameraIndex: idx, CameraTag: tag, TS: ts,
				Count: len(dets), MaxConfidence: maxConf,
			})
		},
	}, opts.SourceFactory, proc, rec, ev, slot, status, camLog)

	return &cameraSet{
		tag:      tag,
		worker:   worker,
		recorder: rec,
		evidence: ev,
		slot:     slot,
		status:   status,
	}, nil
}

// AddSink registers an event sink. Must be called before Start.
func (e *Engine) AddSink(s EventSink) {
	e.sinks = append(e.sinks, s)
}

// emit queues an event for the sink pump, dropping when the pump is
// backed up; events are advisory and must never stall a worker.
func (e *Engine) emit(ev interface{}) {
	if len(e.sinks) == 0 {
		return
	}
	select {
	case e.events <- ev:
	default:
	}
}

// Start spawns every camera worker, the event pump and the storage
// janitor.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true

	go e.pumpEvents()
	go e.runJanitor()

	for _, set := range e.cameras {
		set.worker.Start()
	}
	e.log.Infof("engine started with %d cameras", len(e.cameras))
	return nil
}

// pumpEvents forwards queued events to every sink. The channel is never
// closed — a straggling flush goroutine may still emit after shutdown —
// so the pump drains what is queued and exits on the stop signal.
func (e *Engine) pumpEvents() {
	defer close(e.pumpDone)
	for {
		select {
		case ev := <-e.events:
			e.deliver(ev)
		case <-e.pumpStop:
			for {
				select {
				case ev := <-e.events:
					e.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver hands one event to every sink.
func (e *Engine) deliver(ev interface{}) {
	ctx := context.Background()
	for _, sink := range e.sinks {
		var err error
		switch v := ev.(type) {
		case DetectionEvent:
			err = sink.PublishDetection(ctx, v)
		case EvidenceEvent:
			err = sink.PublishEvidence(ctx, v)
		}
		if err != nil {
			e.log.Warnf("event sink failed: %v", err)
		}
	}
}

// Stop drains the system in dependency order: workers first, then the
// public recorders (synchronously), then the evidence managers with their
// flush queues, then the shared detector and finally the vault key.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, set := range e.cameras {
		wg.Add(1)
		go func(s *cameraSet) {
			defer wg.Done()
			s.worker.Stop()
		}(set)
	}
	wg.Wait()

	for _, set := range e.cameras {
		if err := set.recorder.Close(); err != nil {
			e.log.Warnf("recorder close failed for %s: %v", set.tag, err)
		}
	}
	for _, set := range e.cameras {
		if err := set.evidence.Close(); err != nil {
			e.log.Warnf("evidence close failed for %s: %v", set.tag, err)
		}
	}

	close(e.janitorStop)
	<-e.janitorDone

	close(e.pumpStop)
	<-e.pumpDone

	if err := e.detector.Close(); err != nil {
		e.log.Warnf("detector close failed: %v", err)
	}
	e.vlt.Close()
	e.log.Infof("engine stopped")
}

// closeCameraSets releases partially constructed camera sets during a
// failed New.
func (e *Engine) closeCameraSets() {
	for _, set := range e.cameras {
		set.recorder.Close()
		set.evidence.Close()
	}
}

// Status returns a snapshot of every camera, with the recorder and
// evidence counters merged in.
func (e *Engine) Status() []camera.Status {
	out := make([]camera.Status, 0, len(e.cameras))
	for _, set := range e.cameras {
		snap := set.status.Snapshot()
		snap.WriteErrors = set.recorder.WriteErrors()
		snap.EvidenceDrops = set.evidence.Drops()
		snap.EvidenceErrors = set.evidence.LastErrors()
		snap.EvidenceQueue = set.evidence.QueueDepth()
		out = append(out, snap)
	}
	return out
}

// LatestJPEG returns the most recent preview frame for a camera, or
// ok=false when the camera has never produced one.
func (e *Engine) LatestJPEG(idx int) (jpeg []byte, seq uint64, ok bool, err error) {
	if idx < 0 || idx >= len(e.cameras) {
		return nil, 0, false, fmt.Errorf("%w: %d", ErrUnknownCamera, idx)
	}
	jpeg, seq, ok = e.cameras[idx].slot.Get()
	return jpeg, seq, ok, nil
}

// Cameras returns the number of configured cameras.
func (e *Engine) Cameras() int { return len(e.cameras) }

// Decrypt opens an evidence container from disk and returns the decoded
// package and its payload fingerprint. Integrity failures are returned
// verbatim; the file is never modified.
func (e *Engine) Decrypt(path string) (*evidence.Package, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read container: %w", err)
	}

	var payload []byte
	var hash string
	if vault.IsHybrid(data) {
		if e.hybrid == nil {
			return nil, "", vault.ErrNoPrivateKey
		}
		payload, hash, err = e.hybrid.Decrypt(data)
	} else {
		payload, hash, err = e.vlt.Decrypt(data)
	}
	if err != nil {
		return nil, "", err
	}

	pkg, err := evidence.DecodePayload(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", vault.ErrMalformedPayload, err)
	}
	return pkg, hash, nil
}
