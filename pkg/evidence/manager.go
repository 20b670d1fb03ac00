package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bayusegara27/secure-edge-vision/pkg/logging"
	"github.com/bayusegara27/secure-edge-vision/pkg/vision"
)

// Sealer is the encryption capability the manager needs; satisfied by both
// the symmetric and the hybrid vault.
type Sealer interface {
	Encrypt(payload []byte, meta interface{}) ([]byte, error)
}

// Options configures a Manager.
type Options struct {
	CameraTag      string // filename tag, e.g. "cam0" or "rtsp"
	Dir            string // evidence output root
	SegmentSeconds int
	DetectionOnly  bool
	JPEGQuality    int
	PreRollSize    int           // ring capacity; 0 disables pre-roll
	QueueCapacity  int           // flush queue bound, >= 1
	DrainTimeout   time.Duration // Close deadline; default 30s
	ErrorRingSize  int           // retained flush error descriptions; default 8

	// OnFlush, when set, is invoked from the flush goroutine after a
	// segment is durably on disk, with the container filename and the
	// payload's sha256 fingerprint (the same value embedded in the
	// encrypted plaintext, usable for chain-of-custody logs).
	OnFlush func(file string, sha256Hex string, meta SegmentMeta)
}

// flushJob is one closed segment handed to the background worker. A job
// stays at the head of the queue while it is being flushed; the producer's
// drop-oldest policy may cancel it mid-write, in which case the output is
// discarded instead of renamed into place.
type flushJob struct {
	records  []FrameRecord
	meta     SegmentMeta
	nameTS   time.Time
	seq      uint64
	canceled atomic.Bool
}

// Manager buffers raw frames under selective-recording rules and flushes
// closed segments through the vault on a background goroutine. AddFrame is
// called only from the owning camera worker; the queue and counters are
// safe to read from other goroutines.
type Manager struct {
	opts   Options
	sealer Sealer
	log    *logging.Logger

	mu       sync.Mutex
	preRoll  []FrameRecord
	buffer   []FrameRecord
	totalDet int
	syncTS   time.Time // public segment open time for filename pairing
	jobs     []*flushJob
	closed   bool

	seq         uint64
	drops       atomic.Uint64
	flushErrors atomic.Uint64
	flushed     atomic.Uint64

	errMu   sync.Mutex
	errRing []string

	jobSignal chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
}

// NewManager creates a Manager and starts its flush worker.
func NewManager(sealer Sealer, opts Options, log *logging.Logger) (*Manager, error) {
	if sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	if opts.QueueCapacity < 1 {
		return nil, fmt.Errorf("flush queue capacity must be >= 1, got %d", opts.QueueCapacity)
	}
	if opts.SegmentSeconds <= 0 {
		return nil, fmt.Errorf("segment seconds must be positive, got %d", opts.SegmentSeconds)
	}
	if opts.JPEGQuality == 0 {
		opts.JPEGQuality = 75
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if opts.ErrorRingSize == 0 {
		opts.ErrorRingSize = 8
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory: %w", err)
	}

	m := &Manager{
		opts:      opts,
		sealer:    sealer,
		log:       log,
		jobSignal: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go m.flushWorker()
	return m, nil
}

// SetSyncTimestamp records the open time of the current public segment so
// the next evidence flush shares its filename timestamp.
func (m *Manager) SetSyncTimestamp(ts time.Time) {
	m.mu.Lock()
	m.syncTS = ts
	m.mu.Unlock()
}

// AddFrame applies the selective-recording rules to one raw frame. The
// frame is JPEG-encoded here, on the worker's goroutine, so the flush
// worker only serializes and encrypts.
func (m *Manager) AddFrame(raw *vision.Frame, dets []vision.Detection, ts time.Time) error {
	jpg, err := raw.EncodeJPEG(m.opts.JPEGQuality)
	if err != nil {
		return fmt.Errorf("failed to encode evidence frame: %w", err)
	}
	rec := FrameRecord{
		TS:         float64(ts.UnixNano()) / 1e9,
		JPEG:       jpg,
		Detections: dets,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("evidence manager is closed")
	}

	switch {
	case !m.opts.DetectionOnly:
		m.appendLocked(rec)

	case len(dets) == 0 && len(m.buffer) == 0:
		// Nothing happening: remember the frame for pre-roll context only.
		if m.opts.PreRollSize > 0 {
			m.preRoll = append(m.preRoll, rec)
			if len(m.preRoll) > m.opts.PreRollSize {
				m.preRoll = m.preRoll[1:]
			}
		}
		return nil

	case len(dets) > 0 && len(m.buffer) == 0:
		// First detection: the pre-roll becomes the head of the segment.
		for _, pr := range m.preRoll {
			m.appendLocked(pr)
		}
		m.preRoll = nil
		m.appendLocked(rec)

	default:
		// Mid-segment: every frame is retained, detections or not.
		m.appendLocked(rec)
	}

	if len(m.buffer) > 0 && rec.TS-m.buffer[0].TS >= float64(m.opts.SegmentSeconds) {
		m.rotateLocked()
	}
	return nil
}

// appendLocked adds a record to the active buffer and updates counters.
func (m *Manager) appendLocked(rec FrameRecord) {
	m.buffer = append(m.buffer, rec)
	m.totalDet += len(rec.Detections)
}

// rotateLocked transfers the active buffer to the flush queue, dropping the
// oldest queued job when the queue is full. The newest window is the one
// most likely to still describe the current incident.
func (m *Manager) rotateLocked() {
	if len(m.buffer) == 0 {
		return
	}

	nameTS := m.syncTS
	if nameTS.IsZero() {
		sec := int64(m.buffer[0].TS)
		nameTS = time.Unix(sec, int64((m.buffer[0].TS-float64(sec))*1e9))
	}

	m.seq++
	job := &flushJob{
		records: m.buffer,
		meta: SegmentMeta{
			FrameCount:      len(m.buffer),
			StartTS:         m.buffer[0].TS,
			EndTS:           m.buffer[len(m.buffer)-1].TS,
			TotalDetections: m.totalDet,
			CameraID:        m.opts.CameraTag,
		},
		nameTS: nameTS,
		seq:    m.seq,
	}
	m.buffer = nil
	m.totalDet = 0

	if len(m.jobs) >= m.opts.QueueCapacity {
		dropped := m.jobs[0]
		dropped.canceled.Store(true)
		m.jobs = m.jobs[1:]
		m.drops.Add(1)
		if m.log != nil {
			m.log.Warnf("flush queue full, dropping segment with %d frames (start %.3f)",
				dropped.meta.FrameCount, dropped.meta.StartTS)
		}
	}
	m.jobs = append(m.jobs, job)

	select {
	case m.jobSignal <- struct{}{}:
	default:
	}
}

// flushWorker is the single consumer of the flush queue.
func (m *Manager) flushWorker() {
	defer close(m.done)
	for {
		select {
		case <-m.jobSignal:
			m.drainQueue()
		case <-m.stopCh:
			m.drainQueue()
			return
		}
	}
}

// drainQueue flushes every queued job. Errors are recorded and the worker
// moves on; a failing disk must not stop the cameras. The job under flush
// remains at the queue head so it still counts against the capacity bound
// and can be canceled by the drop-oldest policy.
func (m *Manager) drainQueue() {
	for {
		m.mu.Lock()
		if len(m.jobs) == 0 {
			m.mu.Unlock()
			return
		}
		job := m.jobs[0]
		m.mu.Unlock()

		err := m.flush(job)

		m.mu.Lock()
		if len(m.jobs) > 0 && m.jobs[0] == job {
			m.jobs = m.jobs[1:]
		}
		m.mu.Unlock()

		if job.canceled.Load() {
			continue
		}
		if err != nil {
			m.flushErrors.Add(1)
			m.recordError(job, err)
			if m.log != nil {
				m.log.Errorf("evidence flush failed: %v", err)
			}
			continue
		}
		m.flushed.Add(1)
	}
}

// flush serializes, encrypts and atomically writes one segment.
func (m *Manager) flush(job *flushJob) error {
	if job.canceled.Load() {
		return nil
	}

	payload, err := EncodePayload(&Package{Records: job.records, Meta: job.meta})
	if err != nil {
		return err
	}

	container, err := m.sealer.Encrypt(payload, job.meta)
	if err != nil {
		return err
	}
	if job.canceled.Load() {
		return nil
	}

	name := fmt.Sprintf("evidence_%s_%s_%04d.enc",
		m.opts.CameraTag, job.nameTS.Format("20060102150405"), job.seq)
	final := filepath.Join(m.opts.Dir, name)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := f.Write(container); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if job.canceled.Load() {
		// Dropped mid-write by the back-pressure policy; never publish it.
		os.Remove(tmp)
		return nil
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", final, err)
	}

	if m.log != nil {
		m.log.Infof("evidence segment written: %s (%d frames, %d detections)",
			name, job.meta.FrameCount, job.meta.TotalDetections)
	}
	if m.opts.OnFlush != nil {
		sum := sha256.Sum256(payload)
		m.opts.OnFlush(name, hex.EncodeToString(sum[:]), job.meta)
	}
	return nil
}

// recordError keeps the most recent flush failures, each tagged with the
// segment it lost so the status surface can report what is missing.
func (m *Manager) recordError(job *flushJob, err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	desc := fmt.Sprintf("segment %s seq=%04d frames=%d: %v",
		job.nameTS.Format("20060102150405"), job.seq, job.meta.FrameCount, err)
	m.errRing = append(m.errRing, desc)
	if len(m.errRing) > m.opts.ErrorRingSize {
		m.errRing = m.errRing[1:]
	}
}

// Close flushes any buffered frames, drains the queue and stops the
// worker. Jobs still pending when the drain deadline passes are logged
// with their metadata and abandoned.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.rotateLocked()
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.done:
		return nil
	case <-time.After(m.opts.DrainTimeout):
		m.mu.Lock()
		pending := make([]SegmentMeta, 0, len(m.jobs))
		for _, j := range m.jobs {
			pending = append(pending, j.meta)
		}
		m.mu.Unlock()
		for _, meta := range pending {
			if m.log != nil {
				m.log.Errorf("drain deadline passed, dropping segment: camera=%s frames=%d start=%.3f",
					meta.CameraID, meta.FrameCount, meta.StartTS)
			}
		}
		return fmt.Errorf("evidence drain deadline exceeded with %d pending segments", len(pending))
	}
}

// Drops returns how many queued segments were discarded under back-pressure.
func (m *Manager) Drops() uint64 { return m.drops.Load() }

// FlushErrors returns how many flush attempts failed.
func (m *Manager) FlushErrors() uint64 { return m.flushErrors.Load() }

// Flushed returns how many segments were persisted.
func (m *Manager) Flushed() uint64 { return m.flushed.Load() }

// LastErrors returns the most recent flush error descriptions.
func (m *Manager) LastErrors() []string {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	out := make([]string, len(m.errRing))
	copy(out, m.errRing)
	return out
}

// QueueDepth returns the number of segments waiting to flush.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}
