package evidence

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bayusegara27/secure-edge-vision/pkg/vision"
)

// identitySealer passes payloads through unchanged so tests can decode
// flushed files without key material.
type identitySealer struct{}

func (identitySealer) Encrypt(payload []byte, meta interface{}) ([]byte, error) {
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// gatedSealer blocks every Encrypt until the gate channel is closed.
type gatedSealer struct {
	gate <-chan struct{}
}

func (g *gatedSealer) Encrypt(payload []byte, meta interface{}) ([]byte, error) {
	<-g.gate
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

func tinyFrame() *vision.Frame {
	f := vision.NewFrame(8, 6)
	for i := range f.Pix {
		f.Pix[i] = byte(i)
	}
	return f
}

func faceAt(ts time.Time) []vision.Detection {
	return []vision.Detection{{X1: 1, Y1: 1, X2: 5, Y2: 5, Confidence: 0.9, TS: ts}}
}

func listEvidence(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".enc") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func decodeFile(t *testing.T, path string) *Package {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	pkg, err := DecodePayload(data)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return pkg
}

// TestSelectiveRecordingWithPreRoll feeds the detection pattern
// [no,no,no,no,yes,yes,no,yes,no,no] through a 3-deep pre-roll and expects
// the flushed segment to hold frames 1..9.
func TestSelectiveRecordingWithPreRoll(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(identitySealer{}, Options{
		CameraTag:      "cam0",
		Dir:            dir,
		SegmentSeconds: 1000,
		DetectionOnly:  true,
		PreRollSize:    3,
		QueueCapacity:  10,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Unix(1700000000, 0)
	pattern := []bool{false, false, false, false, true, true, false, true, false, false}
	frame := tinyFrame()
	for i, hasDet := range pattern {
		ts := base.Add(time.Duration(i) * time.Second)
		var dets []vision.Detection
		if hasDet {
			dets = faceAt(ts)
		}
		if err := m.AddFrame(frame, dets, ts); err != nil {
			t.Fatalf("AddFrame %d: %v", i, err)
		}
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files := listEvidence(t, dir)
	if len(files) != 1 {
		t.Fatalf("expected exactly 1 evidence file, got %d", len(files))
	}

	pkg := decodeFile(t, filepath.Join(dir, files[0]))
	if pkg.Meta.FrameCount != 9 {
		t.Fatalf("frame count: got %d, want 9", pkg.Meta.FrameCount)
	}
	// Three pre-roll frames (1,2,3) precede the first detection frame (4),
	// then every later frame is retained until close.
	for i, rec := range pkg.Records {
		wantTS := float64(base.Unix()) + float64(i+1)
		if rec.TS != wantTS {
			t.Errorf("record %d ts: got %f, want %f", i, rec.TS, wantTS)
		}
	}
	if pkg.Meta.TotalDetections != 3 {
		t.Errorf("total detections: got %d, want 3", pkg.Meta.TotalDetections)
	}
	if pkg.Meta.CameraID != "cam0" {
		t.Errorf("camera id: got %s", pkg.Meta.CameraID)
	}
}

func TestPreRollZeroDisablesPreRoll(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(identitySealer{}, Options{
		CameraTag:      "cam0",
		Dir:            dir,
		SegmentSeconds: 1000,
		DetectionOnly:  true,
		PreRollSize:    0,
		QueueCapacity:  2,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Unix(1700000100, 0)
	frame := tinyFrame()
	m.AddFrame(frame, nil, base)
	m.AddFrame(frame, nil, base.Add(1*time.Second))
	detTS := base.Add(2 * time.Second)
	m.AddFrame(frame, faceAt(detTS), detTS)

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	files := listEvidence(t, dir)
	if len(files) != 1 {
		t.Fatalf("expected 1 evidence file, got %d", len(files))
	}
	pkg := decodeFile(t, filepath.Join(dir, files[0]))
	if len(pkg.Records) != 1 {
		t.Fatalf("expected only the detection frame, got %d records", len(pkg.Records))
	}
	if pkg.Records[0].TS != float64(detTS.Unix()) {
		t.Errorf("first record must be the detection frame")
	}
}

func TestContinuousModeRetainsEverything(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(identitySealer{}, Options{
		CameraTag:      "cam1",
		Dir:            dir,
		SegmentSeconds: 1000,
		DetectionOnly:  false,
		PreRollSize:    3,
		QueueCapacity:  2,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Unix(1700000200, 0)
	frame := tinyFrame()
	for i := 0; i < 5; i++ {
		m.AddFrame(frame, nil, base.Add(time.Duration(i)*time.Second))
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	files := listEvidence(t, dir)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	pkg := decodeFile(t, filepath.Join(dir, files[0]))
	if len(pkg.Records) != 5 {
		t.Errorf("continuous mode dropped frames: got %d, want 5", len(pkg.Records))
	}
}

func TestNoDetectionsNoEvidence(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(identitySealer{}, Options{
		CameraTag:      "cam0",
		Dir:            dir,
		SegmentSeconds: 1000,
		DetectionOnly:  true,
		PreRollSize:    3,
		QueueCapacity:  2,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Unix(1700000300, 0)
	frame := tinyFrame()
	for i := 0; i < 50; i++ {
		m.AddFrame(frame, nil, base.Add(time.Duration(i)*time.Second))
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	if files := listEvidence(t, dir); len(files) != 0 {
		t.Errorf("expected no evidence files without detections, got %v", files)
	}
}

func TestSegmentRotationByDuration(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(identitySealer{}, Options{
		CameraTag:      "cam0",
		Dir:            dir,
		SegmentSeconds: 1,
		DetectionOnly:  false,
		QueueCapacity:  10,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Unix(1700000400, 0)
	frame := tinyFrame()
	// 400ms spacing: the fourth frame of each segment crosses the 1s window.
	for i := 0; i < 9; i++ {
		m.AddFrame(frame, nil, base.Add(time.Duration(i)*400*time.Millisecond))
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	files := listEvidence(t, dir)
	if len(files) < 3 {
		t.Errorf("expected at least 3 rotated segments, got %d: %v", len(files), files)
	}
}

func TestSyncTimestampNamesFlush(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(identitySealer{}, Options{
		CameraTag:      "rtsp",
		Dir:            dir,
		SegmentSeconds: 1000,
		DetectionOnly:  true,
		PreRollSize:    2,
		QueueCapacity:  2,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	syncTS := time.Date(2026, 7, 4, 12, 30, 0, 0, time.UTC)
	m.SetSyncTimestamp(syncTS)

	ts := time.Unix(1700000500, 0)
	m.AddFrame(tinyFrame(), faceAt(ts), ts)
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	files := listEvidence(t, dir)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	want := "evidence_rtsp_20260704123000_0001.enc"
	if files[0] != want {
		t.Errorf("filename: got %s, want %s", files[0], want)
	}
}

// TestFlushBackpressure pushes five segments at a disk that cannot keep up
// with a queue bound of two. The three oldest windows are dropped — the
// in-flight one included — and only the most recent two are persisted.
func TestFlushBackpressure(t *testing.T) {
	dir := t.TempDir()
	gate := make(chan struct{})
	m, err := NewManager(&gatedSealer{gate: gate}, Options{
		CameraTag:      "cam0",
		Dir:            dir,
		SegmentSeconds: 10,
		DetectionOnly:  false,
		QueueCapacity:  2,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Unix(1700000600, 0)
	frame := tinyFrame()
	for seg := 0; seg < 5; seg++ {
		segStart := base.Add(time.Duration(seg) * 20 * time.Second)
		m.AddFrame(frame, nil, segStart)
		// Crossing the 10s window closes the segment.
		m.AddFrame(frame, nil, segStart.Add(10*time.Second))
		if depth := m.QueueDepth(); depth > 2 {
			t.Fatalf("queue depth exceeded capacity: %d", depth)
		}
	}

	if drops := m.Drops(); drops != 3 {
		t.Errorf("drops: got %d, want 3", drops)
	}

	close(gate)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files := listEvidence(t, dir)
	if len(files) != 2 {
		t.Fatalf("expected exactly 2 persisted segments, got %d: %v", len(files), files)
	}

	// The survivors are the two most recent windows (segments 3 and 4).
	var starts []float64
	for _, name := range files {
		pkg := decodeFile(t, filepath.Join(dir, name))
		starts = append(starts, pkg.Meta.StartTS)
	}
	sort.Float64s(starts)
	want3 := float64(base.Add(3 * 20 * time.Second).Unix())
	want4 := float64(base.Add(4 * 20 * time.Second).Unix())
	if starts[0] != want3 || starts[1] != want4 {
		t.Errorf("persisted windows: got %v, want [%f %f]", starts, want3, want4)
	}

	if leftover, _ := filepath.Glob(filepath.Join(dir, "*.tmp")); len(leftover) != 0 {
		t.Errorf("canceled flush left temp files: %v", leftover)
	}
}

func TestAddFrameAfterCloseFails(t *testing.T) {
	m, err := NewManager(identitySealer{}, Options{
		CameraTag:      "cam0",
		Dir:            t.TempDir(),
		SegmentSeconds: 10,
		QueueCapacity:  1,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.AddFrame(tinyFrame(), nil, time.Now()); err == nil {
		t.Error("AddFrame after Close must fail")
	}
}

func TestConcurrentStatusReads(t *testing.T) {
	m, err := NewManager(identitySealer{}, Options{
		CameraTag:      "cam0",
		Dir:            t.TempDir(),
		SegmentSeconds: 1000,
		DetectionOnly:  false,
		QueueCapacity:  4,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				m.Drops()
				m.FlushErrors()
				m.QueueDepth()
				m.LastErrors()
			}
		}
	}()

	base := time.Unix(1700000700, 0)
	frame := tinyFrame()
	for i := 0; i < 100; i++ {
		m.AddFrame(frame, nil, base.Add(time.Duration(i)*time.Second))
	}
	close(stop)
	wg.Wait()
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}
