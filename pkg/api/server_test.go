package api

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bayusegara27/secure-edge-vision/pkg/camera"
	"github.com/bayusegara27/secure-edge-vision/pkg/engine"
	"github.com/bayusegara27/secure-edge-vision/pkg/evidence"
	"github.com/bayusegara27/secure-edge-vision/pkg/logging"
	"github.com/bayusegara27/secure-edge-vision/pkg/vault"
)

// fakeCore implements Core over canned data.
type fakeCore struct {
	statuses   []camera.Status
	jpeg       []byte
	seq        uint64
	public     []engine.Recording
	evid       []engine.Recording
	decryptPkg *evidence.Package
	decryptErr error
}

func (f *fakeCore) Status() []camera.Status { return f.statuses }

func (f *fakeCore) LatestJPEG(idx int) ([]byte, uint64, bool, error) {
	if idx != 0 {
		return nil, 0, false, engine.ErrUnknownCamera
	}
	return f.jpeg, f.seq, f.jpeg != nil, nil
}

func (f *fakeCore) ListPublic() ([]engine.Recording, error)   { return f.public, nil }
func (f *fakeCore) ListEvidence() ([]engine.Recording, error) { return f.evid, nil }

func (f *fakeCore) Decrypt(path string) (*evidence.Package, string, error) {
	if f.decryptErr != nil {
		return nil, "", f.decryptErr
	}
	return f.decryptPkg, "ab", nil
}

func newTestServer(t *testing.T, core Core, opts Options) *Server {
	t.Helper()
	log, err := logging.NewLogger("api", logging.FATAL, "")
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(core, opts, log)
}

func TestStatusEndpoint(t *testing.T) {
	core := &fakeCore{statuses: []camera.Status{{Index: 0, State: "online", Tag: "cam0"}}}
	s := newTestServer(t, core, Options{})

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code: %d", rec.Code)
	}
	var body struct {
		Cameras []camera.Status `json:"cameras"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Cameras) != 1 || body.Cameras[0].State != "online" {
		t.Errorf("body: %+v", body)
	}
}

func TestStatusRejectsPost(t *testing.T) {
	s := newTestServer(t, &fakeCore{}, Options{})
	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("code: %d", rec.Code)
	}
}

func TestRecordingsEndpoint(t *testing.T) {
	core := &fakeCore{public: []engine.Recording{{Name: "public_cam0_20260101000000.avi"}}}
	s := newTestServer(t, core, Options{})

	rec := httptest.NewRecorder()
	s.handleRecordings(rec, httptest.NewRequest(http.MethodGet, "/recordings", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code: %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("public_cam0_20260101000000.avi")) {
		t.Errorf("body: %s", rec.Body.String())
	}
}

func TestStreamRejectsBadIndex(t *testing.T) {
	s := newTestServer(t, &fakeCore{}, Options{})
	rec := httptest.NewRecorder()
	s.handleStream(rec, httptest.NewRequest(http.MethodGet, "/stream/9", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("code: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.handleStream(rec, httptest.NewRequest(http.MethodGet, "/stream/abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code: %d", rec.Code)
	}
}

func decryptOpts(t *testing.T, dir, pin string) Options {
	t.Helper()
	salt := make([]byte, 16)
	rand.Read(salt)
	return Options{
		PINHash:     HashPIN(pin, salt),
		PINSalt:     hex.EncodeToString(salt),
		EvidenceDir: dir,
	}
}

func postDecrypt(t *testing.T, s *Server, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/decrypt", bytes.NewReader(data))
	s.handleDecrypt(rec, req)
	return rec
}

func TestDecryptHappyPath(t *testing.T) {
	dir := t.TempDir()
	file := "evidence_cam0_20260101000000_0001.enc"
	os.WriteFile(filepath.Join(dir, file), []byte("container"), 0600)

	core := &fakeCore{decryptPkg: &evidence.Package{
		Records: []evidence.FrameRecord{{TS: 1, JPEG: []byte{0xff, 0xd8, 0xff, 0xd9}}},
		Meta:    evidence.SegmentMeta{FrameCount: 1, CameraID: "cam0"},
	}}
	s := newTestServer(t, core, decryptOpts(t, dir, "1234"))

	rec := postDecrypt(t, s, decryptRequest{File: file, PIN: "1234"})
	if rec.Code != http.StatusOK {
		t.Fatalf("code: %d body: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["frame_count"].(float64) != 1 {
		t.Errorf("frame_count: %v", resp["frame_count"])
	}
	if resp["preview_jpeg"] == nil {
		t.Error("missing preview")
	}
}

func TestDecryptWrongPIN(t *testing.T) {
	dir := t.TempDir()
	file := "evidence_cam0_20260101000000_0001.enc"
	os.WriteFile(filepath.Join(dir, file), []byte("container"), 0600)

	s := newTestServer(t, &fakeCore{}, decryptOpts(t, dir, "1234"))
	rec := postDecrypt(t, s, decryptRequest{File: file, PIN: "9999"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("code: %d", rec.Code)
	}
}

func TestDecryptTamperedFile(t *testing.T) {
	dir := t.TempDir()
	file := "evidence_cam0_20260101000000_0001.enc"
	os.WriteFile(filepath.Join(dir, file), []byte("container"), 0600)

	core := &fakeCore{decryptErr: vault.ErrTamperedCiphertext}
	s := newTestServer(t, core, decryptOpts(t, dir, "1234"))

	rec := postDecrypt(t, s, decryptRequest{File: file, PIN: "1234"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("code: %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("integrity verification failed")) {
		t.Errorf("body: %s", rec.Body.String())
	}
}

func TestDecryptRejectsPathTraversal(t *testing.T) {
	s := newTestServer(t, &fakeCore{}, decryptOpts(t, t.TempDir(), "1234"))
	rec := postDecrypt(t, s, decryptRequest{File: "../vault.key", PIN: "1234"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code: %d", rec.Code)
	}
}

func TestDecryptDisabledWithoutPIN(t *testing.T) {
	s := newTestServer(t, &fakeCore{}, Options{})
	rec := postDecrypt(t, s, decryptRequest{File: "x.enc", PIN: "1234"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("code: %d", rec.Code)
	}
}

func TestDecryptMissingFile(t *testing.T) {
	s := newTestServer(t, &fakeCore{}, decryptOpts(t, t.TempDir(), "1234"))
	rec := postDecrypt(t, s, decryptRequest{File: "absent.enc", PIN: "1234"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("code: %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	core := &fakeCore{statuses: []camera.Status{
		{State: "online"}, {State: "connecting"},
	}}
	s := newTestServer(t, core, Options{})

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["cameras"].(float64) != 2 || resp["cameras_online"].(float64) != 1 {
		t.Errorf("resp: %v", resp)
	}
}

func TestHashPINDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	if HashPIN("1234", salt) != HashPIN("1234", salt) {
		t.Error("hash not deterministic")
	}
	if HashPIN("1234", salt) == HashPIN("1235", salt) {
		t.Error("different PINs collide")
	}
}
