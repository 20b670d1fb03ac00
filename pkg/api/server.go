// Package api exposes the node over HTTP: live previews, status, recording
// listings, the authenticated decryption path and a websocket status feed.
// It is built entirely on the engine's snapshot accessors and never touches
// the worker loops.
package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/pbkdf2"

	"github.com/bayusegara27/secure-edge-vision/pkg/camera"
	"github.com/bayusegara27/secure-edge-vision/pkg/engine"
	"github.com/bayusegara27/secure-edge-vision/pkg/evidence"
	"github.com/bayusegara27/secure-edge-vision/pkg/logging"
	"github.com/bayusegara27/secure-edge-vision/pkg/vault"
)

// pinIterations is the PBKDF2 work factor for PIN verification.
const pinIterations = 4096

// Core is the engine surface the API is built on.
type Core interface {
	Status() []camera.Status
	LatestJPEG(idx int) ([]byte, uint64, bool, error)
	ListPublic() ([]engine.Recording, error)
	ListEvidence() ([]engine.Recording, error)
	Decrypt(path string) (*evidence.Package, string, error)
}

// Options configures the HTTP server.
type Options struct {
	Listen         string
	PINHash        string // hex PBKDF2-SHA256 hash; empty disables /decrypt
	PINSalt        string // hex salt
	EvidenceDir    string // root for resolving decrypt filenames
	StreamInterval time.Duration // preview poll interval; default 33ms
}

// Server handles HTTP requests for the edge vision node.
type Server struct {
	core       Core
	opts       Options
	httpServer *http.Server
	upgrader   websocket.Upgrader
	log        *logging.Logger
}

// NewServer creates the API server and its routes.
func NewServer(core Core, opts Options, log *logging.Logger) *Server {
	if opts.StreamInterval == 0 {
		opts.StreamInterval = 33 * time.Millisecond
	}

	server := &Server{
		core: core,
		opts: opts,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream/", server.handleStream)
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/recordings", server.handleRecordings)
	mux.HandleFunc("/evidence", server.handleEvidence)
	mux.HandleFunc("/decrypt", server.handleDecrypt)
	mux.HandleFunc("/ws", server.handleWebsocket)
	mux.HandleFunc("/health", server.handleHealth)

	server.httpServer = &http.Server{
		Addr:        opts.Listen,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: /stream and /ws are long-lived by design.
	}

	return server
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Infof("starting API server on %s", s.opts.Listen)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	s.log.Infof("stopping API server")
	return s.httpServer.Close()
}

// handleStream serves multipart JPEG from the camera's latest-frame slot.
// GET /stream/<idx>
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	idxStr := strings.TrimPrefix(r.URL.Path, "/stream/")
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid camera index")
		return
	}
	if _, _, _, err := s.core.LatestJPEG(idx); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	boundary := "frame"
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	mw := multipart.NewWriter(w)
	mw.SetBoundary(boundary)

	var lastSeq uint64
	ticker := time.NewTicker(s.opts.StreamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		jpeg, seq, ok, err := s.core.LatestJPEG(idx)
		if err != nil || !ok || seq == lastSeq {
			continue
		}
		lastSeq = seq

		h := make(textproto.MIMEHeader)
		h.Set("Content-Type", "image/jpeg")
		h.Set("Content-Length", fmt.Sprintf("%d", len(jpeg)))
		part, err := mw.CreatePart(h)
		if err != nil {
			return
		}
		if _, err := part.Write(jpeg); err != nil {
			return // client gone
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// handleStatus returns the engine snapshot.
// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cameras": s.core.Status(),
	})
}

// handleRecordings lists public segments.
// GET /recordings
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	recs, err := s.core.ListPublic()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(recs),
		"recordings": recs,
	})
}

// handleEvidence lists encrypted evidence containers.
// GET /evidence
func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	recs, err := s.core.ListEvidence()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(recs),
		"evidence": recs,
	})
}

// decryptRequest is the /decrypt request body.
type decryptRequest struct {
	File string `json:"file"` // evidence filename, no path components
	PIN  string `json:"pin"`
}

// handleDecrypt verifies the PIN and returns the decoded package metadata
// with a first-frame preview.
// POST /decrypt
// Body: {"file": "evidence_cam0_20260704123000_0001.enc", "pin": "..."}
func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.opts.PINHash == "" {
		s.writeError(w, http.StatusForbidden, "decryption is not configured")
		return
	}

	var req decryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.File == "" || req.PIN == "" {
		s.writeError(w, http.StatusBadRequest, "file and pin required")
		return
	}

	if !s.verifyPIN(req.PIN) {
		s.log.Warnf("rejected decrypt attempt for %s: bad PIN", req.File)
		s.writeError(w, http.StatusUnauthorized, "invalid PIN")
		return
	}

	// The filename must resolve inside the evidence root.
	if filepath.Base(req.File) != req.File {
		s.writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	path := filepath.Join(s.opts.EvidenceDir, req.File)
	if _, err := os.Stat(path); err != nil {
		s.writeError(w, http.StatusNotFound, "no such evidence file")
		return
	}

	pkg, hash, err := s.core.Decrypt(path)
	if err != nil {
		switch {
		case errors.Is(err, vault.ErrTamperedCiphertext),
			errors.Is(err, vault.ErrIntegrityMismatch),
			errors.Is(err, vault.ErrMalformedPayload):
			// One terminal result, no partial frames.
			s.writeError(w, http.StatusUnprocessableEntity, "integrity verification failed")
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	resp := map[string]interface{}{
		"request_id":  uuid.New().String(),
		"file":        req.File,
		"sha256":      hash,
		"meta":        pkg.Meta,
		"frame_count": len(pkg.Records),
	}
	if len(pkg.Records) > 0 {
		resp["preview_jpeg"] = base64.StdEncoding.EncodeToString(pkg.Records[0].JPEG)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// verifyPIN compares the PBKDF2 hash of the submitted PIN in constant time.
func (s *Server) verifyPIN(pin string) bool {
	salt, err := hex.DecodeString(s.opts.PINSalt)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(s.opts.PINHash)
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(pin), salt, pinIterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// handleWebsocket pushes status snapshots once per second.
// GET /ws
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			snapshot := map[string]interface{}{
				"type":    "status",
				"cameras": s.core.Status(),
			}
			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
		}
	}
}

// handleHealth returns a basic liveness check.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	online := 0
	statuses := s.core.Status()
	for _, st := range statuses {
		if st.State == "online" {
			online++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"cameras":        len(statuses),
		"cameras_online": online,
	})
}

// writeJSON writes JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}

// HashPIN derives the PBKDF2 hash used in the server config for a PIN and
// salt, both returned hex-encoded by the CLI's pin command.
func HashPIN(pin string, salt []byte) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(pin), salt, pinIterations, 32, sha256.New))
}
