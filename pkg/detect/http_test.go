package detect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPDetectorParsesAndClips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("content type: got %s", ct)
		}
		if dev := r.URL.Query().Get("device"); dev != "cpu" {
			t.Errorf("device hint: got %s", dev)
		}
		json.NewEncoder(w).Encode(detectResponse{Detections: []wireDetection{
			{X1: 10, Y1: 10, X2: 50, Y2: 50, Confidence: 0.9},
			{X1: -20, Y1: 5, X2: 500, Y2: 60, Confidence: 0.7}, // clipped to bounds
			{X1: 30, Y1: 30, X2: 30, Y2: 60, Confidence: 0.8},  // degenerate, dropped
		}})
	}))
	defer srv.Close()

	d, err := NewHTTPDetector(HTTPDetectorOptions{URL: srv.URL, Device: "cpu", IoUThreshold: 0.45})
	if err != nil {
		t.Fatalf("NewHTTPDetector failed: %v", err)
	}

	dets, err := d.Detect(context.Background(), testFrame(100, 80))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(dets))
	}
	if dets[1].X1 != 0 || dets[1].X2 != 100 {
		t.Errorf("clipping failed: %+v", dets[1])
	}
}

func TestHTTPDetectorErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, _ := NewHTTPDetector(HTTPDetectorOptions{URL: srv.URL, Device: "cpu"})
	if _, err := d.Detect(context.Background(), testFrame(32, 32)); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestNewHTTPDetectorRequiresURL(t *testing.T) {
	if _, err := NewHTTPDetector(HTTPDetectorOptions{}); err == nil {
		t.Error("expected error for missing url")
	}
}
