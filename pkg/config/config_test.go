package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, "cameras:\n  sources: [\"0\"]\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Detector.ConfidenceThreshold != 0.35 {
		t.Errorf("confidence threshold default: got %f, want 0.35", cfg.Detector.ConfidenceThreshold)
	}
	if cfg.Detector.IoUThreshold != 0.45 {
		t.Errorf("iou threshold default: got %f, want 0.45", cfg.Detector.IoUThreshold)
	}
	if cfg.Processing.BlurKernel != 51 {
		t.Errorf("blur kernel default: got %d, want 51", cfg.Processing.BlurKernel)
	}
	if cfg.Processing.Width != 1280 || cfg.Processing.Height != 720 {
		t.Errorf("resolution default: got %dx%d, want 1280x720", cfg.Processing.Width, cfg.Processing.Height)
	}
	if cfg.Recording.SegmentSeconds != 300 {
		t.Errorf("segment seconds default: got %d, want 300", cfg.Recording.SegmentSeconds)
	}
	if cfg.PreRollSize() != 30 {
		t.Errorf("pre-roll default: got %d, want 30", cfg.PreRollSize())
	}
	if cfg.Recording.FlushQueueCapacity != 10 {
		t.Errorf("flush queue default: got %d, want 10", cfg.Recording.FlushQueueCapacity)
	}
	if !cfg.EvidenceDetectionOnly() {
		t.Error("evidence detection-only should default to true")
	}
	if cfg.Recording.MaxStorageGB != 50 {
		t.Errorf("max storage default: got %d, want 50", cfg.Recording.MaxStorageGB)
	}
}

func TestLoadConfigExplicitZeroPreRoll(t *testing.T) {
	path := writeTempConfig(t, "recording:\n  pre_roll_size: 0\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.PreRollSize() != 0 {
		t.Errorf("explicit zero pre-roll: got %d, want 0", cfg.PreRollSize())
	}
}

func TestLoadConfigDetectionOnlyOff(t *testing.T) {
	path := writeTempConfig(t, "recording:\n  evidence_detection_only: false\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.EvidenceDetectionOnly() {
		t.Error("evidence detection-only should be false when set")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{"even blur kernel", "processing:\n  blur_kernel: 50\n"},
		{"tiny blur kernel", "processing:\n  blur_kernel: 1\n"},
		{"bad device", "detector:\n  device: tpu\n"},
		{"bad confidence", "detector:\n  confidence_threshold: 1.5\n"},
		{"bad source", "cameras:\n  sources: [\"not a url\"]\n"},
		{"negative segment", "recording:\n  segment_seconds: -5\n"},
		{"jpeg quality", "recording:\n  evidence_jpeg_quality: 101\n"},
		{"db without host", "database:\n  enabled: true\n  user: ev\n  dbname: ev\n"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n"},
		{"bad log level", "logging:\n  level: verbose\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.content)
			if _, err := LoadConfig(path); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestValidSource(t *testing.T) {
	testCases := []struct {
		src  string
		want bool
	}{
		{"0", true},
		{"12", true},
		{"rtsp://10.0.0.4:554/stream", true},
		{"http://cam.local/mjpeg", true},
		{"", false},
		{"not a url", false},
	}

	for _, tc := range testCases {
		if got := ValidSource(tc.src); got != tc.want {
			t.Errorf("ValidSource(%q) = %v, want %v", tc.src, got, tc.want)
		}
	}
}

func TestWriteAndReloadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := GenerateDefaultConfig()

	if err := WriteConfigFile(cfg, path); err != nil {
		t.Fatalf("WriteConfigFile failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.Processing.BlurKernel != cfg.Processing.BlurKernel {
		t.Errorf("blur kernel mismatch after reload: got %d, want %d",
			loaded.Processing.BlurKernel, cfg.Processing.BlurKernel)
	}
	if loaded.Server.Listen != cfg.Server.Listen {
		t.Errorf("listen mismatch after reload: got %s, want %s", loaded.Server.Listen, cfg.Server.Listen)
	}
}
