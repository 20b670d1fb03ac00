package vision

import (
	"testing"
	"time"
)

func TestEncodeDecodeJPEGRoundtrip(t *testing.T) {
	f := noiseFrame(64, 48, 10)
	f.CapturedAt = time.Now()

	data, err := f.EncodeJPEG(90)
	if err != nil {
		t.Fatalf("EncodeJPEG failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty JPEG output")
	}

	decoded, err := DecodeJPEG(data)
	if err != nil {
		t.Fatalf("DecodeJPEG failed: %v", err)
	}
	if decoded.Width != 64 || decoded.Height != 48 {
		t.Errorf("decoded dimensions: got %dx%d, want 64x48", decoded.Width, decoded.Height)
	}
}

func TestEncodeJPEGEmptyFrame(t *testing.T) {
	f := &Frame{}
	if _, err := f.EncodeJPEG(80); err == nil {
		t.Error("expected error for empty frame")
	}
}

func TestCenterFitSameSizeIsNoop(t *testing.T) {
	f := noiseFrame(1280, 720, 11)
	out := f.CenterFit(1280, 720)
	if out != f {
		t.Error("same-size CenterFit should return the input frame")
	}
}

func TestCenterFitDownscale(t *testing.T) {
	f := noiseFrame(1920, 1080, 12)
	out := f.CenterFit(1280, 720)
	if out.Width != 1280 || out.Height != 720 {
		t.Fatalf("got %dx%d, want 1280x720", out.Width, out.Height)
	}
}

func TestCenterFitCropsLongerAxis(t *testing.T) {
	// 4:3 source into a 16:9 target: vertical crop, uniform color survives.
	f := NewFrame(640, 480)
	for i := range f.Pix {
		f.Pix[i] = 128
	}
	out := f.CenterFit(1280, 720)
	if out.Width != 1280 || out.Height != 720 {
		t.Fatalf("got %dx%d, want 1280x720", out.Width, out.Height)
	}
	for i, v := range out.Pix {
		if v < 127 || v > 129 {
			t.Fatalf("unexpected pixel value %d at %d after resample", v, i)
		}
	}
}

func TestCenterFitPreservesTimestamp(t *testing.T) {
	f := noiseFrame(320, 240, 13)
	f.CapturedAt = time.Unix(1700000000, 0)
	out := f.CenterFit(160, 90)
	if !out.CapturedAt.Equal(f.CapturedAt) {
		t.Error("CenterFit dropped the capture timestamp")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	f := noiseFrame(10, 10, 14)
	c := f.Clone()
	c.Pix[0] ^= 0xff
	if f.Pix[0] == c.Pix[0] {
		t.Error("clone shares pixel storage with original")
	}
}

func TestDetectionPaddedRect(t *testing.T) {
	d := Detection{X1: 100, Y1: 100, X2: 200, Y2: 200, Confidence: 0.9}
	r := d.PaddedRect(0.15, 1280, 720)
	if r.Min.X != 85 || r.Min.Y != 85 || r.Max.X != 215 || r.Max.Y != 215 {
		t.Errorf("padded rect: got %v", r)
	}

	// Near the edge: clipped to frame bounds.
	edge := Detection{X1: 0, Y1: 0, X2: 100, Y2: 100, Confidence: 0.9}
	r = edge.PaddedRect(0.15, 1280, 720)
	if r.Min.X != 0 || r.Min.Y != 0 {
		t.Errorf("edge rect not clipped: got %v", r)
	}
}

func TestDetectionValid(t *testing.T) {
	testCases := []struct {
		name string
		d    Detection
		want bool
	}{
		{"ok", Detection{X1: 0, Y1: 0, X2: 10, Y2: 10, Confidence: 0.5}, true},
		{"inverted x", Detection{X1: 10, Y1: 0, X2: 5, Y2: 10, Confidence: 0.5}, false},
		{"past width", Detection{X1: 0, Y1: 0, X2: 2000, Y2: 10, Confidence: 0.5}, false},
		{"negative", Detection{X1: -1, Y1: 0, X2: 10, Y2: 10, Confidence: 0.5}, false},
		{"confidence", Detection{X1: 0, Y1: 0, X2: 10, Y2: 10, Confidence: 1.5}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.d.Valid(1280, 720); got != tc.want {
				t.Errorf("Valid = %v, want %v", got, tc.want)
			}
		})
	}
}
