package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bayusegara27/secure-edge-vision/pkg/vision"
)

// HTTPDetector delegates inference to a sidecar service. The sidecar
// receives a JPEG and returns NMS-suppressed boxes as JSON:
//
//	POST {url}/detect?device=cuda&iou=0.45
//	body: image/jpeg
//	response: {"detections":[{"x1":..,"y1":..,"x2":..,"y2":..,"confidence":..}]}
//
// The sidecar owns the model and the GPU; this client is safe for
// concurrent use because each call carries its own request.
type HTTPDetector struct {
	url    string
	device string
	iou    float64
	client *http.Client
}

// HTTPDetectorOptions configures an HTTPDetector.
type HTTPDetectorOptions struct {
	URL          string
	Device       string        // "cpu" or "cuda", forwarded as a hint
	IoUThreshold float64       // forwarded NMS threshold
	Timeout      time.Duration // per-request; default 5s
}

type wireDetection struct {
	X1         int     `json:"x1"`
	Y1         int     `json:"y1"`
	X2         int     `json:"x2"`
	Y2         int     `json:"y2"`
	Confidence float32 `json:"confidence"`
}

type detectResponse struct {
	Detections []wireDetection `json:"detections"`
}

// NewHTTPDetector creates a detector client for the given sidecar.
func NewHTTPDetector(opts HTTPDetectorOptions) (*HTTPDetector, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("detector url is required")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDetector{
		url:    opts.URL,
		device: opts.Device,
		iou:    opts.IoUThreshold,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Detect sends the frame to the sidecar and converts the response boxes,
// clipping each to the frame bounds and dropping malformed entries.
func (d *HTTPDetector) Detect(ctx context.Context, frame *vision.Frame) ([]vision.Detection, error) {
	jpg, err := frame.EncodeJPEG(85)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame for detection: %w", err)
	}

	url := fmt.Sprintf("%s/detect?device=%s&iou=%.2f", d.url, d.device, d.iou)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jpg))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector returned status %d", resp.StatusCode)
	}

	var parsed detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode detector response: %w", err)
	}

	dets := make([]vision.Detection, 0, len(parsed.Detections))
	for _, wd := range parsed.Detections {
		det := vision.Detection{
			X1:         clip(wd.X1, 0, frame.Width),
			Y1:         clip(wd.Y1, 0, frame.Height),
			X2:         clip(wd.X2, 0, frame.Width),
			Y2:         clip(wd.Y2, 0, frame.Height),
			Confidence: wd.Confidence,
			ClassID:    vision.ClassFace,
			TS:         frame.CapturedAt,
		}
		if !det.Valid(frame.Width, frame.Height) {
			continue
		}
		dets = append(dets, det)
	}
	return dets, nil
}

// Close is a no-op; the sidecar owns its own lifecycle.
func (d *HTTPDetector) Close() error { return nil }

func clip(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
