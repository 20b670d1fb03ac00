package detect

import (
	"context"
	"fmt"

	"github.com/bayusegara27/secure-edge-vision/pkg/vision"
)

// blurPadding expands each detection box by this fraction on every side
// before blurring, so hairlines and chins don't leak at the box edge.
const blurPadding = 0.15

// Processor runs detection on a frame and produces the two pipeline
// outputs: a blurred copy for the public path and the untouched original
// for the evidence path.
type Processor struct {
	detector            Detector
	confidenceThreshold float32
	blurKernel          int
}

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	ConfidenceThreshold float64
	BlurKernel          int // odd, >= 3
}

// NewProcessor creates a Processor around a shared detector.
func NewProcessor(detector Detector, opts ProcessorOptions) (*Processor, error) {
	if detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if opts.BlurKernel < 3 || opts.BlurKernel%2 == 0 {
		return nil, fmt.Errorf("blur kernel must be an odd integer >= 3, got %d", opts.BlurKernel)
	}
	return &Processor{
		detector:            detector,
		confidenceThreshold: float32(opts.ConfidenceThreshold),
		blurKernel:          opts.BlurKernel,
	}, nil
}

// Process detects faces in the frame and returns (blurred, raw, detections).
// raw is the input frame itself and must not be mutated by the caller while
// downstream consumers hold it. When nothing is detected the blurred result
// is the raw frame; otherwise it is an independent copy with every padded
// detection rectangle irreversibly flattened by a Gaussian kernel.
func (p *Processor) Process(ctx context.Context, frame *vision.Frame) (*vision.Frame, *vision.Frame, []vision.Detection, error) {
	found, err := p.detector.Detect(ctx, frame)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("detection failed: %w", err)
	}

	dets := make([]vision.Detection, 0, len(found))
	for _, d := range found {
		if d.Confidence >= p.confidenceThreshold {
			dets = append(dets, d)
		}
	}

	if len(dets) == 0 {
		return frame, frame, nil, nil
	}

	blurred := frame.Clone()
	for _, d := range dets {
		vision.BlurRect(blurred, d.PaddedRect(blurPadding, frame.Width, frame.Height), p.blurKernel)
	}
	return blurred, frame, dets, nil
}

// Close releases the underlying detector.
func (p *Processor) Close() error {
	return p.detector.Close()
}
