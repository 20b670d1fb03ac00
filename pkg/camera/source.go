// Package camera runs one capture-process-fanout loop per configured
// source and owns the per-camera live state.
package camera

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bayusegara27/secure-edge-vision/pkg/vision"
)

// ErrSourceUnsupported indicates no built-in driver can open a source.
var ErrSourceUnsupported = errors.New("unsupported camera source")

// FrameSource produces decoded frames. Read blocks for at most the
// configured timeout; a timeout surfaces as an error so the worker's
// failure counter and shutdown checks keep running.
type FrameSource interface {
	Read() (*vision.Frame, error)
	Close() error
}

// SourceFactory opens a FrameSource for a configured source string.
// Opening is the "connect" step of the worker state machine; a factory
// error sends the worker into reconnect backoff.
type SourceFactory func(source string, readTimeout time.Duration) (FrameSource, error)

// DefaultSourceFactory opens HTTP motion-JPEG streams natively. Device
// indices and RTSP need a driver-backed factory plugged in by the
// embedding application.
func DefaultSourceFactory(source string, readTimeout time.Duration) (FrameSource, error) {
	if _, err := strconv.Atoi(source); err == nil {
		return nil, fmt.Errorf("%w: device index %s requires a capture driver", ErrSourceUnsupported, source)
	}
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceUnsupported, source)
	}
	switch u.Scheme {
	case "http", "https":
		return openMJPEGSource(source, readTimeout)
	default:
		return nil, fmt.Errorf("%w: scheme %s requires an external driver", ErrSourceUnsupported, u.Scheme)
	}
}

// SourceTag returns the filename tag for a source: "cam{N}" for device
// indices, the URL scheme otherwise.
func SourceTag(source string) string {
	if _, err := strconv.Atoi(source); err == nil {
		return "cam" + source
	}
	if u, err := url.Parse(source); err == nil && u.Scheme != "" {
		return u.Scheme
	}
	return "cam"
}

// mjpegSource reads a concatenated or multipart motion-JPEG stream over
// HTTP, the native format of most IP webcams. Frames are delimited by the
// JPEG SOI/EOI markers, so multipart boundaries pass through harmlessly.
type mjpegSource struct {
	resp    *http.Response
	br      *bufio.Reader
	timeout time.Duration
}

func openMJPEGSource(rawURL string, readTimeout time.Duration) (*mjpegSource, error) {
	if readTimeout == 0 {
		readTimeout = 2 * time.Second
	}
	client := &http.Client{Timeout: 0} // the stream never ends; reads are bounded per frame
	resp, err := client.Get(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}
	return &mjpegSource{
		resp:    resp,
		br:      bufio.NewReaderSize(resp.Body, 256*1024),
		timeout: readTimeout,
	}, nil
}

// Read scans for the next complete JPEG and decodes it. The read deadline
// is enforced by closing the body from a watchdog timer; the resulting
// error tells the worker to count a failure and eventually reconnect.
func (s *mjpegSource) Read() (*vision.Frame, error) {
	watchdog := time.AfterFunc(s.timeout, func() { s.resp.Body.Close() })
	defer watchdog.Stop()

	jpg, err := s.nextJPEG()
	if err != nil {
		return nil, err
	}

	frame, err := vision.DecodeJPEG(jpg)
	if err != nil {
		return nil, err
	}
	frame.CapturedAt = time.Now()
	return frame, nil
}

// nextJPEG extracts one FF D8 ... FF D9 delimited frame from the stream.
func (s *mjpegSource) nextJPEG() ([]byte, error) {
	// Seek the start-of-image marker.
	for {
		b, err := s.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0xFF {
			continue
		}
		next, err := s.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if next == 0xD8 {
			break
		}
	}

	frame := []byte{0xFF, 0xD8}
	for {
		b, err := s.br.ReadByte()
		if err != nil {
			return nil, err
		}
		frame = append(frame, b)
		if len(frame) >= 4 && frame[len(frame)-2] == 0xFF && frame[len(frame)-1] == 0xD9 {
			return frame, nil
		}
		if len(frame) > 32*1024*1024 {
			return nil, errors.New("jpeg frame exceeds sanity limit")
		}
	}
}

// Close terminates the stream.
func (s *mjpegSource) Close() error {
	return s.resp.Body.Close()
}
