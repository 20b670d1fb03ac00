package recorder

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/bayusegara27/secure-edge-vision/pkg/vision"
)

// aviWriter muxes Motion-JPEG frames into a RIFF AVI container. It backs
// the MJPG entry of the codec fallback chain and needs no external codec
// library: every frame is a standalone JPEG.
type aviWriter struct {
	f           *os.File
	width       int
	height      int
	fps         int
	jpegQuality int

	frames     []idxEntry
	moviStart  int64 // file offset of the movi LIST size field
	moviData   int64 // file offset just after the "movi" fourcc
	nextOffset uint32
	closed     bool
}

type idxEntry struct {
	offset uint32 // relative to the start of movi data, per convention 4 for the first chunk
	size   uint32
}

const (
	avifHasIndex    = 0x00000010
	aviifKeyframe   = 0x00000010
	mainHeaderSize  = 56
	streamHeaderSiz = 56
	bmpInfoSize     = 40
)

// newAVIWriter creates the output file and writes a provisional header.
// Sizes and frame counts are patched in Close once they are known.
func newAVIWriter(path string, width, height, fps, jpegQuality int) (*aviWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	w := &aviWriter{f: f, width: width, height: height, fps: fps, jpegQuality: jpegQuality}
	if err := w.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func u16(v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return b[:]
}

// writeHeader lays out RIFF/hdrl/movi with zeroed patch fields.
func (w *aviWriter) writeHeader() error {
	buf := make([]byte, 0, 256)
	buf = append(buf, "RIFF"...)
	buf = append(buf, u32(0)...) // riff size, patched in Close
	buf = append(buf, "AVI "...)

	// hdrl list: avih + one strl
	hdrlSize := 4 + (8 + mainHeaderSize) + (8 + 4 + (8 + streamHeaderSiz) + (8 + bmpInfoSize))
	buf = append(buf, "LIST"...)
	buf = append(buf, u32(uint32(hdrlSize))...)
	buf = append(buf, "hdrl"...)

	usPerFrame := uint32(1000000 / w.fps)
	buf = append(buf, "avih"...)
	buf = append(buf, u32(mainHeaderSize)...)
	buf = append(buf, u32(usPerFrame)...)                       // dwMicroSecPerFrame
	buf = append(buf, u32(uint32(w.width*w.height*3*w.fps))...) // dwMaxBytesPerSec
	buf = append(buf, u32(0)...)                                // dwPaddingGranularity
	buf = append(buf, u32(avifHasIndex)...)                     // dwFlags
	buf = append(buf, u32(0)...)                                // dwTotalFrames, patched
	buf = append(buf, u32(0)...)                                // dwInitialFrames
	buf = append(buf, u32(1)...)                                // dwStreams
	buf = append(buf, u32(uint32(w.width*w.height*3))...)       // dwSuggestedBufferSize
	buf = append(buf, u32(uint32(w.width))...)
	buf = append(buf, u32(uint32(w.height))...)
	buf = append(buf, make([]byte, 16)...) // dwReserved

	strlSize := 4 + (8 + streamHeaderSiz) + (8 + bmpInfoSize)
	buf = append(buf, "LIST"...)
	buf = append(buf, u32(uint32(strlSize))...)
	buf = append(buf, "strl"...)

	buf = append(buf, "strh"...)
	buf = append(buf, u32(streamHeaderSiz)...)
	buf = append(buf, "vids"...)
	buf = append(buf, "MJPG"...)
	buf = append(buf, u32(0)...) // dwFlags
	buf = append(buf, u16(0)...) // wPriority
	buf = append(buf, u16(0)...) // wLanguage
	buf = append(buf, u32(0)...) // dwInitialFrames
	buf = append(buf, u32(1)...) // dwScale
	buf = append(buf, u32(uint32(w.fps))...)
	buf = append(buf, u32(0)...)                          // dwStart
	buf = append(buf, u32(0)...)                          // dwLength, patched
	buf = append(buf, u32(uint32(w.width*w.height*3))...) // dwSuggestedBufferSize
	buf = append(buf, u32(0xffffffff)...)                 // dwQuality
	buf = append(buf, u32(0)...)                          // dwSampleSize
	buf = append(buf, u16(0)...)                          // rcFrame
	buf = append(buf, u16(0)...)
	buf = append(buf, u16(uint16(w.width))...)
	buf = append(buf, u16(uint16(w.height))...)

	buf = append(buf, "strf"...)
	buf = append(buf, u32(bmpInfoSize)...)
	buf = append(buf, u32(bmpInfoSize)...) // biSize
	buf = append(buf, u32(uint32(w.width))...)
	buf = append(buf, u32(uint32(w.height))...)
	buf = append(buf, u16(1)...)  // biPlanes
	buf = append(buf, u16(24)...) // biBitCount
	buf = append(buf, "MJPG"...)  // biCompression
	buf = append(buf, u32(uint32(w.width*w.height*3))...)
	buf = append(buf, make([]byte, 16)...) // resolution + color fields

	if _, err := w.f.Write(buf); err != nil {
		return err
	}

	// movi list opens here; its size is patched in Close.
	pos, err := w.f.Seek(0, 1)
	if err != nil {
		return err
	}
	w.moviStart = pos + 4
	if _, err := w.f.Write([]byte("LIST")); err != nil {
		return err
	}
	if _, err := w.f.Write(u32(0)); err != nil {
		return err
	}
	if _, err := w.f.Write([]byte("movi")); err != nil {
		return err
	}
	w.moviData, _ = w.f.Seek(0, 1)
	w.nextOffset = 4
	return nil
}

// Write encodes the frame as JPEG and appends a 00dc chunk.
func (w *aviWriter) Write(frame *vision.Frame) error {
	if w.closed {
		return fmt.Errorf("avi writer is closed")
	}
	if frame.Width != w.width || frame.Height != w.height {
		return fmt.Errorf("frame size %dx%d does not match stream %dx%d",
			frame.Width, frame.Height, w.width, w.height)
	}

	jpg, err := frame.EncodeJPEG(w.jpegQuality)
	if err != nil {
		return err
	}

	chunk := make([]byte, 0, 8+len(jpg)+1)
	chunk = append(chunk, "00dc"...)
	chunk = append(chunk, u32(uint32(len(jpg)))...)
	chunk = append(chunk, jpg...)
	if len(jpg)%2 == 1 {
		chunk = append(chunk, 0) // chunks are word-aligned
	}

	if _, err := w.f.Write(chunk); err != nil {
		return fmt.Errorf("failed to write frame chunk: %w", err)
	}

	w.frames = append(w.frames, idxEntry{offset: w.nextOffset, size: uint32(len(jpg))})
	w.nextOffset += uint32(len(chunk))
	return nil
}

// Close writes the idx1 index and patches the deferred size fields.
func (w *aviWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	// idx1 chunk
	idx := make([]byte, 0, 8+16*len(w.frames))
	idx = append(idx, "idx1"...)
	idx = append(idx, u32(uint32(16*len(w.frames)))...)
	for _, e := range w.frames {
		idx = append(idx, "00dc"...)
		idx = append(idx, u32(aviifKeyframe)...)
		idx = append(idx, u32(e.offset)...)
		idx = append(idx, u32(e.size)...)
	}
	if _, err := w.f.Write(idx); err != nil {
		w.f.Close()
		return err
	}

	end, err := w.f.Seek(0, 1)
	if err != nil {
		w.f.Close()
		return err
	}

	patch := func(off int64, v uint32) error {
		if _, err := w.f.Seek(off, 0); err != nil {
			return err
		}
		_, err := w.f.Write(u32(v))
		return err
	}

	nFrames := uint32(len(w.frames))
	moviSize := w.nextOffset // "movi" fourcc (4) + chunk bytes (nextOffset-4)

	if err := patch(4, uint32(end-8)); err != nil { // RIFF size
		w.f.Close()
		return err
	}
	if err := patch(48, nFrames); err != nil { // avih dwTotalFrames
		w.f.Close()
		return err
	}
	if err := patch(140, nFrames); err != nil { // strh dwLength
		w.f.Close()
		return err
	}
	if err := patch(w.moviStart, moviSize); err != nil {
		w.f.Close()
		return err
	}

	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
