// Package evidence buffers raw frames under selective-recording rules and
// packages them into encrypted containers through the vault.
package evidence

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/bayusegara27/secure-edge-vision/pkg/vision"
)

// FrameRecord is one retained frame: the pre-blur JPEG, its detections and
// its capture time. The blurred variant never enters a FrameRecord.
type FrameRecord struct {
	TS         float64 // seconds since epoch
	JPEG       []byte
	Detections []vision.Detection
}

// SegmentMeta describes a flushed evidence segment.
type SegmentMeta struct {
	FrameCount      int     `json:"frame_count"`
	StartTS         float64 `json:"start_ts"`
	EndTS           float64 `json:"end_ts"`
	TotalDetections int     `json:"total_detections"`
	CameraID        string  `json:"camera_id"`
}

// Package is an ordered sequence of frame records plus segment metadata.
type Package struct {
	Records []FrameRecord
	Meta    SegmentMeta
}

// Payload wire format, all integers little-endian, strings UTF-8:
//
//	u32  frame_count
//	repeat frame_count times:
//	    f64  ts_seconds_since_epoch
//	    u32  jpeg_len
//	    bytes[jpeg_len]  jpeg
//	    u16  det_count
//	    repeat det_count times:
//	        i32 x1, i32 y1, i32 x2, i32 y2
//	        f32 confidence
//	        u8  class_id
//	u32  meta_json_len
//	bytes[meta_json_len]  segment metadata JSON
const detectionWireSize = 4*4 + 4 + 1

// EncodePayload serializes a package into the deterministic length-prefixed
// payload that the vault encrypts and hashes.
func EncodePayload(pkg *Package) ([]byte, error) {
	metaJSON, err := json.Marshal(pkg.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal segment metadata: %w", err)
	}

	size := 4
	for _, rec := range pkg.Records {
		size += 8 + 4 + len(rec.JPEG) + 2 + len(rec.Detections)*detectionWireSize
	}
	size += 4 + len(metaJSON)

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(pkg.Records)))

	for i, rec := range pkg.Records {
		if len(rec.Detections) > math.MaxUint16 {
			return nil, fmt.Errorf("record %d has too many detections: %d", i, len(rec.Detections))
		}
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(rec.TS))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.JPEG)))
		buf = append(buf, rec.JPEG...)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.Detections)))
		for _, d := range rec.Detections {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(d.X1)))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(d.Y1)))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(d.X2)))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(d.Y2)))
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(d.Confidence))
			buf = append(buf, d.ClassID)
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(metaJSON)))
	buf = append(buf, metaJSON...)
	return buf, nil
}

// payloadReader walks the wire format with bounds checking.
type payloadReader struct {
	data []byte
	off  int
}

func (r *payloadReader) need(n int) error {
	if r.off+n > len(r.data) {
		return fmt.Errorf("truncated payload at offset %d: need %d bytes, have %d", r.off, n, len(r.data)-r.off)
	}
	return nil
}

func (r *payloadReader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *payloadReader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *payloadReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *payloadReader) f64() (float64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.data[r.off:]))
	r.off += 8
	return v, nil
}

func (r *payloadReader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, r.data[r.off:r.off+n])
	r.off += n
	return v, nil
}

// DecodePayload parses a payload produced by EncodePayload.
func DecodePayload(data []byte) (*Package, error) {
	r := &payloadReader{data: data}

	frameCount, err := r.u32()
	if err != nil {
		return nil, err
	}

	// Cap the preallocation: the count is attacker-influenced until the
	// bounds checks below have walked the data.
	capHint := frameCount
	if capHint > 4096 {
		capHint = 4096
	}
	pkg := &Package{Records: make([]FrameRecord, 0, capHint)}
	for i := uint32(0); i < frameCount; i++ {
		var rec FrameRecord
		if rec.TS, err = r.f64(); err != nil {
			return nil, err
		}
		jpegLen, err := r.u32()
		if err != nil {
			return nil, err
		}
		if rec.JPEG, err = r.bytes(int(jpegLen)); err != nil {
			return nil, err
		}
		detCount, err := r.u16()
		if err != nil {
			return nil, err
		}
		if detCount > 0 {
			rec.Detections = make([]vision.Detection, detCount)
		}
		for j := 0; j < int(detCount); j++ {
			var d vision.Detection
			var v uint32
			if v, err = r.u32(); err != nil {
				return nil, err
			}
			d.X1 = int(int32(v))
			if v, err = r.u32(); err != nil {
				return nil, err
			}
			d.Y1 = int(int32(v))
			if v, err = r.u32(); err != nil {
				return nil, err
			}
			d.X2 = int(int32(v))
			if v, err = r.u32(); err != nil {
				return nil, err
			}
			d.Y2 = int(int32(v))
			if v, err = r.u32(); err != nil {
				return nil, err
			}
			d.Confidence = math.Float32frombits(v)
			if d.ClassID, err = r.u8(); err != nil {
				return nil, err
			}
			rec.Detections[j] = d
		}
		pkg.Records = append(pkg.Records, rec)
	}

	metaLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	metaJSON, err := r.bytes(int(metaLen))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metaJSON, &pkg.Meta); err != nil {
		return nil, fmt.Errorf("failed to parse segment metadata: %w", err)
	}

	if r.off != len(data) {
		return nil, fmt.Errorf("trailing garbage: %d bytes after payload", len(data)-r.off)
	}
	return pkg, nil
}
