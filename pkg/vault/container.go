package vault

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Container layout on disk:
//
//	[nonce       : 12 bytes]
//	[timestamp   : 8 bytes little-endian IEEE-754 double, seconds since epoch]
//	[meta_len    : 4 bytes little-endian unsigned]
//	[meta_json   : meta_len bytes, UTF-8]
//	[ciphertext  : rest of file; ends with the 16-byte AEAD tag]
const headerFixedSize = NonceSize + 8 + 4

// Container is a parsed container header plus its ciphertext.
type Container struct {
	Nonce      [NonceSize]byte
	Timestamp  float64 // seconds since epoch at encryption time
	Meta       []byte  // raw UTF-8 JSON
	Ciphertext []byte  // includes the trailing AEAD tag
}

// Time returns the encryption timestamp as a time.Time.
func (c *Container) Time() time.Time {
	sec, frac := math.Modf(c.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// encodeContainer assembles the on-disk container bytes.
func encodeContainer(nonce []byte, meta interface{}, ciphertext []byte) ([]byte, error) {
	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerFixedSize+len(metaJSON)+len(ciphertext))
	out = append(out, nonce...)

	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], math.Float64bits(float64(time.Now().UnixNano())/1e9))
	out = append(out, ts[:]...)

	var metaLen [4]byte
	binary.LittleEndian.PutUint32(metaLen[:], uint32(len(metaJSON)))
	out = append(out, metaLen[:]...)
	out = append(out, metaJSON...)
	out = append(out, ciphertext...)
	return out, nil
}

// encodeMeta serializes metadata to JSON; nil becomes an empty object.
func encodeMeta(meta interface{}) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	if raw, ok := meta.([]byte); ok {
		return raw, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal container metadata: %w", err)
	}
	return data, nil
}

// ParseContainer splits container bytes into header fields and ciphertext.
// The ciphertext slice aliases the input; callers must not modify it while
// the Container is in use.
func ParseContainer(data []byte) (*Container, error) {
	if len(data) < headerFixedSize {
		return nil, fmt.Errorf("%w: container too short (%d bytes)", ErrMalformedPayload, len(data))
	}

	var c Container
	copy(c.Nonce[:], data[:NonceSize])
	c.Timestamp = math.Float64frombits(binary.LittleEndian.Uint64(data[NonceSize : NonceSize+8]))

	metaLen := binary.LittleEndian.Uint32(data[NonceSize+8 : headerFixedSize])
	if int(metaLen) > len(data)-headerFixedSize {
		return nil, fmt.Errorf("%w: metadata length %d exceeds container", ErrMalformedPayload, metaLen)
	}
	c.Meta = data[headerFixedSize : headerFixedSize+int(metaLen)]

	c.Ciphertext = data[headerFixedSize+int(metaLen):]
	if len(c.Ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than AEAD tag", ErrMalformedPayload)
	}
	return &c, nil
}
