package engine

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Recording describes one on-disk segment for the listings surface.
type Recording struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
	CameraTag string    `json:"camera_tag"`
	Timestamp time.Time `json:"timestamp"` // parsed from the filename; zero if unparseable
}

// segment filename timestamp forms. The compact form is what this system
// writes; the underscore form exists in archives produced by earlier
// deployments and is still accepted on read.
var nameTimeFormats = []string{"20060102150405", "20060102_150405"}

// parseSegmentName extracts the camera tag and timestamp from a segment
// filename like public_cam0_20260704123000.mp4 or
// evidence_rtsp_20260704123000_0001.enc.
func parseSegmentName(name string) (tag string, ts time.Time) {
	base := name
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return "", time.Time{}
	}
	tag = parts[1]

	// The timestamp may be one field (compact) or two (underscore form);
	// evidence names carry a trailing sequence field.
	for i := 2; i < len(parts); i++ {
		for _, layout := range nameTimeFormats {
			candidate := strings.Join(parts[2:i+1], "_")
			if t, err := time.ParseInLocation(layout, candidate, time.Local); err == nil {
				ts = t
			}
		}
	}
	return tag, ts
}

// listDir returns recordings matching the given filename prefix and
// suffixes, newest first.
func listDir(dir, prefix string, suffixes ...string) ([]Recording, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Recording, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		matched := false
		for _, suffix := range suffixes {
			if strings.HasSuffix(entry.Name(), suffix) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		tag, ts := parseSegmentName(entry.Name())
		out = append(out, Recording{
			Name:      entry.Name(),
			Path:      filepath.Join(dir, entry.Name()),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
			CameraTag: tag,
			Timestamp: ts,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// ListPublic returns the public segments on disk, newest first.
func (e *Engine) ListPublic() ([]Recording, error) {
	return listDir(e.cfg.Recording.PublicPath, "public_", ".mp4", ".avi")
}

// ListEvidence returns the encrypted evidence containers, newest first.
func (e *Engine) ListEvidence() ([]Recording, error) {
	return listDir(e.cfg.Recording.EvidencePath, "evidence_", ".enc")
}
