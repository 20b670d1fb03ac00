package engine

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// janitorInterval is how often the storage janitor re-checks disk usage.
const janitorInterval = time.Minute

// runJanitor enforces the storage budget across the public and evidence
// roots: when combined usage exceeds max_storage_gb, the oldest files go
// first regardless of which root they live in. Cleanup is deliberately
// decoupled from any request path.
func (e *Engine) runJanitor() {
	defer close(e.janitorDone)

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.janitorStop:
			return
		case <-ticker.C:
			e.cleanupOnce()
		}
	}
}

type janitorFile struct {
	path    string
	size    int64
	modTime time.Time
}

// cleanupOnce performs one scan-and-trim pass.
func (e *Engine) cleanupOnce() {
	limit := int64(e.cfg.Recording.MaxStorageGB) * 1024 * 1024 * 1024

	var files []janitorFile
	var total int64
	for _, dir := range []string{e.cfg.Recording.PublicPath, e.cfg.Recording.EvidencePath} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			files = append(files, janitorFile{
				path:    filepath.Join(dir, entry.Name()),
				size:    info.Size(),
				modTime: info.ModTime(),
			})
			total += info.Size()
		}
	}

	if total <= limit {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	for _, f := range files {
		if total <= limit {
			break
		}
		if err := os.Remove(f.path); err != nil {
			e.log.Warnf("janitor failed to remove %s: %v", f.path, err)
			continue
		}
		total -= f.size
		e.log.Infof("janitor removed %s (%d bytes)", f.path, f.size)
	}
}
