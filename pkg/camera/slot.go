package camera

import "sync"

// LatestFrameSlot is the newest-wins hand-off between a camera worker and
// the streaming surface. There is no queue: the worker overwrites, readers
// take the most recent value, and a slow consumer can never back-pressure
// the capture loop. The sequence number lets pollers skip frames they have
// already served.
type LatestFrameSlot struct {
	mu   sync.Mutex
	jpeg []byte
	seq  uint64
}

// Set stores a new preview JPEG and bumps the sequence number. The slot
// takes ownership of the slice.
func (s *LatestFrameSlot) Set(jpeg []byte) {
	s.mu.Lock()
	s.jpeg = jpeg
	s.seq++
	s.mu.Unlock()
}

// Get returns the current JPEG, its sequence number and whether the slot
// has ever been populated. The returned slice must not be modified.
func (s *LatestFrameSlot) Get() ([]byte, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jpeg, s.seq, s.jpeg != nil
}
