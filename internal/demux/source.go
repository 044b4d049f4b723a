package demux

import "sync"

// Source is a growing byte buffer fed by progressive append, the
// streaming counterpart to passing a plain byte slice for an
// already-fully-downloaded clip. fileStart tracks the absolute file
// offset corresponding to buf[0], advanced by Discard as bytes are
// consumed, so box offsets recovered from moof/trun (which are always
// absolute to the start of the whole file) can be resolved against a
// buffer that doesn't necessarily start at offset 0.
type Source struct {
	mu        sync.Mutex
	buf       []byte
	fileStart int64
	closed    bool
}

// NewSource creates an empty, open Source.
func NewSource() *Source {
	return &Source{}
}

// Append adds data to the end of the buffered window.
func (s *Source) Append(data []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, data...)
	s.mu.Unlock()
}

// Close marks the source as finished: no further Append calls are
// expected. The demuxer uses this to decide whether a short buffer at
// end-of-scan means "wait for more bytes" or "truncated stream".
func (s *Source) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Discard drops buffered bytes before the absolute offset upTo,
// advancing fileStart. Offsets at or after upTo are unaffected. A
// caller should only discard bytes it knows the demuxer has fully
// consumed (sample payloads copy out of the buffer before Discard can
// safely remove them).
func (s *Source) Discard(upTo int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel := upTo - s.fileStart
	if rel <= 0 || rel > int64(len(s.buf)) {
		return
	}
	s.buf = s.buf[rel:]
	s.fileStart = upTo
}

// snapshot returns the buffered window, its absolute start offset, and
// whether the source is closed, as a stable view for one processing
// pass.
func (s *Source) snapshot() ([]byte, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf, s.fileStart, s.closed
}
