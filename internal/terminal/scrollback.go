package terminal

import (
	"sync"
)

// defaultScrollbackSize is the default maximum scrollback buffer size (1 MB).
const defaultScrollbackSize = 1024 * 1024

// ScrollbackBuffer keeps the most recent terminal output for replay when a
// consumer attaches late. Older bytes are trimmed from the front.
type ScrollbackBuffer struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

func NewScrollbackBuffer(maxLen int) *ScrollbackBuffer {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &ScrollbackBuffer{maxLen: maxLen}
}

func (s *ScrollbackBuffer) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = appendBounded(s.data, p, s.maxLen)
}

// Snapshot returns a copy of the current buffer contents.
func (s *ScrollbackBuffer) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

func (s *ScrollbackBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// appendBounded appends p to buf and drops bytes from the front so that at
// most max bytes remain.
func appendBounded(buf, p []byte, max int) []byte {
	buf = append(buf, p...)
	if max > 0 && len(buf) > max {
		trimmed := make([]byte, max)
		copy(trimmed, buf[len(buf)-max:])
		buf = trimmed
	}
	return buf
}
