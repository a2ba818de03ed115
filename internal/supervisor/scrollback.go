package supervisor

import (
	"sync"
	"unicode/utf8"
)

// scrollback keeps the most recent output of a pane for attach replay.
type scrollback struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newScrollback(max int) *scrollback {
	return &scrollback{max: max}
}

func (s *scrollback) Write(p []byte) {
	if s.max <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, p...)
	// Trim lazily so steady output does not copy on every chunk.
	if len(s.buf) > 2*s.max {
		s.buf = append(s.buf[:0], s.buf[len(s.buf)-s.max:]...)
	}
}

// String returns at most max bytes of recent output, starting on a rune
// boundary.
func (s *scrollback) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.buf
	if len(b) > s.max {
		b = b[len(b)-s.max:]
	}
	for len(b) > 0 && !utf8.RuneStart(b[0]) {
		b = b[1:]
	}
	return string(b)
}

// splitUTF8 returns the length of the prefix of b that does not end inside
// a multi-byte rune. The remainder must be carried into the next read.
func splitUTF8(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
