package runner

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// tailWriter keeps the last limit bytes written to it. Media tools print a
// banner first and the actual error last, so the tail is the useful part.
type tailWriter struct {
	limit int

	mu        sync.Mutex
	buf       []byte
	truncated bool
}

func newTailWriter(limit int) *tailWriter {
	return &tailWriter{limit: limit}
}

// Write implements io.Writer. It never fails.
func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(p)
	if n >= w.limit {
		w.buf = append(w.buf[:0], p[n-w.limit:]...)
		w.truncated = true
		return n, nil
	}
	if over := len(w.buf) + n - w.limit; over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
		w.truncated = true
	}
	w.buf = append(w.buf, p...)
	return n, nil
}

// String returns the captured text and whether anything was dropped. A
// leading partial UTF-8 sequence left by truncation is trimmed.
func (w *tailWriter) String() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b := w.buf
	if w.truncated {
		for len(b) > 0 && !utf8.RuneStart(b[0]) {
			b = b[1:]
		}
	}
	return strings.ToValidUTF8(string(b), "�"), w.truncated
}

// Tail returns at most n trailing bytes of s, cut at a line boundary when one
// is available, and whether anything was cut.
func Tail(s string, n int) (string, bool) {
	if n <= 0 || len(s) <= n {
		return s, false
	}
	cut := s[len(s)-n:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		cut = cut[i+1:]
	}
	for len(cut) > 0 && !utf8.RuneStart(cut[0]) {
		cut = cut[1:]
	}
	return cut, true
}
