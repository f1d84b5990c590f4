package session

import (
	"strings"
	"sync"
)

// lineRing keeps the most recent output lines from a PTY. Incoming
// chunks are split on \n; the unterminated tail is kept as a partial
// line and included in Lines().
type lineRing struct {
	mu      sync.Mutex
	lines   []string
	partial string
	max     int
}

func newLineRing(max int) *lineRing {
	return &lineRing{max: max}
}

func (r *lineRing) Append(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	text := r.partial + string(data)
	parts := strings.Split(text, "\n")
	r.partial = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		r.lines = append(r.lines, strings.TrimRight(line, "\r"))
	}
	if over := len(r.lines) - r.max; over > 0 {
		r.lines = r.lines[over:]
	}
}

// Lines returns a copy of the buffered lines, including the current
// partial line when non-empty.
func (r *lineRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.lines)+1)
	out = append(out, r.lines...)
	if r.partial != "" {
		out = append(out, strings.TrimRight(r.partial, "\r"))
	}
	return out
}

func (r *lineRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.lines)
	if r.partial != "" {
		n++
	}
	return n
}
