// Package term implements a minimal screen emulator used to derive the
// stable final frame of a headless CLI run. It is not a display
// terminal: SGR is accepted and ignored, and only the CSI subset that
// stream-json CLIs actually emit is interpreted.
package term

import (
	"strconv"
	"strings"
	"sync"
)

const maxLines = 1000

type parseState int

const (
	stateNormal parseState = iota
	stateEsc
	stateCSI
)

// Emulator processes a byte stream and tracks the final screen content
// as a dynamic list of lines plus a cursor. Safe for concurrent use.
type Emulator struct {
	mu     sync.Mutex
	lines  [][]rune
	row    int
	col    int
	state  parseState
	params []byte // CSI parameter bytes accumulated across writes
	pend   []byte // trailing partial UTF-8 sequence
}

func NewEmulator() *Emulator {
	return &Emulator{lines: [][]rune{nil}}
}

// Process feeds bytes to the emulator. Escape sequences split across
// calls are handled; partial UTF-8 runes are buffered.
func (e *Emulator) Process(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf := data
	if len(e.pend) > 0 {
		buf = append(e.pend, data...)
		e.pend = nil
	}

	for i := 0; i < len(buf); {
		b := buf[i]

		switch e.state {
		case stateEsc:
			if b == '[' {
				e.state = stateCSI
				e.params = e.params[:0]
			} else {
				// Non-CSI escapes are ignored
				e.state = stateNormal
			}
			i++
			continue

		case stateCSI:
			if b >= 0x40 && b <= 0x7e {
				e.applyCSI(b)
				e.state = stateNormal
			} else {
				e.params = append(e.params, b)
			}
			i++
			continue
		}

		switch {
		case b == 0x1b:
			e.state = stateEsc
			i++
		case b == '\n':
			e.row++
			e.col = 0
			e.extendRows()
			i++
		case b == '\r':
			e.col = 0
			i++
		case b == '\b':
			if e.col > 0 {
				e.col--
			}
			i++
		case b == '\t':
			e.putRune(' ')
			i++
		case b < 0x20:
			i++ // other control bytes dropped
		default:
			r, size := decodeRune(buf[i:])
			if size == 0 {
				// partial rune at end of chunk, kept for the next write
				e.pend = append(e.pend, buf[i:]...)
				return
			}
			e.putRune(r)
			i += size
		}
	}
}

// applyCSI interprets the accumulated sequence terminated by final.
// Subset: EL (K), CUU/CUD/CUF/CUB (A-D), CHA (G), CUP (H). SGR (m) and
// everything else is dropped.
func (e *Emulator) applyCSI(final byte) {
	p := strings.Split(string(e.params), ";")
	n := func(idx, def int) int {
		if idx >= len(p) || p[idx] == "" {
			return def
		}
		v, err := strconv.Atoi(p[idx])
		if err != nil {
			return def
		}
		return v
	}

	switch final {
	case 'K':
		e.eraseLine(n(0, 0))
	case 'A':
		e.row -= n(0, 1)
		if e.row < 0 {
			e.row = 0
		}
	case 'B':
		e.row += n(0, 1)
		e.extendRows()
	case 'C':
		e.col += n(0, 1)
	case 'D':
		e.col -= n(0, 1)
		if e.col < 0 {
			e.col = 0
		}
	case 'G':
		e.col = n(0, 1) - 1
		if e.col < 0 {
			e.col = 0
		}
	case 'H':
		e.row = n(0, 1) - 1
		if e.row < 0 {
			e.row = 0
		}
		e.col = n(1, 1) - 1
		if e.col < 0 {
			e.col = 0
		}
		e.extendRows()
	case 'm':
		// SGR accepted and ignored
	}
}

func (e *Emulator) eraseLine(mode int) {
	line := e.lines[e.row]
	switch mode {
	case 0: // cursor to end
		if e.col < len(line) {
			e.lines[e.row] = line[:e.col]
		}
	case 1: // start through cursor
		for i := 0; i < len(line) && i <= e.col; i++ {
			line[i] = ' '
		}
	case 2:
		e.lines[e.row] = nil
	}
}

func (e *Emulator) putRune(r rune) {
	line := e.lines[e.row]
	for len(line) < e.col {
		line = append(line, ' ')
	}
	if e.col < len(line) {
		line[e.col] = r
	} else {
		line = append(line, r)
	}
	e.lines[e.row] = line
	e.col++
}

// extendRows grows the line list to include the cursor row, dropping
// the oldest lines past the cap.
func (e *Emulator) extendRows() {
	for e.row >= len(e.lines) {
		e.lines = append(e.lines, nil)
	}
	if len(e.lines) > maxLines {
		drop := len(e.lines) - maxLines
		e.lines = e.lines[drop:]
		e.row -= drop
		if e.row < 0 {
			e.row = 0
		}
	}
}

// ScreenContent joins all lines with \n after stripping trailing blank
// lines.
func (e *Emulator) ScreenContent() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	end := len(e.lines)
	for end > 0 && isBlank(e.lines[end-1]) {
		end--
	}
	parts := make([]string, end)
	for i := 0; i < end; i++ {
		parts[i] = strings.TrimRight(string(e.lines[i]), " ")
	}
	return strings.Join(parts, "\n")
}

// Reset clears all emulator state.
func (e *Emulator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lines = [][]rune{nil}
	e.row = 0
	e.col = 0
	e.state = stateNormal
	e.params = nil
	e.pend = nil
}

func isBlank(line []rune) bool {
	for _, r := range line {
		if r != ' ' {
			return false
		}
	}
	return true
}

// decodeRune decodes the first rune of buf, returning size 0 when the
// buffer ends mid-sequence.
func decodeRune(buf []byte) (rune, int) {
	b := buf[0]
	if b < 0x80 {
		return rune(b), 1
	}
	var size int
	switch {
	case b&0xe0 == 0xc0:
		size = 2
	case b&0xf0 == 0xe0:
		size = 3
	case b&0xf8 == 0xf0:
		size = 4
	default:
		return '�', 1
	}
	if len(buf) < size {
		return 0, 0
	}
	r := rune(b & (0x7f >> size))
	for _, c := range buf[1:size] {
		if c&0xc0 != 0x80 {
			return '�', 1
		}
		r = r<<6 | rune(c&0x3f)
	}
	return r, size
}
