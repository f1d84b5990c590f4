package session

import "strings"

// NormalizeInput rewrites newlines so the PTY sees carriage returns the
// way a terminal would send them:
//
//   - data with no \r at all: every \n becomes \r
//   - data that already carries \r but ends with a bare \n: the
//     trailing \n becomes \r
//
// The result never mixes a trailing \n with \r and is idempotent.
func NormalizeInput(data string) string {
	if !strings.Contains(data, "\r") {
		return strings.ReplaceAll(data, "\n", "\r")
	}
	if strings.HasSuffix(data, "\n") && !strings.HasSuffix(data, "\r\n") {
		return data[:len(data)-1] + "\r"
	}
	return data
}

// normalizeCommand applies NormalizeInput and guarantees a trailing \r
// so the shell executes the line.
func normalizeCommand(data string) string {
	out := NormalizeInput(data)
	if !strings.HasSuffix(out, "\r") {
		out += "\r"
	}
	return out
}

// lastCommandLine extracts the last non-empty line of an input burst,
// used to label what command a recording belongs to.
func lastCommandLine(data string) string {
	fields := strings.FieldsFunc(data, func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	for i := len(fields) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(fields[i]); s != "" {
			return s
		}
	}
	return ""
}
