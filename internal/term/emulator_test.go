package term

import (
	"strings"
	"testing"
)

func TestEmulatorBasicOutput(t *testing.T) {
	e := NewEmulator()
	e.Process([]byte("hello world"))
	if got := e.ScreenContent(); got != "hello world" {
		t.Errorf("content = %q, want %q", got, "hello world")
	}
}

func TestEmulatorNewlineAdvancesRow(t *testing.T) {
	e := NewEmulator()
	e.Process([]byte("one\ntwo\nthree"))
	if got := e.ScreenContent(); got != "one\ntwo\nthree" {
		t.Errorf("content = %q, want three lines", got)
	}
}

func TestEmulatorCarriageReturnOverwrites(t *testing.T) {
	e := NewEmulator()
	e.Process([]byte("progress 10%\rprogress 99%"))
	if got := e.ScreenContent(); got != "progress 99%" {
		t.Errorf("content = %q, want final overwrite", got)
	}
}

func TestEmulatorEraseLine(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"EL0 cursor to end", "hello world\x1b[6G\x1b[0K", "hello"},
		{"EL2 entire line", "garbage\x1b[2K\rclean", "clean"},
		{"EL default is 0", "hello world\x1b[6G\x1b[K", "hello"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEmulator()
			e.Process([]byte(tc.input))
			if got := e.ScreenContent(); got != tc.want {
				t.Errorf("content = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEmulatorCursorMovement(t *testing.T) {
	e := NewEmulator()
	// Write two lines, move up and overwrite the first
	e.Process([]byte("aaaa\nbbbb"))
	e.Process([]byte("\x1b[A\x1b[1GXXXX"))
	if got := e.ScreenContent(); got != "XXXX\nbbbb" {
		t.Errorf("content = %q, want %q", got, "XXXX\nbbbb")
	}
}

func TestEmulatorCUP(t *testing.T) {
	e := NewEmulator()
	e.Process([]byte("line1\nline2\nline3"))
	e.Process([]byte("\x1b[2;1Hredo2"))
	if got := e.ScreenContent(); got != "line1\nredo2\nline3" {
		t.Errorf("content = %q", got)
	}
}

func TestEmulatorSGRIgnored(t *testing.T) {
	e := NewEmulator()
	e.Process([]byte("\x1b[1;31mred\x1b[0m plain"))
	if got := e.ScreenContent(); got != "red plain" {
		t.Errorf("content = %q, want SGR stripped", got)
	}
}

func TestEmulatorSplitEscapeSequence(t *testing.T) {
	e := NewEmulator()
	// CSI split across three writes must still be interpreted
	e.Process([]byte("hello world\x1b"))
	e.Process([]byte("[6"))
	e.Process([]byte("G\x1b[K"))
	if got := e.ScreenContent(); got != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}
}

func TestEmulatorTrailingBlankLinesStripped(t *testing.T) {
	e := NewEmulator()
	e.Process([]byte("text\n\n\n"))
	if got := e.ScreenContent(); got != "text" {
		t.Errorf("content = %q, want trailing blanks stripped", got)
	}
}

func TestEmulatorLineCap(t *testing.T) {
	e := NewEmulator()
	var b strings.Builder
	for i := 0; i < maxLines+200; i++ {
		b.WriteString("x\n")
	}
	e.Process([]byte(b.String()))
	e.Process([]byte("last"))
	content := e.ScreenContent()
	if n := strings.Count(content, "\n") + 1; n > maxLines {
		t.Errorf("line count = %d, want <= %d", n, maxLines)
	}
	if !strings.HasSuffix(content, "last") {
		t.Errorf("content should end with most recent line")
	}
}

func TestEmulatorReset(t *testing.T) {
	e := NewEmulator()
	e.Process([]byte("stale content\x1b[2;4H"))
	e.Reset()
	if got := e.ScreenContent(); got != "" {
		t.Errorf("content after reset = %q, want empty", got)
	}
	e.Process([]byte("fresh"))
	if got := e.ScreenContent(); got != "fresh" {
		t.Errorf("content = %q, reset should restore initial state", got)
	}
}

func TestEmulatorUTF8SplitAcrossWrites(t *testing.T) {
	e := NewEmulator()
	full := []byte("héllo")
	e.Process(full[:2]) // split inside the é sequence
	e.Process(full[2:])
	if got := e.ScreenContent(); got != "héllo" {
		t.Errorf("content = %q, want %q", got, "héllo")
	}
}

func TestEmulatorPrefixDeterminism(t *testing.T) {
	// Processing the same bytes in different chunkings yields the same
	// final frame.
	input := []byte("a\nbb\x1b[1;1HZ\x1b[2K\x1b[2;1Hdone\n")
	one := NewEmulator()
	one.Process(input)

	two := NewEmulator()
	for _, b := range input {
		two.Process([]byte{b})
	}

	if one.ScreenContent() != two.ScreenContent() {
		t.Errorf("chunked processing diverged:\n%q\nvs\n%q",
			one.ScreenContent(), two.ScreenContent())
	}
}
