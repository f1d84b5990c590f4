// Package record turns a headless session's raw output into the
// recording stream: an ordered sequence of deduplicated assistant-text
// updates ending in exactly one completion per command.
package record

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/rbarinov/echoshell/internal/term"
)

// Update is one recording-stream event.
type Update struct {
	SessionID  string
	FullText   string
	Delta      string
	IsComplete bool
	Timestamp  int64
}

// Subscriber receives updates over a bounded channel. When the channel
// is full the oldest pending update is dropped to make room, so a slow
// consumer never blocks the producer and the final update always
// arrives.
type Subscriber struct {
	ch chan Update
}

func (s *Subscriber) Updates() <-chan Update { return s.ch }

func (s *Subscriber) push(u Update) {
	for {
		select {
		case s.ch <- u:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// Router splits one session's raw byte stream into a display stream
// (verbatim bytes) and a recording stream (assistant-text updates).
// The recording half is only derived for headless and agent sessions.
type Router struct {
	sessionID string
	headless  bool
	emu       *term.Emulator

	mu          sync.Mutex
	lineBuf     []byte
	fullText    string
	lastDelta   string
	lastCommand string
	completed   bool
	subs        map[*Subscriber]struct{}

	onDisplay func(data []byte)
	onUpdate  func(Update)
}

func NewRouter(sessionID string, headless bool) *Router {
	return &Router{
		sessionID: sessionID,
		headless:  headless,
		emu:       term.NewEmulator(),
		subs:      make(map[*Subscriber]struct{}),
	}
}

// OnDisplay registers the display-stream hook; it receives every chunk
// verbatim and must not block.
func (r *Router) OnDisplay(fn func(data []byte)) { r.onDisplay = fn }

// OnUpdate registers the recording-stream hook (tunnel frames).
func (r *Router) OnUpdate(fn func(Update)) { r.onUpdate = fn }

// Emulator exposes the screen emulator fed by this router.
func (r *Router) Emulator() *term.Emulator { return r.emu }

// Subscribe adds a recording subscriber with the given queue depth.
func (r *Router) Subscribe(depth int) *Subscriber {
	if depth <= 0 {
		depth = 64
	}
	sub := &Subscriber{ch: make(chan Update, depth)}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()
	return sub
}

// Unsubscribe removes exactly one subscription.
func (r *Router) Unsubscribe(sub *Subscriber) {
	r.mu.Lock()
	delete(r.subs, sub)
	r.mu.Unlock()
}

// ProcessOutput consumes one chunk of raw session output. The display
// hook always sees it; for headless sessions every completed line is
// additionally parsed for assistant text.
func (r *Router) ProcessOutput(data []byte) {
	if r.onDisplay != nil {
		r.onDisplay(data)
	}
	r.emu.Process(data)
	if !r.headless {
		return
	}

	r.mu.Lock()
	r.lineBuf = append(r.lineBuf, data...)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(r.lineBuf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(r.lineBuf[:idx], "\r")
		if len(line) > 0 {
			lines = append(lines, append([]byte(nil), line...))
		}
		r.lineBuf = r.lineBuf[idx+1:]
	}
	r.mu.Unlock()

	for _, line := range lines {
		r.processLine(line)
	}
}

func (r *Router) processLine(line []byte) {
	// Result records carry text too (summary/text/result); the delta
	// dedupe keeps it from doubling the last assistant message.
	if text, ok := ExtractAssistantText(line); ok {
		r.appendDelta(text)
	}
	if IsResult(line) {
		r.Complete()
	}
}

// appendDelta deduplicates against the previous delta and grows the
// accumulated text, blank-line separated.
func (r *Router) appendDelta(text string) {
	r.mu.Lock()
	if text == r.lastDelta {
		r.mu.Unlock()
		return
	}
	if r.fullText == "" {
		r.fullText = text
	} else {
		r.fullText += "\n\n" + text
	}
	r.lastDelta = text
	u := Update{
		SessionID: r.sessionID,
		FullText:  r.fullText,
		Delta:     text,
		Timestamp: time.Now().UnixMilli(),
	}
	r.mu.Unlock()
	r.emit(u)
}

// Complete emits the single final update for the current command. It
// is a no-op when the command already completed; the accumulated text
// falls back to the last delta when empty.
func (r *Router) Complete() {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	text := r.fullText
	if text == "" {
		text = r.lastDelta
	}
	if text == "" {
		// Nothing extractable from the JSON stream; fall back to what
		// the run left on screen.
		text = strings.TrimSpace(r.emu.ScreenContent())
	}
	u := Update{
		SessionID:  r.sessionID,
		FullText:   text,
		IsComplete: true,
		Timestamp:  time.Now().UnixMilli(),
	}
	r.mu.Unlock()
	r.emit(u)
}

// ProcessInput resets the per-command state when the user submits a
// line, capturing the last non-empty line as the command label.
func (r *Router) ProcessInput(data []byte) {
	s := string(data)
	if !strings.HasSuffix(s, "\r") && !strings.HasSuffix(s, "\n") {
		return
	}
	r.mu.Lock()
	if cmd := lastNonEmptyLine(s); cmd != "" {
		r.lastCommand = cmd
	}
	r.lineBuf = nil
	r.fullText = ""
	r.lastDelta = ""
	r.completed = false
	r.mu.Unlock()
	r.emu.Reset()
}

// LastCommand returns the most recent submitted command line.
func (r *Router) LastCommand() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCommand
}

func (r *Router) emit(u Update) {
	r.mu.Lock()
	subs := make([]*Subscriber, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	fn := r.onUpdate
	r.mu.Unlock()

	for _, sub := range subs {
		sub.push(u)
	}
	if fn != nil {
		fn(u)
	}
}

func lastNonEmptyLine(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	for i := len(fields) - 1; i >= 0; i-- {
		if out := strings.TrimSpace(fields[i]); out != "" {
			return out
		}
	}
	return ""
}
