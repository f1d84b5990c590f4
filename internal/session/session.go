package session

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Type classifies what a terminal session runs.
type Type string

const (
	TypeRegular Type = "regular"
	TypeCursor  Type = "cursor"
	TypeClaude  Type = "claude"
	TypeAgent   Type = "agent"
)

func (t Type) Valid() bool {
	switch t {
	case TypeRegular, TypeCursor, TypeClaude, TypeAgent:
		return true
	}
	return false
}

// Headless reports whether the session runs an LLM CLI subprocess
// instead of taking commands through its PTY.
func (t Type) Headless() bool {
	return t == TypeCursor || t == TypeClaude
}

const (
	ringLines  = 10000
	inputLines = 1000
)

// Session is one terminal session owned by the workstation. Agent
// sessions have no PTY; headless sessions own a PTY for their shell
// plus a HeadlessState for the CLI subprocess.
type Session struct {
	ID         string
	Type       Type
	WorkingDir string
	CreatedAt  time.Time
	PID        int

	mu   sync.Mutex
	name string

	ptmx *os.File  // nil for agent sessions
	ptyW io.Writer // write side of the PTY, swappable in tests
	cmd  *exec.Cmd
	pgid int

	ring   *lineRing
	inputs []string

	writeMu sync.Mutex // serializes PTY writes

	headless *HeadlessState

	done     chan struct{} // closed when the shell process exits
	exitOnce sync.Once
}

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Headless returns the headless CLI state, creating it lazily.
func (s *Session) Headless() *HeadlessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headless == nil {
		s.headless = &HeadlessState{}
	}
	return s.headless
}

// Done is closed when the shell process exits.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) markExited() {
	s.exitOnce.Do(func() { close(s.done) })
}

// History returns the buffered output lines.
func (s *Session) History() []string {
	return s.ring.Lines()
}

func (s *Session) recordInput(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, data)
	if over := len(s.inputs) - inputLines; over > 0 {
		s.inputs = s.inputs[over:]
	}
}

// HeadlessState tracks the single in-flight CLI command of a headless
// session. Running is true for exactly the interval between command
// acceptance and completion, deadline expiry, or subprocess exit.
type HeadlessState struct {
	mu             sync.Mutex
	running        bool
	cliSessionID   string
	lastResultSeen bool
	deadline       *time.Timer
	proc           *os.Process
}

// TryAcquire marks the state running; it fails when a command is
// already in flight.
func (h *HeadlessState) TryAcquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return false
	}
	h.running = true
	h.lastResultSeen = false
	return true
}

// Release unlocks the session after a command finishes for any reason.
func (h *HeadlessState) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	if h.deadline != nil {
		h.deadline.Stop()
		h.deadline = nil
	}
	h.proc = nil
}

func (h *HeadlessState) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// CLISessionID returns the CLI-issued continuation ID.
func (h *HeadlessState) CLISessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cliSessionID
}

// SetCLISessionID records the server-assigned session ID. The first
// JSON record carrying one wins for the current command; later
// commands may rewrite it.
func (h *HeadlessState) SetCLISessionID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cliSessionID = id
}

func (h *HeadlessState) MarkResultSeen() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastResultSeen = true
}

func (h *HeadlessState) ResultSeen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastResultSeen
}

// SetProcess records the live subprocess so Destroy and the next
// Execute can terminate it.
func (h *HeadlessState) SetProcess(p *os.Process) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proc = p
}

func (h *HeadlessState) Process() *os.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

// ArmDeadline replaces the completion deadline timer.
func (h *HeadlessState) ArmDeadline(d time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deadline != nil {
		h.deadline.Stop()
	}
	h.deadline = time.AfterFunc(d, fn)
}

// CancelDeadline stops the completion deadline without firing it.
func (h *HeadlessState) CancelDeadline() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deadline != nil {
		h.deadline.Stop()
		h.deadline = nil
	}
}
