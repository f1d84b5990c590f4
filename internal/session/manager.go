package session

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/rbarinov/echoshell/internal/logger"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrNoPTY    = errors.New("session has no pty")
)

const (
	defaultCols = 80
	defaultRows = 30

	destroyGrace = 2 * time.Second
)

// MetaStore persists session metadata across restarts. PTYs are never
// reattached; the stored list only tells a restarted workstation what
// existed before.
type MetaStore interface {
	SaveTerminalSession(id, workingDir, terminalType, name string, createdAt time.Time) error
	DeleteTerminalSession(id string) error
}

// Manager owns all terminal sessions on the workstation.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	shell string
	meta  MetaStore

	outputListeners  []func(sessionID string, data []byte)
	inputListeners   []func(sessionID string, data []byte)
	destroyListeners []func(sessionID string)
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		shell:    defaultShell(),
	}
}

// SetMetaStore enables session-metadata persistence.
func (m *Manager) SetMetaStore(meta MetaStore) { m.meta = meta }

// SetShell overrides the login shell for new sessions.
func (m *Manager) SetShell(shell string) {
	if shell != "" {
		m.shell = shell
	}
}

// OnOutput registers a listener for raw PTY output bytes.
func (m *Manager) OnOutput(fn func(sessionID string, data []byte)) {
	m.mu.Lock()
	m.outputListeners = append(m.outputListeners, fn)
	m.mu.Unlock()
}

// OnInput registers a listener for normalized input bytes.
func (m *Manager) OnInput(fn func(sessionID string, data []byte)) {
	m.mu.Lock()
	m.inputListeners = append(m.inputListeners, fn)
	m.mu.Unlock()
}

// OnDestroy registers a listener invoked after a session is destroyed.
func (m *Manager) OnDestroy(fn func(sessionID string)) {
	m.mu.Lock()
	m.destroyListeners = append(m.destroyListeners, fn)
	m.mu.Unlock()
}

// Create spawns a new session. For all PTY-backed types the login
// shell is started in workingDir with TERM=xterm-256color at 80x30.
// Agent sessions get no PTY.
func (m *Manager) Create(typ Type, workingDir, name string) (*Session, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("invalid session type %q", typ)
	}
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	info, err := os.Stat(workingDir)
	if err != nil {
		return nil, fmt.Errorf("working dir %s: %w", workingDir, syscall.ENOENT)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("working dir %s: %w", workingDir, syscall.ENOTDIR)
	}

	s := &Session{
		ID:         uuid.New().String()[:8],
		Type:       typ,
		WorkingDir: workingDir,
		CreatedAt:  time.Now(),
		name:       name,
		ring:       newLineRing(ringLines),
		done:       make(chan struct{}),
	}

	if typ != TypeAgent {
		cmd := exec.Command(m.shell)
		cmd.Dir = workingDir
		cmd.Env = append(os.Environ(), "TERM=xterm-256color")
		cmd.SysProcAttr = sysProcAttr()

		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: defaultCols, Rows: defaultRows})
		if err != nil {
			return nil, fmt.Errorf("start pty: %w", err)
		}
		s.ptmx = ptmx
		s.ptyW = ptmx
		s.cmd = cmd
		s.PID = cmd.Process.Pid
		s.pgid = cmd.Process.Pid // Setsid makes the shell its own group leader

		go m.readPTY(s)
		go func() {
			cmd.Wait()
			s.markExited()
		}()
	} else {
		s.markExited() // nothing to wait for
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.meta != nil {
		if err := m.meta.SaveTerminalSession(s.ID, s.WorkingDir, string(typ), name, s.CreatedAt); err != nil {
			logger.Warn("persist session metadata", "session", s.ID, "error", err)
		}
	}

	logger.Info("session created", "session", s.ID, "type", typ, "dir", workingDir, "pid", s.PID)
	return s, nil
}

func (m *Manager) readPTY(s *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.ring.Append(data)

			m.mu.Lock()
			listeners := append(([]func(string, []byte))(nil), m.outputListeners...)
			m.mu.Unlock()
			for _, fn := range listeners {
				fn(s.ID, data)
			}
		}
		if err != nil {
			return
		}
	}
}

// Get returns the session or ErrNotFound.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns all sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Rename sets the display name.
func (m *Manager) Rename(id, name string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.setName(name)
	if m.meta != nil {
		m.meta.SaveTerminalSession(s.ID, s.WorkingDir, string(s.Type), name, s.CreatedAt)
	}
	return nil
}

// WriteInput normalizes newlines and writes to the PTY. When isCommand
// is set a trailing \r is guaranteed. Writes are serialized per
// session; input listeners observe the normalized bytes.
func (m *Manager) WriteInput(id, data string, isCommand bool) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if s.ptyW == nil {
		return ErrNoPTY
	}

	normalized := NormalizeInput(data)
	if isCommand {
		normalized = normalizeCommand(data)
	}

	s.writeMu.Lock()
	_, werr := s.ptyW.Write([]byte(normalized))
	s.writeMu.Unlock()
	if werr != nil {
		return fmt.Errorf("pty write: %w", werr)
	}

	s.recordInput(normalized)

	m.mu.Lock()
	listeners := append(([]func(string, []byte))(nil), m.inputListeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(s.ID, []byte(normalized))
	}
	return nil
}

// Resize changes the PTY dimensions; a closed PTY fails soft.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if s.ptmx == nil {
		return nil
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		logger.Warn("resize failed", "session", id, "error", err)
	}
	return nil
}

// ExecuteCommand delegates a command line to the PTY for regular
// sessions; output is streamed, nothing is returned. Headless and
// agent sessions are driven by their own executors.
func (m *Manager) ExecuteCommand(id, command string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if s.Type != TypeRegular {
		return fmt.Errorf("session %s is %s, not a regular terminal", id, s.Type)
	}
	return m.WriteInput(id, command, true)
}

// Destroy cancels headless deadlines, terminates the whole process
// group (SIGTERM, 2 s grace, SIGKILL) and notifies listeners.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	listeners := append(([]func(string))(nil), m.destroyListeners...)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if s.headless != nil {
		s.headless.CancelDeadline()
		if p := s.headless.Process(); p != nil {
			p.Kill()
		}
	}

	if s.cmd != nil && s.cmd.Process != nil {
		select {
		case <-s.done:
			// shell already gone
		default:
			termGroup(s.pgid)
			select {
			case <-s.done:
			case <-time.After(destroyGrace):
				killGroup(s.pgid)
			}
		}
	}
	if s.ptmx != nil {
		s.ptmx.Close()
	}

	if m.meta != nil {
		m.meta.DeleteTerminalSession(id)
	}
	for _, fn := range listeners {
		fn(id)
	}
	logger.Info("session destroyed", "session", id)
	return nil
}

// DestroyAll tears down every session, used at shutdown.
func (m *Manager) DestroyAll() {
	for _, s := range m.List() {
		m.Destroy(s.ID)
	}
}
