// Package headless runs Cursor/Claude CLIs as child processes, one
// in-flight command per session, streaming their stream-json output
// through the session's recording router.
package headless

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rbarinov/echoshell/internal/logger"
	"github.com/rbarinov/echoshell/internal/record"
	"github.com/rbarinov/echoshell/internal/session"
)

var ErrSessionBusy = errors.New("session busy")

const (
	DefaultTimeout = 60 * time.Second

	claudeKillGrace = 1500 * time.Millisecond
	cursorKillGrace = 500 * time.Millisecond
)

// Config selects the CLI binaries and continuation behavior. The
// resume flag is configurable because the CLIs have shipped both
// --session-id and --resume; --resume is the default.
type Config struct {
	ClaudeBin       string
	CursorBin       string
	ClaudeExtraArgs []string
	CursorExtraArgs []string
	ResumeFlag      string
	Timeout         time.Duration
}

func (c *Config) fill() {
	if c.ClaudeBin == "" {
		c.ClaudeBin = "claude"
	}
	if c.CursorBin == "" {
		c.CursorBin = "cursor-agent"
	}
	if c.ResumeFlag == "" {
		c.ResumeFlag = "--resume"
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Executor spawns and supervises headless CLI commands.
type Executor struct {
	cfg Config

	// OnError receives failure text destined for the chat log.
	OnError func(sessionID, message string)
}

func NewExecutor(cfg Config) *Executor {
	cfg.fill()
	return &Executor{cfg: cfg}
}

// Execute starts one CLI command on a headless session. It returns
// once the subprocess is running; output streams through the router.
// A second command while one is in flight fails with ErrSessionBusy.
func (e *Executor) Execute(ctx context.Context, sess *session.Session, prompt string, router *record.Router) error {
	if !sess.Type.Headless() {
		return fmt.Errorf("session %s is %s, not headless", sess.ID, sess.Type)
	}
	st := sess.Headless()
	if !st.TryAcquire() {
		return ErrSessionBusy
	}

	// Only an accepted command resets the router's per-command state;
	// a busy rejection must leave the in-flight accumulation intact.
	router.ProcessInput([]byte(prompt + "\r"))

	// A prior subprocess still holding the CLI session lock must die
	// before the new one starts.
	e.killPrior(st, sess.Type)

	name, args := e.buildArgv(sess.Type, prompt, st.CLISessionID())
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = sess.WorkingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	// stdin stays closed: nil gives the child /dev/null

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		st.Release()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		st.Release()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		st.Release()
		e.reportError(sess.ID, fmt.Sprintf("failed to start %s: %v", name, err))
		return fmt.Errorf("start %s: %w", name, err)
	}
	st.SetProcess(cmd.Process)

	st.ArmDeadline(e.cfg.Timeout, func() {
		logger.Warn("headless deadline expired", "session", sess.ID, "timeout", e.cfg.Timeout)
		cmd.Process.Kill()
		router.Complete()
	})

	go e.stream(sess, st, cmd, stdout, stderr, router)
	return nil
}

func (e *Executor) stream(sess *session.Session, st *session.HeadlessState, cmd *exec.Cmd, stdout, stderr interface{ Read([]byte) (int, error) }, router *record.Router) {
	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 64*1024)
		for sc.Scan() {
			logger.Debug("headless stderr", "session", sess.ID, "line", sc.Text())
		}
	}()

	sawSessionID := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()

		if !sawSessionID {
			if id, ok := record.ExtractSessionID(line); ok {
				sawSessionID = true
				st.SetCLISessionID(id)
			}
		}
		if record.IsResult(line) {
			st.MarkResultSeen()
		}

		router.ProcessOutput(append(append([]byte(nil), line...), '\n'))
	}

	err := cmd.Wait()
	st.CancelDeadline()
	// Exit without a result record still terminates the command; the
	// router falls back to whatever text accumulated.
	router.Complete()
	if err != nil {
		e.reportError(sess.ID, fmt.Sprintf("command failed: %v", err))
	}
	st.Release()
	logger.Info("headless command done", "session", sess.ID, "result_seen", st.ResultSeen(), "err", err)
}

// buildArgv assembles the CLI invocation, resuming the CLI-issued
// session when one is known.
func (e *Executor) buildArgv(typ session.Type, prompt, cliSessionID string) (string, []string) {
	switch typ {
	case session.TypeCursor:
		args := []string{"--output-format", "stream-json", "--print"}
		if cliSessionID != "" {
			args = append(args, e.cfg.ResumeFlag, cliSessionID)
		}
		args = append(args, e.cfg.CursorExtraArgs...)
		args = append(args, prompt)
		return e.cfg.CursorBin, args
	default: // claude
		args := []string{"--verbose", "--print", "-p", prompt, "--output-format", "stream-json"}
		if cliSessionID != "" {
			args = append(args, e.cfg.ResumeFlag, cliSessionID)
		}
		args = append(args, e.cfg.ClaudeExtraArgs...)
		return e.cfg.ClaudeBin, args
	}
}

// killPrior terminates a leftover subprocess: SIGTERM, per-CLI grace
// for it to release its session lock, then SIGKILL.
func (e *Executor) killPrior(st *session.HeadlessState, typ session.Type) {
	p := st.Process()
	if p == nil {
		return
	}
	grace := claudeKillGrace
	if typ == session.TypeCursor {
		grace = cursorKillGrace
	}
	terminate(p)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !alive(p) {
			st.SetProcess(nil)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	p.Kill()
	st.SetProcess(nil)
}

func (e *Executor) reportError(sessionID, message string) {
	logger.Error("headless error", "session", sessionID, "message", message)
	if e.OnError != nil {
		e.OnError(sessionID, message)
	}
}
