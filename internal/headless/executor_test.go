package headless

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rbarinov/echoshell/internal/record"
	"github.com/rbarinov/echoshell/internal/session"
)

// fakeCLI writes a shell script that ignores its arguments and prints
// the given stream-json lines.
func fakeCLI(t *testing.T, lines ...string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub not available on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-cli")
	script := "#!/bin/sh\n"
	for _, line := range lines {
		script += "echo '" + line + "'\n"
	}
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func testSession(t *testing.T, typ session.Type) *session.Session {
	t.Helper()
	return &session.Session{ID: "hx000001", Type: typ, WorkingDir: t.TempDir()}
}

func waitIdle(t *testing.T, st *session.HeadlessState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !st.Running() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never unlocked")
}

func TestExecuteStreamsAndCompletes(t *testing.T) {
	bin := fakeCLI(t,
		`{"type":"system","session_id":"cli-abc"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"the answer"}]}}`,
		`{"type":"result","result":"the answer"}`,
	)
	e := NewExecutor(Config{ClaudeBin: bin, Timeout: 5 * time.Second})
	sess := testSession(t, session.TypeClaude)
	router := record.NewRouter(sess.ID, true)
	sub := router.Subscribe(16)

	if err := e.Execute(context.Background(), sess, "what is it", router); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	st := sess.Headless()
	waitIdle(t, st)

	if got := st.CLISessionID(); got != "cli-abc" {
		t.Errorf("cli session id = %q, want captured from first record", got)
	}
	if !st.ResultSeen() {
		t.Error("result record not seen")
	}

	var finals, deltas int
	var finalText string
	timeout := time.After(2 * time.Second)
	for finals == 0 {
		select {
		case u := <-sub.Updates():
			if u.IsComplete {
				finals++
				finalText = u.FullText
			} else {
				deltas++
			}
		case <-timeout:
			t.Fatal("no completion update")
		}
	}
	if deltas == 0 {
		t.Error("expected at least one non-final delta")
	}
	if !strings.Contains(finalText, "the answer") {
		t.Errorf("final text = %q", finalText)
	}
}

func TestExecuteRejectsBusySession(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stub not available on windows")
	}
	path := filepath.Join(t.TempDir(), "slow-cli")
	os.WriteFile(path, []byte("#!/bin/sh\nsleep 3\n"), 0o755)

	e := NewExecutor(Config{ClaudeBin: path, Timeout: 10 * time.Second})
	sess := testSession(t, session.TypeClaude)
	router := record.NewRouter(sess.ID, true)

	if err := e.Execute(context.Background(), sess, "one", router); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if err := e.Execute(context.Background(), sess, "two", router); err != ErrSessionBusy {
		t.Errorf("second Execute err = %v, want ErrSessionBusy", err)
	}
	sess.Headless().Process().Kill()
	waitIdle(t, sess.Headless())
}

func TestBusyRejectionPreservesRouterState(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stub not available on windows")
	}
	path := filepath.Join(t.TempDir(), "slow-cli")
	script := "#!/bin/sh\n" +
		`echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working on one"}]}}'` + "\n" +
		"sleep 3\n"
	os.WriteFile(path, []byte(script), 0o755)

	e := NewExecutor(Config{ClaudeBin: path, Timeout: 10 * time.Second})
	sess := testSession(t, session.TypeClaude)
	router := record.NewRouter(sess.ID, true)
	sub := router.Subscribe(16)

	if err := e.Execute(context.Background(), sess, "one", router); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	select {
	case <-sub.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("no delta from first command")
	}

	if err := e.Execute(context.Background(), sess, "two", router); err != ErrSessionBusy {
		t.Fatalf("second Execute err = %v, want ErrSessionBusy", err)
	}
	if got := router.LastCommand(); got != "one" {
		t.Errorf("last command = %q, rejected submit must not reset the router", got)
	}

	sess.Headless().Process().Kill()
	waitIdle(t, sess.Headless())

	var final *record.Update
	deadline := time.After(2 * time.Second)
	for final == nil {
		select {
		case u := <-sub.Updates():
			if u.IsComplete {
				final = &u
			}
		case <-deadline:
			t.Fatal("no completion after kill")
		}
	}
	if !strings.Contains(final.FullText, "working on one") {
		t.Errorf("final text = %q, rejected submit wiped the accumulation", final.FullText)
	}
}

func TestExecuteDeadlineForcesCompletion(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stub not available on windows")
	}
	path := filepath.Join(t.TempDir(), "hung-cli")
	script := "#!/bin/sh\n" +
		`echo '{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}'` + "\n" +
		"sleep 30\n"
	os.WriteFile(path, []byte(script), 0o755)

	e := NewExecutor(Config{ClaudeBin: path, Timeout: 300 * time.Millisecond})
	sess := testSession(t, session.TypeClaude)
	router := record.NewRouter(sess.ID, true)
	sub := router.Subscribe(16)

	if err := e.Execute(context.Background(), sess, "hang", router); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	waitIdle(t, sess.Headless())

	var final *record.Update
	deadline := time.After(2 * time.Second)
	for final == nil {
		select {
		case u := <-sub.Updates():
			if u.IsComplete {
				final = &u
			}
		case <-deadline:
			t.Fatal("deadline did not produce a synthetic completion")
		}
	}
	if !strings.Contains(final.FullText, "partial") {
		t.Errorf("synthetic completion text = %q, want accumulated text", final.FullText)
	}
	if sess.Headless().Running() {
		t.Error("running must be false after deadline")
	}
}

func TestExecuteRejectsNonHeadless(t *testing.T) {
	e := NewExecutor(Config{})
	sess := testSession(t, session.TypeRegular)
	if err := e.Execute(context.Background(), sess, "x", record.NewRouter(sess.ID, false)); err == nil {
		t.Error("regular session must be rejected")
	}
}

func TestBuildArgv(t *testing.T) {
	e := NewExecutor(Config{ClaudeBin: "claude", CursorBin: "cursor-agent"})

	name, args := e.buildArgv(session.TypeClaude, "fix the bug", "")
	if name != "claude" {
		t.Errorf("name = %q", name)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--output-format stream-json") || !strings.Contains(joined, "-p fix the bug") {
		t.Errorf("claude args = %v", args)
	}
	if strings.Contains(joined, "--resume") {
		t.Errorf("fresh session must not resume: %v", args)
	}

	_, args = e.buildArgv(session.TypeClaude, "continue", "sess-9")
	joined = strings.Join(args, " ")
	if !strings.Contains(joined, "--resume sess-9") {
		t.Errorf("resume args = %v", args)
	}

	name, args = e.buildArgv(session.TypeCursor, "hello", "c1")
	if name != "cursor-agent" {
		t.Errorf("cursor bin = %q", name)
	}
	joined = strings.Join(args, " ")
	if !strings.Contains(joined, "--print") || !strings.Contains(joined, "--resume c1") {
		t.Errorf("cursor args = %v", args)
	}
	if args[len(args)-1] != "hello" {
		t.Errorf("cursor prompt must be the final arg: %v", args)
	}
}
