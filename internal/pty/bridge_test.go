package pty

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyper-ai-inc/buildsession/internal/events"
)

var errNotRunning = errors.New("environment not running")

type fakeShells struct {
	mu      sync.Mutex
	opened  int
	running bool
}

func (f *fakeShells) ShellCommand(ctx context.Context, projectID string) (*exec.Cmd, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return nil, errNotRunning
	}
	f.opened++
	cmd := exec.Command("/bin/sh")
	cmd.Env = append(os.Environ(), "TERM=dumb", "PS1=$ ")
	return cmd, nil
}

func (f *fakeShells) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) Publish(projectID string, ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capture) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	for _, ev := range c.events {
		if ev.Type == events.TypeOutput {
			sb.WriteString(ev.Data.(string))
		}
	}
	return sb.String()
}

func (c *capture) closedReason() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Type == events.TypeTerminalClosed {
			return ev.Data.(events.TerminalClosedData).Reason, true
		}
	}
	return "", false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestBridge(t *testing.T) (*Bridge, *fakeShells, *capture) {
	t.Helper()
	shells := &fakeShells{running: true}
	pub := &capture{}
	b := NewBridge(shells, pub, Options{Scrollback: 4096}, nil)
	t.Cleanup(b.CloseAll)
	return b, shells, pub
}

func TestAttachRequiresRunningEnvironment(t *testing.T) {
	b, shells, _ := newTestBridge(t)
	shells.running = false

	err := b.Attach(context.Background(), "p1", "c1", nil)
	if !errors.Is(err, errNotRunning) {
		t.Fatalf("expected not running error, got %v", err)
	}
	if b.Open("p1") {
		t.Error("no shell should be open")
	}
	if err := b.Input("p1", "c1", []byte("ls\n")); !errors.Is(err, ErrNoTerminal) {
		t.Errorf("expected ErrNoTerminal, got %v", err)
	}
}

func TestSharedShell(t *testing.T) {
	b, shells, pub := newTestBridge(t)
	ctx := context.Background()

	if err := b.Attach(ctx, "p1", "c1", nil); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := b.Attach(ctx, "p1", "c2", nil); err != nil {
		t.Fatalf("second Attach failed: %v", err)
	}
	if shells.count() != 1 {
		t.Errorf("expected one shell, got %d", shells.count())
	}
	if b.Attached("p1") != 2 {
		t.Errorf("expected 2 attached, got %d", b.Attached("p1"))
	}

	if err := b.Input("p1", "c1", []byte("echo shared-$((40+2))\n")); err != nil {
		t.Fatalf("Input failed: %v", err)
	}
	waitFor(t, "shell output", func() bool {
		return strings.Contains(pub.output(), "shared-42")
	})
}

func TestInputRequiresAttachment(t *testing.T) {
	b, _, pub := newTestBridge(t)
	ctx := context.Background()

	var calls int
	b.OnInput(func(string, []byte) { calls++ })

	b.Attach(ctx, "p1", "c1", nil)
	if err := b.Input("p1", "c2", []byte("echo outsider-$((3+4))\n")); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
	if err := b.Resize("p1", "c2", 100, 40); !errors.Is(err, ErrNotAttached) {
		t.Errorf("expected ErrNotAttached on resize, got %v", err)
	}
	if calls != 0 {
		t.Errorf("listeners saw %d rejected inputs", calls)
	}

	b.Input("p1", "c1", []byte("echo member-$((2+2))\n"))
	waitFor(t, "member output", func() bool {
		return strings.Contains(pub.output(), "member-4")
	})
	if strings.Contains(pub.output(), "outsider-7") {
		t.Error("input from unattached connection reached the shell")
	}

	b.Detach("p1", "c1")
	b.Attach(ctx, "p1", "c2", nil)
	if err := b.Input("p1", "c1", []byte("ls\n")); !errors.Is(err, ErrNotAttached) {
		t.Errorf("detached connection kept input, got %v", err)
	}
}

func TestAttachReplaysScrollback(t *testing.T) {
	b, _, pub := newTestBridge(t)
	ctx := context.Background()

	b.Attach(ctx, "p1", "c1", nil)
	b.Input("p1", "c1", []byte("echo replay-$((1+1))\n"))
	waitFor(t, "shell output", func() bool {
		return strings.Contains(pub.output(), "replay-2")
	})

	var replayed string
	if err := b.Attach(ctx, "p1", "c2", func(data string) { replayed += data }); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if !strings.Contains(replayed, "replay-2") {
		t.Errorf("expected scrollback replay, got %q", replayed)
	}
}

func TestLastDetachClosesShell(t *testing.T) {
	b, _, pub := newTestBridge(t)
	ctx := context.Background()

	b.Attach(ctx, "p1", "c1", nil)
	b.Attach(ctx, "p1", "c2", nil)

	b.Detach("p1", "c1")
	if !b.Open("p1") {
		t.Fatal("shell closed while still attached")
	}
	b.Detach("p1", "c2")
	if b.Open("p1") {
		t.Fatal("shell still open after last detach")
	}
	if reason, ok := pub.closedReason(); !ok || reason != ReasonDetached {
		t.Errorf("expected terminal_closed(detached), got %q %v", reason, ok)
	}

	// Detaching an unknown connection is a no-op.
	b.Detach("p1", "c3")
}

func TestDetachAll(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ctx := context.Background()

	b.Attach(ctx, "p1", "c1", nil)
	b.Attach(ctx, "p2", "c1", nil)
	b.Attach(ctx, "p2", "c2", nil)

	b.DetachAll("c1")
	if b.Open("p1") {
		t.Error("p1 should be closed")
	}
	if !b.Open("p2") || b.Attached("p2") != 1 {
		t.Errorf("p2 should stay open with one attachment")
	}
}

func TestCloseOnEnvironmentStop(t *testing.T) {
	b, _, pub := newTestBridge(t)
	b.Attach(context.Background(), "p1", "c1", nil)

	b.Close("p1", ReasonEnvStopped)
	if err := b.Input("p1", "c1", []byte("ls\n")); !errors.Is(err, ErrNoTerminal) {
		t.Errorf("expected ErrNoTerminal, got %v", err)
	}
	if reason, _ := pub.closedReason(); reason != ReasonEnvStopped {
		t.Errorf("expected environment stopped reason, got %q", reason)
	}
}

func TestShellExitPublishesClosed(t *testing.T) {
	b, _, pub := newTestBridge(t)
	b.Attach(context.Background(), "p1", "c1", nil)

	b.Input("p1", "c1", []byte("exit\n"))
	waitFor(t, "terminal_closed", func() bool {
		_, ok := pub.closedReason()
		return ok
	})
	if reason, _ := pub.closedReason(); reason != ReasonShellExited {
		t.Errorf("expected shell exited, got %q", reason)
	}
	waitFor(t, "session removal", func() bool { return !b.Open("p1") })
}

func TestShellExitWithBackgroundJob(t *testing.T) {
	b, _, pub := newTestBridge(t)
	b.Attach(context.Background(), "p1", "c1", nil)

	// The sleep keeps the terminal open after the shell itself is gone.
	b.Input("p1", "c1", []byte("sleep 20 &\nexit\n"))
	waitFor(t, "terminal_closed", func() bool {
		_, ok := pub.closedReason()
		return ok
	})
	if reason, _ := pub.closedReason(); reason != ReasonShellExited {
		t.Errorf("expected shell exited, got %q", reason)
	}
	if b.Open("p1") {
		t.Error("session kept after shell exit")
	}
}

func TestInputListeners(t *testing.T) {
	b, _, _ := newTestBridge(t)
	b.Attach(context.Background(), "p1", "c1", nil)

	var mu sync.Mutex
	var seen []string
	b.OnInput(func(projectID string, data []byte) {
		mu.Lock()
		seen = append(seen, projectID+":"+string(data))
		mu.Unlock()
	})

	b.Input("p1", "c1", []byte("pw\r"))
	// Agent typing is not human input.
	b.Type(context.Background(), "p1", []byte("echo agent\n"))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "p1:pw\r" {
		t.Errorf("unexpected listener calls: %q", seen)
	}
}

func TestTypeKeepsShellOpen(t *testing.T) {
	b, _, pub := newTestBridge(t)
	ctx := context.Background()

	if err := b.Type(ctx, "p1", []byte("echo typed-$((2*3))\n")); err != nil {
		t.Fatalf("Type failed: %v", err)
	}
	waitFor(t, "typed output", func() bool {
		return strings.Contains(pub.output(), "typed-6")
	})

	b.Attach(ctx, "p1", "c1", nil)
	b.Detach("p1", "c1")
	if !b.Open("p1") {
		t.Error("agent-held shell closed on detach")
	}
}

func TestResize(t *testing.T) {
	b, _, _ := newTestBridge(t)
	if err := b.Resize("p1", "c1", 100, 40); !errors.Is(err, ErrNoTerminal) {
		t.Errorf("expected ErrNoTerminal, got %v", err)
	}
	b.Attach(context.Background(), "p1", "c1", nil)
	if err := b.Resize("p1", "c1", 0, 40); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("expected ErrInvalidSize, got %v", err)
	}
	if err := b.Resize("p1", "c1", 120, 40); err != nil {
		t.Errorf("Resize failed: %v", err)
	}
}

func TestSplitUTF8(t *testing.T) {
	euro := []byte("€") // 3 bytes
	data := append([]byte("ab"), euro[:2]...)

	complete, rest := splitUTF8(data)
	if string(complete) != "ab" || len(rest) != 2 {
		t.Fatalf("split = %q, %v", complete, rest)
	}
	complete, rest = splitUTF8(append(rest, euro[2]))
	if string(complete) != "€" || len(rest) != 0 {
		t.Errorf("rejoined = %q, %v", complete, rest)
	}
	if complete, rest := splitUTF8([]byte("plain")); string(complete) != "plain" || rest != nil {
		t.Errorf("ascii split = %q, %v", complete, rest)
	}
}
