// Package pty bridges a shared per-project shell inside the sandbox to the
// event hub. Output is fanned out as output events; input and resize come
// back from any attached connection.
package pty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/hyper-ai-inc/buildsession/internal/events"
)

var (
	ErrNoTerminal  = errors.New("no terminal open for project")
	ErrNotAttached = errors.New("connection is not attached to the terminal")
	ErrInvalidSize = errors.New("invalid terminal size")
)

// Close reasons carried by terminal_closed events.
const (
	ReasonDetached    = "detached"
	ReasonEnvStopped  = "environment stopped"
	ReasonShellExited = "shell exited"
	ReasonShutdown    = "orchestrator shutdown"
)

// exitDrain bounds how long output is still read after the shell exits.
const exitDrain = 500 * time.Millisecond

// ShellSource opens a shell inside a project's running environment.
type ShellSource interface {
	ShellCommand(ctx context.Context, projectID string) (*exec.Cmd, error)
}

// InputFunc observes input typed by a human into a project's terminal.
type InputFunc func(projectID string, data []byte)

type Options struct {
	Cols       uint16
	Rows       uint16
	Scrollback int
}

// Bridge owns one shell session per project.
type Bridge struct {
	shells ShellSource
	pub    events.Publisher
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot

	listenersMu sync.RWMutex
	listeners   []InputFunc
}

// slot serializes open/attach/detach for one project.
type slot struct {
	mu      sync.Mutex
	session *session
}

type session struct {
	projectID string
	pty       *PTY
	scroll    *Scrollback
	attached  map[string]struct{} // guarded by slot.mu
	pinned    bool                // guarded by slot.mu; held open by the agent

	// outMu orders scrollback snapshots against published output.
	outMu    sync.Mutex
	closed   atomic.Bool
	readDone chan struct{}
}

func NewBridge(shells ShellSource, pub events.Publisher, opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Cols == 0 {
		opts.Cols = 80
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.Scrollback <= 0 {
		opts.Scrollback = DefaultScrollback
	}
	return &Bridge{
		shells: shells,
		pub:    pub,
		opts:   opts,
		logger: logger.With("component", "terminal"),
		slots:  make(map[string]*slot),
	}
}

func (b *Bridge) slot(projectID string) *slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	sl, ok := b.slots[projectID]
	if !ok {
		sl = &slot{}
		b.slots[projectID] = sl
	}
	return sl
}

func (b *Bridge) current(projectID string) *session {
	sl := b.slot(projectID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.session
}

// openLocked starts the project's shell if none is running. sl.mu must be held.
func (b *Bridge) openLocked(ctx context.Context, sl *slot, projectID string) (*session, error) {
	if sl.session != nil {
		return sl.session, nil
	}
	cmd, err := b.shells.ShellCommand(ctx, projectID)
	if err != nil {
		return nil, err
	}
	p, err := New(cmd, b.opts.Cols, b.opts.Rows)
	if err != nil {
		return nil, fmt.Errorf("start shell: %w", err)
	}
	s := &session{
		projectID: projectID,
		pty:       p,
		scroll:    NewScrollback(b.opts.Scrollback),
		attached:  make(map[string]struct{}),
		readDone:  make(chan struct{}),
	}
	sl.session = s
	go b.readLoop(sl, s)
	go b.watchExit(sl, s)
	b.logger.Info("terminal opened", "project_id", projectID, "pty", p.ID)
	return s, nil
}

// Attach joins connID to the project's shared shell, opening it on first
// attach. Retained scrollback is handed to replay before any live output
// reaches the hub, so the caller can deliver it to that connection only.
func (b *Bridge) Attach(ctx context.Context, projectID, connID string, replay func(data string)) error {
	sl := b.slot(projectID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	s, err := b.openLocked(ctx, sl, projectID)
	if err != nil {
		return err
	}
	s.attached[connID] = struct{}{}

	if replay != nil {
		s.outMu.Lock()
		data := s.scroll.Bytes()
		if len(data) > 0 {
			replay(string(data))
		}
		s.outMu.Unlock()
	}
	return nil
}

// Detach removes connID. The shell is torn down when nobody is left and
// the agent is not holding it.
func (b *Bridge) Detach(projectID, connID string) {
	sl := b.slot(projectID)
	sl.mu.Lock()
	s := sl.session
	if s == nil {
		sl.mu.Unlock()
		return
	}
	delete(s.attached, connID)
	last := len(s.attached) == 0 && !s.pinned
	if last {
		sl.session = nil
	}
	sl.mu.Unlock()

	if last {
		b.shutdown(s, ReasonDetached)
	}
}

// DetachAll detaches connID from every project, for a dropped connection.
func (b *Bridge) DetachAll(connID string) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.slots))
	for id := range b.slots {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Detach(id, connID)
	}
}

// Attached returns how many connections share the project's shell.
func (b *Bridge) Attached(projectID string) int {
	sl := b.slot(projectID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.session == nil {
		return 0
	}
	return len(sl.session.attached)
}

// Open reports whether a shell is running for the project.
func (b *Bridge) Open(projectID string) bool {
	return b.current(projectID) != nil
}

// attachedSession returns the project's shell if connID is attached to it.
func (b *Bridge) attachedSession(projectID, connID string) (*session, error) {
	sl := b.slot(projectID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	s := sl.session
	if s == nil {
		return nil, ErrNoTerminal
	}
	if _, ok := s.attached[connID]; !ok {
		return nil, ErrNotAttached
	}
	return s, nil
}

// Input forwards keystrokes from an attached connection to the shell and
// notifies input listeners.
func (b *Bridge) Input(projectID, connID string, data []byte) error {
	s, err := b.attachedSession(projectID, connID)
	if err != nil {
		return err
	}
	if _, err := s.pty.Write(data); err != nil {
		return fmt.Errorf("write terminal: %w", err)
	}

	b.listenersMu.RLock()
	listeners := b.listeners
	b.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(projectID, data)
	}
	return nil
}

// Type writes into the project's shell on behalf of the agent, opening it if
// needed. A shell opened this way stays up until the environment stops.
func (b *Bridge) Type(ctx context.Context, projectID string, data []byte) error {
	sl := b.slot(projectID)
	sl.mu.Lock()
	s, err := b.openLocked(ctx, sl, projectID)
	if err == nil {
		s.pinned = true
	}
	sl.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := s.pty.Write(data); err != nil {
		return fmt.Errorf("write terminal: %w", err)
	}
	return nil
}

func (b *Bridge) Resize(projectID, connID string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return ErrInvalidSize
	}
	s, err := b.attachedSession(projectID, connID)
	if err != nil {
		return err
	}
	return s.pty.Resize(cols, rows)
}

// OnInput registers fn to observe human terminal input.
func (b *Bridge) OnInput(fn InputFunc) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	b.listeners = append(b.listeners[:len(b.listeners):len(b.listeners)], fn)
}

// Close tears down the project's shell regardless of attachments.
func (b *Bridge) Close(projectID, reason string) {
	sl := b.slot(projectID)
	sl.mu.Lock()
	s := sl.session
	sl.session = nil
	sl.mu.Unlock()

	if s != nil {
		b.shutdown(s, reason)
	}
}

// CloseAll tears down every shell.
func (b *Bridge) CloseAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.slots))
	for id := range b.slots {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Close(id, ReasonShutdown)
	}
}

func (b *Bridge) shutdown(s *session, reason string) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.pty.Close()
	b.pub.Publish(s.projectID, events.TerminalClosed(s.projectID, reason))
	b.logger.Info("terminal closed", "project_id", s.projectID, "reason", reason)
}

// release drops s from its slot and closes it.
func (b *Bridge) release(sl *slot, s *session, reason string) {
	sl.mu.Lock()
	if sl.session == s {
		sl.session = nil
	}
	sl.mu.Unlock()
	b.shutdown(s, reason)
}

// watchExit closes the session once the shell process exits. A background
// job can keep the PTY open, so the read side alone may never see EOF.
func (b *Bridge) watchExit(sl *slot, s *session) {
	select {
	case <-s.pty.Done():
	case <-s.readDone:
		return
	}
	select {
	case <-s.readDone:
	case <-time.After(exitDrain):
	}
	b.release(sl, s, ReasonShellExited)
}

// readLoop publishes shell output until the PTY fails or the shell exits.
func (b *Bridge) readLoop(sl *slot, s *session) {
	defer close(s.readDone)
	buf := make([]byte, 32*1024)
	var carry []byte

	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			complete, rest := splitUTF8(data)
			carry = append([]byte(nil), rest...)
			if len(complete) > 0 {
				b.emit(s, complete)
			}
		}
		if err != nil {
			break
		}
	}
	b.release(sl, s, ReasonShellExited)
}

func (b *Bridge) emit(s *session, data []byte) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.closed.Load() {
		return
	}
	s.scroll.Write(data)
	b.pub.Publish(s.projectID, events.Output(s.projectID, string(data)))
}

// splitUTF8 splits b before a trailing incomplete UTF-8 sequence.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i], b[i:]
		}
		break
	}
	return b, nil
}
