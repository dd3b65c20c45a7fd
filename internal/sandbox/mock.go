package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrMockFailure is returned by MockDriver when a Fail* knob is set.
var ErrMockFailure = errors.New("mock driver failure")

// MockDriver implements Driver in memory for tests. Shells are real
// /bin/sh processes rooted in the workspace so terminal tests can run
// without docker.
type MockDriver struct {
	mu         sync.RWMutex
	prepared   map[string]bool
	containers map[string]*mockContainer
	builds     int
	runs       int

	// PrepareDelay simulates image build time; honours ctx cancellation.
	PrepareDelay time.Duration

	// FailPrepare causes Prepare to fail
	FailPrepare bool

	// FailRun causes Run to fail
	FailRun bool

	// FailStop causes Stop to fail
	FailStop bool

	// ExecFunc overrides Exec; the default returns empty output, exit 0.
	ExecFunc func(ref, workdir, command string) (ExecResult, error)
}

type mockContainer struct {
	spec    RunSpec
	running bool
	logs    string
}

func NewMockDriver() *MockDriver {
	return &MockDriver{
		prepared:   make(map[string]bool),
		containers: make(map[string]*mockContainer),
	}
}

// SetPrepared marks a profile's image as already built.
func (m *MockDriver) SetPrepared(profile string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepared[profile] = ok
}

// Builds returns how many times Prepare ran.
func (m *MockDriver) Builds() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.builds
}

// Runs returns how many containers were started.
func (m *MockDriver) Runs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runs
}

// Kill makes a container vanish, as if removed outside the orchestrator.
func (m *MockDriver) Kill(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, ref)
}

// Exit marks a container as exited but not removed.
func (m *MockDriver) Exit(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[ref]; ok {
		c.running = false
	}
}

// SetLogs sets what Logs returns for ref.
func (m *MockDriver) SetLogs(ref, logs string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[ref]; ok {
		c.logs = logs
	}
}

func (m *MockDriver) Prepared(ctx context.Context, p Profile) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prepared[p.Name], nil
}

func (m *MockDriver) Prepare(ctx context.Context, p Profile) error {
	m.mu.Lock()
	m.builds++
	m.mu.Unlock()

	if m.PrepareDelay > 0 {
		select {
		case <-time.After(m.PrepareDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.FailPrepare {
		return ErrMockFailure
	}
	m.SetPrepared(p.Name, true)
	return nil
}

func (m *MockDriver) Run(ctx context.Context, spec RunSpec) (*Instance, error) {
	if m.FailRun {
		return nil, ErrMockFailure
	}
	if err := os.MkdirAll(spec.Workspace, 0o755); err != nil {
		return nil, err
	}

	ref := spec.Name
	if ref == "" {
		ref = "mock-" + uuid.New().String()[:8]
	}
	ports := make(map[int]int, len(spec.Profile.Ports))
	for i, p := range spec.Profile.Ports {
		ports[p] = 40000 + i
	}

	m.mu.Lock()
	m.runs++
	m.containers[ref] = &mockContainer{spec: spec, running: true}
	m.mu.Unlock()
	return &Instance{Ref: ref, Ports: ports}, nil
}

func (m *MockDriver) Stop(ctx context.Context, ref string) error {
	if m.FailStop {
		return ErrMockFailure
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, ref)
	return nil
}

func (m *MockDriver) Inspect(ctx context.Context, ref string) (ContainerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[ref]
	if !ok {
		return ContainerMissing, nil
	}
	if !c.running {
		return ContainerStopped, nil
	}
	return ContainerRunning, nil
}

func (m *MockDriver) Logs(ctx context.Context, ref string, tail int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[ref]
	if !ok {
		return "", ErrContainerNotFound
	}
	return c.logs, nil
}

func (m *MockDriver) Exec(ctx context.Context, ref, workdir, command string) (ExecResult, error) {
	m.mu.RLock()
	_, ok := m.containers[ref]
	fn := m.ExecFunc
	m.mu.RUnlock()
	if !ok {
		return ExecResult{}, ErrContainerNotFound
	}
	if fn != nil {
		return fn(ref, workdir, command)
	}
	return ExecResult{}, nil
}

func (m *MockDriver) ShellCommand(ref, shell string) (*exec.Cmd, error) {
	m.mu.RLock()
	c, ok := m.containers[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrContainerNotFound
	}
	cmd := exec.Command("/bin/sh")
	cmd.Dir = c.spec.Workspace
	cmd.Env = append(os.Environ(), "TERM=dumb", "PS1=$ ")
	return cmd, nil
}
