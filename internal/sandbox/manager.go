// Package sandbox owns the per-project sandbox environment: building,
// starting and stopping it, and reporting its port mappings.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hyper-ai-inc/buildsession/internal/config"
	"github.com/hyper-ai-inc/buildsession/internal/events"
	"github.com/hyper-ai-inc/buildsession/internal/models"
)

// InterruptedBuildError is recorded on environments whose build was cut off
// by an orchestrator restart.
const InterruptedBuildError = "build interrupted by orchestrator restart"

// Repository persists environment records.
type Repository interface {
	SaveEnvironment(ctx context.Context, env models.Environment) error
	GetEnvironment(ctx context.Context, projectID string) (*models.Environment, error)
	ListEnvironments(ctx context.Context) ([]models.Environment, error)
}

// Options configures a Manager.
type Options struct {
	Stacks       map[string]config.StackProfile
	NamePrefix   string
	BuildTimeout time.Duration
	ExecTimeout  time.Duration
	// WorkspaceDir maps a project id to its host workspace directory.
	WorkspaceDir func(projectID string) (string, error)
}

// Manager is the environment lifecycle manager. Each project has its own
// lock; the project map lock is only held for lookup.
type Manager struct {
	driver Driver
	repo   Repository
	pub    events.Publisher
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	envs map[string]*envState

	hooksMu   sync.RWMutex
	onRunning []func(projectID string)
	onStop    []func(projectID string)
}

type envState struct {
	mu     sync.Mutex
	loaded bool
	env    models.Environment
	cancel context.CancelFunc // in-flight build
	gen    uint64             // bumped on every start/stop so stale builds can tell
}

func NewManager(driver Driver, repo Repository, pub events.Publisher, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 10 * time.Minute
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 5 * time.Minute
	}
	if opts.Stacks == nil {
		opts.Stacks = config.DefaultStacks()
	}
	return &Manager{
		driver: driver,
		repo:   repo,
		pub:    pub,
		opts:   opts,
		logger: logger.With("component", "sandbox"),
		envs:   make(map[string]*envState),
	}
}

// OnRunning registers fn to be called after an environment becomes running.
func (m *Manager) OnRunning(fn func(projectID string)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onRunning = append(m.onRunning, fn)
}

// OnStop registers fn to be called when an environment is stopped.
func (m *Manager) OnStop(fn func(projectID string)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onStop = append(m.onStop, fn)
}

func (m *Manager) fire(hooks *[]func(string), projectID string) {
	m.hooksMu.RLock()
	fns := append([]func(string){}, *hooks...)
	m.hooksMu.RUnlock()
	for _, fn := range fns {
		fn(projectID)
	}
}

// state returns the locked state of a project, loading it from the
// repository on first use. Callers must unlock st.mu.
func (m *Manager) state(ctx context.Context, projectID string) *envState {
	m.mu.Lock()
	st, ok := m.envs[projectID]
	if !ok {
		st = &envState{env: models.Environment{ProjectID: projectID, Status: models.EnvStopped}}
		m.envs[projectID] = st
	}
	m.mu.Unlock()

	st.mu.Lock()
	if !st.loaded {
		st.loaded = true
		if m.repo != nil {
			env, err := m.repo.GetEnvironment(ctx, projectID)
			if err != nil {
				m.logger.Error("load environment failed", "project_id", projectID, "error", err)
			} else if env != nil {
				st.env = *env
			}
		}
	}
	return st
}

func (m *Manager) profile(stackType string) Profile {
	if p, ok := m.opts.Stacks[stackType]; ok && stackType != "" {
		return Profile{Name: stackType, StackProfile: p}
	}
	return Profile{Name: config.DefaultStack, StackProfile: m.opts.Stacks[config.DefaultStack]}
}

func (m *Manager) containerName(projectID string) string {
	return m.opts.NamePrefix + projectID
}

// persist writes the record and publishes env_status. Called with st.mu held.
func (m *Manager) persist(ctx context.Context, st *envState) {
	st.env.UpdatedAt = time.Now().UTC()
	if m.repo != nil {
		if err := m.repo.SaveEnvironment(ctx, st.env); err != nil {
			m.logger.Error("save environment failed", "project_id", st.env.ProjectID, "error", err)
		}
	}
	m.pub.Publish(st.env.ProjectID, events.EnvStatus(st.env))
}

// Start brings a project's sandbox up. It is idempotent: a running or
// building environment is returned as is. When the image is already
// prepared the container is started synchronously; otherwise the build runs
// in the background and the environment is returned as building.
func (m *Manager) Start(ctx context.Context, projectID, stackType string) (models.Environment, error) {
	if !models.ValidProjectID(projectID) {
		return models.Environment{}, ErrInvalidProject
	}
	wsDir, err := m.workspaceDir(projectID)
	if err != nil {
		return models.Environment{}, err
	}

	st := m.state(ctx, projectID)
	if st.env.Status == models.EnvRunning || st.env.Status == models.EnvBuilding {
		env := st.env.Clone()
		st.mu.Unlock()
		return env, nil
	}

	profile := m.profile(stackType)
	spec := RunSpec{
		ProjectID: projectID,
		Name:      m.containerName(projectID),
		Workspace: wsDir,
		Profile:   profile,
	}
	st.gen++
	st.env.StackType = profile.Name
	st.env.LastError = ""

	prepared, err := m.driver.Prepared(ctx, profile)
	if err != nil {
		m.logger.Warn("image check failed, building", "project_id", projectID, "stack", profile.Name, "error", err)
	}
	if prepared {
		inst, err := m.driver.Run(ctx, spec)
		if err != nil {
			m.failLocked(ctx, st, err)
			env := st.env.Clone()
			st.mu.Unlock()
			return env, nil
		}
		m.runningLocked(ctx, st, inst)
		env := st.env.Clone()
		st.mu.Unlock()
		m.fire(&m.onRunning, projectID)
		return env, nil
	}

	buildCtx, cancel := context.WithTimeout(context.Background(), m.opts.BuildTimeout)
	st.cancel = cancel
	st.env.Status = models.EnvBuilding
	st.env.ContainerRef = ""
	st.env.PortMap = nil
	m.pub.Publish(projectID, events.BuildStarted(projectID, profile.Name))
	m.persist(ctx, st)
	env := st.env.Clone()
	gen := st.gen
	st.mu.Unlock()

	m.logger.Info("build started", "project_id", projectID, "stack", profile.Name)
	go m.build(buildCtx, cancel, st, gen, spec)
	return env, nil
}

func (m *Manager) build(ctx context.Context, cancel context.CancelFunc, st *envState, gen uint64, spec RunSpec) {
	defer cancel()

	err := m.driver.Prepare(ctx, spec.Profile)
	var inst *Instance
	if err == nil {
		inst, err = m.driver.Run(ctx, spec)
	}

	persistCtx := context.Background()
	st.mu.Lock()
	if st.gen != gen {
		// Stopped or restarted while building.
		st.mu.Unlock()
		if inst != nil {
			if err := m.driver.Stop(persistCtx, inst.Ref); err != nil {
				m.logger.Warn("release stale container failed", "project_id", spec.ProjectID, "error", err)
			}
		}
		return
	}
	st.cancel = nil
	if err != nil {
		m.failLocked(persistCtx, st, err)
		st.mu.Unlock()
		return
	}
	m.runningLocked(persistCtx, st, inst)
	st.mu.Unlock()
	m.fire(&m.onRunning, spec.ProjectID)
}

func (m *Manager) failLocked(ctx context.Context, st *envState, err error) {
	m.logger.Error("build failed", "project_id", st.env.ProjectID, "stack", st.env.StackType, "error", err)
	st.env.Status = models.EnvStopped
	st.env.ContainerRef = ""
	st.env.PortMap = nil
	st.env.LastError = err.Error()
	m.pub.Publish(st.env.ProjectID, events.BuildFailed(st.env.ProjectID, st.env.StackType, err.Error()))
	m.persist(ctx, st)
}

func (m *Manager) runningLocked(ctx context.Context, st *envState, inst *Instance) {
	st.env.Status = models.EnvRunning
	st.env.ContainerRef = inst.Ref
	st.env.PortMap = inst.Ports
	st.env.LastError = ""
	m.pub.Publish(st.env.ProjectID, events.BuildComplete(st.env))
	m.persist(ctx, st)
	m.logger.Info("environment running", "project_id", st.env.ProjectID, "ref", inst.Ref, "ports", inst.Ports)
}

// Stop tears a project's sandbox down, cancelling any in-flight build.
// Release errors are logged, never returned: an environment can always be
// stopped from the caller's point of view.
func (m *Manager) Stop(ctx context.Context, projectID string) (models.Environment, error) {
	if !models.ValidProjectID(projectID) {
		return models.Environment{}, ErrInvalidProject
	}
	st := m.state(ctx, projectID)
	wasActive := st.env.Status != models.EnvStopped
	ref := st.env.ContainerRef
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.gen++
	if wasActive {
		st.env.Status = models.EnvStopped
		st.env.ContainerRef = ""
		st.env.PortMap = nil
		st.env.LastError = ""
		m.persist(ctx, st)
	}
	env := st.env.Clone()
	st.mu.Unlock()

	if wasActive {
		m.fire(&m.onStop, projectID)
	}
	if ref != "" {
		if err := m.driver.Stop(context.WithoutCancel(ctx), ref); err != nil {
			m.logger.Warn("release container failed", "project_id", projectID, "ref", ref, "error", err)
		}
	}
	if wasActive {
		m.logger.Info("environment stopped", "project_id", projectID)
	}
	return env, nil
}

// GetStatus returns a snapshot of the environment. Unknown projects report
// stopped.
func (m *Manager) GetStatus(ctx context.Context, projectID string) models.Environment {
	st := m.state(ctx, projectID)
	defer st.mu.Unlock()
	return st.env.Clone()
}

// Running returns the environment if it is running, else
// ErrEnvironmentNotReady.
func (m *Manager) Running(ctx context.Context, projectID string) (models.Environment, error) {
	env := m.GetStatus(ctx, projectID)
	if env.Status != models.EnvRunning || env.ContainerRef == "" {
		return env, fmt.Errorf("%w: project %s is %s", ErrEnvironmentNotReady, projectID, env.Status)
	}
	return env, nil
}

// ContainerLogs returns the sandbox's raw stdout/stderr.
func (m *Manager) ContainerLogs(ctx context.Context, projectID string, tail int) (string, error) {
	env := m.GetStatus(ctx, projectID)
	if env.ContainerRef == "" {
		return "", fmt.Errorf("%w: project %s has no container", ErrEnvironmentNotReady, projectID)
	}
	return m.driver.Logs(ctx, env.ContainerRef, tail)
}

// Exec runs a non-interactive command inside a running sandbox. A zero
// timeout uses the configured default.
func (m *Manager) Exec(ctx context.Context, projectID, workdir, command string, timeout time.Duration) (ExecResult, error) {
	env, err := m.Running(ctx, projectID)
	if err != nil {
		return ExecResult{}, err
	}
	if timeout <= 0 {
		timeout = m.opts.ExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.driver.Exec(ctx, env.ContainerRef, workdir, command)
}

// ShellCommand returns an interactive shell command bound to a running
// sandbox.
func (m *Manager) ShellCommand(ctx context.Context, projectID string) (*exec.Cmd, error) {
	env, err := m.Running(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return m.driver.ShellCommand(env.ContainerRef, m.profile(env.StackType).Shell)
}

// Reconcile aligns persisted environments with the runtime after a
// restart. Interrupted builds become stopped with an explanatory error;
// running records whose container vanished become stopped.
func (m *Manager) Reconcile(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	envs, err := m.repo.ListEnvironments(ctx)
	if err != nil {
		return fmt.Errorf("list environments: %w", err)
	}

	var running []string
	for _, env := range envs {
		st := m.state(ctx, env.ProjectID)
		switch st.env.Status {
		case models.EnvBuilding:
			st.env.Status = models.EnvStopped
			st.env.ContainerRef = ""
			st.env.PortMap = nil
			st.env.LastError = InterruptedBuildError
			m.persist(ctx, st)
			m.logger.Warn("build interrupted by restart", "project_id", env.ProjectID)
		case models.EnvRunning:
			state, err := m.driver.Inspect(ctx, st.env.ContainerRef)
			if err != nil {
				m.logger.Warn("inspect failed, keeping record", "project_id", env.ProjectID, "error", err)
				running = append(running, env.ProjectID)
				break
			}
			if state == ContainerRunning {
				running = append(running, env.ProjectID)
				break
			}
			if state == ContainerStopped {
				if err := m.driver.Stop(ctx, st.env.ContainerRef); err != nil {
					m.logger.Warn("release stopped container failed", "project_id", env.ProjectID, "ref", st.env.ContainerRef, "error", err)
				}
			}
			st.env.Status = models.EnvStopped
			st.env.ContainerRef = ""
			st.env.PortMap = nil
			st.env.LastError = "container " + string(state) + " after orchestrator restart"
			m.persist(ctx, st)
			m.logger.Warn("container lost", "project_id", env.ProjectID, "state", state)
		}
		st.mu.Unlock()
	}

	for _, id := range running {
		m.fire(&m.onRunning, id)
	}
	return nil
}

// Shutdown cancels in-flight builds without recording a failure, so the
// next process reports them as interrupted. Containers are left running for
// Reconcile to adopt.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	states := make([]*envState, 0, len(m.envs))
	for _, st := range m.envs {
		states = append(states, st)
	}
	m.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.cancel != nil {
			st.gen++
			st.cancel()
			st.cancel = nil
		}
		st.mu.Unlock()
	}
}

func (m *Manager) workspaceDir(projectID string) (string, error) {
	if m.opts.WorkspaceDir == nil {
		return "", fmt.Errorf("no workspace configured for %s", projectID)
	}
	dir, err := m.opts.WorkspaceDir(projectID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}
