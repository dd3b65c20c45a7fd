package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hyper-ai-inc/buildsession/internal/agent"
	"github.com/hyper-ai-inc/buildsession/internal/config"
	"github.com/hyper-ai-inc/buildsession/internal/events"
	"github.com/hyper-ai-inc/buildsession/internal/fs"
	"github.com/hyper-ai-inc/buildsession/internal/pty"
	"github.com/hyper-ai-inc/buildsession/internal/sandbox"
	"github.com/hyper-ai-inc/buildsession/internal/store"
)

// App owns every long-lived component of the orchestrator.
type App struct {
	cfg       *config.Config
	store     *store.Store
	hub       *events.Hub
	browser   *fs.Browser
	watchers  *fs.Watchers
	envs      *sandbox.Manager
	terminals *pty.Bridge
	tasks     *agent.Controller
	logger    *slog.Logger
}

func newDriver(cfg *config.Config) sandbox.Driver {
	switch cfg.Sandbox.Driver {
	case config.DriverLocal:
		return sandbox.NewLocalDriver()
	case config.DriverMock:
		return sandbox.NewMockDriver()
	default:
		return sandbox.NewDockerDriver(cfg.Sandbox.DockerBinary)
	}
}

// NewApp opens the database and wires the components together. Nothing runs
// until Start.
func NewApp(cfg *config.Config, driver sandbox.Driver, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	hub := events.NewHub(logger)
	browser := fs.NewBrowser(cfg.WorkspaceBase)

	envs := sandbox.NewManager(driver, st, hub, sandbox.Options{
		Stacks:       cfg.Sandbox.Stacks,
		NamePrefix:   cfg.Sandbox.NamePrefix,
		BuildTimeout: cfg.Sandbox.BuildTimeout,
		ExecTimeout:  cfg.Sandbox.ExecTimeout,
		WorkspaceDir: browser.Dir,
	}, logger)

	terminals := pty.NewBridge(envs, hub, pty.Options{
		Cols:       cfg.Terminal.Cols,
		Rows:       cfg.Terminal.Rows,
		Scrollback: cfg.Terminal.Scrollback,
	}, logger)

	pipeline := agent.Pipeline{
		Executor: agent.NewSandboxExecutor(envs, browser, terminals, cfg.Sandbox.ExecTimeout),
	}
	if cfg.Agent.PlannerURL != "" {
		pipeline.Planner = agent.NewHTTPPlanner(cfg.Agent.PlannerURL, cfg.Auth.Token, cfg.Agent.PlannerTimeout)
	}
	tasks := agent.NewController(pipeline, envs, st, hub, agent.Options{
		InteractionSettle: cfg.Agent.InteractionSettle,
	}, logger)

	app := &App{
		cfg:       cfg,
		store:     st,
		hub:       hub,
		browser:   browser,
		envs:      envs,
		terminals: terminals,
		tasks:     tasks,
		logger:    logger,
	}

	envs.OnStop(func(projectID string) {
		terminals.Close(projectID, pty.ReasonEnvStopped)
	})
	if cfg.Watcher.Enabled {
		app.watchers = fs.NewWatchers(browser, hub, cfg.Watcher.Debounce, logger)
		envs.OnRunning(app.watchers.Start)
		envs.OnStop(app.watchers.Stop)
	}
	terminals.OnInput(tasks.NoteInput)

	return app, nil
}

// Start reconciles persisted environments with the driver and resumes
// unfinished tasks.
func (a *App) Start(ctx context.Context) error {
	if err := a.envs.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile environments: %w", err)
	}
	if err := a.tasks.Resume(ctx); err != nil {
		return fmt.Errorf("resume tasks: %w", err)
	}
	return nil
}

// Close stops task workers, terminals and watchers. Containers keep running.
func (a *App) Close(ctx context.Context) error {
	err := a.tasks.Shutdown(ctx)
	a.terminals.CloseAll()
	if a.watchers != nil {
		a.watchers.Close()
	}
	a.envs.Shutdown()
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	return err
}
