package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// LocalDriver runs sandboxes as plain host directories. It is meant for
// development machines without docker: there is nothing to build, so every
// start takes the synchronous path, and ports are published 1:1.
type LocalDriver struct {
	mu        sync.Mutex
	instances map[string]string // ref -> workspace
}

func NewLocalDriver() *LocalDriver {
	return &LocalDriver{instances: make(map[string]string)}
}

func (d *LocalDriver) Prepared(ctx context.Context, p Profile) (bool, error) { return true, nil }

func (d *LocalDriver) Prepare(ctx context.Context, p Profile) error { return nil }

func (d *LocalDriver) Run(ctx context.Context, spec RunSpec) (*Instance, error) {
	if err := os.MkdirAll(spec.Workspace, 0o755); err != nil {
		return nil, err
	}
	ports := make(map[int]int, len(spec.Profile.Ports))
	for _, p := range spec.Profile.Ports {
		ports[p] = p
	}
	d.mu.Lock()
	d.instances[spec.Name] = spec.Workspace
	d.mu.Unlock()
	return &Instance{Ref: spec.Name, Ports: ports}, nil
}

func (d *LocalDriver) Stop(ctx context.Context, ref string) error {
	d.mu.Lock()
	delete(d.instances, ref)
	d.mu.Unlock()
	return nil
}

func (d *LocalDriver) Inspect(ctx context.Context, ref string) (ContainerState, error) {
	if _, err := d.workspace(ref); err != nil {
		return ContainerMissing, nil
	}
	return ContainerRunning, nil
}

func (d *LocalDriver) Logs(ctx context.Context, ref string, tail int) (string, error) {
	if _, err := d.workspace(ref); err != nil {
		return "", err
	}
	return "", nil
}

func (d *LocalDriver) workspace(ref string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ws, ok := d.instances[ref]
	if !ok {
		return "", ErrContainerNotFound
	}
	return ws, nil
}

// hostDir maps a workspace-relative workdir onto the host, never leaving
// the workspace.
func hostDir(ws, workdir string) string {
	rel := filepath.Clean("/" + strings.TrimPrefix(workdir, ContainerWorkdir))
	return filepath.Join(ws, rel)
}

func (d *LocalDriver) Exec(ctx context.Context, ref, workdir, command string) (ExecResult, error) {
	ws, err := d.workspace(ref)
	if err != nil {
		return ExecResult{}, err
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = hostDir(ws, workdir)
	out, err := cmd.CombinedOutput()
	return execResult(out, err)
}

func (d *LocalDriver) ShellCommand(ref, shell string) (*exec.Cmd, error) {
	ws, err := d.workspace(ref)
	if err != nil {
		return nil, err
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	if _, err := exec.LookPath(shell); err != nil {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell)
	cmd.Dir = ws
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	return cmd, nil
}
