package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DockerDriver drives containers through the docker CLI.
type DockerDriver struct {
	binary string

	// run executes the CLI; replaced in tests.
	run func(ctx context.Context, args ...string) ([]byte, error)
}

func NewDockerDriver(binary string) *DockerDriver {
	if binary == "" {
		binary = "docker"
	}
	d := &DockerDriver{binary: binary}
	d.run = func(ctx context.Context, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, d.binary, args...).CombinedOutput()
	}
	return d
}

// imageName is the tag a profile runs. Profiles with a Dockerfile get a
// locally built tag.
func imageName(p Profile) string {
	if p.Dockerfile != "" {
		return "bs-stack-" + p.Name
	}
	return p.Image
}

func (d *DockerDriver) Prepared(ctx context.Context, p Profile) (bool, error) {
	if _, err := d.run(ctx, "image", "inspect", imageName(p)); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *DockerDriver) Prepare(ctx context.Context, p Profile) error {
	var args []string
	if p.Dockerfile != "" {
		args = []string{"build", "-q", "-t", imageName(p), "-f", p.Dockerfile, filepath.Dir(p.Dockerfile)}
	} else {
		args = []string{"pull", "-q", p.Image}
	}
	if out, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("docker %s failed: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (d *DockerDriver) runArgs(spec RunSpec) []string {
	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--label", "buildsession.project=" + spec.ProjectID,
		"-v", fmt.Sprintf("%s:%s", spec.Workspace, ContainerWorkdir),
		"-w", ContainerWorkdir,
	}
	for _, port := range spec.Profile.Ports {
		args = append(args, "-p", fmt.Sprintf("0:%d", port))
	}
	keys := make([]string, 0, len(spec.Profile.Env))
	for k := range spec.Profile.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Profile.Env[k]))
	}
	return append(args, imageName(spec.Profile), "sleep", "infinity")
}

func (d *DockerDriver) Run(ctx context.Context, spec RunSpec) (*Instance, error) {
	// A container left over from a previous orchestrator run would block the name.
	d.run(ctx, "rm", "-f", spec.Name)

	out, err := d.run(ctx, d.runArgs(spec)...)
	if err != nil {
		return nil, fmt.Errorf("docker run failed: %s: %w", strings.TrimSpace(string(out)), err)
	}

	ports, err := d.queryPorts(ctx, spec.Name)
	if err != nil {
		d.run(context.WithoutCancel(ctx), "rm", "-f", spec.Name)
		return nil, err
	}
	return &Instance{Ref: spec.Name, Ports: ports}, nil
}

func (d *DockerDriver) queryPorts(ctx context.Context, name string) (map[int]int, error) {
	out, err := d.run(ctx, "port", name)
	if err != nil {
		return nil, fmt.Errorf("docker port failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return parsePorts(string(out)), nil
}

// parsePorts parses `docker port` output, lines like
// "3000/tcp -> 0.0.0.0:49321". IPv6 duplicates map to the same host port.
func parsePorts(out string) map[int]int {
	ports := make(map[int]int)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), " -> ", 2)
		if len(parts) != 2 {
			continue
		}
		container, err := strconv.Atoi(strings.SplitN(parts[0], "/", 2)[0])
		if err != nil {
			continue
		}
		i := strings.LastIndex(parts[1], ":")
		if i < 0 {
			continue
		}
		host, err := strconv.Atoi(parts[1][i+1:])
		if err != nil {
			continue
		}
		if _, seen := ports[container]; !seen {
			ports[container] = host
		}
	}
	return ports
}

func (d *DockerDriver) Stop(ctx context.Context, ref string) error {
	d.run(ctx, "stop", "-t", "5", ref)
	out, err := d.run(ctx, "rm", "-f", ref)
	if err != nil && !strings.Contains(string(out), "No such container") {
		return fmt.Errorf("docker rm failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (d *DockerDriver) Inspect(ctx context.Context, ref string) (ContainerState, error) {
	out, err := d.run(ctx, "inspect", "-f", "{{.State.Status}}", ref)
	if err != nil {
		if strings.Contains(string(out), "No such") {
			return ContainerMissing, nil
		}
		return "", fmt.Errorf("docker inspect failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return dockerToState(strings.TrimSpace(string(out))), nil
}

func dockerToState(status string) ContainerState {
	switch status {
	case "running":
		return ContainerRunning
	case "":
		return ContainerMissing
	default:
		return ContainerStopped
	}
}

func (d *DockerDriver) Logs(ctx context.Context, ref string, tail int) (string, error) {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	out, err := d.run(ctx, append(args, ref)...)
	if err != nil {
		return "", fmt.Errorf("docker logs failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

func containerDir(workdir string) string {
	return path.Join(ContainerWorkdir, path.Clean("/"+workdir))
}

func (d *DockerDriver) Exec(ctx context.Context, ref, workdir, command string) (ExecResult, error) {
	out, err := d.run(ctx, "exec", "-w", containerDir(workdir), ref, "sh", "-lc", command)
	return execResult(out, err)
}

// execResult folds a non-zero exit into the result; only failures to run
// the command at all are errors.
func execResult(out []byte, err error) (ExecResult, error) {
	res := ExecResult{Output: string(out)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

func (d *DockerDriver) ShellCommand(ref, shell string) (*exec.Cmd, error) {
	if shell == "" {
		shell = "/bin/bash"
	}
	return exec.Command(d.binary, "exec", "-it",
		"-w", ContainerWorkdir,
		"-e", "TERM=xterm-256color",
		ref, shell), nil
}
