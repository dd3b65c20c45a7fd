package sandbox

import (
	"context"
	"errors"
	"os/exec"

	"github.com/hyper-ai-inc/buildsession/internal/config"
)

var (
	ErrEnvironmentNotReady = errors.New("environment is not running")
	ErrContainerNotFound   = errors.New("container not found")
	ErrInvalidProject      = errors.New("invalid project id")
)

// Profile is a resolved stack profile.
type Profile struct {
	Name string
	config.StackProfile
}

// RunSpec describes one sandbox container to start.
type RunSpec struct {
	ProjectID string
	Name      string // container name
	Workspace string // host directory mounted at ContainerWorkdir
	Profile   Profile
}

// ContainerWorkdir is where the project workspace is mounted inside the
// sandbox.
const ContainerWorkdir = "/workspace"

// Instance is a started sandbox.
type Instance struct {
	Ref   string
	Ports map[int]int // container port -> host port
}

// ContainerState is what Inspect reports.
type ContainerState string

const (
	ContainerRunning ContainerState = "running"
	ContainerStopped ContainerState = "stopped"
	ContainerMissing ContainerState = "missing"
)

// ExecResult is the outcome of a non-interactive command.
type ExecResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Driver abstracts the container runtime behind the environment manager.
type Driver interface {
	// Prepared reports whether the profile's image is ready to run without
	// a build or pull.
	Prepared(ctx context.Context, p Profile) (bool, error)
	// Prepare builds or pulls the profile's image.
	Prepare(ctx context.Context, p Profile) error
	Run(ctx context.Context, spec RunSpec) (*Instance, error)
	// Stop stops and removes the container. Missing containers are not an error.
	Stop(ctx context.Context, ref string) error
	Inspect(ctx context.Context, ref string) (ContainerState, error)
	Logs(ctx context.Context, ref string, tail int) (string, error)
	// Exec runs command through a shell; workdir is relative to the workspace.
	Exec(ctx context.Context, ref, workdir, command string) (ExecResult, error)
	// ShellCommand returns an unstarted interactive shell bound to ref.
	ShellCommand(ref, shell string) (*exec.Cmd, error)
}
