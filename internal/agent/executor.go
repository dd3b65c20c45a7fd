package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hyper-ai-inc/buildsession/internal/fs"
	"github.com/hyper-ai-inc/buildsession/internal/models"
	"github.com/hyper-ai-inc/buildsession/internal/sandbox"
)

// maxLogOutput bounds command output copied into a log entry.
const maxLogOutput = 8 * 1024

// credentialPrompt matches output that is waiting for a human to type a
// secret.
var credentialPrompt = regexp.MustCompile(`(?i)(password:|passphrase|username for|login:|token:)`)

// Sandbox runs commands inside a project's environment.
type Sandbox interface {
	Exec(ctx context.Context, projectID, workdir, command string, timeout time.Duration) (sandbox.ExecResult, error)
}

// Files gives scoped access to a project's workspace.
type Files interface {
	Workspace(projectID string) (*fs.Workspace, error)
}

// Terminal types into a project's shared shell.
type Terminal interface {
	Type(ctx context.Context, projectID string, data []byte) error
}

// SandboxExecutor executes plan steps against the project sandbox.
type SandboxExecutor struct {
	sandbox  Sandbox
	files    Files
	terminal Terminal
	timeout  time.Duration
}

func NewSandboxExecutor(sb Sandbox, files Files, term Terminal, timeout time.Duration) *SandboxExecutor {
	return &SandboxExecutor{sandbox: sb, files: files, terminal: term, timeout: timeout}
}

func (e *SandboxExecutor) Execute(ctx context.Context, req ExecRequest) (StepResult, error) {
	step := req.Step
	switch step.Action {
	case models.ActionAnalyze:
		return e.analyze(ctx, req.ProjectID, step)
	case models.ActionReadFile:
		return e.readFile(req.ProjectID, step)
	case models.ActionWriteFile:
		return e.writeFile(req.ProjectID, step)
	case models.ActionRunCommand:
		return e.runCommand(ctx, req.ProjectID, step)
	case models.ActionRunTests:
		return e.runTests(ctx, req.ProjectID, step)
	case models.ActionInteractive:
		return e.interactive(ctx, req.ProjectID, step)
	default:
		return StepResult{}, fmt.Errorf("unknown action %q", step.Action)
	}
}

func (e *SandboxExecutor) analyze(ctx context.Context, projectID string, step models.PlanStep) (StepResult, error) {
	if step.Command != "" {
		res, err := e.sandbox.Exec(ctx, projectID, "", step.Command, e.timeout)
		if err != nil {
			return StepResult{}, err
		}
		return StepResult{Logs: []models.LogEntry{entry(RoleArchitect, step.Description, tail(res.Output))}}, nil
	}

	ws, err := e.files.Workspace(projectID)
	if err != nil {
		return StepResult{}, err
	}
	entries, err := ws.List("")
	if err != nil && !errors.Is(err, fs.ErrNotFound) {
		return StepResult{}, err
	}
	names := make([]string, 0, len(entries))
	for _, en := range entries {
		if en.Type == fs.TypeDirectory {
			names = append(names, en.Name+"/")
		} else {
			names = append(names, en.Name)
		}
	}
	return StepResult{Logs: []models.LogEntry{entry(RoleArchitect, step.Description, strings.Join(names, "\n"))}}, nil
}

func (e *SandboxExecutor) readFile(projectID string, step models.PlanStep) (StepResult, error) {
	ws, err := e.files.Workspace(projectID)
	if err != nil {
		return StepResult{}, err
	}
	data, err := ws.Read(step.FilePath)
	if err != nil {
		return StepResult{}, fmt.Errorf("read %s: %w", step.FilePath, err)
	}
	return StepResult{Logs: []models.LogEntry{
		entry(RoleDeveloper, "Read "+step.FilePath, tail(string(data))),
	}}, nil
}

func (e *SandboxExecutor) writeFile(projectID string, step models.PlanStep) (StepResult, error) {
	ws, err := e.files.Workspace(projectID)
	if err != nil {
		return StepResult{}, err
	}
	if err := ws.Write(step.FilePath, []byte(step.Content)); err != nil {
		return StepResult{}, fmt.Errorf("write %s: %w", step.FilePath, err)
	}
	return StepResult{Logs: []models.LogEntry{
		entry(RoleDeveloper, fmt.Sprintf("Wrote %s (%d bytes)", step.FilePath, len(step.Content)), ""),
	}}, nil
}

func (e *SandboxExecutor) runCommand(ctx context.Context, projectID string, step models.PlanStep) (StepResult, error) {
	res, err := e.sandbox.Exec(ctx, projectID, "", step.Command, e.timeout)
	if err != nil {
		return StepResult{}, err
	}
	logs := []models.LogEntry{entry(RoleExecutor, "$ "+step.Command, tail(res.Output))}

	if credentialPrompt.MatchString(res.Output) {
		return e.handOver(ctx, projectID, step, logs)
	}
	if res.ExitCode != 0 {
		return StepResult{Logs: logs}, fmt.Errorf("command exited with status %d", res.ExitCode)
	}
	return StepResult{Logs: logs}, nil
}

func (e *SandboxExecutor) runTests(ctx context.Context, projectID string, step models.PlanStep) (StepResult, error) {
	if step.Command == "" {
		return StepResult{}, fmt.Errorf("run_tests step %d has no command", step.ID)
	}
	res, err := e.sandbox.Exec(ctx, projectID, "", step.Command, e.timeout)
	if err != nil {
		return StepResult{}, err
	}
	if res.ExitCode != 0 {
		return StepResult{Logs: []models.LogEntry{entry(RoleTester, "Tests failed", tail(res.Output))}},
			fmt.Errorf("tests exited with status %d", res.ExitCode)
	}
	return StepResult{
		Logs:     []models.LogEntry{entry(RoleTester, "Tests passed", tail(res.Output))},
		QAPassed: true,
	}, nil
}

func (e *SandboxExecutor) interactive(ctx context.Context, projectID string, step models.PlanStep) (StepResult, error) {
	return e.handOver(ctx, projectID, step, nil)
}

// handOver types the step's command into the shared terminal and asks for
// a human to finish it there.
func (e *SandboxExecutor) handOver(ctx context.Context, projectID string, step models.PlanStep, logs []models.LogEntry) (StepResult, error) {
	if step.Command != "" {
		if err := e.terminal.Type(ctx, projectID, []byte(step.Command+"\n")); err != nil {
			return StepResult{Logs: logs}, fmt.Errorf("open terminal: %w", err)
		}
	}
	logs = append(logs, entry(RoleExecutor, "Input required in the terminal: "+step.Description, step.Command))
	return StepResult{Logs: logs, NeedsInteraction: true}, nil
}

func entry(agent, message, details string) models.LogEntry {
	return models.LogEntry{Agent: agent, Message: message, Details: details, Time: time.Now().UTC()}
}

// tail keeps the last maxLogOutput bytes of s.
func tail(s string) string {
	if len(s) <= maxLogOutput {
		return s
	}
	s = s[len(s)-maxLogOutput:]
	for i := 0; i < len(s) && i < 4; i++ {
		if s[i]&0xC0 != 0x80 {
			return s[i:]
		}
	}
	return s
}
