// Package agent runs the per-project task state machine: it plans a goal,
// walks the plan step by step, pauses at the approval and interaction gates,
// and persists and publishes every change.
package agent

import (
	"context"
	"errors"

	"github.com/hyper-ai-inc/buildsession/internal/models"
)

var (
	ErrTaskActive         = errors.New("a task is already in progress for this project")
	ErrEmptyGoal          = errors.New("goal must not be empty")
	ErrNotWaitingApproval = errors.New("task is not waiting for approval")
	ErrInvalidProject     = errors.New("invalid project id")
)

// Log roles.
const (
	RoleArchitect  = "Architect"
	RolePlanner    = "Planner"
	RoleStrategist = "Strategist"
	RoleDeveloper  = "Developer"
	RoleExecutor   = "Executor"
	RoleReviewer   = "Reviewer"
	RoleTester     = "Tester"
)

type PlanRequest struct {
	ProjectID string `json:"project_id"`
	Goal      string `json:"goal"`
	ProductID string `json:"product_id,omitempty"`
	FeatureID string `json:"feature_id,omitempty"`
}

type PlanResult struct {
	Steps []models.PlanStep `json:"plan"`
	Logs  []models.LogEntry `json:"logs"`
}

type ExecRequest struct {
	ProjectID string
	Goal      string
	Step      models.PlanStep
}

// StepResult is what executing one plan step produced.
type StepResult struct {
	Logs []models.LogEntry

	// NeedsInteraction pauses the task until a human acts in the terminal.
	NeedsInteraction bool

	// QAPassed marks a passing test run.
	QAPassed bool
}

// Agent is the code-generation agent. Its reasoning is opaque to the
// controller, which only sees plans, logs and step outcomes.
type Agent interface {
	Plan(ctx context.Context, req PlanRequest) (PlanResult, error)
	Execute(ctx context.Context, req ExecRequest) (StepResult, error)
}

// Strategist is implemented by agents with a review pass between planning
// and coding.
type Strategist interface {
	Strategize(ctx context.Context, req PlanRequest, plan []models.PlanStep) ([]models.LogEntry, error)
}

// Environments reports whether a project's sandbox can take work. It
// returns an error wrapping the sandbox not-ready error otherwise.
type Environments interface {
	Running(ctx context.Context, projectID string) (models.Environment, error)
}

// Repository persists tasks.
type Repository interface {
	SaveTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, projectID string) (*models.Task, error)
	ListTasks(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error)
}
