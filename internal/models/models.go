// Package models defines the domain types shared by the environment manager,
// the task state store, the event hub and persistence.
package models

import (
	"regexp"
	"strings"
	"time"
)

// EnvStatus is the lifecycle state of a project sandbox.
type EnvStatus string

const (
	EnvStopped  EnvStatus = "stopped"
	EnvBuilding EnvStatus = "building"
	EnvRunning  EnvStatus = "running"
)

// Environment is the per-project sandbox record. It is owned exclusively by
// the environment manager; everything else sees copies.
type Environment struct {
	ProjectID    string      `json:"project_id"`
	Status       EnvStatus   `json:"status"`
	StackType    string      `json:"stack_type,omitempty"`
	ContainerRef string      `json:"container_ref,omitempty"`
	PortMap      map[int]int `json:"port_map,omitempty"` // container port -> host port
	LastError    string      `json:"last_error,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (e Environment) Clone() Environment {
	if e.PortMap != nil {
		ports := make(map[int]int, len(e.PortMap))
		for k, v := range e.PortMap {
			ports[k] = v
		}
		e.PortMap = ports
	}
	return e
}

// TaskStatus is the state of the agent task for a project.
type TaskStatus string

const (
	TaskIdle               TaskStatus = "idle"
	TaskPlanningNeeded     TaskStatus = "planning_needed"
	TaskPlanReady          TaskStatus = "plan_ready"
	TaskStrategizing       TaskStatus = "strategizing"
	TaskCoding             TaskStatus = "coding"
	TaskWaitingApproval    TaskStatus = "waiting_approval"
	TaskWaitingInteraction TaskStatus = "waiting_interaction"
	TaskQAPassed           TaskStatus = "qa_passed"
	TaskDone               TaskStatus = "done"
	TaskFailed             TaskStatus = "failed"
	TaskAbandoned          TaskStatus = "abandoned"
)

// Terminal reports whether no further automatic progress happens in this
// status. A new goal is required to continue.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskQAPassed, TaskDone, TaskFailed, TaskAbandoned:
		return true
	}
	return false
}

// Active reports whether a worker owns the task in this status.
func (s TaskStatus) Active() bool {
	return s != TaskIdle && s != "" && !s.Terminal()
}

// Step actions understood by the sandbox executor.
const (
	ActionAnalyze     = "analyze"
	ActionReadFile    = "read_file"
	ActionWriteFile   = "write_file"
	ActionRunCommand  = "run_command"
	ActionRunTests    = "run_tests"
	ActionInteractive = "interactive"
)

// PlanStep is one unit of planned work. Steps are immutable once emitted.
type PlanStep struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Action      string `json:"action"`
	Command     string `json:"command,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	Content     string `json:"content,omitempty"`
}

// AutoExecutable reports whether the step may run without human approval
// when YOLO mode is off. Only read-only actions qualify.
func (s PlanStep) AutoExecutable() bool {
	return s.Action == ActionAnalyze || s.Action == ActionReadFile
}

// LogEntry is one append-only line in the task log. Agent names the emitting
// role (Architect, Planner, Developer, Reviewer, Executor, Strategist, Tester)
// and only matters for presentation.
type LogEntry struct {
	Agent   string    `json:"agent"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	Time    time.Time `json:"time"`
}

// Task is the single current (or most recent) unit of agent work for a project.
type Task struct {
	ProjectID          string     `json:"project_id"`
	RunID              string     `json:"run_id,omitempty"`
	Goal               string     `json:"goal"`
	Yolo               bool       `json:"yolo"`
	ProductID          string     `json:"product_id,omitempty"`
	FeatureID          string     `json:"feature_id,omitempty"`
	Status             TaskStatus `json:"status"`
	Plan               []PlanStep `json:"plan"`
	Logs               []LogEntry `json:"logs"`
	CompletedSteps     int        `json:"completed_steps"`
	TotalSteps         int        `json:"total_steps"`
	WaitingApproval    bool       `json:"waiting_approval"`
	WaitingInteraction bool       `json:"waiting_interaction"`
	CurrentStepID      *int       `json:"current_step_id,omitempty"`
	QAVerified         bool       `json:"qa_verified,omitempty"`
	Message            string     `json:"message,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IdleTask returns the cleared task state for a project.
func IdleTask(projectID string) *Task {
	return &Task{
		ProjectID: projectID,
		Status:    TaskIdle,
		Plan:      []PlanStep{},
		Logs:      []LogEntry{},
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Plan = append([]PlanStep{}, t.Plan...)
	c.Logs = append([]LogEntry{}, t.Logs...)
	if t.CurrentStepID != nil {
		id := *t.CurrentStepID
		c.CurrentStepID = &id
	}
	return &c
}

// CurrentStep returns the step at CompletedSteps, if any.
func (t *Task) CurrentStep() (PlanStep, bool) {
	if t.CompletedSteps < 0 || t.CompletedSteps >= len(t.Plan) {
		return PlanStep{}, false
	}
	return t.Plan[t.CompletedSteps], true
}

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidProjectID reports whether id is safe to use as a directory name,
// container name suffix and database key.
func ValidProjectID(id string) bool {
	return projectIDPattern.MatchString(id) && !strings.Contains(id, "..")
}
