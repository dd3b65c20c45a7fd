// Package events implements the per-project real-time broadcast channel.
//
// Every event has a fixed payload type; the wire shape is
// {"type": ..., "project_id": ..., "data": ...}.
package events

import (
	"encoding/json"

	"github.com/hyper-ai-inc/buildsession/internal/models"
)

// Type names an event on the wire.
type Type string

const (
	TypeEnvStatus      Type = "env_status"
	TypeBuildStarted   Type = "build_started"
	TypeBuildComplete  Type = "build_complete"
	TypeBuildFailed    Type = "build_failed"
	TypeAgentUpdate    Type = "agent_update"
	TypeOutput         Type = "output"
	TypeTerminalClosed Type = "terminal_closed"
	TypeFilesChanged   Type = "files_changed"
	TypeError          Type = "error"
	TypeResync         Type = "resync"
)

// Event is one server-to-client message.
type Event struct {
	Type      Type   `json:"type"`
	ProjectID string `json:"project_id"`
	Data      any    `json:"data,omitempty"`
}

// Marshal encodes the event for a text frame.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// EnvStatusData is the payload of env_status and build_complete.
type EnvStatusData struct {
	Status       models.EnvStatus `json:"status"`
	StackType    string           `json:"stack_type,omitempty"`
	ContainerRef string           `json:"container_ref,omitempty"`
	PortMap      map[int]int      `json:"port_map,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
}

// BuildData is the payload of build_started and build_failed.
type BuildData struct {
	StackType string `json:"stack_type,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AgentUpdateData carries any subset of task progress. Nil fields are
// omitted so a client only applies what changed. A snapshot has log_offset 0
// and always carries the plan, even when it is empty. Step progress events
// are the ones with current_step; completed_tasks otherwise appears only on
// snapshots and on the final update of a run.
type AgentUpdateData struct {
	Logs               []models.LogEntry  `json:"logs,omitempty"`
	LogOffset          *int               `json:"log_offset,omitempty"`
	Plan               *[]models.PlanStep `json:"plan,omitempty"`
	TaskStatus         models.TaskStatus  `json:"task_status,omitempty"`
	CompletedTasks     *int               `json:"completed_tasks,omitempty"`
	TotalTasks         *int               `json:"total_tasks,omitempty"`
	WaitingApproval    *bool              `json:"waiting_approval,omitempty"`
	WaitingInteraction *bool              `json:"waiting_interaction,omitempty"`
	CurrentStep        *models.PlanStep   `json:"current_step,omitempty"`
	Message            string             `json:"message,omitempty"`
}

// TerminalClosedData is the payload of terminal_closed.
type TerminalClosedData struct {
	Reason string `json:"reason"`
}

// FilesChangedData is the payload of files_changed. Paths are relative to
// the project workspace.
type FilesChangedData struct {
	Paths []string `json:"paths"`
}

// ErrorData is the payload of error.
type ErrorData struct {
	Message string `json:"message"`
}

// ResyncData tells a client it missed events and should re-read the
// REST snapshot.
type ResyncData struct {
	Dropped int `json:"dropped"`
}

func EnvStatus(env models.Environment) Event {
	return Event{Type: TypeEnvStatus, ProjectID: env.ProjectID, Data: envData(env)}
}

func BuildStarted(projectID, stackType string) Event {
	return Event{Type: TypeBuildStarted, ProjectID: projectID, Data: BuildData{StackType: stackType}}
}

func BuildComplete(env models.Environment) Event {
	return Event{Type: TypeBuildComplete, ProjectID: env.ProjectID, Data: envData(env)}
}

func BuildFailed(projectID, stackType, msg string) Event {
	return Event{Type: TypeBuildFailed, ProjectID: projectID, Data: BuildData{StackType: stackType, Error: msg}}
}

func AgentUpdate(projectID string, d AgentUpdateData) Event {
	return Event{Type: TypeAgentUpdate, ProjectID: projectID, Data: d}
}

// Output carries terminal bytes as a string. Callers must only pass
// complete UTF-8 sequences.
func Output(projectID, data string) Event {
	return Event{Type: TypeOutput, ProjectID: projectID, Data: data}
}

func TerminalClosed(projectID, reason string) Event {
	return Event{Type: TypeTerminalClosed, ProjectID: projectID, Data: TerminalClosedData{Reason: reason}}
}

func FilesChanged(projectID string, paths []string) Event {
	return Event{Type: TypeFilesChanged, ProjectID: projectID, Data: FilesChangedData{Paths: paths}}
}

func Error(projectID, msg string) Event {
	return Event{Type: TypeError, ProjectID: projectID, Data: ErrorData{Message: msg}}
}

func Resync(projectID string, dropped int) Event {
	return Event{Type: TypeResync, ProjectID: projectID, Data: ResyncData{Dropped: dropped}}
}

func envData(env models.Environment) EnvStatusData {
	env = env.Clone()
	return EnvStatusData{
		Status:       env.Status,
		StackType:    env.StackType,
		ContainerRef: env.ContainerRef,
		PortMap:      env.PortMap,
		LastError:    env.LastError,
	}
}

// Int and Bool return pointers for AgentUpdateData fields.
func Int(v int) *int    { return &v }
func Bool(v bool) *bool { return &v }

// Steps copies a plan for AgentUpdateData. The result is never nil, so an
// empty plan is sent as [].
func Steps(plan []models.PlanStep) *[]models.PlanStep {
	out := append([]models.PlanStep{}, plan...)
	return &out
}
