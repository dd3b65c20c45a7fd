package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyper-ai-inc/buildsession/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestEnvironmentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetEnvironment(ctx, "p1")
	if err != nil || got != nil {
		t.Fatalf("expected nil environment, got %+v (%v)", got, err)
	}

	env := models.Environment{
		ProjectID:    "p1",
		Status:       models.EnvRunning,
		StackType:    "node",
		ContainerRef: "bs-p1",
		PortMap:      map[int]int{3000: 49321},
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.SaveEnvironment(ctx, env); err != nil {
		t.Fatalf("SaveEnvironment failed: %v", err)
	}

	got, err = s.GetEnvironment(ctx, "p1")
	if err != nil {
		t.Fatalf("GetEnvironment failed: %v", err)
	}
	if got.Status != models.EnvRunning || got.ContainerRef != "bs-p1" {
		t.Errorf("unexpected environment: %+v", got)
	}
	if got.PortMap[3000] != 49321 {
		t.Errorf("port map not preserved: %v", got.PortMap)
	}

	env.Status = models.EnvStopped
	env.PortMap = nil
	env.LastError = "boom"
	if err := s.SaveEnvironment(ctx, env); err != nil {
		t.Fatalf("SaveEnvironment (update) failed: %v", err)
	}
	envs, err := s.ListEnvironments(ctx)
	if err != nil {
		t.Fatalf("ListEnvironments failed: %v", err)
	}
	if len(envs) != 1 || envs[0].Status != models.EnvStopped || envs[0].LastError != "boom" {
		t.Errorf("unexpected environments: %+v", envs)
	}
	if len(envs[0].PortMap) != 0 {
		t.Errorf("expected empty port map, got %v", envs[0].PortMap)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	step := 2
	task := &models.Task{
		ProjectID: "p1",
		RunID:     "run-1",
		Goal:      "scaffold a REST endpoint",
		Yolo:      false,
		Status:    models.TaskWaitingApproval,
		Plan: []models.PlanStep{
			{ID: 1, Description: "look around", Action: models.ActionAnalyze},
			{ID: 2, Description: "write handler", Action: models.ActionWriteFile, FilePath: "main.go", Content: "package main"},
		},
		Logs:            []models.LogEntry{{Agent: "Planner", Message: "planned 2 steps", Time: time.Now().UTC()}},
		CompletedSteps:  1,
		TotalSteps:      2,
		WaitingApproval: true,
		CurrentStepID:   &step,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	got, err := s.GetTask(ctx, "p1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Goal != task.Goal || got.Status != models.TaskWaitingApproval || !got.WaitingApproval {
		t.Errorf("unexpected task: %+v", got)
	}
	if len(got.Plan) != 2 || got.Plan[1].Content != "package main" {
		t.Errorf("plan not preserved: %+v", got.Plan)
	}
	if len(got.Logs) != 1 || got.Logs[0].Agent != "Planner" {
		t.Errorf("logs not preserved: %+v", got.Logs)
	}
	if got.CurrentStepID == nil || *got.CurrentStepID != 2 {
		t.Errorf("current step not preserved: %v", got.CurrentStepID)
	}

	if err := s.SaveTask(ctx, models.IdleTask("p1")); err != nil {
		t.Fatalf("SaveTask (reset) failed: %v", err)
	}
	got, _ = s.GetTask(ctx, "p1")
	if got.Status != models.TaskIdle || len(got.Plan) != 0 || len(got.Logs) != 0 || got.CurrentStepID != nil {
		t.Errorf("expected cleared task, got %+v", got)
	}
}

func TestListTasksByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for id, st := range map[string]models.TaskStatus{
		"a": models.TaskCoding,
		"b": models.TaskDone,
		"c": models.TaskWaitingApproval,
	} {
		task := models.IdleTask(id)
		task.Status = st
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask failed: %v", err)
		}
	}

	active, err := s.ListTasks(ctx, models.TaskCoding, models.TaskWaitingApproval)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(active) != 2 || active[0].ProjectID != "a" || active[1].ProjectID != "c" {
		t.Errorf("unexpected tasks: %+v", active)
	}

	all, _ := s.ListTasks(ctx)
	if len(all) != 3 {
		t.Errorf("expected 3 tasks, got %d", len(all))
	}
}
