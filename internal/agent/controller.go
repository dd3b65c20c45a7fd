package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyper-ai-inc/buildsession/internal/events"
	"github.com/hyper-ai-inc/buildsession/internal/models"
)

// DefaultInteractionSettle is how long the terminal must stay quiet after a
// submitted line before a pending interaction counts as resolved.
const DefaultInteractionSettle = 3 * time.Second

type Options struct {
	InteractionSettle time.Duration
}

// Controller is the task state store. Each project has its own lock and at
// most one worker goroutine; the project map lock is only held for lookup.
type Controller struct {
	agent  Agent
	envs   Environments
	repo   Repository
	pub    events.Publisher
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*taskState

	wg sync.WaitGroup
}

type taskState struct {
	mu     sync.Mutex
	loaded bool
	task   *models.Task

	cancel   context.CancelFunc // stops the worker at its next step boundary
	wake     chan struct{}      // signalled when a gate is cleared
	approved int                // step index authorised by Approve, -1 if none

	published int // log entries already sent to subscribers
	settle    *time.Timer
}

func NewController(a Agent, envs Environments, repo Repository, pub events.Publisher, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.InteractionSettle <= 0 {
		opts.InteractionSettle = DefaultInteractionSettle
	}
	return &Controller{
		agent:  a,
		envs:   envs,
		repo:   repo,
		pub:    pub,
		opts:   opts,
		logger: logger.With("component", "agent"),
		tasks:  make(map[string]*taskState),
	}
}

// state returns the locked state of a project, loading it from the
// repository on first use. Callers must unlock st.mu.
func (c *Controller) state(ctx context.Context, projectID string) *taskState {
	c.mu.Lock()
	st, ok := c.tasks[projectID]
	if !ok {
		st = &taskState{approved: -1}
		c.tasks[projectID] = st
	}
	c.mu.Unlock()

	st.mu.Lock()
	if !st.loaded {
		st.loaded = true
		st.task = models.IdleTask(projectID)
		if c.repo != nil {
			task, err := c.repo.GetTask(ctx, projectID)
			if err != nil {
				c.logger.Error("load task failed", "project_id", projectID, "error", err)
			} else if task != nil {
				st.task = task
				st.published = len(task.Logs)
			}
		}
	}
	return st
}

// GetStatus returns a snapshot of the project's task. It never fails; an
// unknown project reports an idle task.
func (c *Controller) GetStatus(ctx context.Context, projectID string) *models.Task {
	st := c.state(ctx, projectID)
	defer st.mu.Unlock()
	return st.task.Clone()
}

// GetLogs returns the full task log.
func (c *Controller) GetLogs(ctx context.Context, projectID string) []models.LogEntry {
	st := c.state(ctx, projectID)
	defer st.mu.Unlock()
	return append([]models.LogEntry{}, st.task.Logs...)
}

// SubmitGoal clears any finished task and starts a new run in the
// background. A task still in progress is not replaced.
func (c *Controller) SubmitGoal(ctx context.Context, projectID, goal string, yolo bool, productID, featureID string) (*models.Task, error) {
	if !models.ValidProjectID(projectID) {
		return nil, ErrInvalidProject
	}
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, ErrEmptyGoal
	}

	st := c.state(ctx, projectID)
	defer st.mu.Unlock()

	if st.task.Status.Active() {
		return nil, fmt.Errorf("%w (status %s)", ErrTaskActive, st.task.Status)
	}
	if _, err := c.envs.Running(ctx, projectID); err != nil {
		return nil, err
	}

	st.stopTimer()
	st.task = &models.Task{
		ProjectID: projectID,
		RunID:     uuid.New().String(),
		Goal:      goal,
		Yolo:      yolo,
		ProductID: productID,
		FeatureID: featureID,
		Status:    models.TaskPlanningNeeded,
		Plan:      []models.PlanStep{},
		Logs:      []models.LogEntry{},
	}
	st.approved = -1
	st.published = 0
	c.save(ctx, st)
	c.publishSnapshot(st)

	c.spawn(st)
	c.logger.Info("task started", "project_id", projectID, "run_id", st.task.RunID, "yolo", yolo)
	return st.task.Clone(), nil
}

// Approve clears the approval gate and lets the paused step run. With yolo
// set the rest of the run no longer pauses for approval.
func (c *Controller) Approve(ctx context.Context, projectID string, yolo bool) (*models.Task, error) {
	st := c.state(ctx, projectID)
	defer st.mu.Unlock()

	if !st.task.WaitingApproval {
		return nil, ErrNotWaitingApproval
	}
	st.task.WaitingApproval = false
	st.task.Status = models.TaskCoding
	if yolo {
		st.task.Yolo = true
	}
	st.approved = st.task.CompletedSteps
	c.save(ctx, st)
	c.publish(st, events.AgentUpdateData{
		TaskStatus:      st.task.Status,
		WaitingApproval: events.Bool(false),
	})
	st.signal()
	return st.task.Clone(), nil
}

// Reject aborts a task paused for approval. The task ends abandoned.
func (c *Controller) Reject(ctx context.Context, projectID string) (*models.Task, error) {
	st := c.state(ctx, projectID)
	defer st.mu.Unlock()

	if !st.task.WaitingApproval {
		return nil, ErrNotWaitingApproval
	}
	st.halt()
	st.task.WaitingApproval = false
	st.task.CurrentStepID = nil
	st.task.Status = models.TaskAbandoned
	st.task.Message = "plan rejected"
	st.appendLog(RoleReviewer, "Plan rejected; task abandoned", "")
	c.save(ctx, st)
	c.publish(st, events.AgentUpdateData{
		TaskStatus:      st.task.Status,
		WaitingApproval: events.Bool(false),
		Message:         st.task.Message,
	})
	c.logger.Info("task rejected", "project_id", projectID, "run_id", st.task.RunID)
	return st.task.Clone(), nil
}

// Reset force-clears the task back to idle from any status. It cancels the
// worker without waiting for it; a step already running finishes in the
// background and its result is discarded. Reset never fails.
func (c *Controller) Reset(ctx context.Context, projectID string) *models.Task {
	st := c.state(ctx, projectID)
	defer st.mu.Unlock()

	st.halt()
	prev := st.task.Status
	st.task = models.IdleTask(projectID)
	st.approved = -1
	st.published = 0
	c.save(ctx, st)
	c.publishSnapshot(st)
	c.logger.Info("task reset", "project_id", projectID, "previous_status", prev)
	return st.task.Clone()
}

// NoteInput observes human terminal input. While a task waits for
// interaction, each submitted line re-arms the settle timer; when it fires
// the interaction is considered resolved.
func (c *Controller) NoteInput(projectID string, data []byte) {
	c.mu.Lock()
	st, ok := c.tasks[projectID]
	c.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.task == nil || !st.task.WaitingInteraction || !strings.ContainsAny(string(data), "\r\n") {
		return
	}
	runID := st.task.RunID
	st.stopTimer()
	st.settle = time.AfterFunc(c.opts.InteractionSettle, func() {
		c.resolveInteraction(projectID, runID)
	})
}

func (c *Controller) resolveInteraction(projectID, runID string) {
	ctx := context.Background()
	st := c.state(ctx, projectID)
	defer st.mu.Unlock()

	if st.task.RunID != runID || !st.task.WaitingInteraction {
		return
	}
	st.settle = nil
	st.task.WaitingInteraction = false
	st.task.Status = models.TaskCoding
	st.task.CompletedSteps++
	st.appendLog(RoleExecutor, "Terminal interaction completed", "")
	c.save(ctx, st)
	c.publish(st, events.AgentUpdateData{
		TaskStatus:         st.task.Status,
		WaitingInteraction: events.Bool(false),
	})
	st.signal()
}

// Resume restarts workers for tasks that were in progress when the
// orchestrator stopped. Paused tasks wait at their gate again.
func (c *Controller) Resume(ctx context.Context) error {
	if c.repo == nil {
		return nil
	}
	tasks, err := c.repo.ListTasks(ctx,
		models.TaskPlanningNeeded, models.TaskPlanReady, models.TaskStrategizing,
		models.TaskCoding, models.TaskWaitingApproval, models.TaskWaitingInteraction)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range tasks {
		st := c.state(ctx, t.ProjectID)
		if st.task.Status.Active() && st.cancel == nil {
			c.spawn(st)
			c.logger.Info("task resumed", "project_id", t.ProjectID, "status", st.task.Status, "step", st.task.CompletedSteps)
		}
		st.mu.Unlock()
	}
	return nil
}

// Shutdown stops every worker at its next step boundary and waits for them
// until ctx is done. Task state is left as persisted so Resume can pick it up.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	states := make([]*taskState, 0, len(c.tasks))
	for _, st := range c.tasks {
		states = append(states, st)
	}
	c.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.cancel != nil {
			st.cancel()
		}
		st.stopTimer()
		st.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn starts the worker for st.task. Called with st.mu held.
func (c *Controller) spawn(st *taskState) {
	ctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	st.wake = make(chan struct{}, 1)
	c.wg.Add(1)
	go c.run(ctx, cancel, st, st.task.ProjectID, st.task.RunID, st.wake)
}

// halt cancels the worker and any pending settle timer. Called with st.mu held.
func (st *taskState) halt() {
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.stopTimer()
}

func (st *taskState) stopTimer() {
	if st.settle != nil {
		st.settle.Stop()
		st.settle = nil
	}
}

func (st *taskState) signal() {
	if st.wake == nil {
		return
	}
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

func (st *taskState) appendLog(agent, message, details string) {
	st.task.Logs = append(st.task.Logs, models.LogEntry{
		Agent:   agent,
		Message: message,
		Details: details,
		Time:    time.Now().UTC(),
	})
}

func (st *taskState) appendLogs(entries []models.LogEntry) {
	for _, e := range entries {
		if e.Time.IsZero() {
			e.Time = time.Now().UTC()
		}
		st.task.Logs = append(st.task.Logs, e)
	}
}

// save writes the task through to the repository. Called with st.mu held.
func (c *Controller) save(ctx context.Context, st *taskState) {
	st.task.UpdatedAt = time.Now().UTC()
	if err := st.task.Validate(); err != nil {
		c.logger.Error("task invariant", "project_id", st.task.ProjectID, "error", err)
	}
	if c.repo == nil {
		return
	}
	if err := c.repo.SaveTask(ctx, st.task); err != nil {
		c.logger.Error("save task failed", "project_id", st.task.ProjectID, "error", err)
	}
}

// publish sends d with any log entries not yet published. Called with st.mu
// held, so subscribers see updates in the order they were made.
func (c *Controller) publish(st *taskState, d events.AgentUpdateData) {
	if n := len(st.task.Logs); n > st.published {
		d.Logs = append([]models.LogEntry{}, st.task.Logs[st.published:]...)
		d.LogOffset = events.Int(st.published)
		st.published = n
	}
	c.pub.Publish(st.task.ProjectID, events.AgentUpdate(st.task.ProjectID, d))
}

// publishSnapshot sends the whole task, restarting the log stream at zero.
func (c *Controller) publishSnapshot(st *taskState) {
	t := st.task
	st.published = len(t.Logs)
	c.pub.Publish(t.ProjectID, events.AgentUpdate(t.ProjectID, events.AgentUpdateData{
		Logs:               append([]models.LogEntry{}, t.Logs...),
		LogOffset:          events.Int(0),
		Plan:               events.Steps(t.Plan),
		TaskStatus:         t.Status,
		CompletedTasks:     events.Int(t.CompletedSteps),
		TotalTasks:         events.Int(t.TotalSteps),
		WaitingApproval:    events.Bool(t.WaitingApproval),
		WaitingInteraction: events.Bool(t.WaitingInteraction),
		Message:            t.Message,
	}))
}

// current reports whether runID still owns st. Called with st.mu held.
func current(st *taskState, runID string) bool {
	return st.task.RunID == runID && st.task.Status.Active()
}
