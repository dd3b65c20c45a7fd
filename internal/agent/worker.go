package agent

import (
	"context"
	"fmt"
	"sort"

	"github.com/hyper-ai-inc/buildsession/internal/events"
	"github.com/hyper-ai-inc/buildsession/internal/models"
)

type action int

const (
	actStop action = iota // run finished, failed or superseded
	actWait               // paused at a gate
	actExec               // execute the returned step
)

// run drives one task from planning to a terminal status. It holds st.mu
// only between steps; the agent itself is always called unlocked.
func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, st *taskState, projectID, runID string, wake <-chan struct{}) {
	defer c.wg.Done()
	defer cancel()
	defer func() {
		st.mu.Lock()
		if st.wake == wake {
			st.cancel = nil
			st.wake = nil
		}
		st.mu.Unlock()
	}()

	if !c.plan(ctx, st, runID) {
		return
	}

	for {
		act, step, index, goal := c.next(ctx, st, runID)
		switch act {
		case actStop:
			return
		case actWait:
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		case actExec:
			// A step runs to completion even if the task is reset meanwhile;
			// complete discards the result when the run has been replaced.
			res, err := c.agent.Execute(context.WithoutCancel(ctx), ExecRequest{
				ProjectID: projectID,
				Goal:      goal,
				Step:      step,
			})
			c.complete(st, runID, step, index, res, err)
		}
	}
}

// plan asks the agent for a plan unless the task already has one. It
// reports whether the run should go on to execute steps.
func (c *Controller) plan(ctx context.Context, st *taskState, runID string) bool {
	st.mu.Lock()
	if !current(st, runID) {
		st.mu.Unlock()
		return false
	}
	t := st.task
	req := PlanRequest{ProjectID: t.ProjectID, Goal: t.Goal, ProductID: t.ProductID, FeatureID: t.FeatureID}
	if t.Status != models.TaskPlanningNeeded && len(t.Plan) > 0 {
		st.mu.Unlock()
		return true
	}
	st.appendLog(RolePlanner, "Planning: "+t.Goal, "")
	c.publish(st, events.AgentUpdateData{TaskStatus: t.Status})
	st.mu.Unlock()

	res, err := c.agent.Plan(ctx, req)

	st.mu.Lock()
	if !current(st, runID) || ctx.Err() != nil {
		st.mu.Unlock()
		return false
	}
	if err != nil {
		c.failLocked(st, RolePlanner, "planning failed", err)
		st.mu.Unlock()
		return false
	}
	steps := normalizePlan(res.Steps)
	if len(steps) == 0 {
		c.failLocked(st, RolePlanner, "planning failed", fmt.Errorf("planner returned an empty plan"))
		st.mu.Unlock()
		return false
	}

	t = st.task
	t.Plan = steps
	t.TotalSteps = len(steps)
	t.CompletedSteps = 0
	t.Status = models.TaskPlanReady
	st.appendLogs(res.Logs)
	st.appendLog(RolePlanner, fmt.Sprintf("Plan ready with %d steps", len(steps)), "")
	c.save(ctx, st)
	c.publish(st, events.AgentUpdateData{
		Plan:       events.Steps(steps),
		TaskStatus: t.Status,
		TotalTasks: events.Int(t.TotalSteps),
	})

	strategist, ok := c.agent.(Strategist)
	if !ok {
		st.mu.Unlock()
		return true
	}
	t.Status = models.TaskStrategizing
	c.save(ctx, st)
	c.publish(st, events.AgentUpdateData{TaskStatus: t.Status})
	st.mu.Unlock()

	logs, err := strategist.Strategize(ctx, req, steps)

	st.mu.Lock()
	defer st.mu.Unlock()
	if !current(st, runID) || ctx.Err() != nil {
		return false
	}
	if err != nil {
		c.failLocked(st, RoleStrategist, "strategy review failed", err)
		return false
	}
	if len(logs) > 0 {
		st.appendLogs(logs)
		c.save(ctx, st)
		c.publish(st, events.AgentUpdateData{})
	}
	return true
}

// next decides what the worker does at a step boundary: stop, wait at a
// gate, or execute the current step. Reset is honoured here.
func (c *Controller) next(ctx context.Context, st *taskState, runID string) (action, models.PlanStep, int, string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !current(st, runID) || ctx.Err() != nil {
		return actStop, models.PlanStep{}, 0, ""
	}
	t := st.task
	if t.WaitingApproval || t.WaitingInteraction {
		return actWait, models.PlanStep{}, 0, ""
	}

	i := t.CompletedSteps
	step, ok := t.CurrentStep()
	if !ok {
		c.finishLocked(st)
		return actStop, models.PlanStep{}, 0, ""
	}

	if !t.Yolo && !step.AutoExecutable() && st.approved != i {
		t.WaitingApproval = true
		t.Status = models.TaskWaitingApproval
		t.CurrentStepID = &step.ID
		st.appendLog(RoleReviewer, fmt.Sprintf("Waiting for approval to run step %d: %s", step.ID, step.Description), "")
		c.save(ctx, st)
		c.publish(st, events.AgentUpdateData{
			TaskStatus:      t.Status,
			CompletedTasks:  events.Int(i),
			TotalTasks:      events.Int(t.TotalSteps),
			WaitingApproval: events.Bool(true),
			CurrentStep:     &step,
		})
		return actWait, models.PlanStep{}, 0, ""
	}

	if _, err := c.envs.Running(ctx, t.ProjectID); err != nil {
		c.failLocked(st, RoleExecutor, "environment unavailable", err)
		return actStop, models.PlanStep{}, 0, ""
	}

	t.Status = models.TaskCoding
	t.CurrentStepID = &step.ID
	c.save(ctx, st)
	c.publish(st, events.AgentUpdateData{
		TaskStatus:      t.Status,
		CompletedTasks:  events.Int(i),
		TotalTasks:      events.Int(t.TotalSteps),
		WaitingApproval: events.Bool(false),
		CurrentStep:     &step,
	})
	return actExec, step, i, t.Goal
}

// complete records the outcome of step index, unless the run was replaced
// while the step was executing.
func (c *Controller) complete(st *taskState, runID string, step models.PlanStep, index int, res StepResult, err error) {
	ctx := context.Background()
	st.mu.Lock()
	defer st.mu.Unlock()

	if !current(st, runID) || st.task.CompletedSteps != index {
		c.logger.Info("discarding result of superseded step", "project_id", st.task.ProjectID, "run_id", runID, "step", step.ID)
		return
	}
	t := st.task
	st.appendLogs(res.Logs)
	if err != nil {
		c.failLocked(st, RoleExecutor, fmt.Sprintf("step %d failed", step.ID), err)
		return
	}

	if res.QAPassed {
		t.QAVerified = true
	}
	if res.NeedsInteraction {
		t.WaitingInteraction = true
		t.Status = models.TaskWaitingInteraction
		st.appendLog(RoleExecutor, "Waiting for input in the terminal", step.Command)
		c.save(ctx, st)
		c.publish(st, events.AgentUpdateData{
			TaskStatus:         t.Status,
			WaitingInteraction: events.Bool(true),
			CurrentStep:        &step,
		})
		return
	}

	t.CompletedSteps = index + 1
	c.save(ctx, st)
	if len(t.Logs) > st.published {
		c.publish(st, events.AgentUpdateData{})
	}
}

// finishLocked ends a run whose plan is exhausted.
func (c *Controller) finishLocked(st *taskState) {
	t := st.task
	t.Status = models.TaskDone
	if t.QAVerified {
		t.Status = models.TaskQAPassed
		st.appendLog(RoleTester, "All steps completed and tests passed", "")
	} else {
		st.appendLog(RoleReviewer, "All steps completed", "")
	}
	t.CurrentStepID = nil
	t.Message = "completed"
	c.save(context.Background(), st)
	c.publish(st, events.AgentUpdateData{
		TaskStatus:         t.Status,
		CompletedTasks:     events.Int(t.CompletedSteps),
		TotalTasks:         events.Int(t.TotalSteps),
		WaitingApproval:    events.Bool(false),
		WaitingInteraction: events.Bool(false),
		Message:            t.Message,
	})
	c.logger.Info("task finished", "project_id", t.ProjectID, "run_id", t.RunID, "status", t.Status)
}

// failLocked ends a run with status failed.
func (c *Controller) failLocked(st *taskState, role, msg string, err error) {
	t := st.task
	t.Status = models.TaskFailed
	t.WaitingApproval = false
	t.WaitingInteraction = false
	t.CurrentStepID = nil
	t.Message = fmt.Sprintf("%s: %v", msg, err)
	st.appendLog(role, msg, err.Error())
	c.save(context.Background(), st)
	c.publish(st, events.AgentUpdateData{
		TaskStatus:         t.Status,
		WaitingApproval:    events.Bool(false),
		WaitingInteraction: events.Bool(false),
		Message:            t.Message,
	})
	c.logger.Warn("task failed", "project_id", t.ProjectID, "run_id", t.RunID, "error", t.Message)
}

// normalizePlan orders steps by id, numbering them from 1 when the agent
// left ids unset.
func normalizePlan(steps []models.PlanStep) []models.PlanStep {
	out := append([]models.PlanStep{}, steps...)
	unset := true
	for _, s := range out {
		if s.ID != 0 {
			unset = false
			break
		}
	}
	if unset {
		for i := range out {
			out[i].ID = i + 1
		}
		return out
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
