package models

import (
	"errors"
	"fmt"
)

// ErrInvariant is wrapped by every Validate failure.
var ErrInvariant = errors.New("task invariant violated")

// Validate checks the task invariants:
//   - completed_steps <= total_steps once a plan exists
//   - a raised gate implies the matching paused status
//   - the two gates are never raised together
//   - terminal statuses carry no gate
func (t *Task) Validate() error {
	if t.TotalSteps > 0 && t.CompletedSteps > t.TotalSteps {
		return fmt.Errorf("%w: completed_steps %d > total_steps %d", ErrInvariant, t.CompletedSteps, t.TotalSteps)
	}
	if t.WaitingApproval && t.WaitingInteraction {
		return fmt.Errorf("%w: both gates raised", ErrInvariant)
	}
	if t.WaitingApproval && t.Status != TaskWaitingApproval {
		return fmt.Errorf("%w: waiting_approval with status %s", ErrInvariant, t.Status)
	}
	if t.WaitingInteraction && t.Status != TaskWaitingInteraction {
		return fmt.Errorf("%w: waiting_interaction with status %s", ErrInvariant, t.Status)
	}
	if t.Status.Terminal() && (t.WaitingApproval || t.WaitingInteraction) {
		return fmt.Errorf("%w: terminal status %s with a gate raised", ErrInvariant, t.Status)
	}
	return nil
}
