package playbook

import (
	"encoding/json"

	"github.com/zoff-tech/go-remedy/schema"
)

// StepStatus is the per-step outcome inside a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
)

// RunState is the step-by-step execution state of an exception's playbook.
// It is derived strictly by folding the exception's event stream, never an
// independently mutated record, so it can always be rebuilt from the log.
// Generation counts assignments: it bumps on PlaybookStarted and on every
// recalculation that changed the playbook, which keeps the deterministic
// event ids of one run distinct from those of a run the exception abandoned.
type RunState struct {
	PlaybookID      string       `json:"playbook_id"`
	PlaybookVersion int          `json:"playbook_version"`
	TotalSteps      int          `json:"total_steps"`
	CurrentStep     *int         `json:"current_step"` // nil when completed or none pending
	StepStatuses    []StepStatus `json:"step_statuses"`
	Completed       bool         `json:"completed"`
	Generation      int          `json:"generation"`
}

// Fold derives the run state from an exception's ordered events. A nil result
// means no playbook is assigned: either none ever matched or the last
// recalculation resolved to nothing.
func Fold(events []schema.Envelope) *RunState {
	var run *RunState
	generation := 0
	for _, evt := range events {
		switch evt.EventType {
		case schema.EventPlaybookStarted:
			var p schema.PlaybookStartedPayload
			if json.Unmarshal(evt.Payload, &p) != nil {
				continue
			}
			generation++
			run = newRun(p.PlaybookID, p.PlaybookVersion, p.TotalSteps, generation)
		case schema.EventPlaybookStepCompleted:
			var p schema.StepCompletedPayload
			if json.Unmarshal(evt.Payload, &p) != nil {
				continue
			}
			run.mark(p.StepOrder, StepCompleted)
		case schema.EventPlaybookStepSkipped:
			var p schema.StepSkippedPayload
			if json.Unmarshal(evt.Payload, &p) != nil {
				continue
			}
			run.mark(p.StepOrder, StepSkipped)
		case schema.EventPlaybookCompleted:
			if run != nil {
				run.CurrentStep = nil
				run.Completed = true
			}
		case schema.EventPlaybookRecalculated:
			var p schema.RecalculatedPayload
			if json.Unmarshal(evt.Payload, &p) != nil {
				continue
			}
			if !p.Changed {
				continue
			}
			generation++
			if p.NewPlaybookID == "" {
				run = nil
				continue
			}
			run = newRun(p.NewPlaybookID, p.NewVersion, p.NewTotalSteps, generation)
		}
	}
	return run
}

func newRun(playbookID string, version, totalSteps, generation int) *RunState {
	statuses := make([]StepStatus, totalSteps)
	for i := range statuses {
		statuses[i] = StepPending
	}
	run := &RunState{
		PlaybookID:      playbookID,
		PlaybookVersion: version,
		TotalSteps:      totalSteps,
		StepStatuses:    statuses,
		Generation:      generation,
	}
	run.advance()
	return run
}

// Current returns the current step order, 0 when none is pending.
func (r *RunState) Current() int {
	if r == nil || r.CurrentStep == nil {
		return 0
	}
	return *r.CurrentStep
}

// mark records a step outcome and advances the current pointer. Stray orders
// outside the run are ignored; the engine never emits them.
func (r *RunState) mark(order int, status StepStatus) {
	if r == nil || order < 1 || order > len(r.StepStatuses) {
		return
	}
	r.StepStatuses[order-1] = status
	r.advance()
}

// advance points CurrentStep at the first pending step, or clears it and
// marks the run completed when none remain.
func (r *RunState) advance() {
	for i, status := range r.StepStatuses {
		if status == StepPending {
			step := i + 1
			r.CurrentStep = &step
			return
		}
	}
	r.CurrentStep = nil
	r.Completed = true
}

func (r *RunState) clone() *RunState {
	c := *r
	if r.CurrentStep != nil {
		step := *r.CurrentStep
		c.CurrentStep = &step
	}
	c.StepStatuses = append([]StepStatus(nil), r.StepStatuses...)
	return &c
}
