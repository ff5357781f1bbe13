package playbook

import (
	"context"
	"encoding/json"
	"fmt"

	logger "github.com/sirupsen/logrus"

	"github.com/zoff-tech/go-remedy/pkg/config"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/pkg/telemetry"
	"github.com/zoff-tech/go-remedy/schema"
)

// Action tells the step driver what the run needs next.
type Action string

const (
	ActionNone        Action = "none"         // no run, or run completed
	ActionComplete    Action = "complete"     // auto-completable step
	ActionRequestTool Action = "request_tool" // call_tool step awaiting dispatch
	ActionWait        Action = "wait"         // human or approval-gated step
)

// Engine owns every transition of an exception's playbook run. It is the
// single write path for run state: each transition is one atomic append to
// the event log, and the projection row is patched only afterwards, as a
// rebuildable cache. Other stages and the operator API read and write runs
// exclusively through it.
type Engine struct {
	store   store.ExceptionStore
	matcher *Matcher
	log     *logger.Entry
}

func NewEngine(st store.ExceptionStore, weights config.MatchSettings) *Engine {
	return &Engine{
		store:   st,
		matcher: NewMatcher(weights),
		log:     logger.WithField("component", "playbook-engine"),
	}
}

// Run folds and returns the exception's current run state, nil when no
// playbook is assigned.
func (e *Engine) Run(ctx context.Context, tenantID, exceptionID string) (*RunState, error) {
	events, err := e.store.ListByException(ctx, tenantID, exceptionID)
	if err != nil {
		return nil, err
	}
	return Fold(events), nil
}

// SubjectFor assembles the match subject from the exception's projection plus
// the attributes and classification recorded on its events.
func (e *Engine) SubjectFor(ctx context.Context, tenantID, exceptionID string) (Subject, error) {
	rec, err := e.store.GetException(ctx, tenantID, exceptionID)
	if err != nil {
		return Subject{}, err
	}
	subject := Subject{
		Severity:      rec.Severity,
		Domain:        rec.Domain,
		ExceptionType: rec.ExceptionType,
		Source:        rec.Source,
		Status:        rec.Status,
	}
	events, err := e.store.ListByException(ctx, tenantID, exceptionID)
	if err != nil {
		return Subject{}, err
	}
	for _, evt := range events {
		switch evt.EventType {
		case schema.EventExceptionIngested:
			var p schema.IngestedPayload
			if json.Unmarshal(evt.Payload, &p) == nil && len(p.Attributes) > 0 {
				subject.Attributes = p.Attributes
			}
		case schema.EventExceptionNormalized:
			var p schema.NormalizedPayload
			if json.Unmarshal(evt.Payload, &p) == nil && len(p.Attributes) > 0 {
				subject.Attributes = p.Attributes
			}
		case schema.EventTriageCompleted:
			var p schema.TriagePayload
			if json.Unmarshal(evt.Payload, &p) == nil {
				subject.Classification = p.Classification
			}
		}
	}
	return subject, nil
}

// Match selects the best active playbook for the subject among the tenant's
// and the global definitions. A nil result with nil error means neither a
// matching nor a fallback playbook exists.
func (e *Engine) Match(ctx context.Context, tenantID string, subject Subject) (*schema.PlaybookDefinition, error) {
	defs, err := e.store.ListPlaybooks(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return e.matcher.Match(subject, defs), nil
}

// Start assigns the playbook and opens its run at step 1. The started event
// derives its id from the causing event, so a redelivered trigger regenerates
// the same id and the store absorbs the append.
func (e *Engine) Start(ctx context.Context, tenantID string, cause schema.Envelope, def *schema.PlaybookDefinition) (*RunState, error) {
	evt, err := schema.DerivedEnvelope(cause, "playbook", schema.EventPlaybookStarted, schema.PlaybookStartedPayload{
		PlaybookID:      def.PlaybookID,
		PlaybookVersion: def.Version,
		TotalSteps:      def.TotalSteps(),
	})
	if err != nil {
		return nil, err
	}
	res, err := e.store.AppendEvent(ctx, tenantID, evt)
	if err != nil {
		return nil, err
	}
	telemetry.RecordAppend(string(evt.EventType), res == store.Duplicate)
	if res == store.Duplicate {
		return e.Run(ctx, tenantID, cause.ExceptionID)
	}
	err = e.store.UpsertException(ctx, tenantID, cause.ExceptionID, store.ExceptionPatch{
		Status:                  schema.StatusRemediating,
		AssignedPlaybookID:      def.PlaybookID,
		AssignedPlaybookVersion: def.Version,
		CurrentStep:             store.StepRef(1),
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logger.Fields{
		"tenant_id":    tenantID,
		"exception_id": cause.ExceptionID,
		"playbook_id":  def.PlaybookID,
		"version":      def.Version,
	}).Info("playbook started")
	return e.Run(ctx, tenantID, cause.ExceptionID)
}

// CompleteStep marks the current step completed and advances the run.
// Requests whose stepOrder is not the run's current step fail with
// InvalidStepOrderError and change nothing. When the last pending step
// completes, the same atomic append also records PlaybookCompleted, exactly
// one per run generation.
func (e *Engine) CompleteStep(ctx context.Context, tenantID, exceptionID string, stepOrder int, actor schema.ActorType, actorID string) (*RunState, error) {
	return e.transition(ctx, tenantID, exceptionID, stepOrder, actor, actorID, StepCompleted, "")
}

// SkipStep marks the current step skipped and advances the run. Skipping is
// an operator escape hatch and obeys the same ordering rule as completion.
func (e *Engine) SkipStep(ctx context.Context, tenantID, exceptionID string, stepOrder int, actor schema.ActorType, actorID, reason string) (*RunState, error) {
	return e.transition(ctx, tenantID, exceptionID, stepOrder, actor, actorID, StepSkipped, reason)
}

func (e *Engine) transition(ctx context.Context, tenantID, exceptionID string, stepOrder int, actor schema.ActorType, actorID string, outcome StepStatus, reason string) (*RunState, error) {
	run, err := e.Run(ctx, tenantID, exceptionID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrNoPlaybookAssigned
	}
	if stepOrder != run.Current() {
		return nil, &InvalidStepOrderError{Requested: stepOrder, Current: run.Current()}
	}
	def, err := e.store.GetPlaybook(ctx, tenantID, run.PlaybookID, run.PlaybookVersion)
	if err != nil {
		return nil, err
	}
	step, ok := def.Step(stepOrder)
	if !ok {
		return nil, fmt.Errorf("playbook %s v%d has no step %d", run.PlaybookID, run.PlaybookVersion, stepOrder)
	}

	// Project the transition first to learn whether the run finishes, then
	// append everything it implies in one batch: the transition is atomic or
	// it did not happen.
	next := run.clone()
	next.mark(stepOrder, outcome)

	var evt schema.Envelope
	switch outcome {
	case StepSkipped:
		evt, err = schema.IdentifiedEnvelope(
			stepEventID(tenantID, exceptionID, run.Generation, stepOrder, "skipped"),
			tenantID, exceptionID, schema.EventPlaybookStepSkipped, actor, actorID,
			schema.StepSkippedPayload{StepOrder: stepOrder, StepName: step.Name, Reason: reason})
	default:
		evt, err = schema.IdentifiedEnvelope(
			stepEventID(tenantID, exceptionID, run.Generation, stepOrder, "completed"),
			tenantID, exceptionID, schema.EventPlaybookStepCompleted, actor, actorID,
			schema.StepCompletedPayload{StepOrder: stepOrder, StepName: step.Name, ActionType: step.ActionType})
	}
	if err != nil {
		return nil, err
	}
	events := []schema.Envelope{evt}
	if next.Completed {
		done, err := schema.IdentifiedEnvelope(
			runEventID(tenantID, exceptionID, run.Generation, "completed"),
			tenantID, exceptionID, schema.EventPlaybookCompleted, schema.ActorSystem, "",
			schema.PlaybookCompletedPayload{TotalSteps: run.TotalSteps})
		if err != nil {
			return nil, err
		}
		events = append(events, done)
	}
	if _, err := e.store.AppendEvents(ctx, tenantID, events); err != nil {
		return nil, err
	}
	telemetry.RecordPlaybookStep(step.ActionType, string(outcome))

	patch := store.ExceptionPatch{CurrentStep: store.StepRef(next.Current())}
	if next.Completed {
		patch.Status = schema.StatusResolved
	}
	if err := e.store.UpsertException(ctx, tenantID, exceptionID, patch); err != nil {
		return nil, err
	}
	e.log.WithFields(logger.Fields{
		"tenant_id":    tenantID,
		"exception_id": exceptionID,
		"step_order":   stepOrder,
		"outcome":      string(outcome),
		"completed":    next.Completed,
	}).Info("playbook step transition")
	return next, nil
}

// ApplyToolResult completes the step a finished tool call belongs to. Unlike
// the operator path, a redelivered result whose step was already completed in
// the same run generation is absorbed silently, the crash-between-append-
// and-ack case idempotency exists for. A result for a step the run moved past
// any other way (a recalculation in between, an operator skip) still fails
// with InvalidStepOrderError.
func (e *Engine) ApplyToolResult(ctx context.Context, tenantID, exceptionID string, result schema.ToolCompletedPayload) (*RunState, error) {
	run, err := e.Run(ctx, tenantID, exceptionID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrNoPlaybookAssigned
	}
	if result.StepOrder != run.Current() {
		applied, err := e.store.EventExists(ctx, tenantID,
			stepEventID(tenantID, exceptionID, run.Generation, result.StepOrder, "completed"))
		if err != nil {
			return nil, err
		}
		if applied {
			return run, nil
		}
		return nil, &InvalidStepOrderError{Requested: result.StepOrder, Current: run.Current()}
	}
	return e.CompleteStep(ctx, tenantID, exceptionID, result.StepOrder, schema.ActorSystem, result.Tool)
}

// NextAction inspects the current step and decides how the driver proceeds.
// Steps requiring approval and human steps always wait for an operator.
func NextAction(run *RunState, def *schema.PlaybookDefinition) (Action, *schema.PlaybookStep) {
	if run == nil || run.Completed || run.CurrentStep == nil {
		return ActionNone, nil
	}
	step, ok := def.Step(*run.CurrentStep)
	if !ok {
		return ActionNone, nil
	}
	if step.ApprovalRequired || step.ActionType == schema.ActionHuman {
		return ActionWait, step
	}
	if step.ActionType == schema.ActionCallTool {
		return ActionRequestTool, step
	}
	return ActionComplete, step
}

// Advance drives the run until it completes, dispatches a tool request, or
// reaches a step that needs an operator. notify, escalate and set_status
// steps complete automatically since their delivery mechanics live outside
// the pipeline; call_tool steps append ToolRequested and wait for the tool
// stage's result. The ToolRequested id is deterministic per (generation,
// step), so driving the same state twice requests the tool once.
func (e *Engine) Advance(ctx context.Context, tenantID, exceptionID string) (*RunState, error) {
	for {
		run, err := e.Run(ctx, tenantID, exceptionID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, nil
		}
		def, err := e.store.GetPlaybook(ctx, tenantID, run.PlaybookID, run.PlaybookVersion)
		if err != nil {
			return nil, err
		}
		action, step := NextAction(run, def)
		switch action {
		case ActionRequestTool:
			if err := e.requestTool(ctx, tenantID, exceptionID, run, step); err != nil {
				return nil, err
			}
			return run, nil
		case ActionComplete:
			if _, err := e.completeAuto(ctx, tenantID, exceptionID, step); err != nil {
				return nil, err
			}
			// Look at the next step.
		default:
			return run, nil
		}
	}
}

func (e *Engine) requestTool(ctx context.Context, tenantID, exceptionID string, run *RunState, step *schema.PlaybookStep) error {
	evt, err := schema.IdentifiedEnvelope(
		stepEventID(tenantID, exceptionID, run.Generation, step.StepOrder, "tool-requested"),
		tenantID, exceptionID, schema.EventToolRequested, schema.ActorSystem, "",
		schema.ToolRequestedPayload{StepOrder: step.StepOrder, Tool: step.Tool, Params: step.Params})
	if err != nil {
		return err
	}
	res, err := e.store.AppendEvent(ctx, tenantID, evt)
	if err != nil {
		return err
	}
	telemetry.RecordAppend(string(evt.EventType), res == store.Duplicate)
	return nil
}

func (e *Engine) completeAuto(ctx context.Context, tenantID, exceptionID string, step *schema.PlaybookStep) (*RunState, error) {
	next, err := e.CompleteStep(ctx, tenantID, exceptionID, step.StepOrder, schema.ActorSystem, "")
	if err != nil {
		return nil, err
	}
	if step.ActionType == schema.ActionSetStatus {
		if target := step.Params["status"]; target != "" {
			if err := e.ChangeStatus(ctx, tenantID, exceptionID, target, "playbook step "+step.Name, schema.ActorSystem, ""); err != nil {
				return nil, err
			}
		}
	}
	return next, nil
}

// Recalculate re-matches the exception against its current attributes. A
// changed assignment resets the run to step 1 under the new definition; an
// unchanged one is a no-op that still appends the audit event recording that
// a recalculation happened. Prior step events are never deleted: the new run
// starts fresh while the log keeps the abandoned run's history.
func (e *Engine) Recalculate(ctx context.Context, tenantID, exceptionID string, actor schema.ActorType, actorID, reason string) (*RunState, bool, error) {
	subject, err := e.SubjectFor(ctx, tenantID, exceptionID)
	if err != nil {
		return nil, false, err
	}
	matched, err := e.Match(ctx, tenantID, subject)
	if err != nil {
		return nil, false, err
	}
	run, err := e.Run(ctx, tenantID, exceptionID)
	if err != nil {
		return nil, false, err
	}

	changed := recalcChanged(run, matched)
	payload := schema.RecalculatedPayload{Changed: changed, Reasoning: reason}
	if run != nil {
		payload.PreviousPlaybookID = run.PlaybookID
		payload.PreviousVersion = run.PlaybookVersion
	}
	if matched != nil {
		payload.NewPlaybookID = matched.PlaybookID
		payload.NewVersion = matched.Version
		if changed {
			payload.NewStep = 1
			payload.NewTotalSteps = matched.TotalSteps()
		}
	}
	evt, err := schema.NewEnvelope(tenantID, exceptionID, schema.EventPlaybookRecalculated, actor, actorID, payload)
	if err != nil {
		return nil, false, err
	}
	if _, err := e.store.AppendEvent(ctx, tenantID, evt); err != nil {
		return nil, false, err
	}
	e.log.WithFields(logger.Fields{
		"tenant_id":    tenantID,
		"exception_id": exceptionID,
		"changed":      changed,
		"new_playbook": payload.NewPlaybookID,
	}).Info("playbook recalculated")
	if !changed {
		return run, false, nil
	}

	patch := store.ExceptionPatch{}
	if matched != nil {
		patch.Status = schema.StatusRemediating
		patch.AssignedPlaybookID = matched.PlaybookID
		patch.AssignedPlaybookVersion = matched.Version
		patch.CurrentStep = store.StepRef(1)
	} else {
		patch.Status = schema.StatusUnmatched
		patch.CurrentStep = store.StepRef(0)
	}
	if err := e.store.UpsertException(ctx, tenantID, exceptionID, patch); err != nil {
		return nil, false, err
	}
	if matched == nil {
		return nil, true, nil
	}
	next, err := e.Advance(ctx, tenantID, exceptionID)
	return next, true, err
}

// ChangeStatus appends a StatusChanged audit event and patches the
// projection. Closure is always a status transition; exceptions are never
// deleted. Setting the status it already has is a no-op.
func (e *Engine) ChangeStatus(ctx context.Context, tenantID, exceptionID, status, reason string, actor schema.ActorType, actorID string) error {
	if !schema.ValidStatus(status) {
		return fmt.Errorf("unknown status %q", status)
	}
	rec, err := e.store.GetException(ctx, tenantID, exceptionID)
	if err != nil {
		return err
	}
	if rec.Status == status {
		return nil
	}
	evt, err := schema.NewEnvelope(tenantID, exceptionID, schema.EventStatusChanged, actor, actorID,
		schema.StatusChangedPayload{Previous: rec.Status, Current: status, Reason: reason})
	if err != nil {
		return err
	}
	if _, err := e.store.AppendEvent(ctx, tenantID, evt); err != nil {
		return err
	}
	return e.store.UpsertException(ctx, tenantID, exceptionID, store.ExceptionPatch{Status: status})
}

func recalcChanged(run *RunState, matched *schema.PlaybookDefinition) bool {
	if run == nil && matched == nil {
		return false
	}
	if run == nil || matched == nil {
		return true
	}
	return run.PlaybookID != matched.PlaybookID || run.PlaybookVersion != matched.Version
}

func stepEventID(tenantID, exceptionID string, generation, stepOrder int, kind string) string {
	return schema.DeterministicEventID(fmt.Sprintf("%s/%s/run-%d/step-%d/%s", tenantID, exceptionID, generation, stepOrder, kind))
}

func runEventID(tenantID, exceptionID string, generation int, kind string) string {
	return schema.DeterministicEventID(fmt.Sprintf("%s/%s/run-%d/%s", tenantID, exceptionID, generation, kind))
}
