package playbook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zoff-tech/go-remedy/pkg/config"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/schema"
)

const (
	testTenant = "tenant-a"
	testExc    = "exc-1"
)

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewEngine(st, config.MatchSettings{}), st
}

// openException seeds the projection and ingest/policy events, returning the
// policy event that triggers playbook assignment.
func openException(t *testing.T, st *store.MemoryStore) schema.Envelope {
	t.Helper()
	ctx := context.Background()

	ingested, err := schema.NewEnvelope(testTenant, testExc, schema.EventExceptionIngested,
		schema.ActorSystem, "", schema.IngestedPayload{
			Source:        "core-banking",
			Severity:      schema.SeverityHigh,
			Domain:        "payments",
			ExceptionType: "settlement_mismatch",
			Summary:       "settlement totals diverge",
			Attributes:    map[string]string{"region": "eu-west"},
		})
	assert.NoError(t, err)
	_, err = st.AppendEvent(ctx, testTenant, ingested)
	assert.NoError(t, err)

	assert.NoError(t, st.UpsertException(ctx, testTenant, testExc, store.ExceptionPatch{
		Severity:      schema.SeverityHigh,
		Domain:        "payments",
		ExceptionType: "settlement_mismatch",
		Source:        "core-banking",
		Summary:       "settlement totals diverge",
	}))

	policy, err := schema.DerivedEnvelope(ingested, "policy", schema.EventPolicyEvaluated,
		schema.PolicyPayload{Disposition: "remediate"})
	assert.NoError(t, err)
	_, err = st.AppendEvent(ctx, testTenant, policy)
	assert.NoError(t, err)
	return policy
}

func stepsDef(id string, version int, steps ...schema.PlaybookStep) schema.PlaybookDefinition {
	return schema.PlaybookDefinition{
		PlaybookID: id,
		Version:    version,
		Name:       id,
		Match:      schema.MatchRules{Domain: "payments"},
		Steps:      steps,
		Active:     true,
	}
}

func countEvents(t *testing.T, st *store.MemoryStore, eventType schema.EventType) int {
	t.Helper()
	events, err := st.ListByException(context.Background(), testTenant, testExc)
	assert.NoError(t, err)
	n := 0
	for _, evt := range events {
		if evt.EventType == eventType {
			n++
		}
	}
	return n
}

func TestEngine_StartIsIdempotent(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	policy := openException(t, st)

	d := stepsDef("pb-settlement", 1,
		schema.PlaybookStep{StepOrder: 1, Name: "review", ActionType: schema.ActionHuman},
		schema.PlaybookStep{StepOrder: 2, Name: "confirm", ActionType: schema.ActionHuman},
	)
	assert.NoError(t, st.InsertPlaybook(ctx, testTenant, d))

	run, err := eng.Start(ctx, testTenant, policy, &d)
	assert.NoError(t, err)
	assert.Equal(t, 1, run.Current())
	assert.Equal(t, 1, run.Generation)

	// Redelivered trigger derives the same event id: absorbed, state unchanged
	again, err := eng.Start(ctx, testTenant, policy, &d)
	assert.NoError(t, err)
	assert.Equal(t, 1, again.Current())
	assert.Equal(t, 1, countEvents(t, st, schema.EventPlaybookStarted))

	rec, err := st.GetException(ctx, testTenant, testExc)
	assert.NoError(t, err)
	assert.Equal(t, schema.StatusRemediating, rec.Status)
	assert.Equal(t, "pb-settlement", rec.AssignedPlaybookID)
	assert.Equal(t, 1, *rec.CurrentStep)
}

func TestEngine_CompleteStepAdvances(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	policy := openException(t, st)

	d := stepsDef("pb-settlement", 1,
		schema.PlaybookStep{StepOrder: 1, Name: "review", ActionType: schema.ActionHuman},
		schema.PlaybookStep{StepOrder: 2, Name: "confirm", ActionType: schema.ActionHuman},
	)
	assert.NoError(t, st.InsertPlaybook(ctx, testTenant, d))
	_, err := eng.Start(ctx, testTenant, policy, &d)
	assert.NoError(t, err)

	run, err := eng.CompleteStep(ctx, testTenant, testExc, 1, schema.ActorUser, "ops-1")
	assert.NoError(t, err)
	assert.Equal(t, 2, run.Current())
	assert.Equal(t, StepCompleted, run.StepStatuses[0])
	assert.False(t, run.Completed)

	rec, err := st.GetException(ctx, testTenant, testExc)
	assert.NoError(t, err)
	assert.Equal(t, 2, *rec.CurrentStep)
}

func TestEngine_OutOfOrderStepRejected(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	policy := openException(t, st)

	d := stepsDef("pb-settlement", 1,
		schema.PlaybookStep{StepOrder: 1, Name: "review", ActionType: schema.ActionHuman},
		schema.PlaybookStep{StepOrder: 2, Name: "confirm", ActionType: schema.ActionHuman},
	)
	assert.NoError(t, st.InsertPlaybook(ctx, testTenant, d))
	_, err := eng.Start(ctx, testTenant, policy, &d)
	assert.NoError(t, err)

	_, err = eng.CompleteStep(ctx, testTenant, testExc, 2, schema.ActorUser, "ops-1")
	assert.True(t, IsInvalidStepOrder(err))

	// Nothing moved and nothing was appended
	run, err := eng.Run(ctx, testTenant, testExc)
	assert.NoError(t, err)
	assert.Equal(t, 1, run.Current())
	assert.Equal(t, 0, countEvents(t, st, schema.EventPlaybookStepCompleted))
}

func TestEngine_CompleteWithoutRun(t *testing.T) {
	eng, st := newTestEngine(t)
	openException(t, st)

	_, err := eng.CompleteStep(context.Background(), testTenant, testExc, 1, schema.ActorUser, "ops-1")
	assert.ErrorIs(t, err, ErrNoPlaybookAssigned)
}

func TestEngine_LastStepCompletesRunExactlyOnce(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	policy := openException(t, st)

	d := stepsDef("pb-settlement", 1,
		schema.PlaybookStep{StepOrder: 1, Name: "review", ActionType: schema.ActionHuman},
		schema.PlaybookStep{StepOrder: 2, Name: "confirm", ActionType: schema.ActionHuman},
	)
	assert.NoError(t, st.InsertPlaybook(ctx, testTenant, d))
	_, err := eng.Start(ctx, testTenant, policy, &d)
	assert.NoError(t, err)

	_, err = eng.CompleteStep(ctx, testTenant, testExc, 1, schema.ActorUser, "ops-1")
	assert.NoError(t, err)
	run, err := eng.CompleteStep(ctx, testTenant, testExc, 2, schema.ActorUser, "ops-1")
	assert.NoError(t, err)
	assert.True(t, run.Completed)
	assert.Equal(t, 1, countEvents(t, st, schema.EventPlaybookCompleted))

	rec, err := st.GetException(ctx, testTenant, testExc)
	assert.NoError(t, err)
	assert.Equal(t, schema.StatusResolved, rec.Status)
	assert.Nil(t, rec.CurrentStep)

	// Completing again is an ordering violation, not a second completion
	_, err = eng.CompleteStep(ctx, testTenant, testExc, 2, schema.ActorUser, "ops-1")
	assert.True(t, IsInvalidStepOrder(err))
	assert.Equal(t, 1, countEvents(t, st, schema.EventPlaybookCompleted))
}

func TestEngine_SkipStepRecordsReason(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	policy := openException(t, st)

	d := stepsDef("pb-settlement", 1,
		schema.PlaybookStep{StepOrder: 1, Name: "review", ActionType: schema.ActionHuman},
		schema.PlaybookStep{StepOrder: 2, Name: "confirm", ActionType: schema.ActionHuman},
	)
	assert.NoError(t, st.InsertPlaybook(ctx, testTenant, d))
	_, err := eng.Start(ctx, testTenant, policy, &d)
	assert.NoError(t, err)

	run, err := eng.SkipStep(ctx, testTenant, testExc, 1, schema.ActorUser, "ops-1", "already handled manually")
	assert.NoError(t, err)
	assert.Equal(t, 2, run.Current())
	assert.Equal(t, StepSkipped, run.StepStatuses[0])
	assert.Equal(t, 1, countEvents(t, st, schema.EventPlaybookStepSkipped))
}

func TestEngine_AdvanceAutoCompletesAndRequestsTool(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	policy := openException(t, st)

	d := stepsDef("pb-settlement", 1,
		schema.PlaybookStep{StepOrder: 1, Name: "notify ops", ActionType: schema.ActionNotify},
		schema.PlaybookStep{StepOrder: 2, Name: "restart", ActionType: schema.ActionCallTool, Tool: "restart-service"},
		schema.PlaybookStep{StepOrder: 3, Name: "confirm", ActionType: schema.ActionHuman},
	)
	assert.NoError(t, st.InsertPlaybook(ctx, testTenant, d))
	_, err := eng.Start(ctx, testTenant, policy, &d)
	assert.NoError(t, err)

	run, err := eng.Advance(ctx, testTenant, testExc)
	assert.NoError(t, err)
	assert.Equal(t, 2, run.Current())
	assert.Equal(t, StepCompleted, run.StepStatuses[0])
	assert.Equal(t, 1, countEvents(t, st, schema.EventToolRequested))

	// Driving the same state again requests the tool once, not twice
	_, err = eng.Advance(ctx, testTenant, testExc)
	assert.NoError(t, err)
	assert.Equal(t, 1, countEvents(t, st, schema.EventToolRequested))
}

func TestEngine_AdvanceWaitsForApproval(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	policy := openException(t, st)

	d := stepsDef("pb-settlement", 1,
		schema.PlaybookStep{StepOrder: 1, Name: "restart", ActionType: schema.ActionCallTool, Tool: "restart-service", ApprovalRequired: true},
	)
	assert.NoError(t, st.InsertPlaybook(ctx, testTenant, d))
	_, err := eng.Start(ctx, testTenant, policy, &d)
	assert.NoError(t, err)

	run, err := eng.Advance(ctx, testTenant, testExc)
	assert.NoError(t, err)
	assert.Equal(t, 1, run.Current())
	// Approval gate: no tool request until an operator acts
	assert.Equal(t, 0, countEvents(t, st, schema.EventToolRequested))
}

func TestEngine_ApplyToolResultAbsorbsRedelivery(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	policy := openException(t, st)

	d := stepsDef("pb-settlement", 1,
		schema.PlaybookStep{StepOrder: 1, Name: "restart", ActionType: schema.ActionCallTool, Tool: "restart-service"},
		schema.PlaybookStep{StepOrder: 2, Name: "confirm", ActionType: schema.ActionHuman},
	)
	assert.NoError(t, st.InsertPlaybook(ctx, testTenant, d))
	_, err := eng.Start(ctx, testTenant, policy, &d)
	assert.NoError(t, err)
	_, err = eng.Advance(ctx, testTenant, testExc)
	assert.NoError(t, err)

	result := schema.ToolCompletedPayload{StepOrder: 1, Tool: "restart-service", Status: "succeeded"}
	run, err := eng.ApplyToolResult(ctx, testTenant, testExc, result)
	assert.NoError(t, err)
	assert.Equal(t, 2, run.Current())

	// Redelivered result for a step already completed in this generation
	run, err = eng.ApplyToolResult(ctx, testTenant, testExc, result)
	assert.NoError(t, err)
	assert.Equal(t, 2, run.Current())
	assert.Equal(t, 1, countEvents(t, st, schema.EventPlaybookStepCompleted))

	// A result for a step never reached is a genuine ordering violation
	_, err = eng.ApplyToolResult(ctx, testTenant, testExc,
		schema.ToolCompletedPayload{StepOrder: 3, Tool: "restart-service", Status: "succeeded"})
	assert.True(t, IsInvalidStepOrder(err))
}

func TestEngine_RecalculatePreservesHistory(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	policy := openException(t, st)

	broad := stepsDef("pb-broad", 1,
		schema.PlaybookStep{StepOrder: 1, Name: "review", ActionType: schema.ActionHuman},
		schema.PlaybookStep{StepOrder: 2, Name: "confirm", ActionType: schema.ActionHuman},
	)
	assert.NoError(t, st.InsertPlaybook(ctx, testTenant, broad))
	_, err := eng.Start(ctx, testTenant, policy, &broad)
	assert.NoError(t, err)
	_, err = eng.CompleteStep(ctx, testTenant, testExc, 1, schema.ActorUser, "ops-1")
	assert.NoError(t, err)

	// A more specific definition arrives after the run began
	specific := stepsDef("pb-specific", 1,
		schema.PlaybookStep{StepOrder: 1, Name: "inspect", ActionType: schema.ActionHuman},
	)
	specific.Match = schema.MatchRules{
		Domain:     "payments",
		Severities: []string{schema.SeverityHigh},
		Predicates: []schema.Predicate{
			{Field: "exception_type", Op: schema.OpEq, Value: "settlement_mismatch"},
		},
	}
	assert.NoError(t, st.InsertPlaybook(ctx, testTenant, specific))

	run, changed, err := eng.Recalculate(ctx, testTenant, testExc, schema.ActorAgent, "agent-1", "new definition seeded")
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "pb-specific", run.PlaybookID)
	assert.Equal(t, 2, run.Generation)
	assert.Equal(t, 1, run.Current())

	// The abandoned run's step events survive in the log
	assert.Equal(t, 1, countEvents(t, st, schema.EventPlaybookStepCompleted))
	assert.Equal(t, 1, countEvents(t, st, schema.EventPlaybookRecalculated))

	rec, err := st.GetException(ctx, testTenant, testExc)
	assert.NoError(t, err)
	assert.Equal(t, "pb-specific", rec.AssignedPlaybookID)
	assert.Equal(t, 1, *rec.CurrentStep)
}

func TestEngine_RecalculateUnchangedIsAuditOnly(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	policy := openException(t, st)

	d := stepsDef("pb-broad", 1,
		schema.PlaybookStep{StepOrder: 1, Name: "review", ActionType: schema.ActionHuman},
	)
	assert.NoError(t, st.InsertPlaybook(ctx, testTenant, d))
	_, err := eng.Start(ctx, testTenant, policy, &d)
	assert.NoError(t, err)

	run, changed, err := eng.Recalculate(ctx, testTenant, testExc, schema.ActorAgent, "agent-1", "periodic refresh")
	assert.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "pb-broad", run.PlaybookID)
	assert.Equal(t, 1, run.Generation)
	assert.Equal(t, 1, countEvents(t, st, schema.EventPlaybookRecalculated))
}

func TestEngine_RecalculateToNothingUnassigns(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	policy := openException(t, st)

	// Assigned under attributes that no longer hold; no current definition matches
	stale := stepsDef("pb-trading", 1,
		schema.PlaybookStep{StepOrder: 1, Name: "review", ActionType: schema.ActionHuman},
	)
	stale.Match = schema.MatchRules{Domain: "trading"}
	assert.NoError(t, st.InsertPlaybook(ctx, testTenant, stale))
	_, err := eng.Start(ctx, testTenant, policy, &stale)
	assert.NoError(t, err)

	run, changed, err := eng.Recalculate(ctx, testTenant, testExc, schema.ActorAgent, "agent-1", "attributes drifted")
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.Nil(t, run)

	rec, err := st.GetException(ctx, testTenant, testExc)
	assert.NoError(t, err)
	assert.Equal(t, schema.StatusUnmatched, rec.Status)
	assert.Nil(t, rec.CurrentStep)
}

func TestEngine_ChangeStatus(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	openException(t, st)

	err := eng.ChangeStatus(ctx, testTenant, testExc, schema.StatusClosed, "operator closed", schema.ActorUser, "ops-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, countEvents(t, st, schema.EventStatusChanged))

	rec, err := st.GetException(ctx, testTenant, testExc)
	assert.NoError(t, err)
	assert.Equal(t, schema.StatusClosed, rec.Status)

	// Same status again: no event, no change
	err = eng.ChangeStatus(ctx, testTenant, testExc, schema.StatusClosed, "again", schema.ActorUser, "ops-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, countEvents(t, st, schema.EventStatusChanged))

	err = eng.ChangeStatus(ctx, testTenant, testExc, "bogus", "", schema.ActorUser, "ops-1")
	assert.Error(t, err)
}

func TestEngine_SubjectForMergesStreamAttributes(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	policy := openException(t, st)

	triage, err := schema.DerivedEnvelope(policy, "triage", schema.EventTriageCompleted,
		schema.TriagePayload{
			Severity:       schema.SeverityHigh,
			Domain:         "payments",
			Classification: "duplicate_settlement",
			Confidence:     0.92,
		})
	assert.NoError(t, err)
	_, err = st.AppendEvent(ctx, testTenant, triage)
	assert.NoError(t, err)

	subject, err := eng.SubjectFor(ctx, testTenant, testExc)
	assert.NoError(t, err)
	assert.Equal(t, "payments", subject.Domain)
	assert.Equal(t, schema.SeverityHigh, subject.Severity)
	assert.Equal(t, "duplicate_settlement", subject.Classification)
	assert.Equal(t, "eu-west", subject.Attributes["region"])
}
