package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zoff-tech/go-remedy/pkg/playbook"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/schema"
)

func humanStepsDef(id string, version int, match schema.MatchRules) schema.PlaybookDefinition {
	return schema.PlaybookDefinition{
		PlaybookID: id,
		Version:    version,
		Name:       id,
		Match:      match,
		Steps: []schema.PlaybookStep{
			{StepOrder: 1, Name: "review", ActionType: schema.ActionHuman},
			{StepOrder: 2, Name: "confirm", ActionType: schema.ActionHuman},
		},
		Active: true,
	}
}

// assignRun seeds a triaged exception and starts the given definition's run
// through the engine, leaving it at step 1.
func assignRun(t *testing.T, ts *testServer, def schema.PlaybookDefinition) {
	t.Helper()
	ctx := context.Background()

	ingested, err := schema.NewEnvelope(testTenant, "exc-1", schema.EventExceptionIngested,
		schema.ActorSystem, "", schema.IngestedPayload{
			Source:        "core-banking",
			Severity:      schema.SeverityHigh,
			Domain:        "payments",
			ExceptionType: "settlement_mismatch",
		})
	assert.NoError(t, err)
	_, err = ts.store.AppendEvent(ctx, testTenant, ingested)
	assert.NoError(t, err)
	assert.NoError(t, ts.store.UpsertException(ctx, testTenant, "exc-1", store.ExceptionPatch{
		Severity:      schema.SeverityHigh,
		Domain:        "payments",
		ExceptionType: "settlement_mismatch",
	}))

	policy, err := schema.DerivedEnvelope(ingested, "policy", schema.EventPolicyEvaluated,
		schema.PolicyPayload{Disposition: "remediate"})
	assert.NoError(t, err)
	_, err = ts.store.AppendEvent(ctx, testTenant, policy)
	assert.NoError(t, err)

	assert.NoError(t, ts.store.InsertPlaybook(ctx, testTenant, def))
	_, err = ts.engine.Start(ctx, testTenant, policy, &def)
	assert.NoError(t, err)
}

func TestGetRunState(t *testing.T) {
	ts := newTestServer(t)
	assignRun(t, ts, humanStepsDef("pb-settlement", 1, schema.MatchRules{Domain: "payments"}))

	rr := ts.do(t, http.MethodGet, "/v1/exceptions/exc-1/playbook", testTenant, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	run := decodeBody[playbook.RunState](t, rr)
	assert.Equal(t, "pb-settlement", run.PlaybookID)
	assert.Equal(t, 1, *run.CurrentStep)

	rr = ts.do(t, http.MethodGet, "/v1/exceptions/other/playbook", testTenant, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCompleteStep(t *testing.T) {
	ts := newTestServer(t)
	assignRun(t, ts, humanStepsDef("pb-settlement", 1, schema.MatchRules{Domain: "payments"}))

	rr := ts.do(t, http.MethodPost, "/v1/exceptions/exc-1/playbook/steps/1/complete", testTenant,
		map[string]string{"actor_id": "op-7"})
	assert.Equal(t, http.StatusOK, rr.Code)
	run := decodeBody[playbook.RunState](t, rr)
	assert.Equal(t, 2, *run.CurrentStep)

	// Completing step 1 again is out of order now
	rr = ts.do(t, http.MethodPost, "/v1/exceptions/exc-1/playbook/steps/1/complete", testTenant,
		map[string]string{"actor_id": "op-7"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/exceptions/exc-1/playbook/steps/2/complete", testTenant, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "actor_id")
}

func TestSkipStep_FinishesRun(t *testing.T) {
	ts := newTestServer(t)
	assignRun(t, ts, humanStepsDef("pb-settlement", 1, schema.MatchRules{Domain: "payments"}))

	rr := ts.do(t, http.MethodPost, "/v1/exceptions/exc-1/playbook/steps/1/complete", testTenant,
		map[string]string{"actor_id": "op-7"})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/exceptions/exc-1/playbook/steps/2/skip", testTenant,
		map[string]string{"actor_id": "op-7", "reason": "handled out of band"})
	assert.Equal(t, http.StatusOK, rr.Code)
	run := decodeBody[playbook.RunState](t, rr)
	assert.True(t, run.Completed)

	rec, err := ts.store.GetException(context.Background(), testTenant, "exc-1")
	assert.NoError(t, err)
	assert.Equal(t, schema.StatusResolved, rec.Status)
}

func TestCompleteStep_NoRunAssigned(t *testing.T) {
	ts := newTestServer(t)
	assert.NoError(t, ts.store.UpsertException(context.Background(), testTenant, "exc-1",
		store.ExceptionPatch{Severity: schema.SeverityHigh, Domain: "payments"}))

	rr := ts.do(t, http.MethodPost, "/v1/exceptions/exc-1/playbook/steps/1/complete", testTenant,
		map[string]string{"actor_id": "op-7"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRecalculate(t *testing.T) {
	ts := newTestServer(t)
	assignRun(t, ts, humanStepsDef("pb-broad", 1, schema.MatchRules{Domain: "payments"}))

	// A more specific definition appears: recalculation switches to it
	better := humanStepsDef("pb-specific", 1, schema.MatchRules{
		Domain:     "payments",
		Severities: []string{schema.SeverityHigh},
	})
	assert.NoError(t, ts.store.InsertPlaybook(context.Background(), testTenant, better))

	rr := ts.do(t, http.MethodPost, "/v1/exceptions/exc-1/playbook/recalculate", testTenant,
		map[string]string{"actor_id": "op-7", "reason": "new definition deployed"})
	assert.Equal(t, http.StatusOK, rr.Code)
	resp := decodeBody[recalculateResponse](t, rr)
	assert.True(t, resp.Changed)
	assert.Equal(t, "pb-specific", resp.Run.PlaybookID)

	// Nothing better now: audit-only
	rr = ts.do(t, http.MethodPost, "/v1/exceptions/exc-1/playbook/recalculate", testTenant,
		map[string]string{"actor_id": "op-7"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decodeBody[recalculateResponse](t, rr).Changed)
}

func TestChangeStatus(t *testing.T) {
	ts := newTestServer(t)
	assert.NoError(t, ts.store.UpsertException(context.Background(), testTenant, "exc-1",
		store.ExceptionPatch{Severity: schema.SeverityHigh, Domain: "payments"}))

	rr := ts.do(t, http.MethodPost, "/v1/exceptions/exc-1/status", testTenant,
		map[string]string{"status": schema.StatusClosed, "reason": "verified", "actor_id": "op-7"})
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rec, err := ts.store.GetException(context.Background(), testTenant, "exc-1")
	assert.NoError(t, err)
	assert.Equal(t, schema.StatusClosed, rec.Status)

	rr = ts.do(t, http.MethodPost, "/v1/exceptions/exc-1/status", testTenant,
		map[string]string{"status": "gone", "actor_id": "op-7"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/exceptions/missing/status", testTenant,
		map[string]string{"status": schema.StatusClosed, "actor_id": "op-7"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPlaybookDefinitionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	def := humanStepsDef("pb-settlement", 1, schema.MatchRules{Domain: "payments"})
	rr := ts.do(t, http.MethodPost, "/v1/playbooks", testTenant, def)
	assert.Equal(t, http.StatusCreated, rr.Code)
	created := decodeBody[schema.PlaybookDefinition](t, rr)
	assert.Equal(t, testTenant, created.TenantID)

	// Versions are immutable
	rr = ts.do(t, http.MethodPost, "/v1/playbooks", testTenant, def)
	assert.Equal(t, http.StatusConflict, rr.Code)

	v2 := humanStepsDef("pb-settlement", 2, schema.MatchRules{Domain: "payments"})
	assert.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/playbooks", testTenant, v2).Code)

	rr = ts.do(t, http.MethodGet, "/v1/playbooks/pb-settlement", testTenant, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, decodeBody[schema.PlaybookDefinition](t, rr).Version)

	rr = ts.do(t, http.MethodGet, "/v1/playbooks/pb-settlement?version=1", testTenant, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decodeBody[schema.PlaybookDefinition](t, rr).Version)

	defs := decodeBody[[]schema.PlaybookDefinition](t,
		ts.do(t, http.MethodGet, "/v1/playbooks", testTenant, nil))
	assert.Len(t, defs, 2)

	rr = ts.do(t, http.MethodGet, "/v1/playbooks/missing", testTenant, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreatePlaybook_RejectsInvalidDefinition(t *testing.T) {
	ts := newTestServer(t)

	def := humanStepsDef("pb-bad", 1, schema.MatchRules{Domain: "payments"})
	def.Steps = nil
	rr := ts.do(t, http.MethodPost, "/v1/playbooks", testTenant, def)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
