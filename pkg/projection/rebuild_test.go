package projection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/schema"
)

const (
	testTenant = "tenant-a"
	testExc    = "exc-1"
)

func event(t *testing.T, eventType schema.EventType, payload any) schema.Envelope {
	t.Helper()
	evt, err := schema.NewEnvelope(testTenant, testExc, eventType, schema.ActorSystem, "", payload)
	assert.NoError(t, err)
	return evt
}

// remediationStream is an exception mid-run: triaged, assigned a two-step
// playbook, first step done.
func remediationStream(t *testing.T) []schema.Envelope {
	t.Helper()
	return []schema.Envelope{
		event(t, schema.EventExceptionIngested, schema.IngestedPayload{
			Source:        "recon-batch",
			Severity:      schema.SeverityHigh,
			Domain:        " Payments ",
			ExceptionType: "settlement_mismatch",
		}),
		event(t, schema.EventExceptionNormalized, schema.NormalizedPayload{
			Severity:      schema.SeverityHigh,
			Domain:        "payments",
			ExceptionType: "settlement_mismatch",
			Summary:       "payments: settlement_mismatch",
		}),
		event(t, schema.EventTriageCompleted, schema.TriagePayload{
			Severity:       schema.SeverityCritical,
			Domain:         "payments",
			Classification: "payments/settlement_mismatch",
			Confidence:     0.9,
		}),
		event(t, schema.EventPlaybookStarted, schema.PlaybookStartedPayload{
			PlaybookID:      "pb-settlement",
			PlaybookVersion: 2,
			TotalSteps:      2,
		}),
		event(t, schema.EventPlaybookStepCompleted, schema.StepCompletedPayload{
			StepOrder:  1,
			StepName:   "Notify the payments channel",
			ActionType: schema.ActionNotify,
		}),
	}
}

func TestFold_DerivesRecordFromStream(t *testing.T) {
	events := remediationStream(t)

	rec := Fold(testTenant, testExc, events)

	assert.Equal(t, testTenant, rec.TenantID)
	assert.Equal(t, testExc, rec.ExceptionID)
	assert.Equal(t, schema.StatusRemediating, rec.Status)
	// Triage revised the severity; the fold follows the latest call.
	assert.Equal(t, schema.SeverityCritical, rec.Severity)
	assert.Equal(t, "payments", rec.Domain)
	assert.Equal(t, "settlement_mismatch", rec.ExceptionType)
	assert.Equal(t, "recon-batch", rec.Source)
	assert.Equal(t, "payments: settlement_mismatch", rec.Summary)
	assert.Equal(t, "pb-settlement", rec.AssignedPlaybookID)
	assert.Equal(t, 2, rec.AssignedPlaybookVersion)
	if assert.NotNil(t, rec.CurrentStep) {
		assert.Equal(t, 2, *rec.CurrentStep)
	}
	assert.Equal(t, events[0].CreatedAt, rec.CreatedAt)
}

func TestFold_CompletedRunResolvesAndClearsStep(t *testing.T) {
	events := append(remediationStream(t),
		event(t, schema.EventPlaybookStepCompleted, schema.StepCompletedPayload{
			StepOrder:  2,
			StepName:   "Requeue the settlement batch",
			ActionType: schema.ActionCallTool,
		}),
		event(t, schema.EventPlaybookCompleted, schema.PlaybookCompletedPayload{TotalSteps: 2}),
		event(t, schema.EventStatusChanged, schema.StatusChangedPayload{
			Previous: schema.StatusResolved,
			Current:  schema.StatusClosed,
			Reason:   "books balanced",
		}),
	)

	rec := Fold(testTenant, testExc, events)

	assert.Equal(t, schema.StatusClosed, rec.Status)
	assert.Nil(t, rec.CurrentStep)
	assert.Equal(t, "pb-settlement", rec.AssignedPlaybookID)
}

func TestFold_RecalculatedToNothingKeepsLastAssignment(t *testing.T) {
	events := append(remediationStream(t),
		event(t, schema.EventPlaybookRecalculated, schema.RecalculatedPayload{
			PreviousPlaybookID: "pb-settlement",
			PreviousVersion:    2,
			Changed:            true,
		}),
	)

	rec := Fold(testTenant, testExc, events)

	assert.Equal(t, schema.StatusUnmatched, rec.Status)
	assert.Nil(t, rec.CurrentStep)
	assert.Equal(t, "pb-settlement", rec.AssignedPlaybookID)
}

func TestRebuild_CorrectsDriftedRow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	for _, evt := range remediationStream(t) {
		_, err := st.AppendEvent(ctx, testTenant, evt)
		assert.NoError(t, err)
	}
	// Drift the row away from what the log supports.
	err := st.UpsertException(ctx, testTenant, testExc, store.ExceptionPatch{
		Status:                  schema.StatusResolved,
		AssignedPlaybookID:      "pb-wrong",
		AssignedPlaybookVersion: 9,
		CurrentStep:             store.StepRef(7),
	})
	assert.NoError(t, err)

	rec, err := Rebuild(ctx, st, testTenant, testExc)
	assert.NoError(t, err)
	assert.Equal(t, schema.StatusRemediating, rec.Status)
	assert.Equal(t, "pb-settlement", rec.AssignedPlaybookID)
	assert.Equal(t, 2, rec.AssignedPlaybookVersion)
	if assert.NotNil(t, rec.CurrentStep) {
		assert.Equal(t, 2, *rec.CurrentStep)
	}

	stored, err := st.GetException(ctx, testTenant, testExc)
	assert.NoError(t, err)
	assert.Equal(t, schema.StatusRemediating, stored.Status)
	assert.Equal(t, "pb-settlement", stored.AssignedPlaybookID)
}

func TestRebuild_UnknownExceptionIsNotFound(t *testing.T) {
	st := store.NewMemoryStore()

	_, err := Rebuild(context.Background(), st, testTenant, "exc-unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
