// Package projection rebuilds exception records from their event streams.
// The stored row is a cache the stages patch incrementally; a rebuild refolds
// the log and rewrites the row wholesale, correcting whatever drifted.
package projection

import (
	"context"
	"encoding/json"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/zoff-tech/go-remedy/pkg/playbook"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/schema"
)

// Fold derives the projection record from an exception's ordered events.
// Scalar fields follow the same patches the live stages apply, in event
// order; the playbook assignment and current step come from the run fold.
// Events whose payload no longer parses are skipped, like the run fold does.
func Fold(tenantID, exceptionID string, events []schema.Envelope) *store.ExceptionRecord {
	rec := &store.ExceptionRecord{
		TenantID:    tenantID,
		ExceptionID: exceptionID,
		Status:      schema.StatusOpen,
	}
	for i, evt := range events {
		if i == 0 {
			rec.CreatedAt = evt.CreatedAt
		}
		rec.UpdatedAt = evt.CreatedAt

		switch evt.EventType {
		case schema.EventExceptionIngested:
			var p schema.IngestedPayload
			if json.Unmarshal(evt.Payload, &p) != nil {
				continue
			}
			rec.Source = p.Source
			rec.Severity = p.Severity
			rec.Domain = p.Domain
			rec.ExceptionType = p.ExceptionType
			rec.Summary = p.Summary
		case schema.EventExceptionNormalized:
			var p schema.NormalizedPayload
			if json.Unmarshal(evt.Payload, &p) != nil {
				continue
			}
			rec.Severity = p.Severity
			rec.Domain = p.Domain
			rec.ExceptionType = p.ExceptionType
			rec.Summary = p.Summary
		case schema.EventTriageCompleted:
			var p schema.TriagePayload
			if json.Unmarshal(evt.Payload, &p) != nil {
				continue
			}
			rec.Status = schema.StatusTriaged
			rec.Severity = p.Severity
		case schema.EventPlaybookStarted:
			var p schema.PlaybookStartedPayload
			if json.Unmarshal(evt.Payload, &p) != nil {
				continue
			}
			rec.Status = schema.StatusRemediating
			rec.AssignedPlaybookID = p.PlaybookID
			rec.AssignedPlaybookVersion = p.PlaybookVersion
		case schema.EventPlaybookCompleted:
			rec.Status = schema.StatusResolved
		case schema.EventNoPlaybookMatched:
			rec.Status = schema.StatusUnmatched
		case schema.EventPlaybookRecalculated:
			var p schema.RecalculatedPayload
			if json.Unmarshal(evt.Payload, &p) != nil || !p.Changed {
				continue
			}
			if p.NewPlaybookID == "" {
				// The last assignment stays visible, like the live path.
				rec.Status = schema.StatusUnmatched
				continue
			}
			rec.Status = schema.StatusRemediating
			rec.AssignedPlaybookID = p.NewPlaybookID
			rec.AssignedPlaybookVersion = p.NewVersion
		case schema.EventStatusChanged:
			var p schema.StatusChangedPayload
			if json.Unmarshal(evt.Payload, &p) != nil {
				continue
			}
			rec.Status = p.Current
		}
	}

	if run := playbook.Fold(events); run != nil && run.CurrentStep != nil {
		step := *run.CurrentStep
		rec.CurrentStep = &step
	}
	return rec
}

// Rebuild refolds the exception's events and rewrites its projection row.
func Rebuild(ctx context.Context, st store.ExceptionStore, tenantID, exceptionID string) (*store.ExceptionRecord, error) {
	events, err := st.ListByException(ctx, tenantID, exceptionID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, store.ErrNotFound
	}
	rec := Fold(tenantID, exceptionID, events)
	rec.UpdatedAt = time.Now().UTC()
	if err := st.ReplaceException(ctx, tenantID, *rec); err != nil {
		return nil, err
	}
	logger.WithFields(logger.Fields{
		"tenant_id":    tenantID,
		"exception_id": exceptionID,
		"status":       rec.Status,
		"events":       len(events),
	}).Info("exception projection rebuilt")
	return rec, nil
}
