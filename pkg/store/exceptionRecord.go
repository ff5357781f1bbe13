package store

import "time"

// ExceptionRecord is the queryable projection of one exception. Every field
// is recomputable from the event stream; the row is a cache, not the source
// of truth.
type ExceptionRecord struct {
	TenantID                string    `json:"tenant_id" db:"tenant_id" bson:"tenant_id"`
	ExceptionID             string    `json:"exception_id" db:"exception_id" bson:"exception_id"`
	Status                  string    `json:"status" db:"status" bson:"status"`
	Severity                string    `json:"severity,omitempty" db:"severity" bson:"severity,omitempty"`
	Domain                  string    `json:"domain,omitempty" db:"domain" bson:"domain,omitempty"`
	ExceptionType           string    `json:"exception_type,omitempty" db:"exception_type" bson:"exception_type,omitempty"`
	Source                  string    `json:"source,omitempty" db:"source" bson:"source,omitempty"`
	Summary                 string    `json:"summary,omitempty" db:"summary" bson:"summary,omitempty"`
	AssignedPlaybookID      string    `json:"assigned_playbook_id,omitempty" db:"assigned_playbook_id" bson:"assigned_playbook_id,omitempty"`
	AssignedPlaybookVersion int       `json:"assigned_playbook_version,omitempty" db:"assigned_playbook_version" bson:"assigned_playbook_version,omitempty"`
	CurrentStep             *int      `json:"current_step,omitempty" db:"current_step" bson:"current_step,omitempty"`
	CreatedAt               time.Time `json:"created_at" db:"created_at" bson:"created_at"`
	UpdatedAt               time.Time `json:"updated_at" db:"updated_at" bson:"updated_at"`
}

// ExceptionPatch carries the fields an upsert may change. Zero values mean
// "leave as is". CurrentStep nil means unchanged; pointing at 0 clears the
// step (steps are 1-indexed).
type ExceptionPatch struct {
	Status                  string
	Severity                string
	Domain                  string
	ExceptionType           string
	Source                  string
	Summary                 string
	AssignedPlaybookID      string
	AssignedPlaybookVersion int
	CurrentStep             *int
}

// apply merges the patch into the record, preserving unset fields.
func (p ExceptionPatch) apply(rec *ExceptionRecord, now time.Time) {
	if p.Status != "" {
		rec.Status = p.Status
	}
	if p.Severity != "" {
		rec.Severity = p.Severity
	}
	if p.Domain != "" {
		rec.Domain = p.Domain
	}
	if p.ExceptionType != "" {
		rec.ExceptionType = p.ExceptionType
	}
	if p.Source != "" {
		rec.Source = p.Source
	}
	if p.Summary != "" {
		rec.Summary = p.Summary
	}
	if p.AssignedPlaybookID != "" {
		rec.AssignedPlaybookID = p.AssignedPlaybookID
	}
	if p.AssignedPlaybookVersion != 0 {
		rec.AssignedPlaybookVersion = p.AssignedPlaybookVersion
	}
	if p.CurrentStep != nil {
		if *p.CurrentStep == 0 {
			rec.CurrentStep = nil
		} else {
			step := *p.CurrentStep
			rec.CurrentStep = &step
		}
	}
	rec.UpdatedAt = now
}

// StepRef returns a pointer to the given step order, for use in patches.
func StepRef(order int) *int {
	return &order
}
