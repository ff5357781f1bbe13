package store

import (
	"context"
	"errors"

	"github.com/zoff-tech/go-remedy/schema"
)

// AppendResult reports whether an append inserted new rows or was absorbed
// by the idempotency guard.
type AppendResult string

const (
	Accepted  AppendResult = "accepted"
	Duplicate AppendResult = "duplicate"
)

// PublishStatus tracks the outbox state of a stored event.
type PublishStatus string

const (
	PublishPending    PublishStatus = "pending"
	PublishInProgress PublishStatus = "publishing"
	Published         PublishStatus = "published"
	PublishFailed     PublishStatus = "failed"
	PublishNone       PublishStatus = "none" // audit-only events, never published
)

// PendingEvent is an unpublished event claimed by the relay, with the
// destination topic and the attempt count after the claim.
type PendingEvent struct {
	Envelope schema.Envelope
	Topic    string
	Attempts int
}

var (
	// ErrNotFound is returned when a record does not exist for the tenant.
	ErrNotFound = errors.New("not found")
	// ErrImmutableVersion is returned when inserting a playbook version that
	// already exists. Versions are never rewritten.
	ErrImmutableVersion = errors.New("playbook version already exists")
)

// ExceptionStore defines the persistence operations for the remediation
// pipeline. The tenant id is the mandatory first argument of every
// tenant-scoped method; implementations must never return rows across
// tenants.
type ExceptionStore interface {
	// AppendEvent inserts an event if its (tenant_id, event_id) is unseen.
	// The dedup check and the insert are atomic; a concurrent duplicate
	// observes Duplicate and causes no further write.
	AppendEvent(ctx context.Context, tenantID string, evt schema.Envelope) (AppendResult, error)
	// AppendEvents inserts a batch in one transaction, all-or-nothing.
	// Duplicate means no new row was written.
	AppendEvents(ctx context.Context, tenantID string, evts []schema.Envelope) (AppendResult, error)
	// EventExists reports whether the event id has been seen for the tenant.
	EventExists(ctx context.Context, tenantID, eventID string) (bool, error)
	// ListByException returns the exception's events in append order
	// (created_at, then insertion sequence).
	ListByException(ctx context.Context, tenantID, exceptionID string) ([]schema.Envelope, error)

	// UpsertException creates or merges the exception projection row.
	// Zero-valued patch fields leave the stored value untouched.
	UpsertException(ctx context.Context, tenantID, exceptionID string, patch ExceptionPatch) error
	// ReplaceException rewrites the projection row wholesale. Rebuilds use it
	// because a merge cannot clear fields the refolded log no longer supports.
	ReplaceException(ctx context.Context, tenantID string, rec ExceptionRecord) error
	GetException(ctx context.Context, tenantID, exceptionID string) (*ExceptionRecord, error)
	// ListOpenExceptions returns exceptions not yet resolved or closed.
	ListOpenExceptions(ctx context.Context, tenantID string) ([]ExceptionRecord, error)
	// ListExceptions returns exceptions for the tenant, optionally filtered
	// by status, newest first.
	ListExceptions(ctx context.Context, tenantID, status string, limit int) ([]ExceptionRecord, error)
	// ListTenants returns the ids of all tenants with stored events. Used by
	// the relay and SLA monitor to fan out per-tenant scans.
	ListTenants(ctx context.Context) ([]string, error)

	// IncrementDeliveryAttempt bumps and returns the per-worker delivery
	// counter for an event. Counters survive process restarts.
	IncrementDeliveryAttempt(ctx context.Context, tenantID, eventID, workerType string) (int, error)

	// FetchUnpublished claims up to batchSize pending events for the relay,
	// marking them in progress and bumping their attempt counter. Claims
	// expire so a crashed relay's batch becomes claimable again.
	FetchUnpublished(ctx context.Context, tenantID string, batchSize int) ([]PendingEvent, error)
	MarkPublished(ctx context.Context, tenantID, eventID string) error
	MarkPublishFailed(ctx context.Context, tenantID, eventID string) error

	InsertDLQ(ctx context.Context, tenantID string, entry DLQEntry) error
	ListDLQ(ctx context.Context, tenantID, status string) ([]DLQEntry, error)
	GetDLQ(ctx context.Context, tenantID, id string) (*DLQEntry, error)
	UpdateDLQ(ctx context.Context, tenantID, id string, patch DLQPatch) error

	// InsertPlaybook stores a definition version. Returns ErrImmutableVersion
	// if (tenant, playbook_id, version) already exists.
	InsertPlaybook(ctx context.Context, tenantID string, def schema.PlaybookDefinition) error
	// ListPlaybooks returns the tenant's definitions plus global ones.
	ListPlaybooks(ctx context.Context, tenantID string) ([]schema.PlaybookDefinition, error)
	// GetPlaybook returns one version, or the latest when version <= 0.
	GetPlaybook(ctx context.Context, tenantID, playbookID string, version int) (*schema.PlaybookDefinition, error)

	Close(ctx context.Context) error
}
