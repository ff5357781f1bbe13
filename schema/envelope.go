// Package schema is the shared wire contract of the remedy pipeline: the event
// envelope carried on every topic, the typed payload for each event type, and the
// topic map. Producers and consumers import this package only.
package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ActorType identifies who caused an event.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorAgent  ActorType = "agent"
	ActorUser   ActorType = "user"
)

// EventType tags the payload variant carried by an envelope.
type EventType string

const (
	EventExceptionIngested     EventType = "ExceptionIngested"
	EventExceptionNormalized   EventType = "ExceptionNormalized"
	EventTriageCompleted       EventType = "TriageCompleted"
	EventPolicyEvaluated       EventType = "PolicyEvaluated"
	EventPlaybookStarted       EventType = "PlaybookStarted"
	EventPlaybookStepCompleted EventType = "PlaybookStepCompleted"
	EventPlaybookStepSkipped   EventType = "PlaybookStepSkipped"
	EventPlaybookCompleted     EventType = "PlaybookCompleted"
	EventPlaybookRecalculated  EventType = "PlaybookRecalculated"
	EventNoPlaybookMatched     EventType = "NoPlaybookMatched"
	EventToolRequested         EventType = "ToolRequested"
	EventToolCompleted         EventType = "ToolCompleted"
	EventFeedbackCaptured      EventType = "FeedbackCaptured"
	EventSLAImminent           EventType = "SLAImminent"
	EventSLABreached           EventType = "SLABreached"
	EventStatusChanged         EventType = "StatusChanged"
)

// Exception severities as carried on the wire.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Exception lifecycle statuses. Closure is a status transition, never a delete.
const (
	StatusOpen        = "open"
	StatusTriaged     = "triaged"
	StatusRemediating = "remediating"
	StatusResolved    = "resolved"
	StatusClosed      = "closed"
	StatusUnmatched   = "unmatched"
)

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s string) bool {
	switch s {
	case StatusOpen, StatusTriaged, StatusRemediating, StatusResolved, StatusClosed, StatusUnmatched:
		return true
	}
	return false
}

// Envelope is the immutable event record shared by every topic. Events are
// append-only: once written they are never updated or deleted.
type Envelope struct {
	EventID     string          `json:"event_id" validate:"required"`
	TenantID    string          `json:"tenant_id" validate:"required"`
	ExceptionID string          `json:"exception_id" validate:"required"`
	EventType   EventType       `json:"event_type" validate:"required"`
	ActorType   ActorType       `json:"actor_type" validate:"required,oneof=system agent user"`
	ActorID     string          `json:"actor_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at" validate:"required"`
}

var validate = validator.New()

// eventNamespace seeds deterministic (v5) event ids for derived events.
var eventNamespace = uuid.MustParse("b1f7c2ce-4d0a-4a35-9dd6-02f4f0f2a6e9")

// NewEnvelope builds an envelope with a random event id.
func NewEnvelope(tenantID, exceptionID string, eventType EventType, actor ActorType, actorID string, payload any) (Envelope, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:     uuid.New().String(),
		TenantID:    tenantID,
		ExceptionID: exceptionID,
		EventType:   eventType,
		ActorType:   actor,
		ActorID:     actorID,
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// DerivedEnvelope builds an envelope whose event id is a deterministic function of
// the causing event and the producing stage. Reprocessing a redelivered message
// therefore regenerates the same id and the store's dedup absorbs the append.
func DerivedEnvelope(cause Envelope, stage string, eventType EventType, payload any) (Envelope, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	seed := fmt.Sprintf("%s/%s/%s", cause.EventID, stage, eventType)
	return Envelope{
		EventID:     uuid.NewSHA1(eventNamespace, []byte(seed)).String(),
		TenantID:    cause.TenantID,
		ExceptionID: cause.ExceptionID,
		EventType:   eventType,
		ActorType:   ActorSystem,
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// DeterministicEventID derives a stable event id from an arbitrary seed. The SLA
// monitor uses it to dedup threshold crossings across scan runs.
func DeterministicEventID(seed string) string {
	return uuid.NewSHA1(eventNamespace, []byte(seed)).String()
}

// IdentifiedEnvelope builds an envelope with a caller-supplied event id,
// usually from DeterministicEventID, so producers that can reconstruct their
// ids exactly (step transitions, SLA threshold crossings) stay idempotent
// under replay.
func IdentifiedEnvelope(eventID, tenantID, exceptionID string, eventType EventType, actor ActorType, actorID string, payload any) (Envelope, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:     eventID,
		TenantID:    tenantID,
		ExceptionID: exceptionID,
		EventType:   eventType,
		ActorType:   actor,
		ActorID:     actorID,
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// PartitionKey is the broker ordering key. Delivery order is guaranteed only
// within a single key; cross-exception ordering must never be assumed.
func (e Envelope) PartitionKey() string {
	return e.TenantID + "/" + e.ExceptionID
}

// Validate checks envelope shape. Payload contents are validated separately by
// DecodePayload at the consuming boundary.
func (e Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	return nil
}

// Decode parses and validates a wire message into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode renders the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
