package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payloads form a tagged union keyed by EventType: each variant has its own
// schema and is validated at the broker boundary before any stage logic runs.

// IngestedPayload accompanies ExceptionIngested.
type IngestedPayload struct {
	Source        string            `json:"source" validate:"required"`
	Severity      string            `json:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	Domain        string            `json:"domain" validate:"required"`
	ExceptionType string            `json:"exception_type" validate:"required"`
	Summary       string            `json:"summary"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// NormalizedPayload accompanies ExceptionNormalized.
type NormalizedPayload struct {
	Severity      string            `json:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	Domain        string            `json:"domain" validate:"required"`
	ExceptionType string            `json:"exception_type" validate:"required"`
	Summary       string            `json:"summary"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// TriagePayload accompanies TriageCompleted.
type TriagePayload struct {
	Severity       string  `json:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	Domain         string  `json:"domain" validate:"required"`
	Classification string  `json:"classification" validate:"required"`
	Confidence     float64 `json:"confidence" validate:"gte=0,lte=1"`
	Reasoning      string  `json:"reasoning,omitempty"`
}

// PolicyPayload accompanies PolicyEvaluated.
type PolicyPayload struct {
	Disposition string   `json:"disposition" validate:"required,oneof=remediate waive escalate"`
	RuleSet     string   `json:"rule_set,omitempty"`
	Violations  []string `json:"violations,omitempty"`
}

// PlaybookStartedPayload accompanies PlaybookStarted.
type PlaybookStartedPayload struct {
	PlaybookID      string `json:"playbook_id" validate:"required"`
	PlaybookVersion int    `json:"playbook_version" validate:"required,min=1"`
	TotalSteps      int    `json:"total_steps" validate:"required,min=1"`
}

// StepCompletedPayload accompanies PlaybookStepCompleted.
type StepCompletedPayload struct {
	StepOrder  int    `json:"step_order" validate:"required,min=1"`
	StepName   string `json:"step_name" validate:"required"`
	ActionType string `json:"action_type" validate:"required,oneof=notify call_tool escalate set_status human"`
}

// StepSkippedPayload accompanies PlaybookStepSkipped.
type StepSkippedPayload struct {
	StepOrder int    `json:"step_order" validate:"required,min=1"`
	StepName  string `json:"step_name" validate:"required"`
	Reason    string `json:"reason,omitempty"`
}

// PlaybookCompletedPayload accompanies PlaybookCompleted.
type PlaybookCompletedPayload struct {
	TotalSteps int `json:"total_steps" validate:"required,min=1"`
}

// RecalculatedPayload accompanies PlaybookRecalculated. Changed is false when the
// re-match resolved to the playbook already assigned; the event is still appended
// so the audit trail records that a recalculation happened. NewTotalSteps lets
// the run-state fold reset under the new definition without replaying it.
type RecalculatedPayload struct {
	PreviousPlaybookID string `json:"previous_playbook_id,omitempty"`
	PreviousVersion    int    `json:"previous_version,omitempty"`
	NewPlaybookID      string `json:"new_playbook_id,omitempty"`
	NewVersion         int    `json:"new_version,omitempty"`
	NewStep            int    `json:"new_step,omitempty"`
	NewTotalSteps      int    `json:"new_total_steps,omitempty"`
	Changed            bool   `json:"changed"`
	Reasoning          string `json:"reasoning,omitempty"`
}

// NoMatchPayload accompanies NoPlaybookMatched. A missing playbook is a valid
// terminal outcome, not an error.
type NoMatchPayload struct {
	Domain    string `json:"domain,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ToolRequestedPayload accompanies ToolRequested.
type ToolRequestedPayload struct {
	StepOrder int               `json:"step_order" validate:"required,min=1"`
	Tool      string            `json:"tool" validate:"required"`
	Params    map[string]string `json:"params,omitempty"`
}

// ToolCompletedPayload accompanies ToolCompleted.
type ToolCompletedPayload struct {
	StepOrder      int    `json:"step_order" validate:"required,min=1"`
	Tool           string `json:"tool" validate:"required"`
	Status         string `json:"status" validate:"required,oneof=succeeded failed"`
	Output         string `json:"output,omitempty"`
	DurationMillis int64  `json:"duration_ms,omitempty"`
}

// FeedbackPayload accompanies FeedbackCaptured.
type FeedbackPayload struct {
	Tool    string `json:"tool,omitempty"`
	Outcome string `json:"outcome" validate:"required,oneof=positive negative neutral"`
	Notes   string `json:"notes,omitempty"`
}

// SLAPayload accompanies SLAImminent and SLABreached.
type SLAPayload struct {
	ThresholdID    string    `json:"threshold_id" validate:"required"`
	Fraction       float64   `json:"fraction" validate:"gt=0"`
	ElapsedSeconds int64     `json:"elapsed_seconds"`
	WindowSeconds  int64     `json:"window_seconds" validate:"required,gt=0"`
	Deadline       time.Time `json:"deadline"`
}

// StatusChangedPayload accompanies StatusChanged.
type StatusChangedPayload struct {
	Previous string `json:"previous,omitempty"`
	Current  string `json:"current" validate:"required,oneof=open triaged remediating resolved closed unmatched"`
	Reason   string `json:"reason,omitempty"`
}

// EncodePayload marshals a payload variant for embedding in an envelope.
func EncodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// DecodePayload parses and validates the payload variant for the given event
// type. Unknown event types are rejected so that malformed traffic is caught at
// the boundary instead of inside stage logic.
func DecodePayload(eventType EventType, raw json.RawMessage) (any, error) {
	target := newPayload(eventType)
	if target == nil {
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", eventType, err)
	}
	if err := validate.Struct(target); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", eventType, err)
	}
	return target, nil
}

func newPayload(eventType EventType) any {
	switch eventType {
	case EventExceptionIngested:
		return &IngestedPayload{}
	case EventExceptionNormalized:
		return &NormalizedPayload{}
	case EventTriageCompleted:
		return &TriagePayload{}
	case EventPolicyEvaluated:
		return &PolicyPayload{}
	case EventPlaybookStarted:
		return &PlaybookStartedPayload{}
	case EventPlaybookStepCompleted:
		return &StepCompletedPayload{}
	case EventPlaybookStepSkipped:
		return &StepSkippedPayload{}
	case EventPlaybookCompleted:
		return &PlaybookCompletedPayload{}
	case EventPlaybookRecalculated:
		return &RecalculatedPayload{}
	case EventNoPlaybookMatched:
		return &NoMatchPayload{}
	case EventToolRequested:
		return &ToolRequestedPayload{}
	case EventToolCompleted:
		return &ToolCompletedPayload{}
	case EventFeedbackCaptured:
		return &FeedbackPayload{}
	case EventSLAImminent, EventSLABreached:
		return &SLAPayload{}
	case EventStatusChanged:
		return &StatusChangedPayload{}
	default:
		return nil
	}
}
