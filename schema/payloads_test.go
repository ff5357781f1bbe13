package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodePayload_Ingested(t *testing.T) {
	raw := json.RawMessage(`{"source":"billing","severity":"HIGH","domain":"finance","exception_type":"payment_failure","summary":"card declined"}`)

	payload, err := DecodePayload(EventExceptionIngested, raw)
	assert.NoError(t, err)

	ingested, ok := payload.(*IngestedPayload)
	assert.True(t, ok)
	assert.Equal(t, "billing", ingested.Source)
	assert.Equal(t, SeverityHigh, ingested.Severity)
	assert.Equal(t, "finance", ingested.Domain)
}

func TestDecodePayload_RejectsMissingRequired(t *testing.T) {
	raw := json.RawMessage(`{"severity":"HIGH","domain":"finance"}`)

	_, err := DecodePayload(EventExceptionIngested, raw)
	assert.Error(t, err)
}

func TestDecodePayload_RejectsBadSeverity(t *testing.T) {
	raw := json.RawMessage(`{"source":"billing","severity":"SEVERE","domain":"finance","exception_type":"x"}`)

	_, err := DecodePayload(EventExceptionIngested, raw)
	assert.Error(t, err)
}

func TestDecodePayload_UnknownEventType(t *testing.T) {
	_, err := DecodePayload(EventType("Mystery"), json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestDecodePayload_StepCompleted(t *testing.T) {
	raw := json.RawMessage(`{"step_order":2,"step_name":"refund","action_type":"call_tool"}`)

	payload, err := DecodePayload(EventPlaybookStepCompleted, raw)
	assert.NoError(t, err)

	step := payload.(*StepCompletedPayload)
	assert.Equal(t, 2, step.StepOrder)
	assert.Equal(t, "refund", step.StepName)
	assert.Equal(t, "call_tool", step.ActionType)
}

func TestDecodePayload_StepCompletedRejectsBadAction(t *testing.T) {
	raw := json.RawMessage(`{"step_order":2,"step_name":"refund","action_type":"reboot"}`)

	_, err := DecodePayload(EventPlaybookStepCompleted, raw)
	assert.Error(t, err)
}

func TestDecodePayload_SLAVariants(t *testing.T) {
	raw := json.RawMessage(`{"threshold_id":"sla-80","fraction":0.8,"elapsed_seconds":3600,"window_seconds":4000}`)

	for _, eventType := range []EventType{EventSLAImminent, EventSLABreached} {
		payload, err := DecodePayload(eventType, raw)
		assert.NoError(t, err)
		sla := payload.(*SLAPayload)
		assert.Equal(t, "sla-80", sla.ThresholdID)
		assert.Equal(t, 0.8, sla.Fraction)
	}
}

func TestTopicForEvent(t *testing.T) {
	assert.Equal(t, TopicExceptionsIngested, TopicForEvent(EventExceptionIngested))
	assert.Equal(t, TopicPlaybookMatched, TopicForEvent(EventPlaybookStarted))
	assert.Equal(t, TopicSLAImminent, TopicForEvent(EventSLABreached))

	// Audit-only events have no destination topic.
	assert.Equal(t, "", TopicForEvent(EventPlaybookStepCompleted))
	assert.Equal(t, "", TopicForEvent(EventPlaybookRecalculated))
	assert.Equal(t, "", TopicForEvent(EventStatusChanged))
}
