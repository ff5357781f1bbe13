package schema

// Topic names are fixed across the pipeline. Data flows strictly forward through
// the chain topics; control.dlq and sla.imminent are side channels.
const (
	TopicExceptionsIngested   = "exceptions.ingested"
	TopicExceptionsNormalized = "exceptions.normalized"
	TopicTriageCompleted      = "triage.completed"
	TopicPolicyEvaluated      = "policy.evaluated"
	TopicPlaybookMatched      = "playbook.matched"
	TopicToolRequested        = "tool.requested"
	TopicToolCompleted        = "tool.completed"
	TopicFeedbackCaptured     = "feedback.captured"
	TopicControlDLQ           = "control.dlq"
	TopicSLAImminent          = "sla.imminent"
)

// DefaultPartitions is the topic partition count assumed when the broker supports
// partitioning and the deployment does not override it.
const DefaultPartitions = 3

// AllTopics lists every pipeline topic, used by broker topology declaration.
var AllTopics = []string{
	TopicExceptionsIngested,
	TopicExceptionsNormalized,
	TopicTriageCompleted,
	TopicPolicyEvaluated,
	TopicPlaybookMatched,
	TopicToolRequested,
	TopicToolCompleted,
	TopicFeedbackCaptured,
	TopicControlDLQ,
	TopicSLAImminent,
}

var eventTopics = map[EventType]string{
	EventExceptionIngested:   TopicExceptionsIngested,
	EventExceptionNormalized: TopicExceptionsNormalized,
	EventTriageCompleted:     TopicTriageCompleted,
	EventPolicyEvaluated:     TopicPolicyEvaluated,
	EventPlaybookStarted:     TopicPlaybookMatched,
	EventToolRequested:       TopicToolRequested,
	EventToolCompleted:       TopicToolCompleted,
	EventFeedbackCaptured:    TopicFeedbackCaptured,
	EventSLAImminent:         TopicSLAImminent,
	EventSLABreached:         TopicSLAImminent,
}

// TopicForEvent returns the destination topic for a chain event, or "" for
// audit-only events that are stored but never republished.
func TopicForEvent(eventType EventType) string {
	return eventTopics[eventType]
}
