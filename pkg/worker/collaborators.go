package worker

import (
	"context"

	"github.com/zoff-tech/go-remedy/schema"
)

// Classifier produces the triage result for a normalized exception. The
// pipeline owns the protocol around it; the heuristic (or the agent behind
// it) is a deployment concern.
type Classifier interface {
	Classify(ctx context.Context, env schema.Envelope, p *schema.NormalizedPayload) (schema.TriagePayload, error)
}

// PolicyEvaluator decides the disposition of a triaged exception.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, env schema.Envelope, p *schema.TriagePayload) (schema.PolicyPayload, error)
}

// RuleClassifier is the built-in classifier: the classification is the
// exception type qualified by domain, confidence scales with severity.
type RuleClassifier struct{}

func (RuleClassifier) Classify(_ context.Context, _ schema.Envelope, p *schema.NormalizedPayload) (schema.TriagePayload, error) {
	confidence := map[string]float64{
		schema.SeverityLow:      0.60,
		schema.SeverityMedium:   0.70,
		schema.SeverityHigh:     0.80,
		schema.SeverityCritical: 0.90,
	}[p.Severity]
	return schema.TriagePayload{
		Severity:       p.Severity,
		Domain:         p.Domain,
		Classification: p.Domain + "/" + p.ExceptionType,
		Confidence:     confidence,
		Reasoning:      "rule classifier: severity-weighted exception type",
	}, nil
}

// ThresholdPolicy is the built-in evaluator: low-confidence classifications
// escalate to humans, low-severity exceptions are waived, the rest remediate.
type ThresholdPolicy struct {
	// EscalateBelow is the confidence under which the disposition is escalate.
	EscalateBelow float64
}

func (t ThresholdPolicy) Evaluate(_ context.Context, _ schema.Envelope, p *schema.TriagePayload) (schema.PolicyPayload, error) {
	threshold := t.EscalateBelow
	if threshold == 0 {
		threshold = 0.5
	}
	switch {
	case p.Confidence < threshold:
		return schema.PolicyPayload{
			Disposition: "escalate",
			RuleSet:     "threshold-policy",
			Violations:  []string{"classification confidence below threshold"},
		}, nil
	case p.Severity == schema.SeverityLow:
		return schema.PolicyPayload{Disposition: "waive", RuleSet: "threshold-policy"}, nil
	default:
		return schema.PolicyPayload{Disposition: "remediate", RuleSet: "threshold-policy"}, nil
	}
}
