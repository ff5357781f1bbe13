package worker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/schema"
)

// PolicyStage evaluates the disposition of triaged exceptions through the
// PolicyEvaluator collaborator.
type PolicyStage struct {
	store  store.ExceptionStore
	policy PolicyEvaluator
}

func NewPolicyStage(st store.ExceptionStore, p PolicyEvaluator) *PolicyStage {
	return &PolicyStage{store: st, policy: p}
}

func (s *PolicyStage) Stage() string { return StagePolicy }
func (s *PolicyStage) Topic() string { return schema.TopicTriageCompleted }
func (s *PolicyStage) Group() string { return StagePolicy }

func (s *PolicyStage) Handle(ctx context.Context, env schema.Envelope, payload any) error {
	p, ok := payload.(*schema.TriagePayload)
	if !ok {
		return Validation(fmt.Errorf("unexpected payload type %T", payload))
	}

	decision, err := s.policy.Evaluate(ctx, env, p)
	if err != nil {
		return Transient(fmt.Errorf("evaluate policy: %w", err))
	}

	if _, err := appendDerived(ctx, s.store, env, StagePolicy, schema.EventPolicyEvaluated, decision); err != nil {
		return Transient(err)
	}
	return nil
}
