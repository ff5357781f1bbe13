package worker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/schema"
)

// TriageStage classifies normalized exceptions through the Classifier
// collaborator.
type TriageStage struct {
	store      store.ExceptionStore
	classifier Classifier
}

func NewTriageStage(st store.ExceptionStore, c Classifier) *TriageStage {
	return &TriageStage{store: st, classifier: c}
}

func (s *TriageStage) Stage() string { return StageTriage }
func (s *TriageStage) Topic() string { return schema.TopicExceptionsNormalized }
func (s *TriageStage) Group() string { return StageTriage }

func (s *TriageStage) Handle(ctx context.Context, env schema.Envelope, payload any) error {
	p, ok := payload.(*schema.NormalizedPayload)
	if !ok {
		return Validation(fmt.Errorf("unexpected payload type %T", payload))
	}

	result, err := s.classifier.Classify(ctx, env, p)
	if err != nil {
		return Transient(fmt.Errorf("classify: %w", err))
	}
	if result.Classification == "" {
		return Transient(fmt.Errorf("classifier returned empty classification"))
	}

	absorbed, err := appendDerived(ctx, s.store, env, StageTriage, schema.EventTriageCompleted, result)
	if err != nil {
		return Transient(err)
	}
	if absorbed {
		return nil
	}

	// Triage may revise the severity; the projection follows the latest call.
	err = s.store.UpsertException(ctx, env.TenantID, env.ExceptionID, store.ExceptionPatch{
		Status:   schema.StatusTriaged,
		Severity: result.Severity,
	})
	if err != nil {
		return Transient(err)
	}
	return nil
}
