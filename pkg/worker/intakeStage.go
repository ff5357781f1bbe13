package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/schema"
)

// IntakeStage canonicalizes raw ingested exceptions and opens their
// projection row.
type IntakeStage struct {
	store store.ExceptionStore
}

func NewIntakeStage(st store.ExceptionStore) *IntakeStage {
	return &IntakeStage{store: st}
}

func (s *IntakeStage) Stage() string { return StageIntake }
func (s *IntakeStage) Topic() string { return schema.TopicExceptionsIngested }
func (s *IntakeStage) Group() string { return StageIntake }

func (s *IntakeStage) Handle(ctx context.Context, env schema.Envelope, payload any) error {
	p, ok := payload.(*schema.IngestedPayload)
	if !ok {
		return Validation(fmt.Errorf("unexpected payload type %T", payload))
	}

	normalized := schema.NormalizedPayload{
		Severity:      p.Severity,
		Domain:        strings.ToLower(strings.TrimSpace(p.Domain)),
		ExceptionType: strings.ToLower(strings.TrimSpace(p.ExceptionType)),
		Summary:       strings.TrimSpace(p.Summary),
		Attributes:    p.Attributes,
	}
	if normalized.Summary == "" {
		normalized.Summary = normalized.Domain + ": " + normalized.ExceptionType
	}

	absorbed, err := appendDerived(ctx, s.store, env, StageIntake, schema.EventExceptionNormalized, normalized)
	if err != nil {
		return Transient(err)
	}
	if absorbed {
		return nil
	}

	err = s.store.UpsertException(ctx, env.TenantID, env.ExceptionID, store.ExceptionPatch{
		Severity:      normalized.Severity,
		Domain:        normalized.Domain,
		ExceptionType: normalized.ExceptionType,
		Source:        p.Source,
		Summary:       normalized.Summary,
	})
	if err != nil {
		return Transient(err)
	}
	return nil
}
