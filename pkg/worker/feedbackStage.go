package worker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/pkg/tool"
	"github.com/zoff-tech/go-remedy/schema"
)

// FeedbackStage records tool outcomes as feedback signals. The captured
// stream feeds matcher and playbook tuning offline; capture itself is part
// of the pipeline.
type FeedbackStage struct {
	store store.ExceptionStore
}

func NewFeedbackStage(st store.ExceptionStore) *FeedbackStage {
	return &FeedbackStage{store: st}
}

func (s *FeedbackStage) Stage() string { return StageFeedback }
func (s *FeedbackStage) Topic() string { return schema.TopicToolCompleted }
func (s *FeedbackStage) Group() string { return StageFeedback }

func (s *FeedbackStage) Handle(ctx context.Context, env schema.Envelope, payload any) error {
	p, ok := payload.(*schema.ToolCompletedPayload)
	if !ok {
		return Validation(fmt.Errorf("unexpected payload type %T", payload))
	}

	outcome := "positive"
	if p.Status != tool.StatusSucceeded {
		outcome = "negative"
	}
	feedback := schema.FeedbackPayload{
		Tool:    p.Tool,
		Outcome: outcome,
		Notes:   fmt.Sprintf("tool %s %s in %dms", p.Tool, p.Status, p.DurationMillis),
	}
	if _, err := appendDerived(ctx, s.store, env, StageFeedback, schema.EventFeedbackCaptured, feedback); err != nil {
		return Transient(err)
	}
	return nil
}
