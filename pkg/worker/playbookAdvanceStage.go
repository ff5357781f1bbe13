package worker

import (
	"context"
	"errors"
	"fmt"

	logger "github.com/sirupsen/logrus"

	"github.com/zoff-tech/go-remedy/pkg/playbook"
	"github.com/zoff-tech/go-remedy/pkg/tool"
	"github.com/zoff-tech/go-remedy/schema"
)

// PlaybookAdvanceStage applies tool results to their runs and keeps driving.
// A failed tool leaves the run waiting at its step: the operator decides
// whether to retry the tool (via DLQ or recalculation), complete, or skip.
type PlaybookAdvanceStage struct {
	engine *playbook.Engine
	log    *logger.Entry
}

func NewPlaybookAdvanceStage(eng *playbook.Engine) *PlaybookAdvanceStage {
	return &PlaybookAdvanceStage{
		engine: eng,
		log:    logger.WithField("stage", StagePlaybookAdvance),
	}
}

func (s *PlaybookAdvanceStage) Stage() string { return StagePlaybookAdvance }
func (s *PlaybookAdvanceStage) Topic() string { return schema.TopicToolCompleted }
func (s *PlaybookAdvanceStage) Group() string { return StagePlaybook }

func (s *PlaybookAdvanceStage) Handle(ctx context.Context, env schema.Envelope, payload any) error {
	p, ok := payload.(*schema.ToolCompletedPayload)
	if !ok {
		return Validation(fmt.Errorf("unexpected payload type %T", payload))
	}

	if p.Status != tool.StatusSucceeded {
		s.log.WithFields(logger.Fields{
			"tenant_id":    env.TenantID,
			"exception_id": env.ExceptionID,
			"tool":         p.Tool,
			"step_order":   p.StepOrder,
		}).Warn("tool failed, run awaits operator")
		return nil
	}

	if _, err := s.engine.ApplyToolResult(ctx, env.TenantID, env.ExceptionID, *p); err != nil {
		if errors.Is(err, playbook.ErrNoPlaybookAssigned) || playbook.IsInvalidStepOrder(err) {
			// The run moved on (recalculation, operator skip): the result is
			// stale, not retryable.
			return Logic(err)
		}
		return Transient(fmt.Errorf("apply tool result: %w", err))
	}
	if _, err := s.engine.Advance(ctx, env.TenantID, env.ExceptionID); err != nil {
		return Transient(fmt.Errorf("advance playbook: %w", err))
	}
	return nil
}
