package worker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/pkg/tool"
	"github.com/zoff-tech/go-remedy/schema"
)

// ToolStage executes requested tools and records their outcomes. Invocation
// is at-least-once: a redelivered request re-invokes the tool, but the
// derived ToolCompleted id keeps the event log to one outcome per request.
type ToolStage struct {
	store   store.ExceptionStore
	invoker tool.Invoker
}

func NewToolStage(st store.ExceptionStore, inv tool.Invoker) *ToolStage {
	return &ToolStage{store: st, invoker: inv}
}

func (s *ToolStage) Stage() string { return StageTool }
func (s *ToolStage) Topic() string { return schema.TopicToolRequested }
func (s *ToolStage) Group() string { return StageTool }

func (s *ToolStage) Handle(ctx context.Context, env schema.Envelope, payload any) error {
	p, ok := payload.(*schema.ToolRequestedPayload)
	if !ok {
		return Validation(fmt.Errorf("unexpected payload type %T", payload))
	}

	result, err := s.invoker.Invoke(ctx, tool.Request{
		TenantID:    env.TenantID,
		ExceptionID: env.ExceptionID,
		Tool:        p.Tool,
		Params:      p.Params,
	})
	if err != nil {
		return Transient(fmt.Errorf("invoke %s: %w", p.Tool, err))
	}

	completed := schema.ToolCompletedPayload{
		StepOrder:      p.StepOrder,
		Tool:           p.Tool,
		Status:         result.Status,
		Output:         result.Output,
		DurationMillis: result.DurationMillis,
	}
	if _, err := appendDerived(ctx, s.store, env, StageTool, schema.EventToolCompleted, completed); err != nil {
		return Transient(err)
	}
	return nil
}
