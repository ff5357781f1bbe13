package worker

import (
	"context"
	"fmt"

	logger "github.com/sirupsen/logrus"

	"github.com/zoff-tech/go-remedy/pkg/playbook"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/schema"
)

// PlaybookStage turns a policy disposition into a playbook assignment: waive
// resolves the exception, remediate and escalate match and start a run. A
// missing match is a recorded terminal outcome, not an error.
type PlaybookStage struct {
	store  store.ExceptionStore
	engine *playbook.Engine
	log    *logger.Entry
}

func NewPlaybookStage(st store.ExceptionStore, eng *playbook.Engine) *PlaybookStage {
	return &PlaybookStage{
		store:  st,
		engine: eng,
		log:    logger.WithField("stage", StagePlaybook),
	}
}

func (s *PlaybookStage) Stage() string { return StagePlaybook }
func (s *PlaybookStage) Topic() string { return schema.TopicPolicyEvaluated }
func (s *PlaybookStage) Group() string { return StagePlaybook }

func (s *PlaybookStage) Handle(ctx context.Context, env schema.Envelope, payload any) error {
	p, ok := payload.(*schema.PolicyPayload)
	if !ok {
		return Validation(fmt.Errorf("unexpected payload type %T", payload))
	}

	if p.Disposition == "waive" {
		return s.waive(ctx, env)
	}

	subject, err := s.engine.SubjectFor(ctx, env.TenantID, env.ExceptionID)
	if err != nil {
		return Transient(fmt.Errorf("assemble subject: %w", err))
	}
	def, err := s.engine.Match(ctx, env.TenantID, subject)
	if err != nil {
		return Transient(fmt.Errorf("match playbook: %w", err))
	}
	if def == nil {
		return s.noMatch(ctx, env, subject)
	}

	if _, err := s.engine.Start(ctx, env.TenantID, env, def); err != nil {
		return Transient(fmt.Errorf("start playbook: %w", err))
	}
	if _, err := s.engine.Advance(ctx, env.TenantID, env.ExceptionID); err != nil {
		return Transient(fmt.Errorf("advance playbook: %w", err))
	}
	return nil
}

// waive records the policy's decision not to remediate. The status change is
// a derived event so a redelivered disposition resolves the exception once.
func (s *PlaybookStage) waive(ctx context.Context, env schema.Envelope) error {
	rec, err := s.store.GetException(ctx, env.TenantID, env.ExceptionID)
	if err != nil {
		return Transient(err)
	}
	absorbed, err := appendDerived(ctx, s.store, env, StagePlaybook, schema.EventStatusChanged,
		schema.StatusChangedPayload{
			Previous: rec.Status,
			Current:  schema.StatusResolved,
			Reason:   "policy disposition waive",
		})
	if err != nil {
		return Transient(err)
	}
	if absorbed {
		return nil
	}
	if err := s.store.UpsertException(ctx, env.TenantID, env.ExceptionID, store.ExceptionPatch{Status: schema.StatusResolved}); err != nil {
		return Transient(err)
	}
	s.log.WithFields(logger.Fields{
		"tenant_id":    env.TenantID,
		"exception_id": env.ExceptionID,
	}).Info("exception waived by policy")
	return nil
}

func (s *PlaybookStage) noMatch(ctx context.Context, env schema.Envelope, subject playbook.Subject) error {
	absorbed, err := appendDerived(ctx, s.store, env, StagePlaybook, schema.EventNoPlaybookMatched,
		schema.NoMatchPayload{
			Domain:    subject.Domain,
			Severity:  subject.Severity,
			Reasoning: "no active definition matched and no fallback exists",
		})
	if err != nil {
		return Transient(err)
	}
	if absorbed {
		return nil
	}
	if err := s.store.UpsertException(ctx, env.TenantID, env.ExceptionID, store.ExceptionPatch{Status: schema.StatusUnmatched}); err != nil {
		return Transient(err)
	}
	s.log.WithFields(logger.Fields{
		"tenant_id":    env.TenantID,
		"exception_id": env.ExceptionID,
		"domain":       subject.Domain,
	}).Warn("no playbook matched")
	return nil
}
