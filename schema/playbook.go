package schema

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// PredicateOp is a comparison operator in a playbook match rule.
type PredicateOp string

const (
	OpEq       PredicateOp = "eq"
	OpNe       PredicateOp = "ne"
	OpContains PredicateOp = "contains"
	OpPrefix   PredicateOp = "prefix"
	OpIn       PredicateOp = "in"
)

// Predicate matches one exception attribute against a value.
type Predicate struct {
	Field  string      `json:"field" yaml:"field" validate:"required"`
	Op     PredicateOp `json:"op" yaml:"op" validate:"required,oneof=eq ne contains prefix in"`
	Value  string      `json:"value,omitempty" yaml:"value"`
	Values []string    `json:"values,omitempty" yaml:"values"` // op=in
}

// MatchRules declares which exceptions a playbook applies to. Empty rules
// match nothing unless the definition is marked Fallback.
type MatchRules struct {
	Domain     string      `json:"domain,omitempty" yaml:"domain"`
	Severities []string    `json:"severities,omitempty" yaml:"severities" validate:"dive,oneof=LOW MEDIUM HIGH CRITICAL"`
	Predicates []Predicate `json:"predicates,omitempty" yaml:"predicates" validate:"dive"`
}

// ClauseCount is the number of declared match clauses, the raw material of
// the specificity score.
func (m MatchRules) ClauseCount() int {
	count := 0
	if m.Domain != "" {
		count++
	}
	if len(m.Severities) > 0 {
		count++
	}
	count += len(m.Predicates)
	return count
}

// Step action types.
const (
	ActionNotify    = "notify"
	ActionCallTool  = "call_tool"
	ActionEscalate  = "escalate"
	ActionSetStatus = "set_status"
	ActionHuman     = "human"
)

// PlaybookStep is one remediation step. Steps are 1-indexed and strictly
// ordered.
type PlaybookStep struct {
	StepOrder        int               `json:"step_order" yaml:"step_order" validate:"required,gte=1"`
	Name             string            `json:"name" yaml:"name" validate:"required"`
	ActionType       string            `json:"action_type" yaml:"action_type" validate:"required,oneof=notify call_tool escalate set_status human"`
	ApprovalRequired bool              `json:"approval_required,omitempty" yaml:"approval_required"`
	Tool             string            `json:"tool,omitempty" yaml:"tool"`
	Params           map[string]string `json:"params,omitempty" yaml:"params"`
}

// PlaybookDefinition is an immutable, versioned remediation recipe. A new
// version is a new row; existing (tenant, id, version) rows are never
// rewritten. TenantID "" means the definition is global.
type PlaybookDefinition struct {
	TenantID   string         `json:"tenant_id,omitempty" yaml:"tenant_id"`
	PlaybookID string         `json:"playbook_id" yaml:"playbook_id" validate:"required"`
	Version    int            `json:"version" yaml:"version" validate:"required,gte=1"`
	Name       string         `json:"name" yaml:"name" validate:"required"`
	Match      MatchRules     `json:"match" yaml:"match"`
	Steps      []PlaybookStep `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
	Default    bool           `json:"default,omitempty" yaml:"default"`
	Fallback   bool           `json:"fallback,omitempty" yaml:"fallback"`
	Active     bool           `json:"active" yaml:"active"`
}

// Validate checks struct tags plus the step ordering rule: orders must be
// contiguous starting at 1, and call_tool steps must name their tool.
func (d *PlaybookDefinition) Validate() error {
	validate := validator.New()
	if err := validate.Struct(d); err != nil {
		return err
	}
	for i, step := range d.Steps {
		if step.StepOrder != i+1 {
			return fmt.Errorf("step %q has order %d, want %d", step.Name, step.StepOrder, i+1)
		}
		if step.ActionType == ActionCallTool && step.Tool == "" {
			return fmt.Errorf("step %q is call_tool but names no tool", step.Name)
		}
	}
	return nil
}

// Step returns the step with the given order, if present.
func (d *PlaybookDefinition) Step(order int) (*PlaybookStep, bool) {
	if order < 1 || order > len(d.Steps) {
		return nil, false
	}
	return &d.Steps[order-1], true
}

// TotalSteps is the number of steps in the definition.
func (d *PlaybookDefinition) TotalSteps() int {
	return len(d.Steps)
}
