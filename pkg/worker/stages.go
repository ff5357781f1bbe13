package worker

import (
	"fmt"

	"github.com/zoff-tech/go-remedy/pkg/playbook"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/pkg/tool"
)

// Stage names, as used in worker config, delivery-attempt counters and DLQ
// worker_type fields.
const (
	StageIntake          = "intake"
	StageTriage          = "triage"
	StagePolicy          = "policy"
	StagePlaybook        = "playbook"
	StagePlaybookAdvance = "playbook-advance"
	StageTool            = "tool"
	StageFeedback        = "feedback"
)

// AllStages lists every stage in chain order.
var AllStages = []string{
	StageIntake,
	StageTriage,
	StagePolicy,
	StagePlaybook,
	StagePlaybookAdvance,
	StageTool,
	StageFeedback,
}

// Deps carries what stage construction needs. Nil Classifier and Policy fall
// back to the built-in rule implementations.
type Deps struct {
	Store      store.ExceptionStore
	Engine     *playbook.Engine
	Classifier Classifier
	Policy     PolicyEvaluator
	Invoker    tool.Invoker
}

// HandlersFor builds the handlers for the named stages; an empty list selects
// all of them.
func HandlersFor(stages []string, d Deps) ([]Handler, error) {
	if len(stages) == 0 {
		stages = AllStages
	}
	classifier := d.Classifier
	if classifier == nil {
		classifier = RuleClassifier{}
	}
	policy := d.Policy
	if policy == nil {
		policy = ThresholdPolicy{}
	}

	handlers := make([]Handler, 0, len(stages))
	for _, name := range stages {
		switch name {
		case StageIntake:
			handlers = append(handlers, NewIntakeStage(d.Store))
		case StageTriage:
			handlers = append(handlers, NewTriageStage(d.Store, classifier))
		case StagePolicy:
			handlers = append(handlers, NewPolicyStage(d.Store, policy))
		case StagePlaybook:
			handlers = append(handlers, NewPlaybookStage(d.Store, d.Engine))
		case StagePlaybookAdvance:
			handlers = append(handlers, NewPlaybookAdvanceStage(d.Engine))
		case StageTool:
			handlers = append(handlers, NewToolStage(d.Store, d.Invoker))
		case StageFeedback:
			handlers = append(handlers, NewFeedbackStage(d.Store))
		default:
			return nil, fmt.Errorf("unknown stage %q", name)
		}
	}
	return handlers, nil
}
