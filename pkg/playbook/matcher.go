package playbook

import (
	"sort"
	"strings"

	"github.com/zoff-tech/go-remedy/pkg/config"
	"github.com/zoff-tech/go-remedy/schema"
)

// Subject carries the exception attributes the matcher evaluates: the
// projection fields plus the classification and the free-form attributes
// captured along the event stream.
type Subject struct {
	Severity       string
	Domain         string
	ExceptionType  string
	Source         string
	Status         string
	Classification string
	Attributes     map[string]string
}

func (s Subject) field(name string) string {
	switch strings.ToLower(name) {
	case "severity":
		return s.Severity
	case "domain":
		return s.Domain
	case "exception_type":
		return s.ExceptionType
	case "source":
		return s.Source
	case "status":
		return s.Status
	case "classification":
		return s.Classification
	default:
		return s.Attributes[name]
	}
}

// Matcher ranks active playbook definitions against a subject. The
// specificity score counts satisfied clauses; the per-clause weights are
// configuration, not code, because the right scoring differs per deployment.
type Matcher struct {
	weights config.MatchSettings
}

func NewMatcher(weights config.MatchSettings) *Matcher {
	return &Matcher{weights: weights.OrDefaults()}
}

// Match returns the best candidate, or nil when nothing matches and no
// fallback exists, a valid terminal outcome rather than an error. Ranking order:
// highest specificity score, then explicit playbooks over default over
// fallback, then highest version, then tenant-owned over global.
func (m *Matcher) Match(subject Subject, defs []schema.PlaybookDefinition) *schema.PlaybookDefinition {
	type candidate struct {
		def   schema.PlaybookDefinition
		score int
	}

	var candidates []candidate
	for _, def := range defs {
		if !def.Active {
			continue
		}
		score, ok := m.score(subject, def.Match)
		if !ok {
			// Fallbacks catch everything; anything else must pass its clauses.
			if !def.Fallback {
				continue
			}
			score = 0
		}
		candidates = append(candidates, candidate{def: def, score: score})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if flagRank(a.def) != flagRank(b.def) {
			return flagRank(a.def) < flagRank(b.def)
		}
		if a.def.Version != b.def.Version {
			return a.def.Version > b.def.Version
		}
		if (a.def.TenantID != "") != (b.def.TenantID != "") {
			return a.def.TenantID != ""
		}
		return a.def.PlaybookID < b.def.PlaybookID
	})

	best := candidates[0].def
	return &best
}

// score evaluates every declared clause. ok is false when any clause fails or
// when no clause is declared at all: empty rules match nothing on their own.
func (m *Matcher) score(subject Subject, rules schema.MatchRules) (int, bool) {
	if rules.ClauseCount() == 0 {
		return 0, false
	}
	score := 0
	if rules.Domain != "" {
		if !strings.EqualFold(rules.Domain, subject.Domain) {
			return 0, false
		}
		score += m.weights.DomainWeight
	}
	if len(rules.Severities) > 0 {
		if !containsFold(rules.Severities, subject.Severity) {
			return 0, false
		}
		score += m.weights.SeverityWeight
	}
	for _, pred := range rules.Predicates {
		if !matchPredicate(subject, pred) {
			return 0, false
		}
		score += m.weights.PredicateWeight
	}
	return score, true
}

func matchPredicate(subject Subject, pred schema.Predicate) bool {
	value := subject.field(pred.Field)
	switch pred.Op {
	case schema.OpEq:
		return value == pred.Value
	case schema.OpNe:
		return value != pred.Value
	case schema.OpContains:
		return strings.Contains(value, pred.Value)
	case schema.OpPrefix:
		return strings.HasPrefix(value, pred.Value)
	case schema.OpIn:
		for _, v := range pred.Values {
			if v == value {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// flagRank orders explicit playbooks before defaults and defaults before
// fallbacks at equal score.
func flagRank(def schema.PlaybookDefinition) int {
	switch {
	case def.Fallback:
		return 2
	case def.Default:
		return 1
	default:
		return 0
	}
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
