package playbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zoff-tech/go-remedy/pkg/config"
	"github.com/zoff-tech/go-remedy/schema"
)

func def(id string, version int, match schema.MatchRules) schema.PlaybookDefinition {
	return schema.PlaybookDefinition{
		PlaybookID: id,
		Version:    version,
		Name:       id,
		Match:      match,
		Steps: []schema.PlaybookStep{
			{StepOrder: 1, Name: "notify ops", ActionType: schema.ActionNotify},
		},
		Active: true,
	}
}

func paymentsSubject() Subject {
	return Subject{
		Severity:      schema.SeverityHigh,
		Domain:        "payments",
		ExceptionType: "settlement_mismatch",
		Source:        "core-banking",
		Attributes:    map[string]string{"region": "eu-west"},
	}
}

func TestMatcher_SpecificBeatsFallback(t *testing.T) {
	m := NewMatcher(config.MatchSettings{})

	specific := def("pb-settlement", 1, schema.MatchRules{
		Domain:     "payments",
		Severities: []string{schema.SeverityHigh, schema.SeverityCritical},
		Predicates: []schema.Predicate{
			{Field: "exception_type", Op: schema.OpEq, Value: "settlement_mismatch"},
		},
	})
	fallback := def("pb-fallback", 1, schema.MatchRules{})
	fallback.Fallback = true

	got := m.Match(paymentsSubject(), []schema.PlaybookDefinition{fallback, specific})
	assert.NotNil(t, got)
	assert.Equal(t, "pb-settlement", got.PlaybookID)
}

func TestMatcher_FallbackWhenNothingMatches(t *testing.T) {
	m := NewMatcher(config.MatchSettings{})

	specific := def("pb-trading", 1, schema.MatchRules{Domain: "trading"})
	fallback := def("pb-fallback", 1, schema.MatchRules{})
	fallback.Fallback = true

	got := m.Match(paymentsSubject(), []schema.PlaybookDefinition{specific, fallback})
	assert.NotNil(t, got)
	assert.Equal(t, "pb-fallback", got.PlaybookID)
}

func TestMatcher_NilWhenNoMatchAndNoFallback(t *testing.T) {
	m := NewMatcher(config.MatchSettings{})

	got := m.Match(paymentsSubject(), []schema.PlaybookDefinition{
		def("pb-trading", 1, schema.MatchRules{Domain: "trading"}),
	})
	assert.Nil(t, got)
}

func TestMatcher_InactiveIgnored(t *testing.T) {
	m := NewMatcher(config.MatchSettings{})

	inactive := def("pb-settlement", 1, schema.MatchRules{Domain: "payments"})
	inactive.Active = false

	got := m.Match(paymentsSubject(), []schema.PlaybookDefinition{inactive})
	assert.Nil(t, got)
}

func TestMatcher_EmptyRulesMatchNothing(t *testing.T) {
	m := NewMatcher(config.MatchSettings{})

	// No clauses and not a fallback: never a candidate
	got := m.Match(paymentsSubject(), []schema.PlaybookDefinition{
		def("pb-empty", 1, schema.MatchRules{}),
	})
	assert.Nil(t, got)
}

func TestMatcher_AllClausesMustPass(t *testing.T) {
	m := NewMatcher(config.MatchSettings{})

	// Domain matches but severity does not: the whole rule fails
	got := m.Match(paymentsSubject(), []schema.PlaybookDefinition{
		def("pb-low", 1, schema.MatchRules{
			Domain:     "payments",
			Severities: []string{schema.SeverityLow},
		}),
	})
	assert.Nil(t, got)
}

func TestMatcher_PredicateOps(t *testing.T) {
	m := NewMatcher(config.MatchSettings{})
	subject := paymentsSubject()

	cases := []struct {
		name string
		pred schema.Predicate
		hit  bool
	}{
		{"eq", schema.Predicate{Field: "source", Op: schema.OpEq, Value: "core-banking"}, true},
		{"eq miss", schema.Predicate{Field: "source", Op: schema.OpEq, Value: "ledger"}, false},
		{"ne", schema.Predicate{Field: "source", Op: schema.OpNe, Value: "ledger"}, true},
		{"contains", schema.Predicate{Field: "source", Op: schema.OpContains, Value: "banking"}, true},
		{"prefix", schema.Predicate{Field: "region", Op: schema.OpPrefix, Value: "eu-"}, true},
		{"in", schema.Predicate{Field: "severity", Op: schema.OpIn, Values: []string{schema.SeverityHigh, schema.SeverityCritical}}, true},
		{"in miss", schema.Predicate{Field: "severity", Op: schema.OpIn, Values: []string{schema.SeverityLow}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := m.Match(subject, []schema.PlaybookDefinition{
				def("pb", 1, schema.MatchRules{Predicates: []schema.Predicate{tc.pred}}),
			})
			if tc.hit {
				assert.NotNil(t, got)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestMatcher_MoreClausesOutrank(t *testing.T) {
	m := NewMatcher(config.MatchSettings{})

	narrow := def("pb-narrow", 1, schema.MatchRules{
		Domain:     "payments",
		Severities: []string{schema.SeverityHigh},
	})
	broad := def("pb-broad", 1, schema.MatchRules{Domain: "payments"})

	got := m.Match(paymentsSubject(), []schema.PlaybookDefinition{broad, narrow})
	assert.Equal(t, "pb-narrow", got.PlaybookID)
}

func TestMatcher_WeightsShiftRanking(t *testing.T) {
	// A heavy domain weight makes a domain-only rule outrank two predicates
	m := NewMatcher(config.MatchSettings{DomainWeight: 5})

	domainOnly := def("pb-domain", 1, schema.MatchRules{Domain: "payments"})
	predicates := def("pb-preds", 1, schema.MatchRules{
		Predicates: []schema.Predicate{
			{Field: "source", Op: schema.OpEq, Value: "core-banking"},
			{Field: "region", Op: schema.OpEq, Value: "eu-west"},
		},
	})

	got := m.Match(paymentsSubject(), []schema.PlaybookDefinition{predicates, domainOnly})
	assert.Equal(t, "pb-domain", got.PlaybookID)
}

func TestMatcher_DefaultLosesToExplicitAtEqualScore(t *testing.T) {
	m := NewMatcher(config.MatchSettings{})

	explicit := def("pb-explicit", 1, schema.MatchRules{Domain: "payments"})
	dflt := def("pb-default", 1, schema.MatchRules{Domain: "payments"})
	dflt.Default = true

	got := m.Match(paymentsSubject(), []schema.PlaybookDefinition{dflt, explicit})
	assert.Equal(t, "pb-explicit", got.PlaybookID)
}

func TestMatcher_HigherVersionWinsAtTie(t *testing.T) {
	m := NewMatcher(config.MatchSettings{})

	v1 := def("pb-settlement", 1, schema.MatchRules{Domain: "payments"})
	v3 := def("pb-settlement", 3, schema.MatchRules{Domain: "payments"})

	got := m.Match(paymentsSubject(), []schema.PlaybookDefinition{v1, v3})
	assert.Equal(t, 3, got.Version)
}

func TestMatcher_TenantOwnedBeatsGlobalAtTie(t *testing.T) {
	m := NewMatcher(config.MatchSettings{})

	global := def("pb-global", 1, schema.MatchRules{Domain: "payments"})
	owned := def("pb-owned", 1, schema.MatchRules{Domain: "payments"})
	owned.TenantID = "tenant-a"

	got := m.Match(paymentsSubject(), []schema.PlaybookDefinition{global, owned})
	assert.Equal(t, "pb-owned", got.PlaybookID)
}
