package config

import "time"

// APISettings configures the admin HTTP server.
type APISettings struct {
	Port            string        `mapstructure:"port" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PlaybookSettings points at the YAML playbook definitions loaded on startup.
type PlaybookSettings struct {
	SeedDir string `mapstructure:"seed_dir"`
}

// MatchSettings weights the playbook specificity score. A zero weight falls
// back to the default of 1 so an empty config section still ranks matches.
type MatchSettings struct {
	DomainWeight    int `mapstructure:"domain_weight"`
	SeverityWeight  int `mapstructure:"severity_weight"`
	PredicateWeight int `mapstructure:"predicate_weight"`
}

// OrDefaults returns the weights with zeroes replaced by 1.
func (m MatchSettings) OrDefaults() MatchSettings {
	if m.DomainWeight == 0 {
		m.DomainWeight = 1
	}
	if m.SeverityWeight == 0 {
		m.SeverityWeight = 1
	}
	if m.PredicateWeight == 0 {
		m.PredicateWeight = 1
	}
	return m
}
