package config

import "time"

// SLAThreshold marks a fraction of the resolution window at which an
// imminent-breach event fires. Fraction 1.0 is the breach itself.
type SLAThreshold struct {
	ID       string  `mapstructure:"id" validate:"required"`
	Fraction float64 `mapstructure:"fraction" validate:"gt=0,lte=1"`
}

// SLASettings controls the deadline monitor.
type SLASettings struct {
	ScanInterval  time.Duration            `mapstructure:"scan_interval"`
	DefaultWindow time.Duration            `mapstructure:"default_window"`
	DomainWindows map[string]time.Duration `mapstructure:"domain_windows"` // per-domain override
	Thresholds    []SLAThreshold           `mapstructure:"thresholds" validate:"dive"`
}
