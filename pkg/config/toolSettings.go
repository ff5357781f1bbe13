package config

import "time"

// ToolSettings configures the HTTP tool invoker. Endpoints maps a tool name
// to its invocation URL; names without an entry resolve against BaseURL.
type ToolSettings struct {
	BaseURL       string            `mapstructure:"base_url"`
	Endpoints     map[string]string `mapstructure:"endpoints"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	RetryAttempts int               `mapstructure:"retry_attempts"`
}
