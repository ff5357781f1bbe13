package config

// Observability names the process for traces and, for processes that do not
// serve the HTTP API, where to expose the Prometheus scrape endpoint. An
// empty MetricsAddr disables the standalone listener.
type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"required,url"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}
