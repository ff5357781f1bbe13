package config

import "time"

// WorkerSettings controls which stage consumers a worker process runs and
// how deliveries are retried before dead-lettering.
type WorkerSettings struct {
	Stages              []string      `mapstructure:"stages"` // empty means all stages
	Consumers           int           `mapstructure:"consumers" validate:"gte=1"`
	MaxDeliveryAttempts int           `mapstructure:"max_delivery_attempts" validate:"gte=1"`
	DrainTimeout        time.Duration `mapstructure:"drain_timeout"`
}

// RelaySettings controls the publisher relay that drains unpublished events.
type RelaySettings struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BatchSize          int           `mapstructure:"batch_size" validate:"gte=1"`
	MaxPublishAttempts int           `mapstructure:"max_publish_attempts" validate:"gte=1"`
}
