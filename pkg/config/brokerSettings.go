package config

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type        string `validate:"required,oneof=rabbitmq gcp-pubsub memory"`
	URL         string
	Exchange    string
	ProjectID   string // Optional for brokers like GCP Pub/Sub
	PoolSize    int    `mapstructure:"pool_size"`   // publisher channel pool (RabbitMQ)
	Partitions  int    `mapstructure:"partitions"`  // ordered partitions per topic
	Replication int    `mapstructure:"replication"` // replication factor where the broker supports it
}
