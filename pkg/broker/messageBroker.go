package broker

import "context"

// HeaderPartitionKey carries the partition key on brokers without a native
// ordering concept.
const HeaderPartitionKey = "partition_key"

// Message is one unit published to a topic. Key is the partition key:
// delivery order is guaranteed only among messages sharing a key.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
}

// Delivery is a received message with its settlement functions. Consumers
// must call exactly one of Ack or Nack.
type Delivery struct {
	Message
	Ack  func() error
	Nack func(requeue bool) error
}

// MessageBroker defines the operations to publish and consume messages.
type MessageBroker interface {
	// Publish sends the message to its topic. On return the broker has
	// durably queued the message.
	Publish(ctx context.Context, msg Message) error
	// Subscribe opens an at-least-once consumer for the topic under the
	// named group. Groups consume independently: two groups on one topic
	// each see every message. The channel closes when ctx is canceled.
	Subscribe(ctx context.Context, topic, group string) (<-chan Delivery, error)
	// Close cleans up any resources (connections).
	Close() error
}
