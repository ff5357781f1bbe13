package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	logger "github.com/sirupsen/logrus"
	"github.com/zoff-tech/go-remedy/pkg/config"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubBroker{client: client, topics: make(map[string]*pubsub.Topic)}, nil
}

type pubSubBroker struct {
	client *pubsub.Client
	mu     sync.Mutex
	topics map[string]*pubsub.Topic // publishers with ordering enabled
}

func (p *pubSubBroker) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.topics[name]; ok {
		return t, nil
	}

	t := p.client.Topic(name)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		t, err = p.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to create topic %s: %w", name, err)
		}
	}
	t.EnableMessageOrdering = true
	p.topics[name] = t
	return t, nil
}

func (p *pubSubBroker) Publish(ctx context.Context, msg Message) error {
	tracer := otel.Tracer("go-remedy")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Topic),
		),
	)
	defer span.End()

	// Inject the trace context into the message attributes
	propagator := otel.GetTextMapPropagator()
	attributes := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(attributes))

	// Merge headers into attributes
	for key, value := range msg.Headers {
		attributes[key] = value
	}

	topic, err := p.topic(ctx, msg.Topic)
	if err != nil {
		span.RecordError(err)
		return err
	}

	message := &pubsub.Message{
		Data:        msg.Payload,
		Attributes:  attributes,
		OrderingKey: msg.Key,
	}

	res := topic.Publish(ctx, message)
	_, err = res.Get(ctx) // wait for server ack
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
	)

	return nil
}

func (p *pubSubBroker) Subscribe(ctx context.Context, topicName, group string) (<-chan Delivery, error) {
	topic, err := p.topic(ctx, topicName)
	if err != nil {
		return nil, err
	}

	subID := group + "." + topicName
	sub := p.client.Subscription(subID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		sub, err = p.client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
			Topic:                 topic,
			AckDeadline:           30 * time.Second,
			EnableMessageOrdering: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create subscription %s: %w", subID, err)
		}
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			delivery := Delivery{
				Message: Message{
					Topic:   topicName,
					Key:     msg.OrderingKey,
					Payload: msg.Data,
					Headers: msg.Attributes,
				},
				Ack: func() error {
					msg.Ack()
					return nil
				},
				Nack: func(requeue bool) error {
					// Pub/Sub redelivers nacked messages itself
					msg.Nack()
					return nil
				},
			}
			select {
			case out <- delivery:
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).WithField("subscription", subID).Warn("pub/sub receive stopped")
		}
	}()

	return out, nil
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.topics {
		t.Stop()
	}
	return p.client.Close()
}
