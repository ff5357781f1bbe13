package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"maps"

	logger "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-remedy/pkg/config"
)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("broker.pool_size must be greater than 0")
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		reconnectTicker: time.NewTicker(5 * time.Second),
		stopReconnect:   make(chan struct{}),
		log:             logger.WithField("component", "rabbitmq-broker"),
	}

	if err := broker.connectAndInitialize(); err != nil {
		return nil, err
	}

	go broker.reconnectLoop()

	return broker, nil
}

// rabbitMqBroker publishes through a durable topic exchange with a pooled
// set of channels. Each (topic, group) subscription is a durable queue bound
// by the topic routing key; ordering holds per queue, which is why partition
// keys ride in headers rather than in the routing.
type rabbitMqBroker struct {
	connection      *amqp.Connection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	log             *logger.Entry
}

func (r *rabbitMqBroker) Publish(ctx context.Context, msg Message) error {
	tracer := otel.Tracer("go-remedy")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Topic),
			semconv.MessagingRabbitmqRoutingKeyKey.String(msg.Topic),
		),
	)
	defer span.End()

	propagator := otel.GetTextMapPropagator()
	traceHeaders := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(traceHeaders))

	headers := make(map[string]string, len(msg.Headers)+len(traceHeaders)+1)
	maps.Copy(headers, msg.Headers)
	maps.Copy(headers, traceHeaders)
	if msg.Key != "" {
		headers[HeaderPartitionKey] = msg.Key
	}

	amqpHeaders := make(amqp.Table)
	for k, v := range headers {
		amqpHeaders[k] = v
	}

	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer r.releaseChannel(pooledChan)

	err = pooledChan.channel.Publish(
		r.settings.Exchange, msg.Topic, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         msg.Payload,
			Headers:      amqpHeaders,
		},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
	)

	return nil
}

func (r *rabbitMqBroker) Subscribe(ctx context.Context, topic, group string) (<-chan Delivery, error) {
	r.mu.Lock()
	conn := r.connection
	r.mu.Unlock()

	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consume channel: %w", err)
	}

	if err := declareExchange(channel, r.settings.Exchange); err != nil {
		channel.Close()
		return nil, err
	}

	// A replication factor turns the queue into a quorum queue spread over
	// that many brokers; zero keeps the classic single-node queue.
	var queueArgs amqp.Table
	if r.settings.Replication > 0 {
		queueArgs = amqp.Table{
			"x-queue-type":                "quorum",
			"x-quorum-initial-group-size": int32(r.settings.Replication),
		}
	}

	queueName := group + "." + topic
	queue, err := channel.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		queueArgs,
	)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	if err := channel.QueueBind(queue.Name, topic, r.settings.Exchange, false, nil); err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to bind queue %s: %w", queueName, err)
	}

	// One unacked message at a time keeps per-queue delivery ordered
	if err := channel.Qos(1, 0, false); err != nil {
		channel.Close()
		return nil, err
	}

	deliveries, err := channel.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to consume from %s: %w", queueName, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer channel.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				headers := make(map[string]string, len(d.Headers))
				for k, v := range d.Headers {
					if s, ok := v.(string); ok {
						headers[k] = s
					}
				}
				delivery := Delivery{
					Message: Message{
						Topic:   topic,
						Key:     headers[HeaderPartitionKey],
						Payload: d.Body,
						Headers: headers,
					},
					Ack:  func() error { return d.Ack(false) },
					Nack: func(requeue bool) error { return d.Nack(false, requeue) },
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					d.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, nil
}

// declareExchange is safe to repeat; an existing exchange is left untouched.
func declareExchange(channel *amqp.Channel, exchange string) error {
	err := channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	close(r.channelPool)
	for pooledChan := range r.channelPool {
		pooledChan.channel.Close()
	}

	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}
