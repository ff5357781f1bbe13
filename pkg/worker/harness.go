package worker

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-remedy/pkg/broker"
	"github.com/zoff-tech/go-remedy/pkg/dlq"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/pkg/telemetry"
	"github.com/zoff-tech/go-remedy/schema"
)

// harness drives one consumer: it settles every delivery exactly once and
// routes failures by the error taxonomy. Poison never retries, transient
// failures spend the delivery budget, logic outcomes ack.
type harness struct {
	store       store.ExceptionStore
	dlq         *dlq.Handler
	handler     Handler
	maxAttempts int
	tracer      trace.Tracer
	log         *logger.Entry
}

func newHarness(st store.ExceptionStore, dl *dlq.Handler, h Handler, maxAttempts int) *harness {
	return &harness{
		store:       st,
		dlq:         dl,
		handler:     h,
		maxAttempts: maxAttempts,
		tracer:      otel.Tracer("go-remedy/worker"),
		log:         logger.WithField("stage", h.Stage()),
	}
}

// run consumes until the delivery channel closes (broker shutdown or ctx
// cancellation upstream). Handler panics are not recovered: a panic is a bug,
// and the unsettled delivery redelivers after restart.
func (h *harness) run(ctx context.Context, deliveries <-chan broker.Delivery) {
	for d := range deliveries {
		h.process(ctx, d)
	}
}

func (h *harness) process(ctx context.Context, d broker.Delivery) {
	start := time.Now()
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(d.Headers))
	ctx, span := h.tracer.Start(ctx, h.handler.Stage()+".process", trace.WithAttributes(
		attribute.String("stage", h.handler.Stage()),
		attribute.String("topic", d.Topic),
	))
	defer span.End()

	env, err := schema.Decode(d.Payload)
	if err != nil {
		h.poison(ctx, d, tenantFromKey(d.Key), "", "", err, start)
		return
	}
	span.SetAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.type", string(env.EventType)),
		attribute.String("tenant.id", env.TenantID),
	)
	payload, err := schema.DecodePayload(env.EventType, env.Payload)
	if err != nil {
		h.poison(ctx, d, env.TenantID, env.EventID, string(env.EventType), err, start)
		return
	}

	err = h.handler.Handle(ctx, env, payload)
	if err == nil {
		h.settle(d.Ack, "ack")
		telemetry.RecordDelivery(h.handler.Stage(), "ok", time.Since(start))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	switch KindOf(err) {
	case KindValidation:
		h.poison(ctx, d, env.TenantID, env.EventID, string(env.EventType), err, start)
	case KindLogic:
		h.log.WithError(err).WithFields(logger.Fields{
			"tenant_id": env.TenantID,
			"event_id":  env.EventID,
		}).Warn("handler logic outcome, acking")
		h.settle(d.Ack, "ack")
		telemetry.RecordDelivery(h.handler.Stage(), "logic", time.Since(start))
	default:
		h.transient(ctx, d, env, err, start)
	}
}

// transient spends one delivery attempt. Under the budget the message goes
// back to the broker; over it, to the DLQ.
func (h *harness) transient(ctx context.Context, d broker.Delivery, env schema.Envelope, cause error, start time.Time) {
	attempts, err := h.store.IncrementDeliveryAttempt(ctx, env.TenantID, env.EventID, h.handler.Stage())
	if err != nil {
		// Cannot even count the attempt: leave the message with the broker.
		h.log.WithError(err).WithField("event_id", env.EventID).Error("attempt counter unavailable")
		h.settle(func() error { return d.Nack(true) }, "nack")
		telemetry.RecordDelivery(h.handler.Stage(), "retry", time.Since(start))
		return
	}
	if attempts < h.maxAttempts {
		h.log.WithError(cause).WithFields(logger.Fields{
			"tenant_id": env.TenantID,
			"event_id":  env.EventID,
			"attempt":   attempts,
		}).Warn("transient failure, requeueing")
		h.settle(func() error { return d.Nack(true) }, "nack")
		telemetry.RecordDelivery(h.handler.Stage(), "retry", time.Since(start))
		return
	}

	_, dlqErr := h.dlq.Record(ctx, dlq.Capture{
		TenantID:      env.TenantID,
		EventID:       env.EventID,
		EventType:     string(env.EventType),
		OriginalTopic: d.Topic,
		WorkerType:    h.handler.Stage(),
		FailureReason: "delivery attempts exhausted: " + cause.Error(),
		Payload:       d.Payload,
	})
	if dlqErr != nil {
		// Capture failed; keep the message alive rather than lose it.
		h.log.WithError(dlqErr).WithField("event_id", env.EventID).Error("dead-letter capture failed")
		h.settle(func() error { return d.Nack(true) }, "nack")
		return
	}
	h.settle(d.Ack, "ack")
	telemetry.RecordDelivery(h.handler.Stage(), "exhausted", time.Since(start))
}

// poison dead-letters undecodable or invalid input and acks. Validation
// failures cannot succeed on redelivery, so retrying is never useful.
func (h *harness) poison(ctx context.Context, d broker.Delivery, tenantID, eventID, eventType string, cause error, start time.Time) {
	_, err := h.dlq.Record(ctx, dlq.Capture{
		TenantID:      tenantID,
		EventID:       eventID,
		EventType:     eventType,
		OriginalTopic: d.Topic,
		WorkerType:    h.handler.Stage(),
		FailureReason: cause.Error(),
		Payload:       d.Payload,
	})
	if err != nil {
		h.log.WithError(err).Error("dead-letter capture failed")
		h.settle(func() error { return d.Nack(true) }, "nack")
		return
	}
	h.settle(d.Ack, "ack")
	telemetry.RecordDelivery(h.handler.Stage(), "poison", time.Since(start))
}

func (h *harness) settle(fn func() error, op string) {
	if err := fn(); err != nil {
		h.log.WithError(err).Error(op + " failed")
	}
}
