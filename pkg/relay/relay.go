// Package relay moves appended events onto the broker. It is the only
// publisher in the system: stages and the API append, the relay polls the
// store's unpublished claim queue and publishes, so losing a process between
// append and publish delays a message instead of dropping it.
package relay

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
	"github.com/zoff-tech/go-remedy/pkg/config"
	"github.com/zoff-tech/go-remedy/pkg/dlq"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/pkg/telemetry"
)

// Relay drains unpublished events for every tenant on a poll interval.
type Relay struct {
	store       store.ExceptionStore
	broker      broker.MessageBroker
	dlq         *dlq.Handler
	tracer      trace.Tracer
	interval    time.Duration
	batchSize   int
	maxAttempts int
	log         *logger.Entry
}

func New(st store.ExceptionStore, br broker.MessageBroker, dl *dlq.Handler, cfg config.RelaySettings) *Relay {
	return &Relay{
		store:       st,
		broker:      br,
		dlq:         dl,
		tracer:      otel.Tracer("go-remedy/relay"),
		interval:    cfg.PollInterval,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxPublishAttempts,
		log:         logger.WithField("component", "relay"),
	}
}

// Run polls until ctx is canceled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.WithField("poll_interval", r.interval.String()).Info("relay started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.WithError(err).Error("relay sweep failed")
			}
		}
	}
}

// Sweep drains one claimed batch per tenant and reports how many events were
// published.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	tenants, err := r.store.ListTenants(ctx)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, tenant := range tenants {
		n, err := r.sweepTenant(ctx, tenant)
		published += n
		if err != nil {
			r.log.WithError(err).WithField("tenant_id", tenant).Error("tenant sweep failed")
		}
	}
	return published, nil
}

func (r *Relay) sweepTenant(ctx context.Context, tenantID string) (int, error) {
	pending, err := r.store.FetchUnpublished(ctx, tenantID, r.batchSize)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, evt := range pending {
		if r.publishOne(ctx, tenantID, evt) {
			published++
		}
	}
	return published, nil
}

// publishOne publishes a single claimed event. On publish failure the claim
// is left in place when attempts remain so the claim expiry re-offers the row
// on a later sweep; once attempts are spent the event is marked failed and
// dead-lettered for the operator.
func (r *Relay) publishOne(ctx context.Context, tenantID string, evt store.PendingEvent) bool {
	ctx, span := r.tracer.Start(ctx, "relay.publish", trace.WithAttributes(
		attribute.String("event.id", evt.Envelope.EventID),
		attribute.String("event.type", string(evt.Envelope.EventType)),
		attribute.String("event.topic", evt.Topic),
		attribute.String("tenant.id", tenantID),
		attribute.Int("event.attempts", evt.Attempts),
	))
	defer span.End()

	payload, err := evt.Envelope.Encode()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}

	headers := map[string]string{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	err = r.broker.Publish(ctx, broker.Message{
		Topic:   evt.Topic,
		Key:     evt.Envelope.PartitionKey(),
		Payload: payload,
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.RecordPublish(evt.Topic, "error")
		r.handlePublishFailure(ctx, tenantID, evt, err)
		return false
	}

	if err := r.store.MarkPublished(ctx, tenantID, evt.Envelope.EventID); err != nil {
		// The publish happened; consumers absorb the duplicate the claim
		// expiry will cause.
		span.RecordError(err)
		r.log.WithError(err).WithField("event_id", evt.Envelope.EventID).Error("mark published failed")
		return false
	}
	telemetry.RecordPublish(evt.Topic, "ok")
	return true
}

func (r *Relay) handlePublishFailure(ctx context.Context, tenantID string, evt store.PendingEvent, cause error) {
	log := r.log.WithFields(logger.Fields{
		"tenant_id": tenantID,
		"event_id":  evt.Envelope.EventID,
		"topic":     evt.Topic,
		"attempts":  evt.Attempts,
	})
	if evt.Attempts < r.maxAttempts {
		log.WithError(cause).Warn("publish failed, claim will be re-offered")
		return
	}

	log.WithError(cause).Error("publish attempts exhausted, dead-lettering")
	if err := r.store.MarkPublishFailed(ctx, tenantID, evt.Envelope.EventID); err != nil {
		log.WithError(err).Error("mark publish failed errored")
		return
	}
	payload, err := evt.Envelope.Encode()
	if err != nil {
		return
	}
	_, err = r.dlq.Record(ctx, dlq.Capture{
		TenantID:      tenantID,
		EventID:       evt.Envelope.EventID,
		EventType:     string(evt.Envelope.EventType),
		OriginalTopic: evt.Topic,
		WorkerType:    "relay",
		FailureReason: "publish attempts exhausted: " + cause.Error(),
		Payload:       payload,
	})
	if err != nil {
		log.WithError(err).Error("dead-letter capture failed")
	}
}
