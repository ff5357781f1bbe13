package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logger "github.com/sirupsen/logrus"
)

var (
	eventsAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_events_appended_total",
			Help: "Total number of events appended to the store",
		},
		[]string{"event_type"},
	)

	duplicatesAbsorbedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_duplicates_absorbed_total",
			Help: "Total number of duplicate appends absorbed by the idempotency guard",
		},
		[]string{"event_type"},
	)

	messagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_messages_published_total",
			Help: "Total number of messages published by the relay",
		},
		[]string{"topic", "status"},
	)

	deliveriesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_deliveries_processed_total",
			Help: "Total number of broker deliveries processed by stage workers",
		},
		[]string{"stage", "outcome"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remedy_delivery_duration_seconds",
			Help:    "Stage handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	dlqCapturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_dlq_captures_total",
			Help: "Total number of messages routed to the dead-letter queue",
		},
		[]string{"worker_type"},
	)

	playbookStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_playbook_steps_total",
			Help: "Total number of playbook step transitions",
		},
		[]string{"action_type", "result"},
	)

	slaEmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_sla_emissions_total",
			Help: "Total number of SLA threshold events emitted",
		},
		[]string{"threshold"},
	)

	toolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_tool_invocations_total",
			Help: "Total number of remediation tool invocations",
		},
		[]string{"tool", "status"},
	)

	toolInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remedy_tool_invocation_duration_seconds",
			Help:    "Remediation tool invocation duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"tool"},
	)
)

// RecordAppend records an event append and whether the guard absorbed it.
func RecordAppend(eventType string, duplicate bool) {
	if duplicate {
		duplicatesAbsorbedTotal.WithLabelValues(eventType).Inc()
		return
	}
	eventsAppendedTotal.WithLabelValues(eventType).Inc()
}

// RecordPublish records a relay publish attempt.
func RecordPublish(topic, status string) {
	messagesPublishedTotal.WithLabelValues(topic, status).Inc()
}

// RecordDelivery records one processed broker delivery and its outcome
// (ack, nack, poison, dlq, duplicate).
func RecordDelivery(stage, outcome string, duration time.Duration) {
	deliveriesProcessedTotal.WithLabelValues(stage, outcome).Inc()
	deliveryDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordDLQCapture records a message routed to the dead-letter queue.
func RecordDLQCapture(workerType string) {
	dlqCapturesTotal.WithLabelValues(workerType).Inc()
}

// RecordPlaybookStep records a step transition (completed, skipped, rejected).
func RecordPlaybookStep(actionType, result string) {
	playbookStepsTotal.WithLabelValues(actionType, result).Inc()
}

// RecordSLAEmission records an SLA threshold event.
func RecordSLAEmission(thresholdID string) {
	slaEmissionsTotal.WithLabelValues(thresholdID).Inc()
}

// RecordToolInvocation records a remediation tool call.
func RecordToolInvocation(tool, status string, duration time.Duration) {
	toolInvocationsTotal.WithLabelValues(tool, status).Inc()
	toolInvocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// MetricsHandler returns the Prometheus scrape handler mounted on the API server.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ServeMetrics exposes the scrape endpoint for processes that do not run the
// HTTP API. An empty addr disables the listener. The server shuts down when
// ctx is canceled.
func ServeMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).WithField("addr", addr).Error("metrics listener failed")
		}
	}()
}
