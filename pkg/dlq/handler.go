// Package dlq captures messages the pipeline could not process and replays
// them on operator request. Capture is the terminal half of the worker error
// taxonomy: poison messages land here immediately, transient failures after
// their delivery attempts are spent.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"github.com/zoff-tech/go-remedy/pkg/broker"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/pkg/telemetry"
	"github.com/zoff-tech/go-remedy/schema"
)

// ErrEntryTerminal means the entry was already discarded or replayed and can
// no longer be acted on.
var ErrEntryTerminal = errors.New("dlq entry is terminal")

// Capture describes one failed message. EventID may be empty when the payload
// never decoded far enough to learn it.
type Capture struct {
	TenantID      string
	EventID       string
	EventType     string
	OriginalTopic string
	WorkerType    string
	FailureReason string
	Payload       []byte
}

// Handler owns the dead-letter lifecycle: capture, operator retry, discard.
type Handler struct {
	store  store.ExceptionStore
	broker broker.MessageBroker
	log    *logger.Entry
}

func NewHandler(st store.ExceptionStore, br broker.MessageBroker) *Handler {
	return &Handler{
		store:  st,
		broker: br,
		log:    logger.WithField("component", "dlq"),
	}
}

// Record stores the failed message durably and announces it on control.dlq.
// The store insert is the capture; the announcement is best-effort, since a
// broker outage must not lose the entry or fail the caller's settle path.
func (h *Handler) Record(ctx context.Context, c Capture) (*store.DLQEntry, error) {
	now := time.Now().UTC()
	entry := store.DLQEntry{
		ID:            uuid.New().String(),
		TenantID:      c.TenantID,
		EventID:       c.EventID,
		EventType:     c.EventType,
		OriginalTopic: c.OriginalTopic,
		WorkerType:    c.WorkerType,
		FailureReason: c.FailureReason,
		Payload:       c.Payload,
		Status:        store.DLQPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := h.store.InsertDLQ(ctx, c.TenantID, entry); err != nil {
		return nil, fmt.Errorf("insert dlq entry: %w", err)
	}
	telemetry.RecordDLQCapture(c.WorkerType)
	h.log.WithFields(logger.Fields{
		"tenant_id":   c.TenantID,
		"dlq_id":      entry.ID,
		"event_id":    c.EventID,
		"topic":       c.OriginalTopic,
		"worker_type": c.WorkerType,
		"reason":      c.FailureReason,
	}).Warn("message dead-lettered")

	h.announce(ctx, entry)
	return &entry, nil
}

func (h *Handler) announce(ctx context.Context, entry store.DLQEntry) {
	note, err := json.Marshal(entry)
	if err != nil {
		return
	}
	err = h.broker.Publish(ctx, broker.Message{
		Topic:   schema.TopicControlDLQ,
		Key:     entry.TenantID,
		Payload: note,
	})
	if err != nil {
		h.log.WithError(err).WithField("dlq_id", entry.ID).Warn("dlq announcement failed")
	}
}

// Retry republishes the entry's original payload to its original topic and
// marks the entry succeeded. The replay re-enters the normal at-least-once
// path: if it fails again, a fresh entry records the new failure.
func (h *Handler) Retry(ctx context.Context, tenantID, id string) (*store.DLQEntry, error) {
	entry, err := h.store.GetDLQ(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if entry.Status == store.DLQDiscarded || entry.Status == store.DLQSucceeded {
		return entry, fmt.Errorf("retry %s: %w", id, ErrEntryTerminal)
	}
	if err := h.store.UpdateDLQ(ctx, tenantID, id, store.DLQPatch{Status: store.DLQRetrying, IncrementRetry: true}); err != nil {
		return nil, err
	}

	key := tenantID
	if env, decodeErr := schema.Decode(entry.Payload); decodeErr == nil {
		key = env.PartitionKey()
	}
	err = h.broker.Publish(ctx, broker.Message{
		Topic:   entry.OriginalTopic,
		Key:     key,
		Payload: entry.Payload,
	})
	if err != nil {
		// Keep the entry retryable; the operator sees why the replay failed.
		if updateErr := h.store.UpdateDLQ(ctx, tenantID, id, store.DLQPatch{
			Status:        store.DLQPending,
			FailureReason: fmt.Sprintf("replay failed: %v", err),
		}); updateErr != nil {
			h.log.WithError(updateErr).WithField("dlq_id", id).Error("dlq status rollback failed")
		}
		return nil, fmt.Errorf("replay %s: %w", id, err)
	}
	if err := h.store.UpdateDLQ(ctx, tenantID, id, store.DLQPatch{Status: store.DLQSucceeded}); err != nil {
		return nil, err
	}
	h.log.WithFields(logger.Fields{
		"tenant_id": tenantID,
		"dlq_id":    id,
		"topic":     entry.OriginalTopic,
	}).Info("dlq entry replayed")
	return h.store.GetDLQ(ctx, tenantID, id)
}

// Discard closes the entry without replaying it. Discarding twice is a no-op;
// a replayed entry cannot be discarded after the fact.
func (h *Handler) Discard(ctx context.Context, tenantID, id, reason string) (*store.DLQEntry, error) {
	entry, err := h.store.GetDLQ(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	switch entry.Status {
	case store.DLQDiscarded:
		return entry, nil
	case store.DLQSucceeded:
		return entry, fmt.Errorf("discard %s: %w", id, ErrEntryTerminal)
	}
	patch := store.DLQPatch{Status: store.DLQDiscarded}
	if reason != "" {
		patch.FailureReason = reason
	}
	if err := h.store.UpdateDLQ(ctx, tenantID, id, patch); err != nil {
		return nil, err
	}
	h.log.WithFields(logger.Fields{"tenant_id": tenantID, "dlq_id": id}).Info("dlq entry discarded")
	return h.store.GetDLQ(ctx, tenantID, id)
}
