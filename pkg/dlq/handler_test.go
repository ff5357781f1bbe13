package dlq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zoff-tech/go-remedy/pkg/broker"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/schema"
)

func poisonCapture() Capture {
	return Capture{
		TenantID:      "tenant-a",
		EventID:       "evt-1",
		EventType:     string(schema.EventExceptionIngested),
		OriginalTopic: schema.TopicExceptionsIngested,
		WorkerType:    "intake",
		FailureReason: "malformed payload",
		Payload:       []byte(`{"broken`),
	}
}

func receive(t *testing.T, ch <-chan broker.Delivery) broker.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery received")
		return broker.Delivery{}
	}
}

func TestHandler_RecordCapturesAndAnnounces(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	br := broker.NewMemoryBroker()
	control, err := br.Subscribe(ctx, schema.TopicControlDLQ, "ops")
	assert.NoError(t, err)

	h := NewHandler(st, br)
	entry, err := h.Record(ctx, poisonCapture())
	assert.NoError(t, err)
	assert.Equal(t, store.DLQPending, entry.Status)
	assert.NotEmpty(t, entry.ID)

	entries, err := st.ListDLQ(ctx, "tenant-a", "")
	assert.NoError(t, err)
	assert.Len(t, entries, 1)

	note := receive(t, control)
	var announced store.DLQEntry
	assert.NoError(t, json.Unmarshal(note.Payload, &announced))
	assert.Equal(t, entry.ID, announced.ID)
	assert.Equal(t, "intake", announced.WorkerType)
}

func TestHandler_RecordSurvivesBrokerOutage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	br := broker.NewMemoryBroker()
	assert.NoError(t, br.Close())

	h := NewHandler(st, br)
	entry, err := h.Record(ctx, poisonCapture())
	assert.NoError(t, err)

	// The capture is durable even though the announcement was dropped
	got, err := st.GetDLQ(ctx, "tenant-a", entry.ID)
	assert.NoError(t, err)
	assert.Equal(t, store.DLQPending, got.Status)
}

func TestHandler_RetryRepublishesOriginal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	br := broker.NewMemoryBroker()
	h := NewHandler(st, br)

	// A well-formed envelope that failed downstream and exhausted its attempts
	evt, err := schema.NewEnvelope("tenant-a", "exc-1", schema.EventTriageCompleted,
		schema.ActorSystem, "", schema.TriagePayload{
			Severity:       schema.SeverityHigh,
			Domain:         "payments",
			Classification: "duplicate_settlement",
			Confidence:     0.8,
		})
	assert.NoError(t, err)
	raw, err := evt.Encode()
	assert.NoError(t, err)

	entry, err := h.Record(ctx, Capture{
		TenantID:      "tenant-a",
		EventID:       evt.EventID,
		EventType:     string(evt.EventType),
		OriginalTopic: schema.TopicTriageCompleted,
		WorkerType:    "policy",
		FailureReason: "attempts exhausted",
		Payload:       raw,
	})
	assert.NoError(t, err)

	replayed, err := br.Subscribe(ctx, schema.TopicTriageCompleted, "policy")
	assert.NoError(t, err)

	got, err := h.Retry(ctx, "tenant-a", entry.ID)
	assert.NoError(t, err)
	assert.Equal(t, store.DLQSucceeded, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	msg := receive(t, replayed)
	assert.Equal(t, raw, msg.Payload)
	assert.Equal(t, evt.PartitionKey(), msg.Key)

	// Terminal: a second retry is rejected
	_, err = h.Retry(ctx, "tenant-a", entry.ID)
	assert.ErrorIs(t, err, ErrEntryTerminal)
}

func TestHandler_RetryKeepsEntryOnPublishFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	br := broker.NewMemoryBroker()
	h := NewHandler(st, br)

	entry, err := h.Record(ctx, poisonCapture())
	assert.NoError(t, err)

	assert.NoError(t, br.Close())
	_, err = h.Retry(ctx, "tenant-a", entry.ID)
	assert.Error(t, err)

	got, err := st.GetDLQ(ctx, "tenant-a", entry.ID)
	assert.NoError(t, err)
	assert.Equal(t, store.DLQPending, got.Status)
	assert.Contains(t, got.FailureReason, "replay failed")
}

func TestHandler_Discard(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	br := broker.NewMemoryBroker()
	h := NewHandler(st, br)

	entry, err := h.Record(ctx, poisonCapture())
	assert.NoError(t, err)

	got, err := h.Discard(ctx, "tenant-a", entry.ID, "not recoverable")
	assert.NoError(t, err)
	assert.Equal(t, store.DLQDiscarded, got.Status)
	assert.Equal(t, "not recoverable", got.FailureReason)

	// Idempotent
	got, err = h.Discard(ctx, "tenant-a", entry.ID, "again")
	assert.NoError(t, err)
	assert.Equal(t, store.DLQDiscarded, got.Status)

	// Discarded entries cannot be replayed
	_, err = h.Retry(ctx, "tenant-a", entry.ID)
	assert.ErrorIs(t, err, ErrEntryTerminal)
}
