package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zoff-tech/go-remedy/pkg/broker"
	"github.com/zoff-tech/go-remedy/pkg/config"
	"github.com/zoff-tech/go-remedy/pkg/dlq"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/schema"
)

func TestRunner_ConsumesThenDrains(t *testing.T) {
	st := store.NewMemoryStore()
	br := broker.NewMemoryBroker()
	handlers, err := HandlersFor([]string{StageIntake}, Deps{Store: st})
	assert.NoError(t, err)

	runner := NewRunner(st, br, dlq.NewHandler(st, br), config.WorkerSettings{
		Consumers:           2,
		MaxDeliveryAttempts: 3,
		DrainTimeout:        time.Second,
	}, handlers...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	env := ingestedEvent(t, schema.IngestedPayload{
		Source:        "core-banking",
		Severity:      schema.SeverityHigh,
		Domain:        "payments",
		ExceptionType: "settlement_mismatch",
	})
	raw, err := env.Encode()
	assert.NoError(t, err)
	msg := broker.Message{
		Topic:   schema.TopicExceptionsIngested,
		Key:     env.PartitionKey(),
		Payload: raw,
	}

	// Publishes before the runner subscribes go nowhere on the in-memory
	// broker; keep offering until a consumer picks one up. The extra copies
	// are absorbed by the derived event id.
	deadline := time.Now().Add(5 * time.Second)
	for {
		assert.NoError(t, br.Publish(context.Background(), msg))
		if len(eventsOfType(t, st, schema.EventExceptionNormalized)) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("intake never processed a delivery")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case runErr := <-done:
		assert.NoError(t, runErr)
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not drain after cancellation")
	}

	assert.Len(t, eventsOfType(t, st, schema.EventExceptionNormalized), 1)
}

func TestRunner_SubscribeFailureStopsStartup(t *testing.T) {
	st := store.NewMemoryStore()
	br := broker.NewMemoryBroker()
	assert.NoError(t, br.Close())
	handlers, err := HandlersFor([]string{StageIntake}, Deps{Store: st})
	assert.NoError(t, err)

	runner := NewRunner(st, br, dlq.NewHandler(st, br), config.WorkerSettings{
		Consumers:           1,
		MaxDeliveryAttempts: 3,
		DrainTimeout:        time.Second,
	}, handlers...)

	err = runner.Run(context.Background())
	assert.Error(t, err)
}
