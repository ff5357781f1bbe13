package store

import (
	"encoding/json"
	"time"

	"github.com/zoff-tech/go-remedy/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "go-remedy"

// lockExpiration bounds how long a relay claim holds an event before the
// row becomes claimable again.
const lockExpiration = 5 * time.Minute

func addDBStatsToSpan(span trace.Span, statement string, rowCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("rowCount", rowCount),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

// publishStateFor decides the outbox columns for a new event: chain events
// carry their destination topic and wait for the relay, audit-only events
// are stored with no publication at all.
func publishStateFor(evt schema.Envelope) (string, PublishStatus) {
	topic := schema.TopicForEvent(evt.EventType)
	if topic == "" {
		return "", PublishNone
	}
	return topic, PublishPending
}

// Playbook definitions are stored as one JSON document per version.

func encodeDefinition(def schema.PlaybookDefinition) ([]byte, error) {
	return json.Marshal(def)
}

func decodeDefinition(body []byte) (*schema.PlaybookDefinition, error) {
	var def schema.PlaybookDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func decodeDefinitions(bodies [][]byte) ([]schema.PlaybookDefinition, error) {
	defs := make([]schema.PlaybookDefinition, 0, len(bodies))
	for _, body := range bodies {
		def, err := decodeDefinition(body)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, nil
}
