// Package worker runs the pipeline's staged consumers: a shared harness owns
// the receive, decode, handle, append, settle loop and the error taxonomy;
// the stage handlers own only their domain step. Stage heuristics
// (classification, policy, tool transport) live behind collaborator
// interfaces so the pipeline protocol stays in one place.
package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/pkg/telemetry"
	"github.com/zoff-tech/go-remedy/schema"
)

// Handler is one pipeline stage: it consumes a single topic under a single
// group and appends its result events through the store. Handle receives the
// decoded, validated envelope and its typed payload; returned errors are
// classified by the harness (see PipelineError).
type Handler interface {
	Stage() string
	Topic() string
	Group() string
	Handle(ctx context.Context, env schema.Envelope, payload any) error
}

// appendDerived appends the stage's derived result event. The returned
// absorbed flag is true when the store already held the event (the
// redelivered-input case), in which case the handler must perform no further
// side effect.
func appendDerived(ctx context.Context, st store.ExceptionStore, cause schema.Envelope, stage string, eventType schema.EventType, payload any) (bool, error) {
	evt, err := schema.DerivedEnvelope(cause, stage, eventType, payload)
	if err != nil {
		return false, fmt.Errorf("build %s event: %w", eventType, err)
	}
	res, err := st.AppendEvent(ctx, cause.TenantID, evt)
	if err != nil {
		return false, fmt.Errorf("append %s: %w", eventType, err)
	}
	telemetry.RecordAppend(string(eventType), res == store.Duplicate)
	return res == store.Duplicate, nil
}

// tenantFromKey recovers the tenant id from a partition key when the envelope
// itself never decoded.
func tenantFromKey(key string) string {
	if i := strings.IndexByte(key, '/'); i > 0 {
		return key[:i]
	}
	return ""
}
