package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"github.com/zoff-tech/go-remedy/pkg/projection"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/schema"
)

type ingestRequest struct {
	ExceptionID   string            `json:"exception_id"`
	Source        string            `json:"source"`
	Severity      string            `json:"severity"`
	Domain        string            `json:"domain"`
	ExceptionType string            `json:"exception_type"`
	Summary       string            `json:"summary"`
	Attributes    map[string]string `json:"attributes"`
}

type ingestResponse struct {
	TenantID    string `json:"tenant_id"`
	ExceptionID string `json:"exception_id"`
	EventID     string `json:"event_id"`
}

// IngestExceptionHandler accepts an exception report and returns once the
// ExceptionIngested event is durable; the relay publishes it and the pipeline
// runs asynchronously. An Idempotency-Key header becomes the event id, so a
// client retry appends nothing new and gets the same response back.
func IngestExceptionHandler(st store.ExceptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())

		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.ExceptionID == "" {
			http.Error(w, "exception_id is required", http.StatusBadRequest)
			return
		}

		payload := schema.IngestedPayload{
			Source:        req.Source,
			Severity:      req.Severity,
			Domain:        req.Domain,
			ExceptionType: req.ExceptionType,
			Summary:       req.Summary,
			Attributes:    req.Attributes,
		}

		var evt schema.Envelope
		var err error
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			evt, err = schema.IdentifiedEnvelope(key, tenantID, req.ExceptionID,
				schema.EventExceptionIngested, schema.ActorSystem, req.Source, payload)
		} else {
			evt, err = schema.NewEnvelope(tenantID, req.ExceptionID,
				schema.EventExceptionIngested, schema.ActorSystem, req.Source, payload)
		}
		if err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if _, err := schema.DecodePayload(schema.EventExceptionIngested, evt.Payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := st.AppendEvent(r.Context(), tenantID, evt)
		if err != nil {
			logger.WithError(err).Error("failed to append ingested event")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if result == store.Accepted {
			err = st.UpsertException(r.Context(), tenantID, req.ExceptionID, store.ExceptionPatch{
				Severity:      req.Severity,
				Domain:        req.Domain,
				ExceptionType: req.ExceptionType,
				Source:        req.Source,
				Summary:       req.Summary,
			})
			if err != nil {
				logger.WithError(err).Error("failed to upsert exception projection")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		}

		respondJSON(w, http.StatusAccepted, ingestResponse{
			TenantID:    tenantID,
			ExceptionID: req.ExceptionID,
			EventID:     evt.EventID,
		})
	}
}

// ListExceptionsHandler lists the tenant's exception projections, optionally
// filtered by status.
func ListExceptionsHandler(st store.ExceptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())

		status := r.URL.Query().Get("status")
		if status != "" && !schema.ValidStatus(status) {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		limit := 100
		if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
			parsed, err := strconv.Atoi(limitParam)
			if err != nil || parsed <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		records, err := st.ListExceptions(r.Context(), tenantID, status, limit)
		if err != nil {
			logger.WithError(err).Error("failed to list exceptions")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []store.ExceptionRecord{}
		}
		respondJSON(w, http.StatusOK, records)
	}
}

// GetExceptionHandler returns one exception projection.
func GetExceptionHandler(st store.ExceptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())
		exceptionID := chi.URLParam(r, "exceptionID")

		rec, err := st.GetException(r.Context(), tenantID, exceptionID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "exception not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.WithError(err).Error("failed to load exception")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, rec)
	}
}

// RebuildExceptionHandler refolds the exception's event stream and rewrites
// the projection row from it. Operators use it when a row has drifted from
// the log; rebuilding an already-correct row is harmless.
func RebuildExceptionHandler(st store.ExceptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())
		exceptionID := chi.URLParam(r, "exceptionID")

		rec, err := projection.Rebuild(r.Context(), st, tenantID, exceptionID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "exception not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.WithError(err).Error("failed to rebuild exception projection")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, rec)
	}
}

// ListEventsHandler returns the exception's full event stream in append
// order, the replayable audit trail.
func ListEventsHandler(st store.ExceptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())
		exceptionID := chi.URLParam(r, "exceptionID")

		events, err := st.ListByException(r.Context(), tenantID, exceptionID)
		if err != nil {
			logger.WithError(err).Error("failed to list events")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if events == nil {
			events = []schema.Envelope{}
		}
		respondJSON(w, http.StatusOK, events)
	}
}
