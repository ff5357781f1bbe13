package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"github.com/zoff-tech/go-remedy/pkg/dlq"
	"github.com/zoff-tech/go-remedy/pkg/store"
)

// ListDLQHandler lists the tenant's dead-letter entries, optionally filtered
// by status.
func ListDLQHandler(st store.ExceptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())

		status := r.URL.Query().Get("status")
		switch store.DLQStatus(status) {
		case "", store.DLQPending, store.DLQRetrying, store.DLQDiscarded, store.DLQSucceeded:
		default:
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}

		entries, err := st.ListDLQ(r.Context(), tenantID, status)
		if err != nil {
			logger.WithError(err).Error("failed to list dlq entries")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []store.DLQEntry{}
		}
		respondJSON(w, http.StatusOK, entries)
	}
}

// RetryDLQHandler replays a dead-lettered message to its original topic.
// Replay is always an explicit operator decision.
func RetryDLQHandler(dl *dlq.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())
		entryID := chi.URLParam(r, "entryID")

		entry, err := dl.Retry(r.Context(), tenantID, entryID)
		if err != nil {
			writeDLQError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, entry)
	}
}

type discardRequest struct {
	Reason string `json:"reason"`
}

// DiscardDLQHandler marks an entry as never to be replayed.
func DiscardDLQHandler(dl *dlq.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())
		entryID := chi.URLParam(r, "entryID")

		var req discardRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		entry, err := dl.Discard(r.Context(), tenantID, entryID, req.Reason)
		if err != nil {
			writeDLQError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, entry)
	}
}

func writeDLQError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "dlq entry not found", http.StatusNotFound)
	case errors.Is(err, dlq.ErrEntryTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.WithError(err).Error("dlq operation failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
