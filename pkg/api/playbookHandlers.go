package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"github.com/zoff-tech/go-remedy/pkg/playbook"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/schema"
)

type stepActionRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

type recalculateResponse struct {
	Changed bool               `json:"changed"`
	Run     *playbook.RunState `json:"run"`
}

type statusChangeRequest struct {
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id"`
}

// decodeAction reads an optional JSON body into a stepActionRequest. An empty
// body is fine; malformed JSON is not.
func decodeAction(r *http.Request) (stepActionRequest, error) {
	var req stepActionRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, playbook.ErrNoPlaybookAssigned), errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case playbook.IsInvalidStepOrder(err):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.WithError(err).Error("playbook operation failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// GetRunStateHandler folds the exception's events into its current run state.
func GetRunStateHandler(eng *playbook.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())
		exceptionID := chi.URLParam(r, "exceptionID")

		run, err := eng.Run(r.Context(), tenantID, exceptionID)
		if err != nil {
			logger.WithError(err).Error("failed to fold run state")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if run == nil {
			http.Error(w, "no playbook assigned", http.StatusNotFound)
			return
		}
		respondJSON(w, http.StatusOK, run)
	}
}

// CompleteStepHandler records an operator completing the current step.
func CompleteStepHandler(eng *playbook.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())
		exceptionID := chi.URLParam(r, "exceptionID")
		order, err := strconv.Atoi(chi.URLParam(r, "order"))
		if err != nil || order < 1 {
			http.Error(w, "invalid step order", http.StatusBadRequest)
			return
		}
		req, err := decodeAction(r)
		if err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.ActorID == "" {
			http.Error(w, "actor_id is required", http.StatusBadRequest)
			return
		}

		run, err := eng.CompleteStep(r.Context(), tenantID, exceptionID, order, schema.ActorUser, req.ActorID)
		if err != nil {
			writeRunError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, run)
	}
}

// SkipStepHandler records an operator skipping the current step.
func SkipStepHandler(eng *playbook.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())
		exceptionID := chi.URLParam(r, "exceptionID")
		order, err := strconv.Atoi(chi.URLParam(r, "order"))
		if err != nil || order < 1 {
			http.Error(w, "invalid step order", http.StatusBadRequest)
			return
		}
		req, err := decodeAction(r)
		if err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.ActorID == "" {
			http.Error(w, "actor_id is required", http.StatusBadRequest)
			return
		}

		run, err := eng.SkipStep(r.Context(), tenantID, exceptionID, order, schema.ActorUser, req.ActorID, req.Reason)
		if err != nil {
			writeRunError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, run)
	}
}

// RecalculateHandler re-matches the exception against current definitions and
// reports whether the assignment changed. History is never rewritten; a new
// run generation starts when it did.
func RecalculateHandler(eng *playbook.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())
		exceptionID := chi.URLParam(r, "exceptionID")
		req, err := decodeAction(r)
		if err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.ActorID == "" {
			http.Error(w, "actor_id is required", http.StatusBadRequest)
			return
		}

		run, changed, err := eng.Recalculate(r.Context(), tenantID, exceptionID, schema.ActorUser, req.ActorID, req.Reason)
		if err != nil {
			writeRunError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, recalculateResponse{Changed: changed, Run: run})
	}
}

// ChangeStatusHandler transitions the exception's status. Closure is a status
// transition like any other; nothing is ever deleted.
func ChangeStatusHandler(eng *playbook.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())
		exceptionID := chi.URLParam(r, "exceptionID")

		var req statusChangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if !schema.ValidStatus(req.Status) {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		if req.ActorID == "" {
			http.Error(w, "actor_id is required", http.StatusBadRequest)
			return
		}

		err := eng.ChangeStatus(r.Context(), tenantID, exceptionID, req.Status, req.Reason, schema.ActorUser, req.ActorID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "exception not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.WithError(err).Error("failed to change status")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ListPlaybooksHandler returns the definitions visible to the tenant, its own
// and the global ones.
func ListPlaybooksHandler(st store.ExceptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())

		defs, err := st.ListPlaybooks(r.Context(), tenantID)
		if err != nil {
			logger.WithError(err).Error("failed to list playbooks")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if defs == nil {
			defs = []schema.PlaybookDefinition{}
		}
		respondJSON(w, http.StatusOK, defs)
	}
}

// CreatePlaybookHandler stores a new definition version owned by the calling
// tenant. Versions are immutable: changing a playbook means posting the next
// version. Global definitions ship through seed files, not this endpoint.
func CreatePlaybookHandler(st store.ExceptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())

		var def schema.PlaybookDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		def.TenantID = tenantID
		if err := def.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		err := st.InsertPlaybook(r.Context(), tenantID, def)
		if errors.Is(err, store.ErrImmutableVersion) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			logger.WithError(err).Error("failed to insert playbook")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusCreated, def)
	}
}

// GetPlaybookHandler returns one definition, latest version unless
// ?version= asks for a specific one.
func GetPlaybookHandler(st store.ExceptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := TenantFromContext(r.Context())
		playbookID := chi.URLParam(r, "playbookID")

		version := 0
		if versionParam := r.URL.Query().Get("version"); versionParam != "" {
			parsed, err := strconv.Atoi(versionParam)
			if err != nil || parsed < 1 {
				http.Error(w, "invalid version", http.StatusBadRequest)
				return
			}
			version = parsed
		}

		def, err := st.GetPlaybook(r.Context(), tenantID, playbookID, version)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "playbook not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.WithError(err).Error("failed to load playbook")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, def)
	}
}
