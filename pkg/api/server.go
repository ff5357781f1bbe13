// Package api is the operator-facing HTTP surface: the ingestion command
// endpoint, projection and audit-trail reads, playbook run operations, and
// DLQ management. Every write goes through the event store; the API never
// publishes to the broker directly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logger "github.com/sirupsen/logrus"

	"github.com/zoff-tech/go-remedy/pkg/config"
	"github.com/zoff-tech/go-remedy/pkg/dlq"
	"github.com/zoff-tech/go-remedy/pkg/playbook"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/pkg/telemetry"
)

// Server wires the route tree over the store, engine and DLQ handler.
type Server struct {
	store           store.ExceptionStore
	engine          *playbook.Engine
	dlq             *dlq.Handler
	router          chi.Router
	port            string
	shutdownTimeout time.Duration
	log             *logger.Entry
}

func NewServer(st store.ExceptionStore, eng *playbook.Engine, dl *dlq.Handler, cfg config.APISettings) *Server {
	s := &Server{
		store:           st,
		engine:          eng,
		dlq:             dl,
		port:            cfg.Port,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             logger.WithField("component", "api"),
	}
	s.router = s.routes()
	return s
}

// Handler exposes the route tree, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("healthz write failed")
		}
	})
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireTenant)

		r.Route("/exceptions", func(r chi.Router) {
			r.Post("/", IngestExceptionHandler(s.store))
			r.Get("/", ListExceptionsHandler(s.store))
			r.Route("/{exceptionID}", func(r chi.Router) {
				r.Get("/", GetExceptionHandler(s.store))
				r.Get("/events", ListEventsHandler(s.store))
				r.Post("/rebuild", RebuildExceptionHandler(s.store))
				r.Get("/playbook", GetRunStateHandler(s.engine))
				r.Post("/playbook/steps/{order}/complete", CompleteStepHandler(s.engine))
				r.Post("/playbook/steps/{order}/skip", SkipStepHandler(s.engine))
				r.Post("/playbook/recalculate", RecalculateHandler(s.engine))
				r.Post("/status", ChangeStatusHandler(s.engine))
			})
		})

		r.Route("/playbooks", func(r chi.Router) {
			r.Get("/", ListPlaybooksHandler(s.store))
			r.Post("/", CreatePlaybookHandler(s.store))
			r.Get("/{playbookID}", GetPlaybookHandler(s.store))
		})

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", ListDLQHandler(s.store))
			r.Post("/{entryID}/retry", RetryDLQHandler(s.dlq))
			r.Post("/{entryID}/discard", DiscardDLQHandler(s.dlq))
		})
	})

	return r
}

// readyz answers ready only when the store answers. The broker is deliberately
// not probed here: the API writes through the store alone, and the relay owns
// broker connectivity.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListTenants(r.Context()); err != nil {
		s.log.WithError(err).Warn("readiness probe failed")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if _, err := w.Write([]byte("OK")); err != nil {
		logger.WithError(err).Error("readyz write failed")
	}
}

// Run serves until ctx is canceled, then shuts down gracefully within the
// configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + s.port,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", srv.Addr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Error("shutdown error")
		return err
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.WithFields(logger.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}
