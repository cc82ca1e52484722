// Package http serves the forecast query API plus the operational
// endpoints (/healthz, /readyz, /metrics).
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridpoint/internal/domain"
	"gridpoint/internal/grid"
	"gridpoint/internal/observability"
	"gridpoint/internal/store"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Server exposes the query API and operational HTTP endpoints.
type Server struct {
	httpServer *http.Server
	registry   *domain.Registry
	resolver   *grid.Resolver
	store      store.Store
	ledger     store.Ledger
	geocoder   domain.Geocoder
	metrics    *observability.Metrics
	logger     *slog.Logger
	clock      clockwork.Clock
}

// NewServer creates the API server. The geocoder may be nil, in which case
// ZIP lookup for unknown codes returns 503; a nil ledger disables the
// ingest-failures endpoint the same way. A nil clock means real time.
func NewServer(
	addr string,
	registry *domain.Registry,
	resolver *grid.Resolver,
	st store.Store,
	led store.Ledger,
	geocoder domain.Geocoder,
	ready ReadinessChecker,
	metrics *observability.Metrics,
	logger *slog.Logger,
	clock clockwork.Clock,
) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Server{
		registry: registry,
		resolver: resolver,
		store:    st,
		ledger:   led,
		geocoder: geocoder,
		metrics:  metrics,
		logger:   logger,
		clock:    clock,
	}

	r := mux.NewRouter()
	r.Use(s.observe)

	r.HandleFunc("/api/sources", s.handleSources).Methods(http.MethodGet)
	r.HandleFunc("/api/source/{id:[0-9]+}", s.handleSource).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/api/location/search", s.handleLocationSearch).Methods(http.MethodGet)
	r.HandleFunc("/api/location/by_coords", s.handleLocationByCoords).Methods(http.MethodGet)
	r.HandleFunc("/api/location/by_zip", s.handleLocationByZip).Methods(http.MethodGet)
	r.HandleFunc("/api/location/{id:[0-9]+}/wx", s.handleWx).Methods(http.MethodGet)
	r.HandleFunc("/api/location/{id:[0-9]+}/wx/summarize", s.handleWxSummarize).Methods(http.MethodGet)
	r.HandleFunc("/api/ingest/failures", s.handleIngestFailures).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", handleReady(ready)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// observe records request duration per route template.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		next.ServeHTTP(w, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if s.metrics != nil {
			s.metrics.APIRequestDuration.WithLabelValues(route).Observe(s.clock.Since(start).Seconds())
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
