// Package httpapi is the outer API layer spec §6 refers to as the caller
// of the control operations ("invoked by the HTTP layer, not defined by
// this spec beyond semantics"). It is the teacher's
// internal/adapter/http.Server generalized from a readiness-only ETL health
// endpoint to the full run-control surface, still built on net/http and
// promhttp the way the teacher does health/metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/geowarn-engine/internal/engine"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Server exposes health, readiness, metrics, and run-control endpoints.
type Server struct {
	httpServer *http.Server
	engine     *engine.Engine
	logger     *slog.Logger
}

// NewServer builds the HTTP server wiring every spec §6 control operation
// to a route, plus /healthz, /readyz, and /metrics.
func NewServer(addr string, eng *engine.Engine, ready ReadinessChecker, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		engine: eng,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /runs/trigger_async", s.handleTriggerAsync)
	mux.HandleFunc("POST /runs/trigger_sync", s.handleTriggerSync)
	mux.HandleFunc("GET /runs/status", s.handleStatus)
	mux.HandleFunc("POST /runs/abort", s.handleAbort)
	mux.HandleFunc("POST /runs/reset", s.handleReset)
	mux.HandleFunc("GET /debug/last_collection", s.handleDebugLastCollection)
	mux.HandleFunc("POST /debug/randomize", s.handleDebugRandomize)
	mux.HandleFunc("POST /scraper/reset_runtime", s.handleResetScraperRuntime)

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

func (s *Server) handleTriggerAsync(w http.ResponseWriter, r *http.Request) {
	fastMode := r.URL.Query().Get("fast_mode") == "true"
	requestID := r.URL.Query().Get("request_id")

	var regionLimit *int
	if raw := r.URL.Query().Get("region_limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid region_limit"})
			return
		}
		regionLimit = &n
	}

	result := s.engine.TriggerAsync(r.Context(), requestID, fastMode, regionLimit)
	status := http.StatusAccepted
	if !result.Accepted {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	fastMode := r.URL.Query().Get("fast_mode") == "true"
	requestID := r.URL.Query().Get("request_id")

	var regionLimit *int
	if raw := r.URL.Query().Get("region_limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid region_limit"})
			return
		}
		regionLimit = &n
	}

	result, err := s.engine.TriggerSync(r.Context(), requestID, fastMode, regionLimit)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	result := s.engine.Abort(r.Context())
	status := http.StatusOK
	if !result.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reset(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleDebugLastCollection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.DebugLastCollection())
}

func (s *Server) handleDebugRandomize(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.engine.DebugRandomize(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleResetScraperRuntime(w http.ResponseWriter, r *http.Request) {
	clearCache := r.URL.Query().Get("clear_cache") == "true"
	if err := s.engine.ResetScraperRuntime(r.Context(), clearCache); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
