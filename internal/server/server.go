// Package server is the HTTP facade consumed by the web console. Every route
// answers the stable {success, data|error, timestamp} envelope; upstream
// failures surface as messages inside it, never as raw errors or stack traces.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maasops/console-api/internal/apierr"
	"github.com/maasops/console-api/internal/metrics"
	"github.com/maasops/console-api/internal/policy"
	"github.com/maasops/console-api/internal/probe"
	"github.com/maasops/console-api/internal/tier"
)

// PolicySource lists normalized policies.
type PolicySource interface {
	ListPolicies(ctx context.Context) ([]policy.Policy, error)
}

// MetricsSource assembles dashboard snapshots.
type MetricsSource interface {
	Snapshot(ctx context.Context) (*metrics.Snapshot, error)
}

// TierSource answers tier and key-listing lookups.
type TierSource interface {
	ResolveTier(ctx context.Context) tier.Info
	ListKeys(ctx context.Context) []tier.Key
}

// GatewayProber issues and relays gateway calls.
type GatewayProber interface {
	Probe(ctx context.Context, req probe.Request) (*probe.Result, error)
	Forward(ctx context.Context, req probe.ChatRequest, authHeader string) *probe.ForwardResult
}

// Model is one entry of the configured model catalog.
type Model struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Server wires the console routes to the backing components.
type Server struct {
	policies PolicySource
	metrics  MetricsSource
	tiers    TierSource
	prober   GatewayProber
	models   []Model
	logger   zerolog.Logger
}

// New creates a Server.
func New(policies PolicySource, metricsSource MetricsSource, tiers TierSource, prober GatewayProber, models []Model, logger zerolog.Logger) *Server {
	return &Server{
		policies: policies,
		metrics:  metricsSource,
		tiers:    tiers,
		prober:   prober,
		models:   models,
		logger:   logger,
	}
}

// Router builds the console route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/api/v1/policies", s.recoverable("policies", s.handlePolicies)).Methods("GET")
	router.HandleFunc("/api/v1/metrics/dashboard", s.recoverable("dashboard", s.handleDashboard)).Methods("GET")
	router.HandleFunc("/api/v1/metrics/live-requests", s.recoverable("live-requests", s.handleLiveRequests)).Methods("GET")
	router.HandleFunc("/api/v1/models", s.recoverable("models", s.handleModels)).Methods("GET")
	router.HandleFunc("/api/v1/tokens", s.recoverable("tokens", s.handleTokens)).Methods("GET")
	router.HandleFunc("/api/v1/tokens/user/tier", s.recoverable("user-tier", s.handleUserTier)).Methods("GET")
	router.HandleFunc("/api/v1/tokens/test", s.recoverable("token-test", s.handleTokenTest)).Methods("POST")
	router.HandleFunc("/api/v1/simulator/chat/completions", s.recoverable("simulator", s.handleSimulator)).Methods("POST")

	return router
}

// Run serves the router until ctx is canceled, then drains connections.
func (s *Server) Run(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("shutting down console API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("console API server shutdown error")
		}
	}()

	s.logger.Info().Str("port", port).Msg("console API server started")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// recoverable wraps a handler with panic recovery so one bad request cannot
// take the facade down.
func (s *Server) recoverable(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Str("handler", name).Msg("panic in handler")
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handlePolicies answers 200 even when the policy engine is down: the UI
// handles {success:false, data:[]} itself, a 5xx would break the page.
func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.policies.ListPolicies(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("policy listing failed")
		writeEnvelope(w, http.StatusOK, envelope{
			Success: false,
			Error:   "Unable to fetch policies from cluster. Check cluster connectivity and credentials.",
			Data:    []policy.Policy{},
		})
		return
	}
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: policies})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.metrics.Snapshot(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("dashboard snapshot failed")
		writeEnvelope(w, http.StatusInternalServerError, envelope{
			Success: false,
			Error:   "Unable to fetch metrics from Prometheus: " + err.Error(),
		})
		return
	}
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: snapshot})
}

// handleLiveRequests keeps UI compatibility; per-request streaming is not
// collected.
func (s *Server) handleLiveRequests(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: []any{}})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: s.models})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: s.tiers.ListKeys(r.Context())})
}

func (s *Server) handleUserTier(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: s.tiers.ResolveTier(r.Context())})
}

// handleTokenTest validates input, then always answers 200 with the probe's
// own success flag: a policy denial is a result, not a server error.
func (s *Server) handleTokenTest(w http.ResponseWriter, r *http.Request) {
	var req probe.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{
			Success: false,
			Data:    map[string]string{"error": "invalid request body"},
		})
		return
	}

	result, err := s.prober.Probe(r.Context(), req)
	if err != nil {
		if apierr.IsClientInput(err) {
			writeEnvelope(w, http.StatusBadRequest, envelope{
				Success: false,
				Data:    map[string]string{"error": err.Error()},
			})
			return
		}
		s.logger.Error().Err(err).Msg("gateway probe failed")
		writeEnvelope(w, http.StatusInternalServerError, envelope{
			Success: false,
			Error:   "Unable to test token: " + err.Error(),
		})
		return
	}

	writeEnvelope(w, http.StatusOK, envelope{Success: result.Success, Data: result})
}

// handleSimulator relays a chat completion through the gateway under the
// caller's own credential, mirroring the upstream status code.
func (s *Server) handleSimulator(w http.ResponseWriter, r *http.Request) {
	var req probe.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}

	result := s.prober.Forward(r.Context(), req, r.Header.Get("Authorization"))

	debug := map[string]any{
		"tier":  req.Tier,
		"model": req.Model,
	}
	if result.NetworkError {
		debug["network_error"] = true
	}
	if result.StatusCode != 0 {
		debug["http_status"] = result.StatusCode
	}

	if result.StatusCode >= 200 && result.StatusCode < 300 {
		writeEnvelope(w, result.StatusCode, envelope{Success: true, Data: result.Body, Debug: debug})
		return
	}
	writeEnvelope(w, result.StatusCode, envelope{
		Success: false,
		Error:   result.ErrorMessage,
		Data:    result.Body,
		Debug:   debug,
	})
}

// envelope is the response shape shared by every console route.
type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Debug   map[string]any `json:"debug,omitempty"`
}

type stampedEnvelope struct {
	envelope
	Timestamp string `json:"timestamp"`
}

func writeEnvelope(w http.ResponseWriter, status int, e envelope) {
	writeJSON(w, status, stampedEnvelope{
		envelope:  e,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)

	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}
