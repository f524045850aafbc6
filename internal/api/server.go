// Package api serves the synchronous HTTP control plane: topic CRUD,
// health, per-topic stats, Prometheus metrics and the shutdown trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pubsub-ws/internal/auth"
	"github.com/adred-codev/pubsub-ws/internal/broker"
	"github.com/adred-codev/pubsub-ws/internal/limits"
	"github.com/adred-codev/pubsub-ws/internal/metrics"
)

// Config holds control API settings.
type Config struct {
	Addr string
}

// Server is the control API.
type Server struct {
	cfg     Config
	manager *broker.Manager
	keyring *auth.Keyring
	guard   *limits.ResourceGuard
	logger  zerolog.Logger
	metrics *metrics.Registry

	httpServer *http.Server
}

// New builds the server. guard and metricsReg may be nil.
func New(cfg Config, manager *broker.Manager, keyring *auth.Keyring, guard *limits.ResourceGuard, logger zerolog.Logger, metricsReg *metrics.Registry) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		keyring: keyring,
		guard:   guard,
		logger:  logger.With().Str("component", "api").Logger(),
		metrics: metricsReg,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Routes builds the router. Exported so tests can drive it with httptest.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	// Metrics scraping stays open; everything else needs a key.
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	authed := r.NewRoute().Subrouter()
	authed.Use(s.requireAPIKey)
	authed.HandleFunc("/topics", s.handleListTopics).Methods(http.MethodGet)
	authed.HandleFunc("/topics", s.handleCreateTopic).Methods(http.MethodPost)
	authed.HandleFunc("/topics/{name}", s.handleDeleteTopic).Methods(http.MethodDelete)
	authed.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	authed.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	authed.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)

	return r
}

// Start runs the HTTP listener in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("Control API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Control API server error")
		}
	}()
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Control API shutdown error")
	}
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.keyring.Valid(auth.FromRequest(r)) {
			if s.metrics != nil {
				s.metrics.AuthFailures.Inc()
			}
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid or missing API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListTopics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"topics": s.manager.ListTopics()})
}

type createTopicRequest struct {
	Name     string `json:"name"`
	RingSize int    `json:"ring_size"`
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}

	err := s.manager.CreateTopic(req.Name, req.RingSize)
	switch {
	case err == nil:
		s.logger.Info().Str("topic", req.Name).Msg("Topic created via API")
		writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "topic": req.Name})
	case errors.Is(err, broker.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Server is shutting down"})
	case errors.Is(err, broker.ErrTopicExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Topic already exists"})
	case errors.Is(err, broker.ErrInvalidTopicName):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Topic name must be 1-100 characters"})
	case errors.Is(err, broker.ErrInvalidRingSize):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ring_size out of range"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
	}
}

func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	if s.manager.ShutdownInitiated() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Server is shutting down"})
		return
	}

	name := mux.Vars(r)["name"]
	if !s.manager.DeleteTopic(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Topic not found"})
		return
	}
	s.logger.Info().Str("topic", name).Msg("Topic deleted via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "topic": name})
}

// handleHealth reports liveness. Reads keep working during the drain so
// operators can watch shutdown progress.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.manager.Health()
	resp := map[string]any{
		"uptime_sec":         h.UptimeSec,
		"topics":             h.Topics,
		"subscribers":        h.Subscribers,
		"shutdown_initiated": h.ShutdownInitiated,
	}
	if s.guard != nil {
		resp["connections"] = s.guard.Current()
		resp["cpu_percent"] = s.guard.CPUPercent()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStats returns the per-topic mapping directly, topic names at the
// top level.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Stats())
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	if s.manager.ShutdownInitiated() {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Shutdown already initiated"})
		return
	}
	s.logger.Info().Msg("Shutdown requested via API")
	s.manager.InitiateShutdown()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Graceful shutdown initiated"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
