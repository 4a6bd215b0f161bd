// Package api provides the HTTP server for the InfiniteGPU node.
// Providers hold a long-lived SSE stream and invoke subtask operations
// over plain REST; requesters submit tasks and watch their progress
// over the same surfaces.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scalerize/infinitegpu/internal/app/dispatch"
	"github.com/scalerize/infinitegpu/internal/app/lifecycle"
	"github.com/scalerize/infinitegpu/internal/domain"
	"github.com/scalerize/infinitegpu/internal/health"
	"github.com/scalerize/infinitegpu/internal/infra/presence"
	"github.com/scalerize/infinitegpu/internal/notify"
)

// Server is the node's HTTP API server.
type Server struct {
	life     *lifecycle.Service
	engine   *dispatch.Engine
	bridge   *dispatch.Bridge
	registry *presence.Registry
	hub      *notify.Hub
	store    domain.Store

	checker        *health.Checker
	version        string
	metricsEnabled bool
}

// NewServer creates a new API server over the node's core components.
func NewServer(life *lifecycle.Service, engine *dispatch.Engine, bridge *dispatch.Bridge,
	registry *presence.Registry, hub *notify.Hub, store domain.Store) *Server {
	return &Server{
		life:     life,
		engine:   engine,
		bridge:   bridge,
		registry: registry,
		hub:      hub,
		store:    store,
		version:  "0.1.0",
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealthChecker attaches the periodic health checker to /health.
func (s *Server) SetHealthChecker(c *health.Checker) { s.checker = c }

// SetVersion overrides the reported build version.
func (s *Server) SetVersion(v string) {
	if v != "" {
		s.version = v
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
	})
	r.Get("/api/presence", s.handlePresence)

	r.Route("/v1", func(r chi.Router) {
		// Requester surface
		r.Post("/tasks", s.handleSubmitTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks/{id}/events", s.handleTaskEvents)
		r.Get("/users/{id}/events", s.handleUserEvents)
		r.Get("/devices", s.handleListDevices)

		// Provider surface
		r.Get("/provider/stream", s.handleProviderStream)
		r.Post("/provider/announce", s.handleAnnounce)
		r.Post("/provider/claim", s.handleClaimNext)
		r.Get("/subtasks/{id}", s.handleGetSubtask)
		r.Post("/subtasks/{id}/accept", s.handleAccept)
		r.Post("/subtasks/{id}/start", s.handleStart)
		r.Post("/subtasks/{id}/progress", s.handleProgress)
		r.Post("/subtasks/{id}/result", s.handleResult)
		r.Post("/subtasks/{id}/failure", s.handleFailure)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Status endpoints ───────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, label := http.StatusOK, "ok"
	if !s.checker.IsHealthy() {
		status, label = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status": label,
		"checks": s.checker.Statuses(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.life.PendingCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "running",
		"version":          s.version,
		"pending_subtasks": pending,
		"presence":         s.registry.Stats(),
		"events":           s.hub.Stats(),
	})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections":       s.registry.ConnectionCount(),
		"connected_devices": s.registry.ConnectedDeviceCount(),
		"devices":           s.registry.ConnectedDevices(),
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrSubtaskNotFound),
		errors.Is(err, domain.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotAssigned):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrSubtaskUnavailable),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEmptyRequester),
		errors.Is(err, domain.ErrInvalidPartition),
		errors.Is(err, domain.ErrInvalidProgress),
		errors.Is(err, domain.ErrNotConnected):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
