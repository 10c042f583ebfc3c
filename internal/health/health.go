// Package health exposes health, readiness, and liveness endpoints for
// the worker's backing connections, plus the metrics endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/formrelay/formrelay/internal/metrics"
)

// Checker is a pingable backing connection.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// ServiceStatus represents the status of a single service
type ServiceStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse represents the structured health check response
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Services  map[string]ServiceStatus `json:"services"`
	Mode      string                   `json:"mode,omitempty"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Ready     bool   `json:"ready"`
	Timestamp string `json:"timestamp"`
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Alive     bool   `json:"alive"`
	Timestamp string `json:"timestamp"`
}

// Handler handles health check requests
type Handler struct {
	checks  map[string]Checker
	mode    string
	timeout time.Duration
	ready   bool
	mu      sync.RWMutex
}

// Config holds health handler configuration
type Config struct {
	// Checks maps a service name to its connection checker. The Redis
	// checker is the readiness gate; the rest only affect /health.
	Checks  map[string]Checker
	Mode    string
	Timeout time.Duration
}

// NewHandler creates a new health check handler
func NewHandler(cfg Config) *Handler {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Handler{
		checks:  cfg.Checks,
		mode:    cfg.Mode,
		timeout: timeout,
		ready:   true,
	}
}

// SetReady sets the readiness state, flipped off during graceful shutdown
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the current readiness state
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Router mounts the health, readiness, liveness, and metrics endpoints.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Get("/ready", h.Readiness)
	r.Get("/live", h.Liveness)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Health reports the status of every backing connection
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	services := make(map[string]ServiceStatus, len(h.checks))
	overallStatus := "healthy"

	for name, check := range h.checks {
		status := runCheck(ctx, check)
		services[name] = status
		if status.Status != "up" {
			overallStatus = "degraded"
		}
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
		Mode:      h.mode,
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// Readiness gates on the shutdown flag and the side-state connection
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ready := h.IsReady()
	if ready {
		if check, ok := h.checks["redis"]; ok {
			if err := check.Ping(ctx); err != nil {
				ready = false
			}
		}
	}

	response := ReadinessResponse{
		Ready:     ready,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// Liveness reports process liveness only
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	response := LivenessResponse{
		Alive:     true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

func runCheck(ctx context.Context, check Checker) ServiceStatus {
	start := time.Now()
	err := check.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return ServiceStatus{
			Status:  "down",
			Latency: latency.String(),
			Error:   err.Error(),
		}
	}
	return ServiceStatus{
		Status:  "up",
		Latency: latency.String(),
	}
}
