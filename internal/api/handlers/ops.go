// Package handlers serves the board's operational endpoints. Patient data
// is not exposed over HTTP; it leaves the board on the patient-state topic.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-edflow/internal/api/middleware"
)

// Check is one readiness dependency
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// OpsHandler serves health, readiness and metrics
type OpsHandler struct {
	checks  []Check
	metrics http.Handler
	version string
	timeout time.Duration
	logger  *zap.Logger
}

// NewOpsHandler creates the handler. metrics may be nil to omit /metrics.
func NewOpsHandler(version string, metrics http.Handler, logger *zap.Logger, checks ...Check) *OpsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsHandler{
		checks:  checks,
		metrics: metrics,
		version: version,
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// Router returns the ops router with the standard middleware stack
func (h *OpsHandler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(h.logger))
	r.Use(middleware.Logger(h.logger))
	r.Use(middleware.Tracing("edflow-ops"))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}
	return r
}

// Health reports that the process is up
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "edflow",
		"version": h.version,
	})
}

// ReadyResponse is the body of /ready
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Ready runs every check concurrently and reports 503 if any fails
func (h *OpsHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := ReadyResponse{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range h.checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			result := "ok"
			if err := c.Fn(ctx); err != nil {
				result = err.Error()
				h.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			}
			mu.Lock()
			resp.Checks[c.Name] = result
			if result != "ok" {
				resp.Status = "not_ready"
			}
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	code := http.StatusOK
	if resp.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}

func (h *OpsHandler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("write response", zap.Error(err))
	}
}
