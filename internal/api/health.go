package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Checker reports per-dependency health.
type Checker interface {
	Check(ctx context.Context) (map[string]string, bool)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checker Checker
	timeout time.Duration
}

// NewHealthHandler creates a health handler over checker.
func NewHealthHandler(checker Checker, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{checker: checker, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	results, ok := h.checker.Check(ctx)
	for name, result := range results {
		checks[name] = result
	}
	if !ok {
		slog.Error("Health check failed", "checks", results)
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	JSON(w, statusCode, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
