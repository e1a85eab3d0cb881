package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/wabridge/internal/backend"
)

// BackendChecker reports whether the analytics backend is reachable.
type BackendChecker interface {
	Health(ctx context.Context) error
}

var _ BackendChecker = (*backend.Client)(nil)

// HealthHandler handles the health check endpoint.
type HealthHandler struct {
	mgr     SessionManager
	backend BackendChecker
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(mgr SessionManager, checker BackendChecker) *HealthHandler {
	return &HealthHandler{mgr: mgr, backend: checker}
}

// Health reports the bridge's session counts and dependency reachability.
// A dead backend degrades the report but keeps the status code at 200: the
// bridge itself is still serving sessions.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	checks := map[string]string{"api": "ok"}
	if h.backend != nil {
		if err := h.backend.Health(ctx); err != nil {
			slog.Warn("Backend health check failed", "error", err)
			checks["backend"] = "unreachable"
			status = "degraded"
		} else {
			checks["backend"] = "ok"
		}
	}

	summary := h.mgr.Health()
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"checks":   checks,
		"sessions": summary.Sessions,
		"total":    summary.Total,
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
