// Package api provides the HTTP control surface of the bridge.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/wabridge/internal/bridge"
	"github.com/ashureev/wabridge/internal/domain"
)

// SessionManager is the slice of the lifecycle manager the API depends on.
type SessionManager interface {
	Initialize(ctx context.Context, userID string, preferExisting bool) (bridge.InitResult, error)
	Status(userID string) domain.SessionStatus
	StatusAll() []domain.SessionStatus
	QR(userID string) (domain.QRCode, error)
	Chats(ctx context.Context, userID string) ([]domain.Chat, error)
	Messages(ctx context.Context, userID, chatID string, since time.Time, limit int) ([]domain.Message, error)
	Disconnect(ctx context.Context, userID, reason string) error
	Reconnect(ctx context.Context, userID, reason string) (bridge.InitResult, error)
	Restart(ctx context.Context, userID string) (bridge.InitResult, error)
	Cleanup(ctx context.Context, userID string) error
	RestoreAll(ctx context.Context) ([]bridge.RestoreOutcome, error)
	ReconcileStale(ctx context.Context) ([]bridge.RestoreOutcome, error)
	Health() bridge.HealthSummary
}

// Ensure the real manager satisfies the interface.
var _ SessionManager = (*bridge.Manager)(nil)

// Handler provides common handler utilities.
type Handler struct {
	mgr SessionManager
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(mgr SessionManager) *Handler {
	return &Handler{mgr: mgr}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
