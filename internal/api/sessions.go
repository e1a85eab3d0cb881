package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/ashureev/wabridge/internal/bridge"
	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/store"
)

// qrImageSize is the edge length in pixels of the rendered QR PNG.
const qrImageSize = 256

// SessionHandler handles session lifecycle endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers all session lifecycle routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/initialize/{userID}", h.Initialize)
	r.Get("/qr/{userID}", h.QR)
	r.Get("/qr/{userID}/image", h.QRImage)
	r.Get("/status", h.StatusAll)
	r.Get("/status/{userID}", h.Status)
	r.Get("/chats/{userID}", h.Chats)
	r.Get("/messages/{userID}/{chatID}", h.Messages)
	r.Post("/disconnect/{userID}", h.Disconnect)
	r.Post("/reconnect/{userID}", h.Reconnect)
	r.Post("/restart/{userID}", h.Restart)
	r.Post("/cleanup/{userID}", h.Cleanup)
	r.Post("/restore-all", h.RestoreAll)
	r.Post("/cleanup-stale", h.CleanupStale)
}

// lifecycleError maps manager errors onto HTTP status codes.
func lifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidUserID):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, bridge.ErrNoSession):
		Error(w, http.StatusNotFound, "no session found for user")
	case errors.Is(err, bridge.ErrQRNotAvailable):
		Error(w, http.StatusNotFound, "qr code not available")
	case errors.Is(err, bridge.ErrNotConnected), errors.Is(err, bridge.ErrActiveSetUnavailable):
		Error(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, bridge.ErrInitializeTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		Error(w, http.StatusGatewayTimeout, err.Error())
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

// reasonRequest is the optional body for disconnect and reconnect requests.
type reasonRequest struct {
	Reason string `json:"reason"`
}

func decodeReason(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ""
	}
	return req.Reason
}

// Initialize starts or resumes the user's session. The fresh query parameter
// forces a new pairing instead of reusing stored credentials.
func (h *SessionHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	fresh := r.URL.Query().Get("fresh") == "true" || r.URL.Query().Get("fresh") == "1"

	slog.Info("Initialize requested", "user_id", userID, "fresh", fresh)
	res, err := h.mgr.Initialize(r.Context(), userID, !fresh)
	if err != nil {
		slog.Error("Initialize failed", "error", err, "user_id", userID)
		lifecycleError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// QR returns the current pairing code as JSON.
func (h *SessionHandler) QR(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	qr, err := h.mgr.QR(userID)
	if err != nil {
		lifecycleError(w, err)
		return
	}
	JSON(w, http.StatusOK, qr)
}

// QRImage renders the current pairing code as a PNG for direct scanning.
func (h *SessionHandler) QRImage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	qr, err := h.mgr.QR(userID)
	if err != nil {
		lifecycleError(w, err)
		return
	}
	png, err := qrcode.Encode(qr.Code, qrcode.Medium, qrImageSize)
	if err != nil {
		slog.Error("Failed to render QR code", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to render qr code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// Status reports the lifecycle state of one user.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	JSON(w, http.StatusOK, h.mgr.Status(userID))
}

// StatusAll reports every session the bridge knows about.
func (h *SessionHandler) StatusAll(w http.ResponseWriter, r *http.Request) {
	sessions := h.mgr.StatusAll()
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// Chats returns the user's chat directory, waiting a bounded time for the
// session to come up when it is not connected yet.
func (h *SessionHandler) Chats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	chats, err := h.mgr.Chats(r.Context(), userID)
	if err != nil {
		slog.Warn("Chat directory request failed", "error", err, "user_id", userID)
		lifecycleError(w, err)
		return
	}
	if chats == nil {
		chats = []domain.Chat{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"userId": userID,
		"chats":  chats,
		"count":  len(chats),
	})
}

// Messages serves the archived history of one chat.
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	chatID := chi.URLParam(r, "chatID")

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			Error(w, http.StatusBadRequest, "invalid since timestamp, expected RFC3339")
			return
		}
		since = ts
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := h.mgr.Messages(r.Context(), userID, chatID, since, limit)
	if err != nil {
		slog.Error("Message history request failed", "error", err, "user_id", userID, "chat_id", chatID)
		lifecycleError(w, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"userId":   userID,
		"chatId":   chatID,
		"messages": msgs,
		"count":    len(msgs),
	})
}

// Disconnect drops the live link, keeping stored credentials unless the
// given reason marks the account as suspended.
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	reason := decodeReason(r)

	if err := h.mgr.Disconnect(r.Context(), userID, reason); err != nil {
		slog.Error("Disconnect failed", "error", err, "user_id", userID)
		lifecycleError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "disconnected", "userId": userID})
}

// Reconnect tears the session down and pairs it fresh.
func (h *SessionHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	reason := decodeReason(r)

	res, err := h.mgr.Reconnect(r.Context(), userID, reason)
	if err != nil {
		slog.Error("Reconnect failed", "error", err, "user_id", userID)
		lifecycleError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Restart wipes the session completely and starts over.
func (h *SessionHandler) Restart(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	res, err := h.mgr.Restart(r.Context(), userID)
	if err != nil {
		slog.Error("Restart failed", "error", err, "user_id", userID)
		lifecycleError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Cleanup removes every stored trace of the user.
func (h *SessionHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := h.mgr.Cleanup(r.Context(), userID); err != nil {
		slog.Error("Cleanup failed", "error", err, "user_id", userID)
		lifecycleError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "cleaned", "userId": userID})
}

// RestoreAll re-establishes sessions for every user with stored credentials.
func (h *SessionHandler) RestoreAll(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.mgr.RestoreAll(r.Context())
	if err != nil {
		slog.Error("Restore pass failed", "error", err)
		lifecycleError(w, err)
		return
	}
	if outcomes == nil {
		outcomes = []bridge.RestoreOutcome{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"outcomes": outcomes,
		"total":    len(outcomes),
	})
}

// CleanupStale purges sessions for users the backend no longer lists as
// active.
func (h *SessionHandler) CleanupStale(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.mgr.ReconcileStale(r.Context())
	if err != nil {
		slog.Error("Stale session cleanup failed", "error", err)
		lifecycleError(w, err)
		return
	}
	if outcomes == nil {
		outcomes = []bridge.RestoreOutcome{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"outcomes": outcomes,
		"total":    len(outcomes),
	})
}
