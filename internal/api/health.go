package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/elysium-atlas/atlas/internal/identity"
)

// SystemHandler serves health and frontend configuration endpoints.
type SystemHandler struct {
	*Handler
	avatarSize     int
	maxUploadBytes int64
	socketPath     string
}

// NewSystemHandler creates a system handler.
func NewSystemHandler(base *Handler, avatarSize int, maxUploadBytes int64, socketPath string) *SystemHandler {
	return &SystemHandler{
		Handler:        base,
		avatarSize:     avatarSize,
		maxUploadBytes: maxUploadBytes,
		socketPath:     socketPath,
	}
}

// RegisterRoutes registers system routes.
func (h *SystemHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/api/config", h.GetConfig)
}

// Health reports database connectivity.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "unreachable"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "ok"})
}

// GetConfig returns the settings the dashboard needs to drive the wizard
// and the realtime socket.
func (h *SystemHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	_, authenticated := identity.TokenFromContext(r.Context())
	JSON(w, http.StatusOK, map[string]interface{}{
		"authenticated":    authenticated,
		"avatar_size":      h.avatarSize,
		"max_upload_bytes": h.maxUploadBytes,
		"socket_path":      h.socketPath,
	})
}
