// Package api provides HTTP handlers for the Elysium Atlas dashboard API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/elysium-atlas/atlas/internal/agent"
	"github.com/elysium-atlas/atlas/internal/domain"
	"github.com/elysium-atlas/atlas/internal/store"
	"github.com/elysium-atlas/atlas/internal/uploads"
	"github.com/elysium-atlas/atlas/internal/wizard"
)

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	sessions *wizard.Sessions
	files    *uploads.Store
	backend  agent.Client
	logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions *wizard.Sessions, files *uploads.Store, backend agent.Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:     repo,
		sessions: sessions,
		files:    files,
		backend:  backend,
		logger:   logger,
	}
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

// releaseFiles deletes upload files no longer referenced by any wizard.
func (h *Handler) releaseFiles(sessionKey string, files []domain.FileHandle) {
	if len(files) == 0 {
		return
	}
	if err := h.files.Remove(files...); err != nil {
		h.logger.Warn("Failed to remove upload files", "session_key", sessionKey, "error", err)
	}
}
