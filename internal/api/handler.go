// Package api provides HTTP handlers for the MedChart assistant service.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/medchart-labs/medchart/internal/store"
)

// Handler provides the non-WebSocket HTTP surface: health and readiness.
type Handler struct {
	repo             store.Repository
	assistantEnabled bool
	startedAt        time.Time
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository, assistantEnabled bool) *Handler {
	return &Handler{
		repo:             repo,
		assistantEnabled: assistantEnabled,
		startedAt:        time.Now(),
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

// Ready reports database connectivity and assistant availability.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  "database unreachable",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"assistant": h.assistantEnabled,
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
	})
}
