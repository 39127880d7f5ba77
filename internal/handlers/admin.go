package handlers

import (
	"log/slog"
	"net/http"

	"recall/internal/services"
)

// AdminHandler exposes index statistics and the destructive reset.
type AdminHandler struct {
	engine *services.Engine
}

func NewAdminHandler(engine *services.Engine) *AdminHandler {
	return &AdminHandler{engine: engine}
}

func (h *AdminHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		slog.Error("Failed to read stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleClear drops every stored message and the response cache.
func (h *AdminHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Clear(r.Context()); err != nil {
		slog.Error("Failed to clear store", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("Store and cache cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
