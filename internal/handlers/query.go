package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"recall/internal/ratelimit"
	"recall/internal/services"
)

// QueryHandler serves question answering over the message index.
type QueryHandler struct {
	engine  *services.Engine
	timeout time.Duration
}

type QueryRequest struct {
	Question string               `json:"question"`
	Options  services.QueryConfig `json:"options"`
}

func NewQueryHandler(engine *services.Engine) *QueryHandler {
	return &QueryHandler{engine: engine, timeout: 60 * time.Second}
}

func (h *QueryHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	answer, err := h.engine.Query(ctx, req.Question, req.Options)
	if err != nil {
		status, msg := classifyQueryError(err)
		slog.Error("Query failed", "error", err, slog.Int("status", status))
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, answer)
}

// classifyQueryError maps pipeline failures onto HTTP statuses: caller
// mistakes are 4xx, provider trouble is 502, overload is 429.
func classifyQueryError(err error) (int, string) {
	var fatal *services.FatalError
	switch {
	case errors.Is(err, services.ErrInvalidQuery):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ratelimit.ErrWaitTimeout):
		return http.StatusTooManyRequests, "rate limit capacity exhausted, retry later"
	case errors.Is(err, services.ErrEmbeddingUnavailable),
		errors.Is(err, services.ErrGenerationFailed),
		errors.Is(err, services.ErrRetrieval):
		return http.StatusBadGateway, "upstream provider unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "query timed out"
	case errors.As(err, &fatal):
		return http.StatusInternalServerError, "internal error"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
