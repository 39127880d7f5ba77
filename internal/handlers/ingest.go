package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"recall/internal/services"
	"recall/internal/sources"
)

// maxIngestBody bounds one upload at 32 MiB.
const maxIngestBody = 32 << 20

// IngestHandler accepts newline-delimited JSON message records and
// optionally pulls whole Slack threads into the index.
type IngestHandler struct {
	engine *services.Engine
	slack  *sources.SlackSource
}

// NewIngestHandler creates an ingestion handler. slackSource may be nil
// when no bot token is configured; the Slack endpoint then returns 503.
func NewIngestHandler(engine *services.Engine, slackSource *sources.SlackSource) *IngestHandler {
	return &IngestHandler{engine: engine, slack: slackSource}
}

// HandleIngest reads an NDJSON body. Bad records are reported
// per-message in the response, never as a request failure.
func (h *IngestHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxIngestBody)
	messages, parseFailures := services.ParseRecords(body)
	if len(messages) == 0 && len(parseFailures) == 0 {
		writeError(w, http.StatusBadRequest, "request body contained no records")
		return
	}

	report := h.engine.Ingest(r.Context(), messages)
	report.Failed = append(parseFailures, report.Failed...)

	status := http.StatusOK
	if report.Succeeded == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, report)
}

type slackIngestRequest struct {
	ChannelID string `json:"channel_id"`
	ThreadTS  string `json:"thread_ts"`
}

// HandleSlackIngest fetches one Slack thread and ingests its messages.
func (h *IngestHandler) HandleSlackIngest(w http.ResponseWriter, r *http.Request) {
	if h.slack == nil {
		writeError(w, http.StatusServiceUnavailable, "slack source is not configured")
		return
	}

	var req slackIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChannelID == "" || req.ThreadTS == "" {
		writeError(w, http.StatusBadRequest, "channel_id and thread_ts are required")
		return
	}

	messages, err := h.slack.FetchThread(r.Context(), req.ChannelID, req.ThreadTS)
	if err != nil {
		slog.Error("Failed to fetch Slack thread", "error", err,
			slog.String("channel", req.ChannelID), slog.String("thread_ts", req.ThreadTS))
		writeError(w, http.StatusBadGateway, "failed to fetch thread from Slack")
		return
	}
	if len(messages) == 0 {
		writeError(w, http.StatusNotFound, "thread contained no ingestable messages")
		return
	}

	report := h.engine.Ingest(r.Context(), messages)
	writeJSON(w, http.StatusOK, report)
}
