package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"recall/internal/metrics"
	"recall/internal/storage"
	"recall/internal/tokens"
)

// embedBatchSize bounds how many messages go into one embedding call.
const embedBatchSize = 64

// IngestFailure records why one message was rejected. One bad message
// never aborts the batch.
type IngestFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// IngestReport enumerates per-message outcomes of an ingestion batch.
type IngestReport struct {
	Succeeded int             `json:"succeeded"`
	Failed    []IngestFailure `json:"failed,omitempty"`
}

// messageRecord is the wire form of one ingestion record: a single-line
// JSON object with required message_id, url, author, timestamp, content.
type messageRecord struct {
	MessageID string         `json:"message_id"`
	URL       string         `json:"url"`
	Author    string         `json:"author"`
	Timestamp string         `json:"timestamp"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ParseRecords reads newline-delimited JSON message records. Malformed
// lines become failures in the returned slice rather than errors.
func ParseRecords(r io.Reader) ([]storage.Message, []IngestFailure) {
	var messages []storage.Message
	var failures []IngestFailure

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var rec messageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			failures = append(failures, IngestFailure{
				ID:     fmt.Sprintf("line %d", line),
				Reason: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}

		msg, err := rec.toMessage()
		if err != nil {
			id := rec.MessageID
			if id == "" {
				id = fmt.Sprintf("line %d", line)
			}
			failures = append(failures, IngestFailure{ID: id, Reason: err.Error()})
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		failures = append(failures, IngestFailure{ID: "stream", Reason: err.Error()})
	}
	return messages, failures
}

func (r messageRecord) toMessage() (storage.Message, error) {
	switch {
	case r.MessageID == "":
		return storage.Message{}, fmt.Errorf("missing required field: message_id")
	case r.URL == "":
		return storage.Message{}, fmt.Errorf("missing required field: url")
	case r.Author == "":
		return storage.Message{}, fmt.Errorf("missing required field: author")
	case r.Timestamp == "":
		return storage.Message{}, fmt.Errorf("missing required field: timestamp")
	case strings.TrimSpace(r.Content) == "":
		return storage.Message{}, fmt.Errorf("missing required field: content")
	}

	ts, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		return storage.Message{}, fmt.Errorf("invalid timestamp %q: %v", r.Timestamp, err)
	}

	msg := storage.Message{
		ID:        r.MessageID,
		URL:       r.URL,
		Author:    r.Author,
		Timestamp: ts,
		Content:   r.Content,
		Metadata:  storage.Metadata(r.Metadata),
	}
	if err := msg.Metadata.Validate(); err != nil {
		return storage.Message{}, err
	}
	return msg, nil
}

// Ingest embeds and stores a batch of messages. Validation and storage
// failures are per-message; embedding failures fail the chunk they
// belong to but not the rest of the batch.
func (e *Engine) Ingest(ctx context.Context, messages []storage.Message) IngestReport {
	var report IngestReport

	valid := make([]storage.Message, 0, len(messages))
	for _, msg := range messages {
		if reason := validateMessage(msg); reason != "" {
			report.Failed = append(report.Failed, IngestFailure{ID: msg.ID, Reason: reason})
			metrics.MessagesIngested.WithLabelValues("invalid").Inc()
			continue
		}
		valid = append(valid, msg)
	}

	for start := 0; start < len(valid); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(valid) {
			end = len(valid)
		}
		chunk := valid[start:end]

		texts := make([]string, len(chunk))
		for i, msg := range chunk {
			texts[i] = msg.Content
		}

		vectors, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			slog.Error("Failed to embed ingestion chunk", "error", err, slog.Int("size", len(chunk)))
			for _, msg := range chunk {
				report.Failed = append(report.Failed, IngestFailure{
					ID:     msg.ID,
					Reason: fmt.Sprintf("embedding failed: %v", err),
				})
				metrics.MessagesIngested.WithLabelValues("error").Inc()
			}
			continue
		}

		for i, msg := range chunk {
			if err := e.store.Insert(ctx, msg, vectors[i]); err != nil {
				report.Failed = append(report.Failed, IngestFailure{
					ID:     msg.ID,
					Reason: fmt.Sprintf("store insert failed: %v", err),
				})
				metrics.MessagesIngested.WithLabelValues("error").Inc()
				continue
			}
			report.Succeeded++
			metrics.MessagesIngested.WithLabelValues("success").Inc()
		}
	}

	slog.Info("Ingestion batch completed",
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", len(report.Failed)))
	return report
}

func validateMessage(msg storage.Message) string {
	switch {
	case msg.ID == "":
		return "message id cannot be empty"
	case strings.TrimSpace(msg.Content) == "":
		return "content cannot be empty"
	case msg.Timestamp.IsZero():
		return "timestamp cannot be zero"
	}
	if err := msg.Metadata.Validate(); err != nil {
		return err.Error()
	}
	// Very long messages are embeddable only after truncation; warn once
	// here so the loss is visible.
	if tokens.Estimate(msg.Content) > embeddingInputTokenLimit {
		slog.Warn("Message content exceeds embedding input limit and will be truncated",
			slog.String("message_id", msg.ID))
	}
	return ""
}
