package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"recall/internal/cache"
	"recall/internal/ratelimit"
	"recall/internal/services"
	"recall/internal/storage"
)

// stubStore keeps everything in a slice; good enough for routing tests.
type stubStore struct {
	entries []storage.Message
	vecs    [][]float32
	version uint64
}

func (s *stubStore) Insert(ctx context.Context, msg storage.Message, vec []float32) error {
	s.entries = append(s.entries, msg)
	s.vecs = append(s.vecs, vec)
	s.version++
	return nil
}

func (s *stubStore) Search(ctx context.Context, vec []float32, topK int, minScore float64) ([]storage.Result, error) {
	if len(s.entries) == 0 {
		return nil, storage.ErrEmptyStore
	}
	results := make([]storage.Result, 0, topK)
	for i := len(s.entries) - 1; i >= 0 && len(results) < topK; i-- {
		results = append(results, storage.Result{Message: s.entries[i], Score: 0.9})
	}
	return results, nil
}

func (s *stubStore) Stats(ctx context.Context) (storage.Stats, error) {
	dim := 0
	if len(s.vecs) > 0 {
		dim = len(s.vecs[0])
	}
	return storage.Stats{Count: len(s.entries), Dimension: dim}, nil
}

func (s *stubStore) Version(ctx context.Context) (uint64, error) { return s.version, nil }

func (s *stubStore) Clear(ctx context.Context) error {
	s.entries, s.vecs = nil, nil
	s.version++
	return nil
}

func (s *stubStore) Close() error { return nil }

type stubEmbedder struct{ err error }

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0, 0}, nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec, err := e.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

type stubLLM struct {
	response string
	err      error
}

func (l *stubLLM) Generate(ctx context.Context, system, user string, cfg services.GenerationConfig) (*services.Completion, error) {
	if l.err != nil {
		return nil, l.err
	}
	return &services.Completion{Text: l.response}, nil
}

func newTestEngine(t *testing.T, store storage.Store, embedder services.Embedder, llm services.Generator) *services.Engine {
	t.Helper()
	answerCache, err := cache.New[services.Answer](8)
	if err != nil {
		t.Fatalf("cache.New() error: %v", err)
	}
	defaults := services.QueryConfig{TopK: 3, MinSimilarity: 0.5, Model: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 500}
	return services.NewEngine(store, embedder, llm, answerCache, defaults, 2000)
}

func seedStore(t *testing.T, store storage.Store) {
	t.Helper()
	msg := storage.Message{
		ID:        "m1",
		URL:       "https://example.com/m1",
		Author:    "alice",
		Timestamp: time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		Content:   "The budget was approved",
	}
	if err := store.Insert(context.Background(), msg, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
}

func TestHandleQuery(t *testing.T) {
	store := &stubStore{}
	seedStore(t, store)
	engine := newTestEngine(t, store, &stubEmbedder{}, &stubLLM{response: "Approved [m1]."})
	handler := NewQueryHandler(engine)

	req := httptest.NewRequest(http.MethodPost, "/api/query",
		strings.NewReader(`{"question":"was the budget approved?"}`))
	rec := httptest.NewRecorder()
	handler.HandleQuery(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var answer services.Answer
	if err := json.NewDecoder(rec.Body).Decode(&answer); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(answer.Citations) != 1 || answer.Citations[0] != "m1" {
		t.Errorf("citations = %v, want [m1]", answer.Citations)
	}
}

func TestHandleQueryErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		embedder   services.Embedder
		llm        services.Generator
		wantStatus int
	}{
		{
			name:       "malformed body",
			body:       `{"question":`,
			embedder:   &stubEmbedder{},
			llm:        &stubLLM{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty question",
			body:       `{"question":""}`,
			embedder:   &stubEmbedder{},
			llm:        &stubLLM{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid options",
			body:       `{"question":"q","options":{"top_k":-2}}`,
			embedder:   &stubEmbedder{},
			llm:        &stubLLM{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "embedding provider down",
			body:       `{"question":"q"}`,
			embedder:   &stubEmbedder{err: services.ErrEmbeddingUnavailable},
			llm:        &stubLLM{},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "generation provider down",
			body:       `{"question":"q"}`,
			embedder:   &stubEmbedder{},
			llm:        &stubLLM{err: services.ErrGenerationFailed},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "rate limit exhausted",
			body:       `{"question":"q"}`,
			embedder:   &stubEmbedder{err: fmt.Errorf("acquire: %w", ratelimit.ErrWaitTimeout)},
			llm:        &stubLLM{},
			wantStatus: http.StatusTooManyRequests,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &stubStore{}
			seedStore(t, store)
			handler := NewQueryHandler(newTestEngine(t, store, tt.embedder, tt.llm))

			req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.HandleQuery(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestHandleIngest(t *testing.T) {
	store := &stubStore{}
	engine := newTestEngine(t, store, &stubEmbedder{}, &stubLLM{})
	handler := NewIngestHandler(engine, nil)

	body := strings.Join([]string{
		`{"message_id":"m1","url":"https://example.com/m1","author":"alice","timestamp":"2025-01-15T10:30:00Z","content":"Budget approved"}`,
		`not json`,
		`{"message_id":"m2","url":"https://example.com/m2","author":"bob","timestamp":"2025-01-15T11:00:00Z","content":"Shipped v2"}`,
	}, "\n")

	req := httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.HandleIngest(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var report services.IngestReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if report.Succeeded != 2 {
		t.Errorf("succeeded = %d, want 2", report.Succeeded)
	}
	if len(report.Failed) != 1 {
		t.Errorf("failed = %v, want the bad line only", report.Failed)
	}
}

func TestHandleIngestEmptyBody(t *testing.T) {
	engine := newTestEngine(t, &stubStore{}, &stubEmbedder{}, &stubLLM{})
	handler := NewIngestHandler(engine, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader("\n\n"))
	rec := httptest.NewRecorder()
	handler.HandleIngest(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleIngestAllRecordsBad(t *testing.T) {
	engine := newTestEngine(t, &stubStore{}, &stubEmbedder{}, &stubLLM{})
	handler := NewIngestHandler(engine, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/ingest",
		strings.NewReader(`{"message_id":"m1"}`))
	rec := httptest.NewRecorder()
	handler.HandleIngest(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestHandleSlackIngestUnconfigured(t *testing.T) {
	engine := newTestEngine(t, &stubStore{}, &stubEmbedder{}, &stubLLM{})
	handler := NewIngestHandler(engine, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/ingest/slack",
		strings.NewReader(`{"channel_id":"C1","thread_ts":"1.2"}`))
	rec := httptest.NewRecorder()
	handler.HandleSlackIngest(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleStatsAndClear(t *testing.T) {
	store := &stubStore{}
	seedStore(t, store)
	engine := newTestEngine(t, store, &stubEmbedder{}, &stubLLM{})
	handler := NewAdminHandler(engine)

	rec := httptest.NewRecorder()
	handler.HandleStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats services.EngineStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", stats.MessageCount)
	}

	rec = httptest.NewRecorder()
	handler.HandleClear(rec, httptest.NewRequest(http.MethodPost, "/api/clear", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.HandleStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	stats = services.EngineStats{}
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.MessageCount != 0 {
		t.Errorf("message count after clear = %d, want 0", stats.MessageCount)
	}
}
