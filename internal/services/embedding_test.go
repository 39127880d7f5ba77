package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"recall/internal/ratelimit"
)

// fakeEmbeddingAPI scripts a sequence of responses for CreateEmbeddings.
type fakeEmbeddingAPI struct {
	calls     int
	failures  int   // fail this many calls before succeeding
	failWith  error // error to use for the scripted failures
	dimension int
	lastModel openai.EmbeddingModel
}

func (f *fakeEmbeddingAPI) CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return openai.EmbeddingResponse{}, f.failWith
	}

	embedReq, ok := req.(openai.EmbeddingRequest)
	if !ok {
		return openai.EmbeddingResponse{}, errors.New("unexpected request type")
	}
	f.lastModel = embedReq.Model
	input := embedReq.Input.([]string)

	data := make([]openai.Embedding, len(input))
	for i := range input {
		vec := make([]float32, f.dimension)
		vec[i%f.dimension] = 1
		data[i] = openai.Embedding{Index: i, Embedding: vec}
	}
	return openai.EmbeddingResponse{
		Data:  data,
		Usage: openai.Usage{TotalTokens: 10 * len(input)},
	}, nil
}

func newTestEmbeddingService(api embeddingAPI) *EmbeddingService {
	return &EmbeddingService{
		api:     api,
		limiter: ratelimit.New(600, 100000, time.Second),
		model:   openai.AdaEmbeddingV2,
		timeout: time.Second,
		retry: retryPolicy{
			maxAttempts: 3,
			baseDelay:   time.Millisecond,
			sleep:       func(ctx context.Context, d time.Duration) error { return nil },
		},
	}
}

func TestEmbedUsesConfiguredModel(t *testing.T) {
	api := &fakeEmbeddingAPI{dimension: 4}
	svc := NewEmbeddingService("test-key", ratelimit.New(600, 100000, time.Second), "text-embedding-3-small")
	svc.api = api
	svc.retry.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	if _, err := svc.Embed(context.Background(), "hello"); err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if api.lastModel != openai.SmallEmbedding3 {
		t.Errorf("request model = %q, want %q", api.lastModel, openai.SmallEmbedding3)
	}
}

func TestEmbedRetriesTransientFailure(t *testing.T) {
	api := &fakeEmbeddingAPI{
		failures:  2,
		failWith:  &openai.APIError{HTTPStatusCode: 500, Message: "server error"},
		dimension: 4,
	}
	svc := newTestEmbeddingService(api)

	vec, err := svc.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("len(vec) = %d, want 4", len(vec))
	}
	if api.calls != 3 {
		t.Errorf("api calls = %d, want 3 (two failures then success)", api.calls)
	}
}

func TestEmbedSurfacesExhaustedRetries(t *testing.T) {
	api := &fakeEmbeddingAPI{
		failures:  10,
		failWith:  &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"},
		dimension: 4,
	}
	svc := newTestEmbeddingService(api)

	_, err := svc.Embed(context.Background(), "hello")
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Errorf("Embed() error = %v, want ErrEmbeddingUnavailable", err)
	}
	if api.calls != 3 {
		t.Errorf("api calls = %d, want exactly maxAttempts", api.calls)
	}
}

func TestEmbedDoesNotRetryFatalError(t *testing.T) {
	api := &fakeEmbeddingAPI{
		failures:  10,
		failWith:  &openai.APIError{HTTPStatusCode: 401, Message: "bad key"},
		dimension: 4,
	}
	svc := newTestEmbeddingService(api)

	_, err := svc.Embed(context.Background(), "hello")
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("Embed() error = %v, want FatalError", err)
	}
	if api.calls != 1 {
		t.Errorf("api calls = %d, want 1 (auth errors must not be retried)", api.calls)
	}
}

func TestEmbedRejectsEmptyInput(t *testing.T) {
	api := &fakeEmbeddingAPI{dimension: 4}
	svc := newTestEmbeddingService(api)

	_, err := svc.Embed(context.Background(), "   \t\n ")
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Errorf("Embed() error = %v, want FatalError for empty input", err)
	}
	if api.calls != 0 {
		t.Errorf("api calls = %d, want 0", api.calls)
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	api := &fakeEmbeddingAPI{dimension: 4}
	svc := newTestEmbeddingService(api)

	texts := []string{"first", "second", "third"}
	vectors, err := svc.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch() error: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("len(vectors) = %d, want %d", len(vectors), len(texts))
	}
	// The fake sets component i%dim for input i, so order is observable.
	for i, vec := range vectors {
		if vec[i%4] != 1 {
			t.Errorf("vector %d = %v, order not preserved", i, vec)
		}
	}
}

func TestEmbedRateLimitTimeout(t *testing.T) {
	api := &fakeEmbeddingAPI{dimension: 4}
	svc := newTestEmbeddingService(api)
	svc.limiter = ratelimit.New(60, 100000, 10*time.Millisecond)

	// Exhaust the request budget.
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		if _, err := svc.Embed(ctx, "warmup"); err != nil {
			t.Fatalf("warmup Embed() %d error: %v", i, err)
		}
	}

	_, err := svc.Embed(ctx, "one too many")
	if !errors.Is(err, ratelimit.ErrWaitTimeout) {
		t.Errorf("Embed() error = %v, want ErrWaitTimeout", err)
	}
}
