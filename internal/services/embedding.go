package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"recall/internal/metrics"
	"recall/internal/ratelimit"
	"recall/internal/tokens"
)

// Maximum input size accepted by the embedding model; longer texts are
// truncated before the call.
const embeddingInputTokenLimit = 8000

// embeddingAPI is the slice of the OpenAI client the service needs.
// Narrowed for testability.
type embeddingAPI interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// EmbeddingService turns text into vectors via the OpenAI embeddings API,
// gated by the shared rate limiter and retried on transient failures.
type EmbeddingService struct {
	api     embeddingAPI
	limiter *ratelimit.Limiter
	model   openai.EmbeddingModel
	timeout time.Duration
	retry   retryPolicy
}

// NewEmbeddingService creates an embedding client for the given API key.
func NewEmbeddingService(apiKey string, limiter *ratelimit.Limiter, model string) *EmbeddingService {
	return &EmbeddingService{
		api:     openai.NewClient(apiKey),
		limiter: limiter,
		model:   openai.EmbeddingModel(model),
		timeout: 10 * time.Second,
		retry:   defaultRetryPolicy(),
	}
}

// Embed generates a vector for a single text.
func (e *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates vectors for texts, order preserved 1:1 with input.
func (e *EmbeddingService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts to embed")
	}

	input := make([]string, len(texts))
	estimated := 0
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, &FatalError{Op: "embeddings", Err: fmt.Errorf("input text %d is empty", i)}
		}
		input[i] = tokens.Truncate(text, embeddingInputTokenLimit)
		estimated += tokens.Estimate(input[i])
	}

	var resp openai.EmbeddingResponse
	err := e.retry.do(ctx, func() error {
		permit, err := e.limiter.Acquire(ctx, estimated)
		if err != nil {
			return err
		}

		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		r, err := e.api.CreateEmbeddings(cctx, openai.EmbeddingRequest{
			Input: input,
			Model: e.model,
		})
		metrics.EmbeddingAPICallDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.EmbeddingAPICalls.WithLabelValues("error").Inc()
			permit.Release(estimated)
			return err
		}

		metrics.EmbeddingAPICalls.WithLabelValues("success").Inc()
		permit.Release(r.Usage.TotalTokens)
		resp = r
		return nil
	})
	if err != nil {
		return nil, classifyEmbeddingErr(err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: expected %d, got %d", len(texts), len(resp.Data))
	}

	// The API reports each vector's position explicitly; trust it over
	// slice order.
	vectors := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding response index %d out of range", data.Index)
		}
		vectors[data.Index] = data.Embedding
	}
	for i, vec := range vectors {
		if vec == nil {
			return nil, fmt.Errorf("embedding response missing vector for input %d", i)
		}
	}
	return vectors, nil
}

func classifyEmbeddingErr(err error) error {
	switch {
	case errors.Is(err, ratelimit.ErrWaitTimeout):
		metrics.RateLimitTimeouts.Inc()
		return err
	case errors.Is(err, context.Canceled):
		return err
	case isRetryable(err):
		return fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	default:
		return &FatalError{Op: "embeddings", Err: err}
	}
}
