package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"recall/internal/metrics"
	"recall/internal/ratelimit"
	"recall/internal/tokens"
)

// llmMaxTokensCeiling is the provider's completion-size ceiling.
const llmMaxTokensCeiling = 4096

// chatAPI is the slice of the OpenAI client the service needs.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// GenerationConfig holds the recognized chat-completion options.
// Retrieval options like top_k belong to QueryConfig, not here.
type GenerationConfig struct {
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Validate checks option ranges before any budget is spent.
func (c GenerationConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return fmt.Errorf("temperature must be in [0.0, 1.0], got %v", c.Temperature)
	}
	if c.MaxTokens < 1 || c.MaxTokens > llmMaxTokensCeiling {
		return fmt.Errorf("max_tokens must be in [1, %d], got %d", llmMaxTokensCeiling, c.MaxTokens)
	}
	return nil
}

// TokenUsage is the provider-reported consumption for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the raw model output plus its usage accounting.
type Completion struct {
	Text  string
	Usage TokenUsage
}

// LLMService wraps the chat-completion API with rate limiting and retry.
type LLMService struct {
	api     chatAPI
	limiter *ratelimit.Limiter
	timeout time.Duration
	retry   retryPolicy
}

// NewLLMService creates a chat-completion client for the given API key.
func NewLLMService(apiKey string, limiter *ratelimit.Limiter) *LLMService {
	return &LLMService{
		api:     openai.NewClient(apiKey),
		limiter: limiter,
		timeout: 30 * time.Second,
		retry:   defaultRetryPolicy(),
	}
}

// Generate runs one chat completion. The estimate handed to the rate
// limiter covers the prompt plus the completion ceiling; Release corrects
// it with the provider-reported usage.
func (s *LLMService) Generate(ctx context.Context, systemPrompt, userPrompt string, cfg GenerationConfig) (*Completion, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &FatalError{Op: "generate", Err: err}
	}

	estimated := tokens.Estimate(systemPrompt) + tokens.Estimate(userPrompt) + cfg.MaxTokens

	var resp openai.ChatCompletionResponse
	err := s.retry.do(ctx, func() error {
		permit, err := s.limiter.Acquire(ctx, estimated)
		if err != nil {
			return err
		}

		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		r, err := s.api.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
		})
		metrics.LLMAPICallDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.LLMAPICalls.WithLabelValues("error").Inc()
			permit.Release(estimated)
			return err
		}

		metrics.LLMAPICalls.WithLabelValues("success").Inc()
		permit.Release(r.Usage.TotalTokens)
		resp = r
		return nil
	})
	if err != nil {
		return nil, classifyGenerationErr(err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: provider returned no choices", ErrGenerationFailed)
	}
	return &Completion{
		Text: resp.Choices[0].Message.Content,
		Usage: TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func classifyGenerationErr(err error) error {
	switch {
	case errors.Is(err, ratelimit.ErrWaitTimeout):
		metrics.RateLimitTimeouts.Inc()
		return err
	case errors.Is(err, context.Canceled):
		return err
	case isRetryable(err):
		return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	default:
		return &FatalError{Op: "generate", Err: err}
	}
}
