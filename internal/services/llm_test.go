package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"recall/internal/ratelimit"
)

type fakeChatAPI struct {
	calls    int
	failures int
	failWith error
	response string
}

func (f *fakeChatAPI) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return openai.ChatCompletionResponse{}, f.failWith
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.response}},
		},
		Usage: openai.Usage{PromptTokens: 100, CompletionTokens: 30, TotalTokens: 130},
	}, nil
}

func newTestLLMService(api chatAPI) *LLMService {
	return &LLMService{
		api:     api,
		limiter: ratelimit.New(600, 100000, time.Second),
		timeout: time.Second,
		retry: retryPolicy{
			maxAttempts: 3,
			baseDelay:   time.Millisecond,
			sleep:       func(ctx context.Context, d time.Duration) error { return nil },
		},
	}
}

func validGenConfig() GenerationConfig {
	return GenerationConfig{Model: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 500}
}

func TestGenerateSuccess(t *testing.T) {
	api := &fakeChatAPI{response: "an answer"}
	svc := newTestLLMService(api)

	completion, err := svc.Generate(context.Background(), "system", "user", validGenConfig())
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if completion.Text != "an answer" {
		t.Errorf("text = %q, want an answer", completion.Text)
	}
	if completion.Usage.TotalTokens != 130 {
		t.Errorf("usage = %+v, want total 130", completion.Usage)
	}
}

func TestGenerateRetriesThenSucceeds(t *testing.T) {
	api := &fakeChatAPI{
		failures: 1,
		failWith: &openai.APIError{HTTPStatusCode: 429, Message: "rate limited"},
		response: "eventually",
	}
	svc := newTestLLMService(api)

	completion, err := svc.Generate(context.Background(), "system", "user", validGenConfig())
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if completion.Text != "eventually" {
		t.Errorf("text = %q, want eventually", completion.Text)
	}
	if api.calls != 2 {
		t.Errorf("api calls = %d, want 2", api.calls)
	}
}

func TestGenerateExhaustedRetries(t *testing.T) {
	api := &fakeChatAPI{
		failures: 10,
		failWith: &openai.APIError{HTTPStatusCode: 500, Message: "server error"},
	}
	svc := newTestLLMService(api)

	_, err := svc.Generate(context.Background(), "system", "user", validGenConfig())
	if !errors.Is(err, ErrGenerationFailed) {
		t.Errorf("Generate() error = %v, want ErrGenerationFailed", err)
	}
	if api.calls != 3 {
		t.Errorf("api calls = %d, want exactly maxAttempts", api.calls)
	}
}

func TestGenerateFatalNotRetried(t *testing.T) {
	api := &fakeChatAPI{
		failures: 10,
		failWith: &openai.APIError{HTTPStatusCode: 400, Message: "bad request"},
	}
	svc := newTestLLMService(api)

	_, err := svc.Generate(context.Background(), "system", "user", validGenConfig())
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("Generate() error = %v, want FatalError", err)
	}
	if api.calls != 1 {
		t.Errorf("api calls = %d, want 1", api.calls)
	}
}

func TestGenerationConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     GenerationConfig
		wantErr bool
	}{
		{name: "valid", cfg: validGenConfig(), wantErr: false},
		{name: "missing model", cfg: GenerationConfig{Temperature: 0.2, MaxTokens: 100}, wantErr: true},
		{name: "temperature too high", cfg: GenerationConfig{Model: "m", Temperature: 1.1, MaxTokens: 100}, wantErr: true},
		{name: "temperature negative", cfg: GenerationConfig{Model: "m", Temperature: -0.1, MaxTokens: 100}, wantErr: true},
		{name: "zero max tokens", cfg: GenerationConfig{Model: "m", Temperature: 0.5}, wantErr: true},
		{name: "max tokens above ceiling", cfg: GenerationConfig{Model: "m", Temperature: 0.5, MaxTokens: llmMaxTokensCeiling + 1}, wantErr: true},
		{name: "boundary temperatures", cfg: GenerationConfig{Model: "m", Temperature: 1.0, MaxTokens: llmMaxTokensCeiling}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryBackoffDelaysGrow(t *testing.T) {
	var delays []time.Duration
	policy := retryPolicy{
		maxAttempts: 4,
		baseDelay:   100 * time.Millisecond,
		sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}

	attempts := 0
	err := policy.do(context.Background(), func() error {
		attempts++
		return &openai.APIError{HTTPStatusCode: 500}
	})
	if err == nil {
		t.Fatal("do() should surface the final error")
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}
