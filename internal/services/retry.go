package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sashabaranov/go-openai"

	"recall/internal/ratelimit"
)

// ErrEmbeddingUnavailable is surfaced after exhausting retries against
// the embedding provider.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// ErrGenerationFailed is surfaced after exhausting retries against the
// chat-completion provider.
var ErrGenerationFailed = errors.New("answer generation failed")

// FatalError wraps a provider failure that will not be retried, such as
// an auth failure or malformed input.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: non-retryable provider error: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// sleeper abstracts backoff sleeps so tests run on a mock clock.
type sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryPolicy retries transient provider failures with exponential
// backoff. Non-retryable errors and rate-limit wait timeouts are returned
// immediately.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	sleep       sleeper
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{maxAttempts: 3, baseDelay: time.Second, sleep: sleepContext}
}

func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	delay := p.baseDelay
	var lastErr error

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt < p.maxAttempts-1 {
			if err := p.sleep(ctx, delay); err != nil {
				return err
			}
			delay *= 2
		}
	}
	return lastErr
}

// isRetryable classifies provider failures. Rate-limit responses, server
// errors, timeouts and transport failures are transient; everything else
// (auth, malformed request) is not worth repeating.
func isRetryable(err error) bool {
	if errors.Is(err, ratelimit.ErrWaitTimeout) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 0 || reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
