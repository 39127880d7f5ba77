// Package ratelimit provides the process-wide budget gate shared by the
// embedding and LLM clients. Two token buckets bound requests-per-minute
// and tokens-per-minute; the continuous refill of a token bucket avoids
// the burst-at-window-reset problem of a fixed 60s window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrWaitTimeout is returned when a caller waited longer than the
// configured maximum for budget capacity.
var ErrWaitTimeout = errors.New("rate limit wait timed out")

// Limiter gates external provider calls. All budget accounting happens
// under l.mu or inside the rate.Limiter's own lock; counters are never
// read-modify-written without exclusive access.
type Limiter struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
	maxWait  time.Duration

	mu        sync.Mutex
	credit    int // tokens returned by Release when usage came in under the estimate
	maxTokens int
}

// Permit is proof that budget was reserved. Callers must Release it with
// the actual token usage reported by the provider.
type Permit struct {
	limiter *Limiter
	charged int
	once    sync.Once
}

// New creates a limiter allowing requestsPerMinute calls and
// tokensPerMinute tokens, with Acquire blocking at most maxWait.
func New(requestsPerMinute, tokensPerMinute int, maxWait time.Duration) *Limiter {
	return &Limiter{
		requests:  rate.NewLimiter(rate.Limit(requestsPerMinute)/60, requestsPerMinute),
		tokens:    rate.NewLimiter(rate.Limit(tokensPerMinute)/60, tokensPerMinute),
		maxWait:   maxWait,
		maxTokens: tokensPerMinute,
	}
}

// Acquire blocks until both the request and token budgets have capacity
// for estimatedTokens, or fails with ErrWaitTimeout after maxWait. The
// caller's context cancels the wait early.
func (l *Limiter) Acquire(ctx context.Context, estimatedTokens int) (*Permit, error) {
	if estimatedTokens < 0 {
		return nil, fmt.Errorf("estimated tokens must be non-negative, got %d", estimatedTokens)
	}
	// An estimate above the full per-minute budget can never be satisfied
	// in one reservation; charge the whole window instead.
	if estimatedTokens > l.maxTokens {
		estimatedTokens = l.maxTokens
	}

	l.mu.Lock()
	charge := estimatedTokens
	if l.credit > 0 {
		refund := l.credit
		if refund > charge {
			refund = charge
		}
		l.credit -= refund
		charge -= refund
	}
	l.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	if err := l.requests.Wait(wctx); err != nil {
		return nil, l.waitErr(ctx, err)
	}
	if charge > 0 {
		if err := l.tokens.WaitN(wctx, charge); err != nil {
			// The request slot stays consumed; cheaper than tracking
			// partial reservations and the budget self-heals within
			// the window.
			return nil, l.waitErr(ctx, err)
		}
	}
	return &Permit{limiter: l, charged: estimatedTokens}, nil
}

func (l *Limiter) waitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", ErrWaitTimeout, err)
}

// Release reconciles the estimate against actual usage reported by the
// provider. Under-estimates consume extra budget immediately; over-
// estimates are credited back to later callers.
func (p *Permit) Release(actualTokens int) {
	p.once.Do(func() {
		if actualTokens < 0 {
			actualTokens = p.charged
		}
		delta := p.charged - actualTokens
		l := p.limiter

		switch {
		case delta > 0:
			l.mu.Lock()
			l.credit += delta
			if l.credit > l.maxTokens {
				l.credit = l.maxTokens
			}
			l.mu.Unlock()
		case delta < 0:
			overage := -delta
			if overage > l.maxTokens {
				overage = l.maxTokens
			}
			// Consume the overage without blocking; later callers see
			// the reduced capacity.
			l.tokens.ReserveN(time.Now(), overage)
		}
	})
}
