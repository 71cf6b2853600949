package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
)

// Default retry parameters, used when the backend config leaves them zero.
const (
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 1 * time.Second
	DefaultMaxRetryDelay = 30 * time.Second
)

// retryPolicy holds the resolved backoff parameters for one backend.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func newRetryPolicy(cfg BackendConfig) retryPolicy {
	p := retryPolicy{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryDelay,
		maxDelay:   cfg.MaxRetryDelay,
	}
	if p.maxRetries <= 0 {
		p.maxRetries = DefaultMaxRetries
	}
	if p.baseDelay <= 0 {
		p.baseDelay = DefaultRetryDelay
	}
	if p.maxDelay <= 0 {
		p.maxDelay = DefaultMaxRetryDelay
	}
	return p
}

// delay returns the backoff for the given zero-based attempt:
// baseDelay · 2^attempt, capped at maxDelay.
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.baseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.maxDelay {
			return p.maxDelay
		}
	}
	if d > p.maxDelay {
		return p.maxDelay
	}
	return d
}

// withRetry runs fn, retrying transient failures per the policy. Non-retryable
// errors (auth, schema, cancellation) fail fast on the first occurrence.
func withRetry(ctx context.Context, p retryPolicy, log *slog.Logger, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}
		if attempt >= p.maxRetries {
			return fmt.Errorf("after %d retries: %w", p.maxRetries, err)
		}
		delay := p.delay(attempt)
		log.Warn("transient llm failure, retrying",
			"attempt", attempt+1,
			"max_retries", p.maxRetries,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// retryable reports whether err looks transient: network failures, HTTP 5xx,
// or rate limiting. Context cancellation and client-side errors (auth, bad
// request) are permanent.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Wrapped transport failures from backends that do not expose typed
	// errors (any-llm wraps the HTTP layer).
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"rate limit",
		"status 429",
		"status 500",
		"status 502",
		"status 503",
		"status 504",
		"timeout",
		"temporarily unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
