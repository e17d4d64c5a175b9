package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// HTTPError is a non-2xx response from a provider API. Status is kept
// so callers can distinguish rate-limit/quota errors (retryable and
// eligible for cross-provider failover) from hard failures.
type HTTPError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, body)
}

// IsTransient reports whether the error is worth retrying on the same
// provider: rate limits, server errors, overload.
func IsTransient(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests || he.Status >= 500 || he.Status == 529
	}
	return false
}

// IsQuota reports whether the error indicates exhausted quota or rate
// limiting, which triggers failover to the next configured provider.
func IsQuota(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests || he.Status == http.StatusPaymentRequired || he.Status == 529
	}
	return false
}

// RetryConfig controls the per-provider retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// RetryDo runs fn with exponential backoff and jitter on transient
// errors. Non-transient errors surface immediately.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << (attempt - 1)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			// Full jitter keeps concurrent retries from thundering.
			delay = time.Duration(rand.Int63n(int64(delay)) + int64(delay)/2)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return zero, err
		}
	}
	return zero, lastErr
}
