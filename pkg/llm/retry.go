// retry.go wraps a Provider with exponential-backoff retries on transient
// failures, honoring any server-advertised retry delay.

package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// TransientError marks a provider failure as retryable. Providers return it
// for transient HTTP statuses (429, 500, 502, 503); RetryAfter carries the
// server-advertised delay when present.
type TransientError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error (status %d): %v", e.StatusCode, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RetryOption configures the retrying wrapper.
type RetryOption func(*retryingProvider)

// WithMaxAttempts sets the total attempt budget (default 3).
func WithMaxAttempts(n int) RetryOption {
	return func(p *retryingProvider) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithRequestTimeout sets the per-request deadline (default 120s).
func WithRequestTimeout(d time.Duration) RetryOption {
	return func(p *retryingProvider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithRetryLogger sets the logger for retry attempts.
func WithRetryLogger(logger *zap.Logger) RetryOption {
	return func(p *retryingProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

type retryingProvider struct {
	inner       Provider
	maxAttempts int
	timeout     time.Duration
	logger      *zap.Logger
}

// WithRetries wraps a provider with exponential-backoff retries on
// transient errors. Non-transient errors return immediately.
func WithRetries(inner Provider, opts ...RetryOption) Provider {
	p := &retryingProvider{
		inner:       inner,
		maxAttempts: DefaultMaxAttempts,
		timeout:     DefaultRequestTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *retryingProvider) Generate(ctx context.Context, req Request) (Response, error) {
	var resp Response
	attempt := 0

	operation := func() error {
		attempt++
		reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		var err error
		resp, err = p.inner.Generate(reqCtx, req)
		if err == nil {
			return nil
		}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}

		var transient *TransientError
		if errors.As(err, &transient) {
			p.logger.Warn("transient llm failure, will retry",
				zap.Int("attempt", attempt),
				zap.Int("status", transient.StatusCode),
				zap.Duration("retry_after", transient.RetryAfter))
			if transient.RetryAfter > 0 {
				// Honor the server-advertised delay before the next
				// attempt; the backoff interval applies on top of it.
				select {
				case <-time.After(transient.RetryAfter):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.maxAttempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return Response{}, err
	}
	return resp, nil
}
