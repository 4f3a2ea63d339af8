// Package retry runs an operation under a bounded attempt budget with
// linear backoff and provider-supplied wait hints.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxRetryAfter caps a provider Retry-After hint.
const DefaultMaxRetryAfter = 30 * time.Second

// ErrExhausted matches any ExhaustedError via errors.Is.
var ErrExhausted = errors.New("retry attempts exhausted")

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Policy describes how an operation is retried.
//
// MaxAttempts is a hard ceiling on calls to the operation, including the
// first one. A rate-limit signal consumes one attempt like any other failure.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxRetryAfter time.Duration

	// Retryable reports whether err may be retried. Nil means every error is.
	Retryable func(err error) bool
	// RetryAfter extracts a provider wait hint from err.
	RetryAfter func(err error) (time.Duration, bool)
	// Sleep waits for d or until ctx is done. Defaults to a timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do calls fn until it succeeds, returns a non-retryable error, the context
// is done or the attempt budget runs out.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !p.retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return zero, fmt.Errorf("retry aborted after attempt %d: %w", attempt, errors.Join(serr, err))
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// Delay returns the wait before the attempt following the given failed one.
func (p Policy) Delay(attempt int, err error) time.Duration {
	if p.RetryAfter != nil {
		if hint, ok := p.RetryAfter(err); ok {
			limit := p.MaxRetryAfter
			if limit <= 0 {
				limit = DefaultMaxRetryAfter
			}
			if hint <= 0 {
				return p.BaseDelay
			}
			if hint > limit {
				return limit
			}
			return hint
		}
	}
	return p.BaseDelay * time.Duration(attempt)
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
