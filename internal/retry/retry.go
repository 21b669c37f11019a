// Package retry provides bounded retry with exponential backoff for
// operations against unreliable remote endpoints.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Op is a retryable operation producing a value of type T.
type Op[T any] func(ctx context.Context) (T, error)

// Do executes op up to attempts times, sleeping base*2^(n-1) between
// failures. The final error is returned once attempts are exhausted.
// Context cancellation aborts the wait and returns the context error.
func Do[T any](ctx context.Context, attempts int, base time.Duration, op Op[T]) (T, error) {
	var zero T
	if attempts < 1 {
		return zero, fmt.Errorf("retry: attempts must be at least 1, got %d", attempts)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		delay := base << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("retry: %d attempts exhausted: %w", attempts, lastErr)
}

// DoWithFallback behaves like Do but degrades to the given fallback value
// instead of propagating the final error. Used where a permanently failing
// remote must not lose the unit of work (e.g. classification defaulting
// to an uncategorized label).
func DoWithFallback[T any](ctx context.Context, attempts int, base time.Duration, fallback T, op Op[T]) T {
	result, err := Do(ctx, attempts, base, op)
	if err != nil {
		return fallback
	}
	return result
}
