// Package resilience adapts the host service's generic retry and
// adaptive circuit breaker (grounded on libs/go/core/resilience) to wrap
// backend calls (§4.3/§4.4), so a flaky backend degrades gracefully
// instead of blocking a device's queue indefinitely.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff and full jitter. delay is
// the initial backoff; it doubles each attempt, capped at 60s.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("daginferd")
	attemptCounter, _ := meter.Int64Counter("daginferd_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("daginferd_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("daginferd_resilience_retry_fail_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}

// ErrCircuitOpen is returned in place of dispatching a backend call while
// that backend's breaker is open.
type ErrCircuitOpen struct {
	Backend string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit open for backend %s", e.Backend)
}
