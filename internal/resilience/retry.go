// Package resilience provides the ambient retry, circuit-breaking, and
// rate-limiting primitives used by the Dispatcher and the ControlAPI.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// ErrCircuitOpen is returned by CircuitBreaker.Execute when the breaker is
// open or has exhausted its half-open probe budget.
var ErrCircuitOpen = errors.New("resilience: circuit breaker open")

// Retry executes fn with exponential backoff and full jitter. It is used
// for transient infrastructure errors on the Dispatcher's Bus publish,
// never for node-level step retries, which the Scheduler owns. Store
// calls are not wrapped in it.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("swarm-go")
	attemptCounter, _ := meter.Int64Counter("swarm_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("swarm_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("swarm_resilience_retry_fail_total")
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

// Backoff computes base*2^(attempt-1) capped at max, with optional jitter
// in [0, jitterFrac*delay]. attempt is 1-indexed, matching the Scheduler's
// retry-attempt numbering in spec.md section 4.5.
func Backoff(base, max time.Duration, attempt int, jitterFrac float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > max {
			d = max
			break
		}
	}
	if jitterFrac <= 0 {
		return d
	}
	jitter := time.Duration(rand.Float64() * jitterFrac * float64(d))
	return d + jitter
}
