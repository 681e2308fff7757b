package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	v, err := Retry(context.Background(), 5, time.Millisecond, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhausted(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		attempts++
		return 0, errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, 5, 10*time.Millisecond, func() (int, error) {
		return 0, errors.New("always fails")
	})
	require.Error(t, err)
}

func TestBackoffExponentialWithCap(t *testing.T) {
	base := 100 * time.Millisecond
	max := 1 * time.Second
	assert.Equal(t, base, Backoff(base, max, 1, 0))
	assert.Equal(t, 2*base, Backoff(base, max, 2, 0))
	assert.Equal(t, 4*base, Backoff(base, max, 3, 0))
	assert.Equal(t, max, Backoff(base, max, 10, 0))
}

func TestBackoffJitterWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 1 * time.Second
	for i := 0; i < 20; i++ {
		d := Backoff(base, max, 2, 0.5)
		assert.GreaterOrEqual(t, d, 2*base)
		assert.LessOrEqual(t, d, 2*base+time.Duration(0.5*float64(2*base)))
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Second, 10, 4, 0.5, 50*time.Millisecond, 1)
	for i := 0; i < 4; i++ {
		cb.RecordResult(false)
	}
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Second, 10, 2, 0.5, 10*time.Millisecond, 1)
	cb.RecordResult(false)
	cb.RecordResult(false)
	assert.False(t, cb.Allow())
	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.RecordResult(true)
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerExecuteShortCircuits(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Second, 10, 1, 0.1, time.Hour, 1)
	err := cb.Execute(context.Background(), func(context.Context) error {
		return errors.New("boom")
	})
	require.Error(t, err)

	err = cb.Execute(context.Background(), func(context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestRateLimiterRegistryEnforcesBurstAndWindow(t *testing.T) {
	reg := NewRateLimiterRegistry(LimiterConfig{
		Burst:         2,
		RatePerSecond: 1,
		WindowSize:    time.Second,
		WindowLimit:   2,
	})
	keys := []string{TenantKey("acme"), NodeTypeKey("acme", "http")}

	assert.True(t, reg.TryAcquire(keys, 1))
	assert.True(t, reg.TryAcquire(keys, 1))
	assert.False(t, reg.TryAcquire(keys, 1))
}

func TestRateLimiterRegistryIsolatesTenants(t *testing.T) {
	reg := NewRateLimiterRegistry(LimiterConfig{
		Burst:         1,
		RatePerSecond: 0.001,
		WindowSize:    time.Minute,
		WindowLimit:   1,
	})
	acmeKeys := []string{TenantKey("acme"), NodeTypeKey("acme", "http")}
	otherKeys := []string{TenantKey("other"), NodeTypeKey("other", "http")}

	assert.True(t, reg.TryAcquire(acmeKeys, 1))
	assert.False(t, reg.TryAcquire(acmeKeys, 1))
	assert.True(t, reg.TryAcquire(otherKeys, 1))
}

func TestRateLimiterRegistryAllOrNothingAcrossKeys(t *testing.T) {
	reg := NewRateLimiterRegistry(LimiterConfig{
		Burst:         5,
		RatePerSecond: 5,
		WindowSize:    time.Second,
		WindowLimit:   5,
	})
	reg.Configure(NodeTypeKey("acme", "scarce"), LimiterConfig{
		Burst: 0, RatePerSecond: 0, WindowSize: time.Second, WindowLimit: 0,
	})
	keys := []string{TenantKey("acme"), NodeTypeKey("acme", "scarce")}
	assert.False(t, reg.TryAcquire(keys, 1))
}
