package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// limiter combines a token bucket (burst control) with a sliding-window
// counter (sustained-rate control). A request must be admitted by both.
type limiter struct {
	mu sync.Mutex

	// token bucket
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	// sliding window
	windowSize time.Duration
	limit      int
	events     []time.Time
}

func newLimiter(burst int, ratePerSecond float64, windowSize time.Duration, windowLimit int) *limiter {
	return &limiter{
		capacity:   float64(burst),
		tokens:     float64(burst),
		refillRate: ratePerSecond,
		lastRefill: time.Now(),
		windowSize: windowSize,
		limit:      windowLimit,
	}
}

func (l *limiter) allowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens = min(l.capacity, l.tokens+elapsed*l.refillRate)
	l.lastRefill = now

	cutoff := now.Add(-l.windowSize)
	kept := l.events[:0]
	for _, t := range l.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.events = kept

	if l.tokens < float64(n) {
		return false
	}
	if l.limit > 0 && len(l.events)+n > l.limit {
		return false
	}

	l.tokens -= float64(n)
	for i := 0; i < n; i++ {
		l.events = append(l.events, now)
	}
	return true
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// RateLimiterRegistry holds a hierarchical set of rate limiters keyed by
// tenant and node type. Every step dispatch must be admitted by both its
// (tenant, node-type) limiter and its (tenant, "*") limiter, so a tenant
// cannot starve its own quota by pushing all load onto one node type
// (spec.md section 4.3).
type RateLimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*limiter

	defaultBurst       int
	defaultRatePerSec  float64
	defaultWindow      time.Duration
	defaultWindowLimit int
}

// LimiterConfig overrides the default limiter parameters for a specific key.
type LimiterConfig struct {
	Burst         int
	RatePerSecond float64
	WindowSize    time.Duration
	WindowLimit   int
}

// NewRateLimiterRegistry constructs a registry with the given defaults,
// applied to any key that has not been explicitly configured.
func NewRateLimiterRegistry(def LimiterConfig) *RateLimiterRegistry {
	return &RateLimiterRegistry{
		limiters:           make(map[string]*limiter),
		defaultBurst:       def.Burst,
		defaultRatePerSec:  def.RatePerSecond,
		defaultWindow:      def.WindowSize,
		defaultWindowLimit: def.WindowLimit,
	}
}

// Configure installs a non-default limiter for a specific key, e.g.
// "tenant:acme|node:http" or "tenant:acme|*".
func (r *RateLimiterRegistry) Configure(key string, cfg LimiterConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[key] = newLimiter(cfg.Burst, cfg.RatePerSecond, cfg.WindowSize, cfg.WindowLimit)
}

func (r *RateLimiterRegistry) getOrCreate(key string) *limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = newLimiter(r.defaultBurst, r.defaultRatePerSec, r.defaultWindow, r.defaultWindowLimit)
		r.limiters[key] = l
	}
	return l
}

// TenantKey returns the registry key for a tenant's global limiter.
func TenantKey(tenant string) string { return "tenant:" + tenant + "|*" }

// NodeTypeKey returns the registry key for a (tenant, node-type) limiter.
func NodeTypeKey(tenant, nodeType string) string { return "tenant:" + tenant + "|node:" + nodeType }

// denyReason distinguishes which half of the limiter refused an
// admission, so TryAcquire can attribute the right otel drop counter.
type denyReason int

const (
	denyNone denyReason = iota
	denyToken
	denyWindow
)

// rlMeter is shared by every TryAcquire call, mirroring the
// per-package meter(s) already used in retry.go/circuit_breaker.go.
var (
	rlMeter              = otel.Meter("swarm-go")
	windowDropCounter, _ = rlMeter.Int64Counter("swarm_ratelimiter_window_drops_total")
	tokenDropCounter, _  = rlMeter.Int64Counter("swarm_ratelimiter_token_drops_total")
)

// TryAcquire admits n units of work against every key supplied, all-or-
// nothing: if any key refuses, none of the keys are charged. Callers pass
// both the tenant-global key and the tenant/node-type key together so a
// dispatch only proceeds when it clears both budgets.
func (r *RateLimiterRegistry) TryAcquire(keys []string, n int) bool {
	limiters := make([]*limiter, len(keys))
	for i, k := range keys {
		limiters[i] = r.getOrCreate(k)
	}

	// Lock all limiters in the order the caller passed the keys (no
	// sorting) to check+charge atomically as a group.
	locked := make([]*limiter, 0, len(limiters))
	defer func() {
		for _, l := range locked {
			l.mu.Unlock()
		}
	}()
	for _, l := range limiters {
		l.mu.Lock()
		locked = append(locked, l)
	}

	for _, l := range limiters {
		switch l.checkLocked(n) {
		case denyToken:
			tokenDropCounter.Add(context.Background(), 1)
			return false
		case denyWindow:
			windowDropCounter.Add(context.Background(), 1)
			return false
		}
	}
	for _, l := range limiters {
		l.chargeLocked(n)
	}
	return true
}

func (l *limiter) checkLocked(n int) denyReason {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	tokens := min(l.capacity, l.tokens+elapsed*l.refillRate)
	if tokens < float64(n) {
		return denyToken
	}
	if l.limit <= 0 {
		return denyNone
	}
	cutoff := now.Add(-l.windowSize)
	count := 0
	for _, t := range l.events {
		if t.After(cutoff) {
			count++
		}
	}
	if count+n > l.limit {
		return denyWindow
	}
	return denyNone
}

func (l *limiter) chargeLocked(n int) {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens = min(l.capacity, l.tokens+elapsed*l.refillRate) - float64(n)
	l.lastRefill = now

	cutoff := now.Add(-l.windowSize)
	kept := l.events[:0]
	for _, t := range l.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	for i := 0; i < n; i++ {
		kept = append(kept, now)
	}
	l.events = kept
}
