package ratelimit

import (
	"sync"
	"time"
)

// Limits configures the buckets for one target. TokensPerMinute of zero
// disables the secondary token limiter.
type Limits struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	TokensPerMinute   float64 `yaml:"tokens_per_minute"`
	Burst             float64 `yaml:"burst"`
}

// TargetStatus reports both buckets for one target. Tokens is nil when no
// token limiter is configured.
type TargetStatus struct {
	Requests Status
	Tokens   *Status
}

// targetLimiter pairs the request bucket with an optional token bucket.
// The outer mutex makes the check-both-then-consume-both step atomic.
type targetLimiter struct {
	mu       sync.Mutex
	requests *Bucket
	tokens   *Bucket
}

// Registry lazily creates and caches one limiter per target.
type Registry struct {
	mu        sync.Mutex
	defaults  Limits
	overrides map[string]Limits
	limiters  map[string]*targetLimiter
	now       func() time.Time
}

// NewRegistry creates a registry with per-target overrides falling back
// to the defaults. A nil clock uses time.Now.
func NewRegistry(defaults Limits, overrides map[string]Limits, now func() time.Time) *Registry {
	return &Registry{
		defaults:  defaults,
		overrides: overrides,
		limiters:  make(map[string]*targetLimiter),
		now:       now,
	}
}

func (r *Registry) limiter(target string) *targetLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[target]; ok {
		return l
	}

	limits := r.defaults
	if o, ok := r.overrides[target]; ok {
		limits = o
	}
	if limits.Burst <= 0 {
		limits.Burst = 1
	}

	l := &targetLimiter{
		requests: NewBucket(limits.Burst, limits.RequestsPerMinute, r.now),
	}
	if limits.TokensPerMinute > 0 {
		// Token burst equals the per-minute allowance so a single large
		// request is never permanently starved.
		l.tokens = NewBucket(limits.TokensPerMinute, limits.TokensPerMinute, r.now)
	}
	r.limiters[target] = l
	return l
}

// Check consumes one request plus estTokens from the target's buckets if
// both allow, and reports the combined decision. When either bucket
// denies, nothing is consumed and RetryAfterMs is the larger of the two
// waits.
func (r *Registry) Check(target string, estTokens int) Status {
	l := r.limiter(target)

	l.mu.Lock()
	defer l.mu.Unlock()

	rs := l.requests.Peek(1)
	st := rs
	if l.tokens != nil {
		ts := l.tokens.Peek(float64(estTokens))
		if !ts.Allowed {
			st.Allowed = false
			if ts.RetryAfterMs > st.RetryAfterMs {
				st.RetryAfterMs = ts.RetryAfterMs
			}
		}
	}
	if !st.Allowed {
		return st
	}

	st = l.requests.TryConsume(1)
	if l.tokens != nil {
		l.tokens.TryConsume(float64(estTokens))
	}
	return st
}

// Snapshot reports the current state of every known target without
// consuming anything.
func (r *Registry) Snapshot() map[string]TargetStatus {
	r.mu.Lock()
	targets := make(map[string]*targetLimiter, len(r.limiters))
	for name, l := range r.limiters {
		targets[name] = l
	}
	r.mu.Unlock()

	out := make(map[string]TargetStatus, len(targets))
	for name, l := range targets {
		l.mu.Lock()
		ts := TargetStatus{Requests: l.requests.Peek(1)}
		if l.tokens != nil {
			s := l.tokens.Peek(1)
			ts.Tokens = &s
		}
		l.mu.Unlock()
		out[name] = ts
	}
	return out
}
