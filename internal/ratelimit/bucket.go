// Package ratelimit implements per-target token buckets. Calls never
// block: a denied request reports how long until it could succeed and the
// caller reschedules.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Status is the answer to a single limiter query. It is recomputed on
// every call and never stored.
type Status struct {
	Allowed         bool
	RetryAfterMs    int64
	TokensRemaining float64
	BucketCapacity  float64
}

// retryAfterNever is reported when a bucket has no refill rate and the
// requested tokens can never accumulate. Bounded so conversion to a
// millisecond time.Duration cannot overflow.
const retryAfterNever = int64(math.MaxInt64) / int64(time.Millisecond)

// Bucket is a token bucket: capacity is the burst allowance, tokens
// refill at a fixed rate. Safe for concurrent use.
type Bucket struct {
	mu        sync.Mutex
	capacity  float64
	ratePerMs float64
	tokens    float64
	last      time.Time
	now       func() time.Time
}

// NewBucket creates a bucket with the given burst capacity that refills
// at perMinute tokens per minute. A nil clock uses time.Now.
func NewBucket(capacity, perMinute float64, now func() time.Time) *Bucket {
	if now == nil {
		now = time.Now
	}
	return &Bucket{
		capacity:  capacity,
		ratePerMs: perMinute / 60000.0,
		tokens:    capacity,
		last:      now(),
		now:       now,
	}
}

// refill credits tokens owed since the last refill, including fractional
// milliseconds: sub-millisecond elapses must not be discarded, or
// frequent polling starves the bucket. Caller holds the lock.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.last)
	if elapsed > 0 {
		credit := float64(elapsed) / float64(time.Millisecond) * b.ratePerMs
		b.tokens = math.Min(b.capacity, b.tokens+credit)
		b.last = now
	}
}

// status builds a Status for a hypothetical consumption of n tokens.
// Caller holds the lock and has already refilled.
func (b *Bucket) status(n float64) Status {
	st := Status{
		TokensRemaining: b.tokens,
		BucketCapacity:  b.capacity,
	}
	if b.tokens >= n {
		st.Allowed = true
		return st
	}
	if b.ratePerMs > 0 {
		st.RetryAfterMs = int64(math.Ceil((n - b.tokens) / b.ratePerMs))
	} else {
		st.RetryAfterMs = retryAfterNever
	}
	return st
}

// TryConsume takes n tokens if available. When denied, RetryAfterMs
// reports how long until n tokens will have accumulated.
func (b *Bucket) TryConsume(n float64) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	st := b.status(n)
	if st.Allowed {
		b.tokens -= n
		st.TokensRemaining = b.tokens
	}
	return st
}

// Peek reports whether n tokens could be consumed right now, without
// taking them.
func (b *Bucket) Peek(n float64) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return b.status(n)
}
