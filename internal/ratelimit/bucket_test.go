package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is an adjustable clock for deterministic bucket tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestBucketStartsFull(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := NewBucket(5, 60, clock.now)

	for i := 0; i < 5; i++ {
		st := b.TryConsume(1)
		require.True(t, st.Allowed, "burst capacity should allow %d consumptions", 5)
	}

	st := b.TryConsume(1)
	assert.False(t, st.Allowed, "bucket should be empty after the burst")
}

func TestBucketRetryAfterMatchesRate(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	// 60 per minute = 1 per second
	b := NewBucket(1, 60, clock.now)

	st := b.TryConsume(1)
	require.True(t, st.Allowed)

	st = b.TryConsume(1)
	require.False(t, st.Allowed)
	assert.Equal(t, int64(1000), st.RetryAfterMs, "at 1 token/s an empty bucket needs 1000ms")
}

func TestBucketRefills(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := NewBucket(2, 60, clock.now)

	b.TryConsume(2)
	require.False(t, b.TryConsume(1).Allowed)

	clock.advance(time.Second)
	st := b.TryConsume(1)
	assert.True(t, st.Allowed, "one second at 60/min refills one token")

	st = b.TryConsume(1)
	assert.False(t, st.Allowed, "only one token should have refilled")
}

func TestBucketRefillCapsAtCapacity(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := NewBucket(3, 60, clock.now)

	clock.advance(time.Hour)
	st := b.Peek(1)
	assert.Equal(t, float64(3), st.TokensRemaining, "refill never exceeds capacity")
}

func TestBucketRefillSurvivesFrequentPolling(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	// 60000 per minute = 1 per millisecond
	b := NewBucket(1, 60000, clock.now)
	require.True(t, b.TryConsume(1).Allowed)

	// Poll between every sub-millisecond tick; the fractional elapses
	// must accumulate into real credit instead of being rounded away.
	for i := 0; i < 1000; i++ {
		clock.advance(100 * time.Microsecond)
		b.Peek(1)
	}

	st := b.TryConsume(1)
	assert.True(t, st.Allowed, "100ms elapsed across sub-millisecond polls must refill a full token")
}

func TestBucketZeroRateReportsBoundedRetryAfter(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := NewBucket(1, 0, clock.now)
	require.True(t, b.TryConsume(1).Allowed)

	st := b.TryConsume(1)
	require.False(t, st.Allowed)
	assert.Greater(t, st.RetryAfterMs, int64(0), "a bucket that never refills still reports a positive wait")
	assert.Greater(t, time.Duration(st.RetryAfterMs)*time.Millisecond, time.Duration(0),
		"the wait must survive conversion to a duration without overflowing")
}

func TestBucketPeekDoesNotConsume(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := NewBucket(1, 60, clock.now)

	st := b.Peek(1)
	require.True(t, st.Allowed)

	st = b.TryConsume(1)
	assert.True(t, st.Allowed, "peek must not have taken the token")
}
