package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptbatch/internal/taxonomy"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := NewBreaker(3, time.Minute, clock.now)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "below the threshold stays closed")

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	entry := taxonomy.Classify(err)
	assert.Equal(t, taxonomy.CodeCircuitOpen, entry.Code)
	assert.True(t, entry.Retryable, "breaker rejections must stay retryable")
}

func TestBreakerHalfOpenAdmitsOneTrial(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := NewBreaker(1, time.Minute, clock.now)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	require.Error(t, b.Allow(), "still inside the cooldown")

	clock.advance(time.Minute)
	require.NoError(t, b.Allow(), "cooldown elapsed, trial call admitted")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Error(t, b.Allow(), "only one trial call is admitted")
}

func TestBreakerTrialSuccessCloses(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := NewBreaker(1, time.Minute, clock.now)

	b.RecordFailure()
	clock.advance(time.Minute)
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures(), "success clears the failure count")
	assert.NoError(t, b.Allow())
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := NewBreaker(5, time.Minute, clock.now)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.advance(time.Minute)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State(), "a failed trial reopens immediately")

	require.Error(t, b.Allow(), "the fresh cooldown applies")
	clock.advance(time.Minute)
	assert.NoError(t, b.Allow())
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := NewBreaker(3, time.Minute, clock.now)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State(), "threshold counts consecutive failures only")
}
