package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryIsolatesTargets(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	r := NewRegistry(Limits{RequestsPerMinute: 60, Burst: 1}, nil, clock.now)

	require.True(t, r.Check("model-a", 10).Allowed)
	assert.False(t, r.Check("model-a", 10).Allowed, "model-a burst is exhausted")
	assert.True(t, r.Check("model-b", 10).Allowed, "model-b has its own bucket")
}

func TestRegistryAppliesOverrides(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	r := NewRegistry(
		Limits{RequestsPerMinute: 60, Burst: 1},
		map[string]Limits{"big": {RequestsPerMinute: 60, Burst: 3}},
		clock.now,
	)

	for i := 0; i < 3; i++ {
		require.True(t, r.Check("big", 1).Allowed, "override burst of 3 should allow call %d", i+1)
	}
	assert.False(t, r.Check("big", 1).Allowed)
}

func TestRegistryTokenBucketDeniesWithoutConsuming(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	r := NewRegistry(Limits{
		RequestsPerMinute: 600,
		TokensPerMinute:   100,
		Burst:             10,
	}, nil, clock.now)

	st := r.Check("m", 1000)
	require.False(t, st.Allowed, "estimate above the token budget is denied")
	assert.Greater(t, st.RetryAfterMs, int64(0))

	// The denial must not have consumed the request token.
	st = r.Check("m", 10)
	assert.True(t, st.Allowed, "a small request should still pass")
}

func TestRegistrySnapshot(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	r := NewRegistry(Limits{RequestsPerMinute: 60, Burst: 2}, nil, clock.now)

	r.Check("m", 1)
	snap := r.Snapshot()

	require.Contains(t, snap, "m")
	assert.Equal(t, float64(1), snap["m"].Requests.TokensRemaining)
	assert.Nil(t, snap["m"].Tokens, "no token limiter configured")
}
