package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"promptbatch/internal/taxonomy"
)

func testManager(cfg Config) *Manager {
	m := NewManager(cfg, zap.NewNop())
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return m
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	m := testManager(Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, BreakerThreshold: 5, BreakerCooldown: time.Minute})

	calls := 0
	err := m.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteRetriesUntilExhausted(t *testing.T) {
	m := testManager(Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, BreakerThreshold: 100, BreakerCooldown: time.Minute})

	calls := 0
	err := m.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errors.New("503 service unavailable")
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls, "initial attempt plus 3 retries")

	var te *taxonomy.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, taxonomy.CodeServerError, te.Entry.Code)
	assert.Equal(t, 4, te.Attempts)
}

func TestExecuteStopsOnNonRetryable(t *testing.T) {
	m := testManager(Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, BreakerThreshold: 100, BreakerCooldown: time.Minute})

	calls := 0
	err := m.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errors.New("401 unauthorized")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable errors fail immediately")

	var te *taxonomy.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, taxonomy.CodeAuth, te.Entry.Code)
}

func TestExecuteRecoversMidway(t *testing.T) {
	m := testManager(Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, BreakerThreshold: 100, BreakerCooldown: time.Minute})

	calls := 0
	err := m.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteHonorsContextCancellation(t *testing.T) {
	m := NewManager(Config{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, BreakerThreshold: 100, BreakerCooldown: time.Minute}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := m.Execute(ctx, "op", func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "cancellation aborts the backoff sleep")
}

func TestDoReturnsValueAfterRetries(t *testing.T) {
	m := testManager(Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, BreakerThreshold: 100, BreakerCooldown: time.Minute})

	calls := 0
	got, err := Do(context.Background(), m, "op", func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("503 service unavailable")
		}
		return "value", nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "value", got)
}

func TestDoPropagatesTerminalFailure(t *testing.T) {
	m := testManager(Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second, BreakerThreshold: 100, BreakerCooldown: time.Minute})

	got, err := Do(context.Background(), m, "op", func(ctx context.Context) (int, error) {
		return 0, errors.New("401 unauthorized")
	})

	require.Error(t, err)
	assert.Zero(t, got)

	var te *taxonomy.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, taxonomy.CodeAuth, te.Entry.Code)
}

func TestDelayGrowsExponentiallyAndCaps(t *testing.T) {
	m := testManager(Config{
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   400 * time.Millisecond,
		Multiplier: 2.0,
	})

	assert.Equal(t, 100*time.Millisecond, m.Delay(0))
	assert.Equal(t, 200*time.Millisecond, m.Delay(1))
	assert.Equal(t, 400*time.Millisecond, m.Delay(2))
	assert.Equal(t, 400*time.Millisecond, m.Delay(3), "delay is capped at MaxDelay")
}

func TestDelayAddsJitterWithinBound(t *testing.T) {
	m := testManager(Config{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		Jitter:     50 * time.Millisecond,
	})

	for i := 0; i < 100; i++ {
		d := m.Delay(0)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestExecuteTripsSharedBreaker(t *testing.T) {
	m := testManager(Config{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Second, BreakerThreshold: 2, BreakerCooldown: time.Hour})

	for i := 0; i < 2; i++ {
		_ = m.Execute(context.Background(), "op", func(ctx context.Context) error {
			return errors.New("503 service unavailable")
		})
	}
	require.Equal(t, StateOpen, m.Breaker().State())

	calls := 0
	err := m.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, calls, "an open breaker rejects without invoking the operation")

	var te *taxonomy.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, taxonomy.CodeCircuitOpen, te.Entry.Code)
}
