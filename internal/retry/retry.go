// Package retry wraps operations with classified, backoff-driven retries
// and a shared circuit breaker.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"promptbatch/internal/taxonomy"
)

// Config controls retry and breaker behavior.
type Config struct {
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	Jitter           time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns the defaults used when the config file is silent.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         30 * time.Second,
		Multiplier:       2.0,
		Jitter:           250 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Manager drives retries for operations against one downstream
// dependency. All attempts share the manager's circuit breaker.
type Manager struct {
	cfg     Config
	breaker *Breaker
	logger  *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a retry manager with its own breaker.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	return &Manager{
		cfg:     cfg,
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, nil),
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Breaker exposes the shared circuit breaker so the pool can route its
// own attempt bookkeeping through it.
func (m *Manager) Breaker() *Breaker {
	return m.breaker
}

// Classify reports the taxonomy entry for an error, for callers driving
// their own attempt loop through the manager's primitives.
func (m *Manager) Classify(err error) taxonomy.Entry {
	return taxonomy.Classify(err)
}

// Delay computes the backoff before retry number attempt (0-based):
// min(maxDelay, baseDelay * multiplier^attempt) plus uniform jitter.
func (m *Manager) Delay(attempt int) time.Duration {
	d := time.Duration(float64(m.cfg.BaseDelay) * math.Pow(m.cfg.Multiplier, float64(attempt)))
	if d > m.cfg.MaxDelay {
		d = m.cfg.MaxDelay
	}
	if m.cfg.Jitter > 0 {
		m.rngMu.Lock()
		d += time.Duration(m.rng.Int63n(int64(m.cfg.Jitter)))
		m.rngMu.Unlock()
	}
	return d
}

// Do runs a value-producing operation through m's retry loop and returns
// the last attempt's value. Retry semantics are those of Execute.
func Do[T any](ctx context.Context, m *Manager, opID string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.Execute(ctx, opID, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Execute runs op with up to MaxRetries additional attempts. Each attempt
// passes through the circuit breaker. Non-retryable failures surface
// immediately; retryable ones back off and retry until attempts are
// exhausted. The returned error is always a *taxonomy.Error carrying the
// classification and the attempt count.
func (m *Manager) Execute(ctx context.Context, opID string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		err := m.breaker.Allow()
		if err == nil {
			err = op(ctx)
			if err == nil {
				m.breaker.RecordSuccess()
				return nil
			}
			m.breaker.RecordFailure()
		}
		lastErr = err

		entry := taxonomy.Classify(err)
		if !entry.Retryable {
			m.logger.Warn("operation failed with non-retryable error",
				zap.String("op", opID),
				zap.String("code", string(entry.Code)),
				zap.Error(err),
			)
			return taxonomy.Wrap(err, attempt+1)
		}

		if attempt < m.cfg.MaxRetries {
			delay := m.Delay(attempt)
			m.logger.Debug("operation failed, backing off",
				zap.String("op", opID),
				zap.String("code", string(entry.Code)),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if serr := m.sleep(ctx, delay); serr != nil {
				return taxonomy.Wrap(serr, attempt+1)
			}
		}
	}

	m.logger.Warn("operation failed after all retries",
		zap.String("op", opID),
		zap.Int("attempts", m.cfg.MaxRetries+1),
		zap.Error(lastErr),
	)
	return taxonomy.Wrap(lastErr, m.cfg.MaxRetries+1)
}
