package retry

import (
	"sync"
	"time"

	"promptbatch/internal/taxonomy"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker stops calling a failing dependency. After threshold consecutive
// failures it opens and rejects calls immediately; after the cooldown one
// trial call is let through, and its outcome decides whether the breaker
// closes again or reopens.
//
// One breaker is shared across all work routed through a retry Manager:
// it protects the downstream dependency, not per-task state.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	now       func() time.Time
}

// NewBreaker creates a closed breaker. A nil clock uses time.Now.
func NewBreaker(threshold int, cooldown time.Duration, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
	}
}

// Allow reports whether a call may proceed. While open it returns a
// CIRCUIT_OPEN error (itself retryable, so trips degrade into the normal
// backoff path). Once the cooldown has elapsed exactly one trial call is
// admitted in the half-open state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		// A trial call is already in flight.
		return taxonomy.New(taxonomy.CodeCircuitOpen, "circuit breaker is open: trial call in progress")
	default:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			return nil
		}
		return taxonomy.New(taxonomy.CodeCircuitOpen, "circuit breaker is open")
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
}

// RecordFailure counts a downstream failure, opening the breaker at the
// threshold. A half-open trial failure reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
