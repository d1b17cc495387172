package pool

import (
	"sync"
	"time"
)

const (
	// rolling average over the most recent completions
	maxDurationSamples = 100
	// throughput is measured over a sliding window
	throughputWindow = 10 * time.Second
)

// stats keeps the pool's rolling counters. Adapted sampling scheme: a
// bounded ring of processing-time samples plus a pruned timestamp list
// for the throughput window.
type stats struct {
	mu        sync.Mutex
	processed uint64
	failed    uint64
	retries   uint64

	samples []time.Duration

	completions []time.Time
	now         func() time.Time
}

func newStats(now func() time.Time) *stats {
	if now == nil {
		now = time.Now
	}
	return &stats{now: now}
}

func (s *stats) recordSuccess(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed++
	s.samples = append(s.samples, d)
	if len(s.samples) > maxDurationSamples {
		s.samples = s.samples[1:]
	}
	s.recordCompletion()
}

// recordFailure counts one failed attempt. Retried attempts count here
// too; a task that fails twice then succeeds contributes two failures
// and one processed.
func (s *stats) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failed++
	s.recordCompletion()
}

func (s *stats) recordRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// recordCompletion must be called with the lock held.
func (s *stats) recordCompletion() {
	now := s.now()
	s.completions = append(s.completions, now)
	s.prune(now)
}

func (s *stats) prune(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	i := 0
	for i < len(s.completions) && s.completions[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.completions = s.completions[i:]
	}
}

func (s *stats) snapshot() (processed, failed, retries uint64, avg time.Duration, throughput float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) > 0 {
		var total time.Duration
		for _, d := range s.samples {
			total += d
		}
		avg = total / time.Duration(len(s.samples))
	}

	s.prune(s.now())
	throughput = float64(len(s.completions)) / throughputWindow.Seconds()

	return s.processed, s.failed, s.retries, avg, throughput
}
