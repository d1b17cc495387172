package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"promptbatch/internal/task"
)

// Simulator is a dry-run transport: it sleeps for a configurable latency
// and fabricates a response, optionally injecting failures. Used for
// dry-run batches and in tests.
type Simulator struct {
	// Latency per call. Zero means return immediately.
	Latency time.Duration
	// FailureRate in [0,1) injects transient server errors at that
	// probability.
	FailureRate float64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSimulator creates a simulator with the given latency and failure
// rate.
func NewSimulator(latency time.Duration, failureRate float64) *Simulator {
	return &Simulator{
		Latency:     latency,
		FailureRate: failureRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Simulator) Execute(ctx context.Context, req *task.Request) (*task.Response, error) {
	if s.Latency > 0 {
		t := time.NewTimer(s.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if s.FailureRate > 0 {
		s.rngMu.Lock()
		roll := s.rng.Float64()
		s.rngMu.Unlock()
		if roll < s.FailureRate {
			return nil, fmt.Errorf("simulated failure: 503 service unavailable")
		}
	}

	prompt := flattenPrompt(req)
	promptTokens := len(prompt) / 4
	completionTokens := 16
	return &task.Response{
		ID:      req.ID,
		Request: req,
		Output:  fmt.Sprintf("[dry-run] %d prompt chars for model %s", len(prompt), req.Model),
		Usage: task.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

func (s *Simulator) ExecuteBatch(ctx context.Context, reqs []*task.Request) ([]*task.Response, error) {
	return executeSequential(ctx, s, reqs)
}
