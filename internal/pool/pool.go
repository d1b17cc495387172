// Package pool is the concurrency controller: a bounded, optionally
// priority-ordered task queue feeding up to MaxConcurrency concurrent
// executions, with rate-limit deferral, classified retries, per-task
// timeouts, and graceful shutdown.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"promptbatch/internal/events"
	"promptbatch/internal/ratelimit"
	"promptbatch/internal/retry"
	"promptbatch/internal/task"
	"promptbatch/internal/taxonomy"
)

// Errors returned by Add and Shutdown.
var (
	ErrQueueFull       = errors.New("task queue is full")
	ErrShuttingDown    = errors.New("pool is shutting down")
	ErrShutdownTimeout = errors.New("shutdown timed out with tasks still in flight")
)

// Processor executes one task attempt against the transport. It must
// honor ctx cancellation; expiry of the per-task timeout surfaces as a
// timeout failure through the normal retry path.
type Processor func(ctx context.Context, t *task.Task) (*task.Response, error)

// CompletionFunc receives the single terminal response for each task.
type CompletionFunc func(resp *task.Response)

// Config controls the pool.
type Config struct {
	MaxConcurrency int
	MaxQueueSize   int
	TaskTimeout    time.Duration
	Priority       bool
}

// Metrics is a point-in-time snapshot of pool state.
type Metrics struct {
	ActiveWorkers         int
	QueueLength           int
	TotalProcessed        uint64
	TotalFailed           uint64
	TotalRetries          uint64
	AverageProcessingTime time.Duration
	CurrentThroughput     float64
	RateLimits            map[string]ratelimit.TargetStatus
}

// Pool dispatches queued tasks to workers.
//
// Invariant: the number of concurrently running processor calls never
// exceeds MaxConcurrency, no matter how Add calls race. The queue, the
// active count, and the parked count are all guarded by one mutex; every
// dispatch step runs to completion under it.
type Pool struct {
	cfg     Config
	limiter *ratelimit.Registry
	retries *retry.Manager
	emitter *events.Emitter
	logger  *zap.Logger
	process Processor
	onDone  CompletionFunc

	mu           sync.Mutex
	cond         *sync.Cond
	q            *queue
	active       int
	parked       int
	shuttingDown bool

	stats *stats
}

// New creates a pool. The processor is the transport call; onDone
// receives each task's terminal response (may be nil).
func New(
	cfg Config,
	limiter *ratelimit.Registry,
	retries *retry.Manager,
	emitter *events.Emitter,
	logger *zap.Logger,
	process Processor,
	onDone CompletionFunc,
) *Pool {
	if cfg.MaxConcurrency <= 0 {
		logger.Warn("invalid max concurrency, using 1", zap.Int("specified", cfg.MaxConcurrency))
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 60 * time.Second
	}

	p := &Pool{
		cfg:     cfg,
		limiter: limiter,
		retries: retries,
		emitter: emitter,
		logger:  logger,
		process: process,
		onDone:  onDone,
		q:       &queue{priority: cfg.Priority},
		stats:   newStats(nil),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Add enqueues a task and dispatches immediately if a worker slot is
// free. Parked tasks (awaiting a rate-limit window or retry backoff)
// still hold their queue slot for the capacity check.
func (p *Pool) Add(t *task.Task) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return ErrShuttingDown
	}
	if p.q.len()+p.parked+p.active >= p.cfg.MaxQueueSize {
		p.mu.Unlock()
		return fmt.Errorf("%w: capacity %d reached", ErrQueueFull, p.cfg.MaxQueueSize)
	}
	p.q.push(t)
	p.dispatchLocked()
	p.mu.Unlock()

	p.emitter.Emit(events.Event{Type: events.TaskQueued, TaskID: t.Request.ID, Target: t.Target})
	return nil
}

// dispatchLocked launches workers while slots and queued tasks remain.
// Caller holds the lock.
func (p *Pool) dispatchLocked() {
	for p.active < p.cfg.MaxConcurrency && p.q.len() > 0 {
		e := p.q.pop()
		p.active++
		go p.run(e)
	}
}

func (p *Pool) finishWorker() {
	p.mu.Lock()
	p.active--
	p.dispatchLocked()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// park holds a task out of the queue until the timer fires, then
// re-enters it at the front. Parked tasks do not occupy a worker slot.
func (p *Pool) park(e *entry, delay time.Duration) {
	p.mu.Lock()
	p.parked++
	p.mu.Unlock()

	time.AfterFunc(delay, func() {
		p.mu.Lock()
		p.parked--
		p.q.pushFront(e)
		p.dispatchLocked()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
}

func (p *Pool) run(e *entry) {
	defer p.finishWorker()

	t := e.task

	// Rate-limit gate. Denial parks the task until the window opens;
	// this does not count against MaxRetries.
	if st := p.limiter.Check(t.Target, t.EstimatedTokens); !st.Allowed {
		delay := time.Duration(st.RetryAfterMs) * time.Millisecond
		p.logger.Debug("task deferred by rate limit",
			zap.String("task_id", t.Request.ID),
			zap.String("target", t.Target),
			zap.Duration("retry_after", delay),
		)
		e.re = reentry{kind: reentryDeferred, until: time.Now().Add(delay)}
		p.park(e, delay)
		return
	}

	p.emitter.Emit(events.Event{Type: events.TaskStarted, TaskID: t.Request.ID, Target: t.Target, Attempt: t.RetryCount})
	started := time.Now()

	if err := p.retries.Breaker().Allow(); err != nil {
		// Breaker rejection never reached the transport, so it does not
		// feed the breaker's own failure count.
		p.handleFailure(e, started, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TaskTimeout)
	resp, err := p.process(ctx, t)
	cancel()

	if err != nil {
		p.retries.Breaker().RecordFailure()
		p.handleFailure(e, started, err)
		return
	}
	p.retries.Breaker().RecordSuccess()

	completed := time.Now()
	duration := completed.Sub(started)
	p.stats.recordSuccess(duration)

	if resp == nil {
		resp = &task.Response{}
	}
	// Downstream consumers key off the response's identity fields, so they
	// are filled here even when the transport left them blank.
	if resp.ID == "" {
		resp.ID = t.Request.ID
	}
	resp.Request = t.Request
	resp.Success = true
	resp.RetryCount = t.RetryCount
	resp.StartedAt = started
	resp.CompletedAt = completed
	resp.DurationMs = duration.Milliseconds()
	resp.Timestamp = completed

	p.emitter.Emit(events.Event{Type: events.TaskCompleted, TaskID: t.Request.ID, Target: t.Target, Attempt: t.RetryCount})
	if p.onDone != nil {
		p.onDone(resp)
	}
}

func (p *Pool) handleFailure(e *entry, started time.Time, err error) {
	t := e.task
	entry := taxonomy.Classify(err)
	p.stats.recordFailure()

	if entry.Retryable && t.RetryCount < t.MaxRetries {
		t.RetryCount++
		delay := p.retries.Delay(t.RetryCount - 1)
		p.stats.recordRetry()
		p.logger.Warn("task attempt failed, will retry",
			zap.String("task_id", t.Request.ID),
			zap.String("code", string(entry.Code)),
			zap.Int("attempt", t.RetryCount),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		p.emitter.Emit(events.Event{Type: events.TaskRetry, TaskID: t.Request.ID, Target: t.Target, Attempt: t.RetryCount, Error: err.Error()})
		e.re = reentry{kind: reentryRetry, attempt: t.RetryCount}
		p.park(e, delay)
		return
	}

	terr := taxonomy.Wrap(err, t.RetryCount+1)
	completed := time.Now()
	resp := &task.Response{
		ID:          t.Request.ID,
		Request:     t.Request,
		Success:     false,
		Error:       terr.Message,
		ErrorCode:   string(terr.Entry.Code),
		Timestamp:   completed,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
		RetryCount:  t.RetryCount,
	}

	p.logger.Error("task failed",
		zap.String("task_id", t.Request.ID),
		zap.String("code", string(terr.Entry.Code)),
		zap.Int("attempts", t.RetryCount+1),
		zap.Error(err),
	)
	p.emitter.Emit(events.Event{Type: events.TaskFailed, TaskID: t.Request.ID, Target: t.Target, Attempt: t.RetryCount, Error: terr.Message})
	if p.onDone != nil {
		p.onDone(resp)
	}
}

// Metrics returns a snapshot of pool state. Parked tasks count toward
// the queue length: they are queued work waiting on a timer.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	active := p.active
	qlen := p.q.len() + p.parked
	p.mu.Unlock()

	processed, failed, retries, avg, tput := p.stats.snapshot()
	return Metrics{
		ActiveWorkers:         active,
		QueueLength:           qlen,
		TotalProcessed:        processed,
		TotalFailed:           failed,
		TotalRetries:          retries,
		AverageProcessingTime: avg,
		CurrentThroughput:     tput,
		RateLimits:            p.limiter.Snapshot(),
	}
}

func (p *Pool) idleLocked() bool {
	return p.active == 0 && p.parked == 0 && p.q.len() == 0
}

// Shutdown stops intake and drains queued and in-flight tasks until the
// pool is idle or the timeout elapses. Workers are awaited, not killed.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	already := p.shuttingDown
	p.shuttingDown = true
	p.mu.Unlock()

	if !already {
		p.emitter.Emit(events.Event{Type: events.ShutdownStarted})
	}

	deadline := time.Now().Add(timeout)
	wake := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer wake.Stop()

	p.mu.Lock()
	for !p.idleLocked() && time.Now().Before(deadline) {
		p.cond.Wait()
	}
	idle := p.idleLocked()
	remaining := p.active + p.parked + p.q.len()
	p.mu.Unlock()

	if !idle {
		p.logger.Warn("shutdown timed out", zap.Int("remaining", remaining))
		p.emitter.Emit(events.Event{Type: events.ShutdownTimeout})
		return fmt.Errorf("%w: %d tasks remaining", ErrShutdownTimeout, remaining)
	}
	p.emitter.Emit(events.Event{Type: events.ShutdownComplete})
	return nil
}
