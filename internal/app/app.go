// Package app wires the configuration, transport, rate limiter, retry
// manager, checkpointing, idempotency store, and worker pool into one
// batch run.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"promptbatch/internal/checkpoint"
	"promptbatch/internal/config"
	"promptbatch/internal/events"
	"promptbatch/internal/idempotency"
	"promptbatch/internal/metrics"
	"promptbatch/internal/pool"
	"promptbatch/internal/ratelimit"
	"promptbatch/internal/resume"
	"promptbatch/internal/retry"
	"promptbatch/internal/storage"
	"promptbatch/internal/task"
	"promptbatch/internal/transport"
)

// Runner owns the components of one batch execution.
type Runner struct {
	cfg       *config.Config
	logger    *zap.Logger
	transport transport.Transport
	limiter   *ratelimit.Registry
	retries   *retry.Manager
	emitter   *events.Emitter
	collector *metrics.Collector
	cpm       *checkpoint.Manager
	store     idempotency.Store
	archive   storage.Client
}

// Summary reports the outcome of a run.
type Summary struct {
	BatchID   string
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Duration  time.Duration
}

// NewRunner builds every component from the configuration.
func NewRunner(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runner, error) {
	tr, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	collector := metrics.New()
	emitter := events.NewEmitter(logger)
	emitter.Register(events.HandlerFunc(func(ev events.Event) {
		if ev.Type == events.TaskRetry {
			collector.IncRetried()
		}
	}))

	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		transport: tr,
		limiter:   ratelimit.NewRegistry(cfg.Limits.Default, cfg.Limits.PerModel, nil),
		retries: retry.NewManager(retry.Config{
			MaxRetries:       cfg.Retry.MaxRetries,
			BaseDelay:        time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
			MaxDelay:         time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
			Multiplier:       cfg.Retry.Multiplier,
			Jitter:           time.Duration(cfg.Retry.JitterMs) * time.Millisecond,
			BreakerThreshold: cfg.Retry.BreakerThreshold,
			BreakerCooldown:  time.Duration(cfg.Retry.BreakerCooldownMs) * time.Millisecond,
		}, logger),
		emitter:   emitter,
		collector: collector,
		cpm:       checkpoint.NewManager(cfg.Batch.CheckpointInterval, logger),
	}

	if cfg.Idempotency.Enabled {
		if cfg.Idempotency.Path != "" {
			store, err := idempotency.NewSQLiteStore(cfg.Idempotency.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to open idempotency store: %w", err)
			}
			r.store = store
		} else {
			r.store = idempotency.NewMemoryStore()
		}
	}

	if cfg.Archive.Enabled {
		r.archive, err = buildArchive(cfg)
		if err != nil {
			return nil, err
		}
	}

	return r, nil
}

func buildTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "simulate":
		return transport.NewSimulator(
			time.Duration(cfg.Transport.LatencyMs)*time.Millisecond,
			cfg.Transport.FailureRate,
		), nil
	case "ollama":
		return transport.NewOllama(logger)
	case "gemini":
		return transport.NewGemini(ctx, cfg.Transport.APIKey, logger)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

func buildArchive(cfg *config.Config) (storage.Client, error) {
	switch cfg.Archive.Backend {
	case "local":
		return storage.NewLocalClient(cfg.Archive.Directory)
	case "s3":
		return storage.NewMinIOClient(storage.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Secure:    cfg.Archive.Secure,
			Bucket:    cfg.Archive.Bucket,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}
}

// Run executes the batch: load, resume analysis, idempotency filtering,
// enqueue, drain, checkpoint, archive.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()

	requests, err := LoadRequests(r.cfg.Batch.InputFile, r.cfg.Transport.Model)
	if err != nil {
		return nil, err
	}

	batchID := r.cfg.Batch.BatchID
	var prevCompleted, prevFailed []*task.Response
	resumed := false

	if r.cfg.Batch.Resume && checkpoint.IsResumable(r.cfg.Batch.CheckpointFile) {
		prior, err := checkpoint.Load(r.cfg.Batch.CheckpointFile)
		if err == nil && batchID == "" {
			batchID = prior.BatchID
		}
		plan, err := resume.Analyze(r.cfg.Batch.CheckpointFile, requests, resume.Options{
			OnlyFailed:    r.cfg.Batch.OnlyFailed,
			SkipCompleted: r.cfg.Batch.SkipCompleted,
		})
		if err != nil {
			return nil, err
		}
		resumed = true
		prevCompleted = plan.Completed
		prevFailed = plan.Failed
		requests = plan.Remaining
		r.logger.Info("resuming batch",
			zap.String("batch_id", batchID),
			zap.Int("remaining", len(requests)),
			zap.Int("prior_completed", len(prevCompleted)),
			zap.Int("prior_failed", len(prevFailed)),
		)
	}
	if batchID == "" {
		batchID = uuid.NewString()
	}

	output, err := task.NewWriter(r.cfg.Batch.OutputFile)
	if err != nil {
		return nil, err
	}
	defer output.Close()

	failedOut, err := task.NewWriter(r.cfg.Batch.FailedFile)
	if err != nil {
		return nil, err
	}
	defer failedOut.Close()

	// A resumed run also tracks this run's outcomes in memory, so it can
	// reconcile them against prior results without mistaking stale lines
	// in its own output files for fresh ones.
	var newCompleted, newFailed []*task.Response

	// Short-circuit tasks whose content hash already has a completed
	// record; everything else is marked pending before it runs.
	skipped := 0
	if r.store != nil {
		kept := requests[:0]
		for _, req := range requests {
			key := idempotency.Key(req)
			rec, err := r.store.Get(key)
			if err != nil {
				return nil, fmt.Errorf("failed to read idempotency record: %w", err)
			}
			if rec != nil && rec.Status == idempotency.StatusCompleted {
				skipped++
				r.collector.IncSkipped()
				r.logger.Debug("task already processed, reusing cached result",
					zap.String("task_id", req.ID),
					zap.String("key", key),
				)
				cached := &task.Response{
					ID:        req.ID,
					Success:   true,
					Output:    rec.Result,
					Timestamp: time.Now(),
				}
				if err := output.Write(cached); err != nil {
					return nil, err
				}
				if resumed {
					newCompleted = append(newCompleted, cached)
				}
				continue
			}
			if _, err := r.store.MarkPending(key, req.ID, batchID); err != nil {
				return nil, fmt.Errorf("failed to mark idempotency record pending: %w", err)
			}
			kept = append(kept, req)
		}
		requests = kept
	}

	total := len(requests)
	r.cpm.Initialize(batchID, total,
		r.cfg.Batch.InputFile,
		r.cfg.Batch.OutputFile,
		r.cfg.Batch.FailedFile,
		r.cfg.Batch.CheckpointFile,
	)

	if r.cfg.Metrics.Enabled {
		go func() {
			if err := r.collector.StartServer(r.cfg.Metrics.Addr); err != nil {
				r.logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	done := make(chan struct{})

	var doneMu sync.Mutex
	remaining := total
	var onDoneErr error

	onDone := func(resp *task.Response) {
		if resumed {
			doneMu.Lock()
			if resp.Success {
				newCompleted = append(newCompleted, resp)
			} else {
				newFailed = append(newFailed, resp)
			}
			doneMu.Unlock()
		}

		if resp.Success {
			if err := output.Write(resp); err != nil {
				r.logger.Error("failed to write result", zap.String("task_id", resp.ID), zap.Error(err))
				doneMu.Lock()
				onDoneErr = err
				doneMu.Unlock()
			}
			r.collector.IncSuccess(resp.Usage.TotalTokens)
			r.collector.ObserveDuration(time.Duration(resp.DurationMs) * time.Millisecond)
			if r.store != nil {
				if err := r.store.MarkCompleted(idempotency.Key(resp.Request), resp.Output); err != nil {
					r.logger.Warn("failed to record idempotency completion", zap.String("task_id", resp.ID), zap.Error(err))
				}
			}
		} else {
			if err := failedOut.Write(resp); err != nil {
				r.logger.Error("failed to write failed result", zap.String("task_id", resp.ID), zap.Error(err))
				doneMu.Lock()
				onDoneErr = err
				doneMu.Unlock()
			}
			r.collector.IncFailed()
			if r.store != nil {
				if err := r.store.MarkFailed(idempotency.Key(resp.Request), resp.Error); err != nil {
					r.logger.Warn("failed to record idempotency failure", zap.String("task_id", resp.ID), zap.Error(err))
				}
			}
		}
		r.cpm.UpdateTaskCompletion(resp.ID, resp.Success)

		doneMu.Lock()
		remaining--
		last := remaining == 0
		doneMu.Unlock()
		if last {
			close(done)
		}
	}

	p := pool.New(
		pool.Config{
			MaxConcurrency: r.cfg.Batch.Concurrency,
			MaxQueueSize:   r.cfg.Batch.QueueSize,
			TaskTimeout:    time.Duration(r.cfg.Batch.TaskTimeoutMs) * time.Millisecond,
			Priority:       r.cfg.Batch.Priority,
		},
		r.limiter,
		r.retries,
		r.emitter,
		r.logger,
		func(ctx context.Context, t *task.Task) (*task.Response, error) {
			return r.transport.Execute(ctx, t.Request)
		},
		onDone,
	)

	gaugeStop := r.startGaugeSync(p)
	defer gaugeStop()

	enqueueErr := r.enqueue(ctx, p, requests)

	interrupted := false
	if total > 0 && enqueueErr == nil {
		select {
		case <-done:
		case <-ctx.Done():
			interrupted = true
			r.logger.Warn("batch interrupted, draining in-flight tasks")
		}
	}
	if enqueueErr != nil {
		interrupted = true
	}

	shutdownErr := p.Shutdown(time.Duration(r.cfg.Batch.ShutdownTimeoutMs) * time.Millisecond)
	if shutdownErr != nil {
		r.logger.Warn("pool shutdown incomplete", zap.Error(shutdownErr))
	}

	m := p.Metrics()
	cp := r.cpm.Data()

	switch {
	case interrupted || shutdownErr != nil:
		r.cpm.MarkInterrupted()
	case cp.TotalTasks > 0 && cp.CompletedTasks == 0 && cp.FailedTasks == cp.TotalTasks:
		r.cpm.MarkFailed()
	default:
		r.cpm.MarkCompleted()
	}

	// A resumed run's output files carry lines from prior runs, including
	// failures that have since succeeded. Reconcile and rewrite them so
	// each task appears once, with its newest outcome.
	if resumed {
		doneMu.Lock()
		completed, failed := resume.MergeResults(prevCompleted, prevFailed, newCompleted, newFailed)
		doneMu.Unlock()
		if err := task.WriteResponses(r.cfg.Batch.OutputFile, completed); err != nil {
			r.logger.Warn("failed to rewrite merged results", zap.Error(err))
		}
		if err := task.WriteResponses(r.cfg.Batch.FailedFile, failed); err != nil {
			r.logger.Warn("failed to rewrite merged failures", zap.Error(err))
		}
		r.logger.Info("merged resumed results",
			zap.Int("completed", len(completed)),
			zap.Int("failed", len(failed)),
		)
	}

	if r.archive != nil {
		r.archiveArtifacts(ctx, batchID)
	}

	// Checkpoint counters are per task; pool counters are per attempt.
	summary := &Summary{
		BatchID:   batchID,
		Total:     total + skipped,
		Completed: cp.CompletedTasks,
		Failed:    cp.FailedTasks,
		Skipped:   skipped,
		Duration:  time.Since(started),
	}
	r.logger.Info("batch finished",
		zap.String("batch_id", summary.BatchID),
		zap.Int("total", summary.Total),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Uint64("retries", m.TotalRetries),
		zap.Duration("duration", summary.Duration),
		zap.Float64("throughput", m.CurrentThroughput),
	)

	doneMu.Lock()
	writeErr := onDoneErr
	doneMu.Unlock()
	if writeErr != nil {
		return summary, writeErr
	}
	if enqueueErr != nil {
		return summary, enqueueErr
	}
	if interrupted {
		return summary, ctx.Err()
	}
	if shutdownErr != nil {
		return summary, shutdownErr
	}
	return summary, nil
}

// enqueue adds every request to the pool, waiting out transient
// queue-full rejections.
func (r *Runner) enqueue(ctx context.Context, p *pool.Pool, requests []*task.Request) error {
	for _, req := range requests {
		t := task.New(req, r.cfg.Retry.MaxRetries)
		for {
			err := p.Add(t)
			if err == nil {
				break
			}
			if !errors.Is(err, pool.ErrQueueFull) {
				return fmt.Errorf("failed to enqueue task %s: %w", req.ID, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	return nil
}

// startGaugeSync mirrors pool state into the prometheus gauges once a
// second until stopped.
func (r *Runner) startGaugeSync(p *pool.Pool) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m := p.Metrics()
				r.collector.SetInflightWorkers(m.ActiveWorkers)
				r.collector.SetQueueLength(m.QueueLength)
			}
		}
	}()
	return func() { close(stop) }
}

func (r *Runner) archiveArtifacts(ctx context.Context, batchID string) {
	artifacts := map[string]string{
		batchID + "/output.ndjson":   r.cfg.Batch.OutputFile,
		batchID + "/failed.ndjson":   r.cfg.Batch.FailedFile,
		batchID + "/checkpoint.json": r.cfg.Batch.CheckpointFile,
	}
	for key, path := range artifacts {
		if err := r.archive.PutFile(ctx, key, path); err != nil {
			r.logger.Warn("failed to archive artifact",
				zap.String("key", key),
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}
}

// Close releases resources held by the runner.
func (r *Runner) Close() error {
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}
