package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/finsightlab/finsight/storage"
)

// Handler processes one claimed job. Returning a RetryableError requeues
// the job with the configured delay; any other error finalizes it as
// failed; nil completes it as succeeded.
type Handler func(ctx context.Context, job *storage.Job) error

// Config holds configuration for a queue worker.
type Config struct {
	// Queue is the queue name this worker drains.
	Queue storage.Queue

	// WorkerID identifies this worker's claims. Required.
	WorkerID string

	// MaxConcurrent limits how many handlers run simultaneously.
	// Default: 3
	MaxConcurrent int

	// PollInterval is the idle poll cadence. Notifications from the
	// wakeup channel short-circuit it. Default: 5s
	PollInterval time.Duration

	// Visibility is the claim lease duration. Heartbeats fire at a third
	// of it while a handler runs. Default: 120s
	Visibility time.Duration

	// RetryDelay is how long a retryable failure keeps the job invisible
	// before it becomes claimable again. Default: 60s
	RetryDelay time.Duration

	// Logger receives worker lifecycle and failure logs.
	Logger *slog.Logger
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 120 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &cfg
}

// Worker drains one queue with a bounded pool of handlers.
//
// Claim loop: claim, launch the handler with a heartbeat ticker, finalize
// from the handler's error. A worker that dies mid-claim simply stops
// heartbeating; once the lease lapses any worker reclaims the job and
// attempts increments, so poison payloads eventually exceed max_attempts.
type Worker struct {
	store   storage.Store
	handler Handler
	config  *Config
	logger  *slog.Logger

	sem     chan struct{}
	trigger chan struct{}

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates a worker for cfg.Queue. The handler is invoked once
// per claim.
func NewWorker(store storage.Store, handler Handler, cfg *Config) (*Worker, error) {
	if cfg == nil || cfg.Queue == "" {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	cfg = cfg.withDefaults()
	return &Worker{
		store:   store,
		handler: handler,
		config:  cfg,
		logger:  cfg.Logger.With("component", "queue_worker", "queue", string(cfg.Queue), "worker_id", cfg.WorkerID),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		trigger: make(chan struct{}, 1),
	}, nil
}

// Start begins the claim loop.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("worker already started")
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.claimLoop(ctx)

	return nil
}

// Stop drains in-flight handlers and stops the worker.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.started.Load() {
		return nil
	}

	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.started.Store(false)
	return nil
}

// IsRunning reports whether the worker is started.
func (w *Worker) IsRunning() bool {
	return w.started.Load()
}

// Trigger wakes the claim loop ahead of its poll interval. Used by the
// notifier on job_queued notifications; safe to call from any goroutine.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Worker) claimLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		w.drainQueue(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.trigger:
		}
	}
}

// drainQueue claims until the queue is empty or all handler slots are busy.
func (w *Worker) drainQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w.sem <- struct{}{}:
		default:
			return // all slots busy
		}

		job, err := w.store.ClaimNext(ctx, w.config.Queue, w.config.WorkerID, w.config.Visibility)
		if err != nil {
			<-w.sem
			if ctx.Err() == nil {
				w.logger.Error("claim failed", "error", err)
			}
			return
		}
		if job == nil {
			<-w.sem
			return // empty queue
		}

		w.wg.Add(1)
		go func(job *storage.Job) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.process(ctx, job)
		}(job)
	}
}

// process runs the handler for one claim with a live heartbeat.
func (w *Worker) process(ctx context.Context, job *storage.Job) {
	logger := w.logger.With("job_id", job.ID, "attempt", job.Attempts)
	logger.Info("job claimed")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.heartbeat(hbCtx, job.ID)
	}()

	handlerCtx := ctx
	if job.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	err := w.handler(handlerCtx, job)
	stopHeartbeat()

	switch {
	case err == nil:
		if cerr := w.store.CompleteJob(ctx, job.ID, storage.JobSucceeded, nil); cerr != nil {
			logger.Error("failed to finalize job", "error", cerr)
		}
		logger.Info("job succeeded")
	case IsRetryable(err):
		if ferr := w.store.FailJobWithRetry(ctx, job.ID, err.Error(), w.config.RetryDelay, job.MaxAttempts); ferr != nil {
			logger.Error("failed to requeue job", "error", ferr)
			return
		}
		logger.Warn("job failed, will retry", "error", err)
	default:
		fields := map[string]any{"error": err.Error()}
		if cerr := w.store.CompleteJob(ctx, job.ID, storage.JobFailed, fields); cerr != nil {
			logger.Error("failed to finalize job", "error", cerr)
		}
		logger.Error("job failed terminally", "error", err)
	}
}

// heartbeat extends the claim lease at a third of the visibility window
// until the handler returns.
func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	interval := w.config.Visibility / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.HeartbeatJob(ctx, jobID, w.config.WorkerID, w.config.Visibility); err != nil && ctx.Err() == nil {
				w.logger.Warn("heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}
