// Package finsight is the orchestration core of a conversational
// financial-analysis backend. It coordinates conversation state, query
// routing, the two-stage durable work queue (analysis generation then
// script execution), progress fan-out to client streams, and a
// content-addressed cache of prior analyses.
//
// The entry points are NewOrchestrator, Orchestrator.Submit and the
// progress Bus exposed by Orchestrator.Progress. Everything else runs in
// the background once Start is called.
package finsight

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/finsightlab/finsight/conversation"
	"github.com/finsightlab/finsight/leadership"
	"github.com/finsightlab/finsight/llm"
	"github.com/finsightlab/finsight/maintenance"
	"github.com/finsightlab/finsight/metrics"
	"github.com/finsightlab/finsight/notifier"
	"github.com/finsightlab/finsight/progress"
	"github.com/finsightlab/finsight/queue"
	"github.com/finsightlab/finsight/reuse"
	"github.com/finsightlab/finsight/router"
	"github.com/finsightlab/finsight/sandbox"
	"github.com/finsightlab/finsight/scriptstore"
	"github.com/finsightlab/finsight/storage"
	"github.com/finsightlab/finsight/vector"
)

// Version is the current finsight version.
const Version = "1.0.0"

// Config holds configuration for the Orchestrator. Store, LM, Sandbox and
// Scripts are required; everything else has a default.
type Config struct {
	// Store is the persistent store gateway (required).
	Store storage.Store

	// LM is the language model collaborator (required).
	LM llm.Client

	// Sandbox executes generated scripts (required).
	Sandbox sandbox.Runner

	// Scripts is the script store collaborator (required).
	Scripts scriptstore.Store

	// Vector is the similarity index. Defaults to an in-memory index.
	Vector vector.Index

	// Pool enables LISTEN/NOTIFY wakeups when set. Without it workers and
	// the progress monitor rely on polling alone.
	Pool *pgxpool.Pool

	// InstanceID identifies this process. Generated when empty.
	InstanceID string

	// Hostname defaults to os.Hostname().
	Hostname string

	// Metadata is stored with the instance registration.
	Metadata map[string]any

	// QueuePollInterval is the worker idle poll cadence. Default: 5s
	QueuePollInterval time.Duration

	// MaxConcurrentAnalyses bounds parallel analysis handlers. Default: 3
	MaxConcurrentAnalyses int

	// MaxConcurrentExecutions bounds parallel execution handlers. Default: 3
	MaxConcurrentExecutions int

	// AnalysisMaxRetries is the attempt budget for analysis jobs. Default: 3
	AnalysisMaxRetries int

	// AnalysisRetryDelay delays a retried analysis job. Default: 60s
	AnalysisRetryDelay time.Duration

	// AnalysisVisibility is the analysis claim lease. Default: 120s
	AnalysisVisibility time.Duration

	// ExecutionVisibility is the execution claim lease. Default: 600s
	ExecutionVisibility time.Duration

	// ExecutionMaxAttempts is the attempt budget for execution jobs.
	// Execution is deterministic on the script, so retries are off by
	// default. Default: 1
	ExecutionMaxAttempts int

	// ExecutionTimeout bounds one sandbox run. Default: 300s
	ExecutionTimeout time.Duration

	// SessionTTL evicts idle conversation stores. Default: 900s
	SessionTTL time.Duration

	// ProgressPollInterval is the progress monitor cadence. Default: 500ms
	ProgressPollInterval time.Duration

	// CacheTTL is the result cache lifetime. Default: 24h
	CacheTTL time.Duration

	// ReuseSimilarityThreshold gates reuse candidates. Default: 0.7
	ReuseSimilarityThreshold float64

	// RouterConfidenceLow downgrades classifications below it. Default: 0.5
	RouterConfidenceLow float64

	// Model overrides the LM client's default model for all calls.
	Model string

	// HeartbeatInterval refreshes the instance registration. Default: 30s
	HeartbeatInterval time.Duration

	// CleanupInterval runs the leader maintenance sweeps. Default: 60s
	CleanupInterval time.Duration

	// Metrics receives operational counters when set.
	Metrics *metrics.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.QueuePollInterval <= 0 {
		c.QueuePollInterval = 5 * time.Second
	}
	if c.MaxConcurrentAnalyses <= 0 {
		c.MaxConcurrentAnalyses = 3
	}
	if c.MaxConcurrentExecutions <= 0 {
		c.MaxConcurrentExecutions = 3
	}
	if c.AnalysisMaxRetries <= 0 {
		c.AnalysisMaxRetries = 3
	}
	if c.AnalysisRetryDelay <= 0 {
		c.AnalysisRetryDelay = 60 * time.Second
	}
	if c.AnalysisVisibility <= 0 {
		c.AnalysisVisibility = 120 * time.Second
	}
	if c.ExecutionVisibility <= 0 {
		c.ExecutionVisibility = 600 * time.Second
	}
	if c.ExecutionMaxAttempts <= 0 {
		c.ExecutionMaxAttempts = 1
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 300 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = conversation.DefaultTTL
	}
	if c.ProgressPollInterval <= 0 {
		c.ProgressPollInterval = progress.DefaultPollInterval
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.ReuseSimilarityThreshold <= 0 {
		c.ReuseSimilarityThreshold = reuse.DefaultSimilarityThreshold
	}
	if c.RouterConfidenceLow <= 0 {
		c.RouterConfidenceLow = router.DefaultConfidenceLow
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = maintenance.DefaultHeartbeatInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = maintenance.DefaultCleanupInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Orchestrator wires the store, the queue workers, the progress bus, the
// session cache, the router and the reuse evaluator into one value. Tests
// instantiate fresh orchestrators; there is no process-global state.
type Orchestrator struct {
	config     *Config
	store      storage.Store
	lm         llm.Client
	sandbox    sandbox.Runner
	scripts    scriptstore.Store
	vector     vector.Index
	instanceID string
	logger     *slog.Logger
	metrics    *metrics.Metrics

	sessions *conversation.Cache
	router   *router.Router
	reuse    *reuse.Evaluator
	bus      *progress.Bus
	locks    *sessionLocks

	analysisWorker  *queue.Worker
	executionWorker *queue.Worker

	heartbeat *maintenance.Heartbeat
	cleanup   *maintenance.Cleanup
	elector   *leadership.Elector
	notif     *notifier.Notifier

	started atomic.Bool
	cancel  context.CancelFunc
}

// NewOrchestrator creates an orchestrator from the configuration. Nothing
// runs until Start is called.
func NewOrchestrator(config *Config) (*Orchestrator, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: config is required", ErrInvalidConfig)
	}
	cfg := *config
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if cfg.LM == nil {
		return nil, fmt.Errorf("%w: LM client is required", ErrInvalidConfig)
	}
	if cfg.Sandbox == nil {
		return nil, fmt.Errorf("%w: sandbox runner is required", ErrInvalidConfig)
	}
	if cfg.Scripts == nil {
		return nil, fmt.Errorf("%w: script store is required", ErrInvalidConfig)
	}
	cfg.withDefaults()

	if cfg.Vector == nil {
		cfg.Vector = vector.NewMemoryIndex()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	if cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			cfg.Hostname = "unknown"
		} else {
			cfg.Hostname = h
		}
	}

	o := &Orchestrator{
		config:     &cfg,
		store:      cfg.Store,
		lm:         cfg.LM,
		sandbox:    cfg.Sandbox,
		scripts:    cfg.Scripts,
		vector:     cfg.Vector,
		instanceID: cfg.InstanceID,
		logger:     cfg.Logger.With("component", "orchestrator", "instance_id", cfg.InstanceID),
		metrics:    cfg.Metrics,
		locks:      newSessionLocks(),
	}

	o.sessions = conversation.NewCache(cfg.Store, cfg.SessionTTL)
	o.router = router.New(cfg.LM, &router.Config{
		ConfidenceLow: cfg.RouterConfidenceLow,
		Model:         cfg.Model,
		Logger:        cfg.Logger,
	})
	o.reuse = reuse.New(cfg.LM, &reuse.Config{
		SimilarityThreshold: cfg.ReuseSimilarityThreshold,
		Model:               cfg.Model,
		Logger:              cfg.Logger,
	})
	o.bus = progress.NewBus(cfg.Store, &progress.Config{
		PollInterval: cfg.ProgressPollInterval,
		Logger:       cfg.Logger,
	})

	var err error
	o.analysisWorker, err = queue.NewWorker(cfg.Store, o.handleAnalysisJob, &queue.Config{
		Queue:         storage.QueueAnalysis,
		WorkerID:      cfg.InstanceID,
		MaxConcurrent: cfg.MaxConcurrentAnalyses,
		PollInterval:  cfg.QueuePollInterval,
		Visibility:    cfg.AnalysisVisibility,
		RetryDelay:    cfg.AnalysisRetryDelay,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build analysis worker: %w", err)
	}
	o.executionWorker, err = queue.NewWorker(cfg.Store, o.handleExecutionJob, &queue.Config{
		Queue:         storage.QueueExecution,
		WorkerID:      cfg.InstanceID,
		MaxConcurrent: cfg.MaxConcurrentExecutions,
		PollInterval:  cfg.QueuePollInterval,
		Visibility:    cfg.ExecutionVisibility,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build execution worker: %w", err)
	}

	o.heartbeat = maintenance.NewHeartbeat(cfg.Store, cfg.InstanceID, cfg.HeartbeatInterval, cfg.Logger)
	o.elector = leadership.NewElector(cfg.Store, cfg.InstanceID, nil, leadership.Callbacks{
		OnBecameLeader: func(ctx context.Context) {
			o.logger.Info("became maintenance leader")
		},
		OnLostLeadership: func(ctx context.Context) {
			o.logger.Info("lost maintenance leadership")
		},
	})
	o.cleanup = maintenance.NewCleanup(cfg.Store, &maintenance.CleanupConfig{
		Interval: cfg.CleanupInterval,
		Logger:   cfg.Logger,
		SweepSessions: func() int {
			n := o.sessions.Sweep()
			o.locks.sweep(cfg.SessionTTL)
			if o.metrics != nil {
				o.metrics.CachedSessions.Set(float64(o.sessions.Len()))
			}
			return n
		},
	}, o.elector.IsLeader)

	if cfg.Pool != nil {
		pool := cfg.Pool
		o.notif = notifier.NewNotifier(func(ctx context.Context) (notifier.Listener, error) {
			return notifier.NewPoolListener(ctx, pool)
		}, notifier.NewPoolSender(pool), nil)
		o.notif.Subscribe(storage.ChannelJobQueued, func(ev *notifier.Event) {
			switch storage.Queue(ev.Payload) {
			case storage.QueueAnalysis:
				o.analysisWorker.Trigger()
			case storage.QueueExecution:
				o.executionWorker.Trigger()
			default:
				o.analysisWorker.Trigger()
				o.executionWorker.Trigger()
			}
		})
		o.notif.Subscribe(storage.ChannelProgress, func(ev *notifier.Event) {
			o.bus.Trigger()
		})
	}

	return o, nil
}

// Start registers the instance and brings up the background services:
// heartbeat, leader election, cleanup, notifier, progress bus and the two
// queue workers.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, o.cancel = context.WithCancel(ctx)

	if err := o.store.RegisterInstance(ctx, &storage.Instance{
		ID:       o.instanceID,
		Hostname: o.config.Hostname,
		PID:      os.Getpid(),
		Version:  Version,
		Metadata: o.config.Metadata,
	}); err != nil {
		o.started.Store(false)
		return fmt.Errorf("failed to register instance: %w", err)
	}

	type service struct {
		name  string
		start func(context.Context) error
		stop  func(context.Context) error
	}
	services := []service{
		{"heartbeat", o.heartbeat.Start, o.heartbeat.Stop},
		{"elector", o.elector.Start, o.elector.Stop},
		{"cleanup", o.cleanup.Start, o.cleanup.Stop},
		{"progress bus", o.bus.Start, o.bus.Stop},
		{"analysis worker", o.analysisWorker.Start, o.analysisWorker.Stop},
		{"execution worker", o.executionWorker.Start, o.executionWorker.Stop},
	}
	if o.notif != nil {
		services = append(services, service{"notifier", o.notif.Start, o.notif.Stop})
	}

	for i, svc := range services {
		if err := svc.start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = services[j].stop(ctx)
			}
			o.started.Store(false)
			return fmt.Errorf("failed to start %s: %w", svc.name, err)
		}
	}

	o.logger.Info("orchestrator started", "version", Version)
	return nil
}

// Stop shuts the background services down in reverse order and
// deregisters the instance.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.started.Load() {
		return ErrNotStarted
	}

	if o.notif != nil && o.notif.IsRunning() {
		_ = o.notif.Stop(ctx)
	}
	if o.executionWorker.IsRunning() {
		_ = o.executionWorker.Stop(ctx)
	}
	if o.analysisWorker.IsRunning() {
		_ = o.analysisWorker.Stop(ctx)
	}
	_ = o.bus.Stop(ctx)
	_ = o.cleanup.Stop(ctx)
	_ = o.elector.Stop(ctx)
	_ = o.heartbeat.Stop(ctx)

	_ = o.store.DeregisterInstance(ctx, o.instanceID)

	if o.cancel != nil {
		o.cancel()
	}
	o.started.Store(false)
	o.logger.Info("orchestrator stopped")
	return nil
}

// IsRunning reports whether Start has been called.
func (o *Orchestrator) IsRunning() bool {
	return o.started.Load()
}

// IsLeader reports whether this instance runs the maintenance sweeps.
func (o *Orchestrator) IsLeader() bool {
	return o.elector.IsLeader()
}

// InstanceID returns this process's registration id.
func (o *Orchestrator) InstanceID() string {
	return o.instanceID
}

// Store exposes the persistent store gateway.
func (o *Orchestrator) Store() storage.Store {
	return o.store
}

// Progress exposes the progress bus for stream subscriptions.
func (o *Orchestrator) Progress() *progress.Bus {
	return o.bus
}

// WakeWorkers nudges both queue workers ahead of their poll interval. The
// admin requeue surface calls it after resetting a job.
func (o *Orchestrator) WakeWorkers() {
	o.analysisWorker.Trigger()
	o.executionWorker.Trigger()
}

// publish appends a progress event and wakes the monitor. Publish failures
// are logged, not propagated; progress is advisory.
func (o *Orchestrator) publish(ctx context.Context, ev *storage.ProgressEvent) {
	if err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Warn("failed to publish progress event",
			"session_id", ev.SessionID, "type", ev.Type, "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.RecordEvent("appended")
	}
}
