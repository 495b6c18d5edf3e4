// Package storage is the persistent store gateway. It is the only package
// that touches durable state; every operation is either a pure read or a
// single atomic write. Higher layers (queue, progress, dispatcher, workers)
// compose these primitives and own ordering and retry policy.
package storage

import (
	"context"
	"time"
)

// Queue names for the two durable work queues.
type Queue string

const (
	QueueAnalysis  Queue = "analysis"
	QueueExecution Queue = "execution"
)

// JobStatus is the lifecycle state of a queue job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobTimeout   JobStatus = "timeout"
)

// Terminal reports whether a job in this status is ineligible for further claims.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobTimeout
}

// MessageStatus tracks a chat message through the analysis pipeline.
type MessageStatus string

const (
	MessagePending            MessageStatus = "pending"
	MessageAnalysisStarted    MessageStatus = "analysis_started"
	MessageAnalysisCompleted  MessageStatus = "analysis_completed"
	MessageAnalysisFailed     MessageStatus = "analysis_failed"
	MessageExecutionQueued    MessageStatus = "execution_queued"
	MessageExecutionRunning   MessageStatus = "execution_running"
	MessageExecutionCompleted MessageStatus = "execution_completed"
	MessageExecutionFailed    MessageStatus = "execution_failed"
	MessageCompleted          MessageStatus = "completed"
	MessageFailed             MessageStatus = "failed"
)

// QueryType classifies a user turn relative to the ongoing dialogue.
type QueryType string

const (
	QueryUnknown     QueryType = "unknown"
	QueryComplete    QueryType = "complete"
	QueryContextual  QueryType = "contextual"
	QueryComparative QueryType = "comparative"
	QueryParameter   QueryType = "parameter"
)

// AnalysisStatus is the lifecycle state of an analysis.
type AnalysisStatus string

const (
	AnalysisPending AnalysisStatus = "pending"
	AnalysisSuccess AnalysisStatus = "success"
	AnalysisFailed  AnalysisStatus = "failed"
)

// Progress event types and levels.
const (
	EventExecutionStatus = "execution_status"
	EventGeneric         = "generic"

	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// User owns sessions and analyses.
type User struct {
	ID          string         `json:"id"`
	Identity    string         `json:"identity"`
	DisplayName string         `json:"display_name"`
	Preferences map[string]any `json:"preferences"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ChatSession is one conversation. The session's message list is the durable
// truth; any in-memory conversation projection is derived from it.
type ChatSession struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	MessageIDs  []string  `json:"message_ids"`
	AnalysisIDs []string  `json:"analysis_ids"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChatMessage is one durable turn in a session.
//
// An assistant message either has no analysis or exactly one authoritative
// AnalysisID; AnalysisSnapshot is an immutable copy written for display and
// is never read back as the source of truth.
type ChatMessage struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	Role             string         `json:"role"` // user, assistant, system
	Content          string         `json:"content"`
	AnalysisID       *string        `json:"analysis_id,omitempty"`
	AnalysisSnapshot *Analysis      `json:"analysis,omitempty"`
	GeneratedScript  *string        `json:"generated_script,omitempty"`
	ToolsInvoked     []string       `json:"tools_invoked,omitempty"`
	Status           MessageStatus  `json:"status"`
	QueryType        QueryType      `json:"query_type,omitempty"`        // user turns only
	OriginalQuestion string         `json:"original_question,omitempty"` // user turns only, equals Content
	ExpandedText     string         `json:"expanded_text,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Analysis is a computation definition (script + parameters) and its outcome.
type Analysis struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Category        string         `json:"category"`
	Parameters      map[string]any `json:"parameters"`
	GeneratedScript string         `json:"generated_script"`
	MCPCalls        []string       `json:"mcp_calls"`
	DataSources     []string       `json:"data_sources"`
	Result          map[string]any `json:"result,omitempty"`
	Status          AnalysisStatus `json:"status"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	IsTemplate      bool           `json:"is_template"`
	SimilarQueries  []string       `json:"similar_queries,omitempty"`
	ReuseCount      int            `json:"reuse_count"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Job is a durable queue entry. Payload carries the queue-specific body
// (queue.AnalysisJob or queue.ExecutionJob) as JSON.
//
// A claim is an exclusive lease: at most one worker holds one at a time,
// enforced by the atomic ClaimNext. A job in running state always has
// ClaimedBy and VisibleAfter set; once VisibleAfter passes without a
// heartbeat the claim is dead and any worker may reclaim.
type Job struct {
	ID             string     `json:"id"`
	Queue          Queue      `json:"queue"`
	SessionID      string     `json:"session_id"`
	Status         JobStatus  `json:"status"`
	Priority       int        `json:"priority"` // 1=high, 3=low
	Payload        []byte     `json:"payload"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	VisibleAfter   time.Time  `json:"visible_after"`
	ClaimedBy      *string    `json:"claimed_by,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FinalizedAt    *time.Time `json:"finalized_at,omitempty"`
}

// ProgressEvent is one element of the append-only per-session notification
// log. Processed is a fan-out cursor marker, not a delivery guarantee.
type ProgressEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Processed bool           `json:"processed"`
	Timestamp time.Time      `json:"timestamp"`
}

// CacheEntry is a content-addressed reuse cache record.
type CacheEntry struct {
	Key        string         `json:"key"`
	Result     map[string]any `json:"result"`
	AnalysisID *string        `json:"analysis_id,omitempty"`
	ExpiresAt  time.Time      `json:"expires_at"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Instance is a registered worker process.
type Instance struct {
	ID            string         `json:"id"`
	Hostname      string         `json:"hostname"`
	PID           int            `json:"pid"`
	Version       string         `json:"version"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
}

// Store is the typed gateway over durable state.
//
// ClaimNext is the only compound operation: the find-and-update of a single
// job is atomic, so two workers never observe the same job as claimed. Every
// other method is a plain read or a single-document write; status ordering
// is enforced by callers.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// Sessions
	CreateSession(ctx context.Context, userID, title string) (string, error)
	GetSession(ctx context.Context, id string) (*ChatSession, error)

	// Messages
	CreateMessage(ctx context.Context, msg *ChatMessage) error
	GetMessage(ctx context.Context, id string) (*ChatMessage, error)
	// UpdateMessageStatus writes the status plus any extra fields
	// (analysis_id, expanded_text, query_type, generated_script, metadata).
	// Transitions are unguarded; ordering belongs to the caller.
	UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, extra map[string]any) error
	// ListSessionMessages returns the last limit messages in insertion order.
	ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error)

	// Analyses
	CreateAnalysis(ctx context.Context, a *Analysis) error
	GetAnalysis(ctx context.Context, id string) (*Analysis, error)
	UpdateAnalysis(ctx context.Context, id string, fields map[string]any) error
	ListUserAnalyses(ctx context.Context, userID string, limit int) ([]*Analysis, error)

	// Queue jobs
	EnqueueJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// ClaimNext atomically claims the next eligible job: status queued, or
	// running with an expired visibility deadline (reclaim). Returns
	// (nil, nil) when the queue is empty. Attempts increments on claim.
	ClaimNext(ctx context.Context, queue Queue, workerID string, visibility time.Duration) (*Job, error)
	// HeartbeatJob extends the visibility deadline iff the claim is still
	// held by workerID; otherwise it is a no-op.
	HeartbeatJob(ctx context.Context, jobID, workerID string, visibility time.Duration) error
	// CompleteJob writes a terminal status and makes the job ineligible for
	// further claims.
	CompleteJob(ctx context.Context, jobID string, status JobStatus, fields map[string]any) error
	// FailJobWithRetry requeues the job after delay if attempts < maxAttempts,
	// recording lastError; otherwise it finalizes the job as failed.
	FailJobWithRetry(ctx context.Context, jobID string, lastError string, delay time.Duration, maxAttempts int) error
	// RequeueJob resets a terminal job to queued (admin surface).
	RequeueJob(ctx context.Context, jobID string) error

	// Progress events
	AppendProgressEvent(ctx context.Context, ev *ProgressEvent) error
	// PollUnprocessedEvents returns events with processed=false in timestamp order.
	PollUnprocessedEvents(ctx context.Context, limit int) ([]*ProgressEvent, error)
	MarkEventProcessed(ctx context.Context, id string) error
	// ListSessionEvents returns a session's events in append order.
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]*ProgressEvent, error)

	// Result cache
	// CacheGet returns nil for a miss or an expired entry.
	CacheGet(ctx context.Context, key string) (*CacheEntry, error)
	CachePut(ctx context.Context, entry *CacheEntry) error
	CacheInvalidateByAnalysis(ctx context.Context, analysisID string) error

	// Instance registry
	RegisterInstance(ctx context.Context, inst *Instance) error
	HeartbeatInstance(ctx context.Context, instanceID string) error
	DeregisterInstance(ctx context.Context, instanceID string) error
	DeleteStaleInstances(ctx context.Context, olderThan time.Duration) (int64, error)

	// Leadership
	// AcquireLeadership takes or renews the named lease for instanceID.
	AcquireLeadership(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error)
	ReleaseLeadership(ctx context.Context, name, instanceID string) error

	// Maintenance
	PurgeExpiredCache(ctx context.Context) (int64, error)
	PruneProcessedEvents(ctx context.Context, olderThan time.Duration) (int64, error)
	// FailPoisonJobs finalizes running jobs whose lease expired after the
	// attempt budget was spent; returns the number finalized.
	FailPoisonJobs(ctx context.Context, queue Queue) (int64, error)

	Ping(ctx context.Context) error
}
