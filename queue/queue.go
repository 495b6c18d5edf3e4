// Package queue is the durable work queue substrate. Two queues exist,
// analysis and execution, both built on the store's atomic claim. The
// package owns the payload shapes, the enqueue contract and the shared
// worker loop; queue-specific handlers live with the orchestrator.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/finsightlab/finsight/storage"
)

// AnalysisJob is the payload of a job on the analysis queue.
type AnalysisJob struct {
	AnalysisRequestID string  `json:"analysis_request_id"`
	SessionID         string  `json:"session_id"`
	UserID            string  `json:"user_id"`
	MessageID         string  `json:"message_id"`
	UserText          string  `json:"user_text"`
	ExpandedText      string  `json:"expanded_text"`
	ReuseHint         *string `json:"reuse_hint,omitempty"`
}

// ExecutionJob is the payload of a job on the execution queue.
type ExecutionJob struct {
	ExecutionID string         `json:"execution_id"`
	AnalysisID  string         `json:"analysis_id"`
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	MessageID   string         `json:"message_id"`
	Question    string         `json:"question"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// EnqueueOptions control job placement. Zero values take the enqueue
// contract defaults: priority 2, one attempt, no handler timeout.
type EnqueueOptions struct {
	Priority       int
	MaxAttempts    int
	TimeoutSeconds int
}

// EnqueueAnalysis places an analysis job. Idempotency is the caller's
// responsibility; callers that need exactly-once supply the request id and
// consult it before enqueueing.
func EnqueueAnalysis(ctx context.Context, store storage.Store, payload *AnalysisJob, opts EnqueueOptions) (string, error) {
	return enqueue(ctx, store, storage.QueueAnalysis, payload.SessionID, payload, opts)
}

// EnqueueExecution places an execution job.
func EnqueueExecution(ctx context.Context, store storage.Store, payload *ExecutionJob, opts EnqueueOptions) (string, error) {
	return enqueue(ctx, store, storage.QueueExecution, payload.SessionID, payload, opts)
}

func enqueue(ctx context.Context, store storage.Store, queue storage.Queue, sessionID string, payload any, opts EnqueueOptions) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", queue, err)
	}

	job := &storage.Job{
		Queue:          queue,
		SessionID:      sessionID,
		Priority:       opts.Priority,
		MaxAttempts:    opts.MaxAttempts,
		TimeoutSeconds: opts.TimeoutSeconds,
		Payload:        body,
	}
	if err := store.EnqueueJob(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// RetryableError marks a handler failure as transient. The worker requeues
// the job with the configured delay instead of finalizing it.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the worker retries the job.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is marked transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
