package finsight

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrInvalidConfig is returned when the orchestrator configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotStarted is returned when calling methods before Start()
	ErrNotStarted = errors.New("orchestrator not started")

	// ErrAlreadyStarted is returned when Start() is called twice
	ErrAlreadyStarted = errors.New("orchestrator already started")

	// ErrSessionNotFound is returned when a session does not exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrMessageNotFound is returned when a message does not exist
	ErrMessageNotFound = errors.New("message not found")

	// ErrAnalysisNotFound is returned when an analysis does not exist
	ErrAnalysisNotFound = errors.New("analysis not found")

	// ErrJobNotFound is returned when a queue job does not exist
	ErrJobNotFound = errors.New("job not found")

	// ErrAnalysisNotPending is returned when an execution references an
	// analysis already finalized
	ErrAnalysisNotPending = errors.New("analysis is not pending")

	// ErrUnparseablePlan is returned when the model's final plan cannot be
	// parsed after the local retry budget
	ErrUnparseablePlan = errors.New("model output is not a valid plan")

	// ErrValidationFailed is returned when script validation fails after the
	// iteration budget
	ErrValidationFailed = errors.New("script validation failed")
)

// OrchestratorError represents an error with additional context
type OrchestratorError struct {
	Op        string         // Operation that failed
	Err       error          // Underlying error
	SessionID string         // Session ID if applicable
	Context   map[string]any // Additional context
}

// Error implements the error interface
func (e *OrchestratorError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s (session=%s): %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// WithContext adds additional context to the error
func (e *OrchestratorError) WithContext(key string, value any) *OrchestratorError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewError creates a new OrchestratorError
func NewError(op string, err error) *OrchestratorError {
	return &OrchestratorError{Op: op, Err: err}
}

// NewSessionError creates a new OrchestratorError with a session ID
func NewSessionError(op, sessionID string, err error) *OrchestratorError {
	return &OrchestratorError{Op: op, Err: err, SessionID: sessionID}
}
