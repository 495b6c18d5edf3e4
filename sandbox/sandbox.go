// Package sandbox is the client for the script execution collaborator: an
// external subprocess runner invoked over HTTP.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrTimeout reports that the sandbox did not answer within the job's
// timeout budget.
var ErrTimeout = errors.New("sandbox execution timed out")

// Result is the sandbox's structured outcome.
type Result struct {
	Success       bool    `json:"success"`
	Data          any     `json:"data,omitempty"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time,omitempty"` // seconds
}

// Runner executes a script with a parameter binding.
type Runner interface {
	Execute(ctx context.Context, script string, parameters map[string]any, timeout time.Duration) (*Result, error)
}

// HTTPRunner talks to a sandbox service's POST /execute endpoint.
type HTTPRunner struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRunner creates a runner for the sandbox at baseURL. A nil client
// uses http.DefaultClient; per-call timeouts come from Execute.
func NewHTTPRunner(baseURL string, client *http.Client) *HTTPRunner {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRunner{baseURL: baseURL, client: client}
}

type executeRequest struct {
	Script         string         `json:"script"`
	Parameters     map[string]any `json:"parameters"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// Execute posts the script and waits for the structured result. A timeout,
// whether enforced locally or reported by the sandbox, surfaces as
// ErrTimeout.
func (r *HTTPRunner) Execute(ctx context.Context, script string, parameters map[string]any, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(executeRequest{
		Script:         script,
		Parameters:     parameters,
		TimeoutSeconds: int(timeout.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sandbox returned %d: %s", resp.StatusCode, payload)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox response: %w", err)
	}
	return &result, nil
}

var _ Runner = (*HTTPRunner)(nil)
