package finsight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/finsightlab/finsight/internal/cachekey"
	"github.com/finsightlab/finsight/queue"
	"github.com/finsightlab/finsight/sandbox"
	"github.com/finsightlab/finsight/storage"
)

// handleExecutionJob consumes one claim from the execution queue: run the
// analysis script in the sandbox, finalize the Analysis, cache the result
// and write the assistant's reply.
//
// Sandbox transport failures come back retryable; a timeout or a script
// failure finalizes the analysis as failed. Execution jobs default to one
// attempt, so a finalized failure is normally the end of the road.
func (o *Orchestrator) handleExecutionJob(ctx context.Context, job *storage.Job) error {
	var payload queue.ExecutionJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid execution payload: %w", err)
	}

	logger := o.logger.With("component", "execution_worker",
		"session_id", payload.SessionID, "analysis_id", payload.AnalysisID)

	analysis, err := o.store.GetAnalysis(ctx, payload.AnalysisID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrAnalysisNotFound, payload.AnalysisID)
	}
	if analysis.Status != storage.AnalysisPending {
		// A reclaimed job whose first claim already finalized the analysis.
		logger.Warn("analysis already finalized, skipping", "status", analysis.Status)
		return nil
	}

	script, err := o.scripts.ReadScript(analysis.ID)
	if err != nil {
		script = analysis.GeneratedScript
	}
	if strings.TrimSpace(script) == "" {
		o.failExecution(ctx, &payload, "analysis has no script")
		return fmt.Errorf("analysis %s has no script", analysis.ID)
	}

	_ = o.store.UpdateMessageStatus(ctx, payload.MessageID, storage.MessageExecutionRunning, nil)
	o.publish(ctx, &storage.ProgressEvent{
		SessionID: payload.SessionID,
		Type:      storage.EventExecutionStatus,
		Level:     storage.LevelInfo,
		Message:   "execution running",
		Details:   map[string]any{"status": "running", "message_id": payload.MessageID, "analysis_id": analysis.ID},
	})

	timeout := time.Duration(job.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = o.config.ExecutionTimeout
	}

	started := time.Now()
	res, err := o.sandbox.Execute(ctx, script, payload.Parameters, timeout)
	elapsed := time.Since(started)
	if o.metrics != nil {
		status := "success"
		switch {
		case errors.Is(err, sandbox.ErrTimeout):
			status = "timeout"
		case err != nil || (res != nil && !res.Success):
			status = "error"
		}
		o.metrics.RecordSandboxExecution(status, elapsed.Seconds())
	}
	if err != nil {
		if errors.Is(err, sandbox.ErrTimeout) {
			o.failExecution(ctx, &payload, "timeout")
			return fmt.Errorf("execution of analysis %s timed out", analysis.ID)
		}
		// Transport failure: the sandbox never saw the script, the analysis
		// stays pending for the next attempt.
		return queue.Retryable(fmt.Errorf("sandbox request failed: %w", err))
	}
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "script execution failed"
		}
		o.failExecution(ctx, &payload, reason)
		return fmt.Errorf("execution of analysis %s failed: %s", analysis.ID, reason)
	}

	result := resultMap(res.Data)
	executionMs := elapsed.Milliseconds()
	if res.ExecutionTime > 0 {
		executionMs = int64(res.ExecutionTime * 1000)
	}

	if err := o.store.UpdateAnalysis(ctx, analysis.ID, map[string]any{
		"result":            result,
		"status":            storage.AnalysisSuccess,
		"execution_time_ms": executionMs,
	}); err != nil {
		return queue.Retryable(fmt.Errorf("failed to finalize analysis: %w", err))
	}
	analysis, err = o.store.GetAnalysis(ctx, analysis.ID)
	if err != nil {
		return queue.Retryable(err)
	}

	if err := o.store.CachePut(ctx, &storage.CacheEntry{
		Key:        cachekey.For(payload.Question, nil),
		Result:     result,
		AnalysisID: &analysis.ID,
		ExpiresAt:  time.Now().Add(o.config.CacheTTL),
	}); err != nil {
		logger.Warn("failed to cache result", "error", err)
	}

	reply := formatResult(analysis, result)
	assistant := &storage.ChatMessage{
		SessionID:        payload.SessionID,
		Role:             "assistant",
		Content:          reply,
		AnalysisID:       &analysis.ID,
		AnalysisSnapshot: analysis,
		Status:           storage.MessageCompleted,
	}
	if err := o.store.CreateMessage(ctx, assistant); err != nil {
		return queue.Retryable(fmt.Errorf("failed to write reply: %w", err))
	}
	if err := o.store.UpdateMessageStatus(ctx, payload.MessageID, storage.MessageCompleted, nil); err != nil {
		return queue.Retryable(err)
	}
	o.completeTurn(payload.SessionID, reply)

	o.publish(ctx, &storage.ProgressEvent{
		SessionID: payload.SessionID,
		Type:      storage.EventExecutionStatus,
		Level:     storage.LevelInfo,
		Message:   "execution completed",
		Details: map[string]any{
			"status":            "completed",
			"message_id":        payload.MessageID,
			"analysis_id":       analysis.ID,
			"execution_time_ms": executionMs,
		},
	})

	logger.Info("execution completed", "execution_time_ms", executionMs)
	return nil
}

// failExecution finalizes the analysis and the user message after a
// terminal sandbox outcome.
func (o *Orchestrator) failExecution(ctx context.Context, payload *queue.ExecutionJob, reason string) {
	_ = o.store.UpdateAnalysis(ctx, payload.AnalysisID, map[string]any{
		"status": storage.AnalysisFailed,
		"error":  reason,
	})
	_ = o.store.UpdateMessageStatus(ctx, payload.MessageID, storage.MessageExecutionFailed, map[string]any{
		"metadata": map[string]any{"error": reason},
	})
	o.publish(ctx, &storage.ProgressEvent{
		SessionID: payload.SessionID,
		Type:      storage.EventExecutionStatus,
		Level:     storage.LevelError,
		Message:   "execution failed",
		Details: map[string]any{
			"status":      "failed",
			"message_id":  payload.MessageID,
			"analysis_id": payload.AnalysisID,
			"error":       reason,
		},
	})
}

// resultMap normalizes the sandbox's data payload into the Analysis result
// shape. Non-object payloads are wrapped under "value".
func resultMap(data any) map[string]any {
	switch v := data.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	default:
		return map[string]any{"value": v}
	}
}

// formatResult renders a completed analysis as the assistant's markdown
// reply.
func formatResult(analysis *storage.Analysis, result map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n\n", analysis.Title)
	if analysis.Description != "" {
		b.WriteString(analysis.Description)
		b.WriteString("\n")
	}
	b.WriteString(formatResultLines(result))
	return b.String()
}

// formatResultLines renders a result map as a markdown bullet list in
// stable key order. Nested values fall back to compact JSON.
func formatResultLines(result map[string]any) string {
	if len(result) == 0 {
		return ""
	}

	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("\n")
	for _, k := range keys {
		switch v := result[k].(type) {
		case string:
			fmt.Fprintf(&b, "- **%s**: %s\n", k, v)
		case float64:
			fmt.Fprintf(&b, "- **%s**: %.4g\n", k, v)
		case bool, int, int64:
			fmt.Fprintf(&b, "- **%s**: %v\n", k, v)
		default:
			if enc, err := json.Marshal(v); err == nil {
				fmt.Fprintf(&b, "- **%s**: %s\n", k, enc)
			} else {
				fmt.Fprintf(&b, "- **%s**: %v\n", k, v)
			}
		}
	}
	return b.String()
}
