package finsight

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/finsightlab/finsight/llm"
	"github.com/finsightlab/finsight/queue"
	"github.com/finsightlab/finsight/scriptstore"
	"github.com/finsightlab/finsight/storage"
	"github.com/finsightlab/finsight/vector"
)

// Analysis planning budgets. Transport failures are retried at the queue
// level; these bound the local conversation with the model.
const (
	maxPlanIterations      = 10
	maxParseRetries        = 2
	maxValidationFailures  = 3
	analysisCallMaxTokens  = 4096
	analysisRequestTimeout = 120 * time.Second
)

const analysisSystemPrompt = `You plan a financial analysis script. You may use the provided tools to
write, read and validate the script and to look up analytics function
documentation. Do not fetch data or compute results here; the script does
that when it runs.

When the script is saved and validated, reply with only a JSON object:
{"script_name": "...", "title": "...", "category": "...",
 "description": "...", "parameters": {...}, "data_sources": [...]}

category is one of: volatility, momentum, correlation, valuation,
screening, other. parameters is the binding the script runs with.`

// analysisTools is the planning tool catalog. Data-fetch and compute tools
// are deliberately absent; a call to anything else is refused.
var analysisTools = []llm.Tool{
	{
		Name:        "write_script",
		Description: "Save a script under a name in the script store.",
		InputSchema: map[string]any{
			"name":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		Required: []string{"name", "content"},
	},
	{
		Name:        "read_script",
		Description: "Read a previously saved script.",
		InputSchema: map[string]any{
			"name": map[string]any{"type": "string"},
		},
		Required: []string{"name"},
	},
	{
		Name:        "validate_script",
		Description: "Validate a saved script. Returns ok or the validation error.",
		InputSchema: map[string]any{
			"name": map[string]any{"type": "string"},
		},
		Required: []string{"name"},
	},
	{
		Name:        "lookup_docs",
		Description: "Look up the docstring of an analytics catalog function.",
		InputSchema: map[string]any{
			"function": map[string]any{"type": "string"},
		},
		Required: []string{"function"},
	},
}

// docsCatalog is the analytics functions the planner may consult.
var docsCatalog = map[string]string{
	"fetch_prices":       "fetch_prices(symbols, period, interval) -> DataFrame of OHLCV bars per symbol.",
	"volatility":         "volatility(prices, window) -> annualized rolling standard deviation of returns.",
	"moving_average":     "moving_average(prices, window, kind='simple') -> rolling mean series.",
	"rsi":                "rsi(prices, period=14) -> relative strength index series in [0, 100].",
	"correlation_matrix": "correlation_matrix(prices) -> pairwise return correlations.",
	"rank_by":            "rank_by(frame, column, top_n, ascending=False) -> top rows by column.",
}

// analysisPlan is the model's terminal structured response.
type analysisPlan struct {
	ScriptName  string         `json:"script_name"`
	Title       string         `json:"title"`
	Category    string         `json:"category"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	DataSources []string       `json:"data_sources"`
}

// handleAnalysisJob consumes one claim from the analysis queue: drive the
// model to a validated script plus parameter binding, persist the Analysis
// in pending, and hand off to the execution queue.
func (o *Orchestrator) handleAnalysisJob(ctx context.Context, job *storage.Job) error {
	started := time.Now()
	var payload queue.AnalysisJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid analysis payload: %w", err)
	}

	logger := o.logger.With("component", "analysis_worker",
		"session_id", payload.SessionID, "message_id", payload.MessageID)

	_ = o.store.UpdateMessageStatus(ctx, payload.MessageID, storage.MessageAnalysisStarted, nil)
	o.publish(ctx, &storage.ProgressEvent{
		SessionID: payload.SessionID,
		Type:      storage.EventGeneric,
		Level:     storage.LevelInfo,
		Message:   "analysis started",
		Details:   map[string]any{"message_id": payload.MessageID},
	})

	plan, toolsInvoked, script, err := o.planAnalysis(ctx, &payload, logger)
	if err != nil {
		if queue.IsRetryable(err) {
			return err
		}
		o.failAnalysis(ctx, &payload, err)
		return err
	}

	analysis := &storage.Analysis{
		UserID:          payload.UserID,
		Title:           plan.Title,
		Description:     plan.Description,
		Category:        plan.Category,
		Parameters:      plan.Parameters,
		GeneratedScript: script,
		MCPCalls:        toolsInvoked,
		DataSources:     plan.DataSources,
		Status:          storage.AnalysisPending,
	}
	if err := o.store.CreateAnalysis(ctx, analysis); err != nil {
		return queue.Retryable(fmt.Errorf("failed to persist analysis: %w", err))
	}
	// Canonical copy under the analysis id; the execution worker reads it
	// back by this name.
	if err := o.scripts.WriteScript(analysis.ID, script, map[string]any{
		"analysis_id": analysis.ID,
		"title":       plan.Title,
		"category":    plan.Category,
	}); err != nil {
		return queue.Retryable(fmt.Errorf("failed to store script: %w", err))
	}
	if err := o.vector.Save(ctx, vector.Document{
		ID:   analysis.ID,
		Text: payload.ExpandedText + " " + plan.Title + " " + plan.Description,
		Metadata: map[string]any{
			"title":      plan.Title,
			"category":   plan.Category,
			"parameters": plan.Parameters,
		},
	}); err != nil {
		logger.Warn("failed to index analysis", "analysis_id", analysis.ID, "error", err)
	}

	if err := o.store.UpdateMessageStatus(ctx, payload.MessageID, storage.MessageAnalysisCompleted, map[string]any{
		"analysis_id":     analysis.ID,
		"generated_script": script,
		"tools_invoked":   toolsInvoked,
	}); err != nil {
		return queue.Retryable(err)
	}

	_, err = queue.EnqueueExecution(ctx, o.store, &queue.ExecutionJob{
		ExecutionID: uuid.New().String(),
		AnalysisID:  analysis.ID,
		SessionID:   payload.SessionID,
		UserID:      payload.UserID,
		MessageID:   payload.MessageID,
		Question:    payload.ExpandedText,
		Parameters:  plan.Parameters,
	}, queue.EnqueueOptions{
		MaxAttempts:    o.config.ExecutionMaxAttempts,
		TimeoutSeconds: int(o.config.ExecutionTimeout.Seconds()),
	})
	if err != nil {
		return queue.Retryable(fmt.Errorf("failed to enqueue execution: %w", err))
	}
	if o.metrics != nil {
		o.metrics.RecordJob(string(storage.QueueExecution), "enqueued")
		o.metrics.RecordJobDuration(string(storage.QueueAnalysis), time.Since(started).Seconds())
	}
	o.executionWorker.Trigger()

	_ = o.store.UpdateMessageStatus(ctx, payload.MessageID, storage.MessageExecutionQueued, nil)
	o.publish(ctx, &storage.ProgressEvent{
		SessionID: payload.SessionID,
		Type:      storage.EventGeneric,
		Level:     storage.LevelInfo,
		Message:   "execution queued",
		Details:   map[string]any{"message_id": payload.MessageID, "analysis_id": analysis.ID},
	})

	logger.Info("analysis planned", "analysis_id", analysis.ID,
		"category", plan.Category, "tools", len(toolsInvoked))
	return nil
}

// planAnalysis drives the tool loop until the model produces a parseable
// plan naming a saved script. Transport errors come back retryable;
// exhausted parse or validation budgets are terminal.
func (o *Orchestrator) planAnalysis(ctx context.Context, payload *queue.AnalysisJob, logger *slog.Logger) (*analysisPlan, []string, string, error) {
	messages := []llm.Message{llm.UserMessage(payload.ExpandedText)}
	var (
		toolsInvoked       []string
		lastScriptName     string
		lastScriptContent  string
		parseFailures      int
		validationFailures int
	)

	for iteration := 0; iteration < maxPlanIterations; iteration++ {
		callCtx, cancel := context.WithTimeout(ctx, analysisRequestTimeout)
		callStart := time.Now()
		resp, err := o.lm.Complete(callCtx, &llm.Request{
			System:    analysisSystemPrompt,
			Messages:  messages,
			Tools:     analysisTools,
			Model:     o.config.Model,
			MaxTokens: analysisCallMaxTokens,
		})
		cancel()
		if o.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			o.metrics.RecordLLMRequest("analysis", status, time.Since(callStart).Seconds())
		}
		if err != nil {
			return nil, nil, "", queue.Retryable(fmt.Errorf("model call failed: %w", err))
		}

		if len(resp.ToolCalls) > 0 {
			messages = append(messages, llm.AssistantMessage(resp.Content, resp.ToolCalls))
			results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
			for _, call := range resp.ToolCalls {
				result := o.runPlanningTool(call, &lastScriptName, &lastScriptContent, &validationFailures)
				if validationFailures >= maxValidationFailures {
					return nil, nil, "", fmt.Errorf("%w after %d attempts", ErrValidationFailed, validationFailures)
				}
				toolsInvoked = append(toolsInvoked, call.Name)
				results = append(results, result)
			}
			messages = append(messages, llm.ToolResultMessage(results...))
			continue
		}

		plan, perr := parsePlan(resp.Content)
		if perr != nil {
			parseFailures++
			if parseFailures > maxParseRetries {
				return nil, nil, "", fmt.Errorf("%w: %v", ErrUnparseablePlan, perr)
			}
			logger.Warn("unparseable plan, retrying locally", "error", perr)
			messages = append(messages,
				llm.AssistantMessage(resp.Content, nil),
				llm.UserMessage("That was not a valid plan object. Reply with only the JSON object described in the instructions."))
			continue
		}

		script, serr := o.scripts.ReadScript(plan.ScriptName)
		if serr != nil {
			if lastScriptContent != "" {
				script = lastScriptContent
			} else {
				validationFailures++
				if validationFailures >= maxValidationFailures {
					return nil, nil, "", fmt.Errorf("%w: plan names unsaved script %q", ErrValidationFailed, plan.ScriptName)
				}
				messages = append(messages,
					llm.AssistantMessage(resp.Content, nil),
					llm.UserMessage(fmt.Sprintf("Script %q is not saved. Save it with write_script first, then reply with the plan object.", plan.ScriptName)))
				continue
			}
		}
		return plan, toolsInvoked, script, nil
	}

	return nil, nil, "", fmt.Errorf("%w: no plan after %d iterations", ErrValidationFailed, maxPlanIterations)
}

// runPlanningTool executes one tool call from the planning loop. Calls to
// tools outside the catalog are refused; the refusal is returned as the
// tool result and the loop continues.
func (o *Orchestrator) runPlanningTool(call llm.ToolCall, lastName, lastContent *string, validationFailures *int) llm.ToolResult {
	result := llm.ToolResult{ToolCallID: call.ID}

	switch call.Name {
	case "write_script":
		var in struct {
			Name    string `json:"name"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(call.Input, &in); err != nil || in.Name == "" {
			result.IsError = true
			result.Content = "write_script requires name and content"
			return result
		}
		if err := o.scripts.WriteScript(in.Name, in.Content, nil); err != nil {
			result.IsError = true
			result.Content = fmt.Sprintf("write failed: %v", err)
			return result
		}
		*lastName, *lastContent = in.Name, in.Content
		result.Content = fmt.Sprintf("saved %q (%d bytes)", in.Name, len(in.Content))

	case "read_script":
		var in struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(call.Input, &in); err != nil || in.Name == "" {
			result.IsError = true
			result.Content = "read_script requires name"
			return result
		}
		text, err := o.scripts.ReadScript(in.Name)
		if err != nil {
			result.IsError = true
			result.Content = fmt.Sprintf("read failed: %v", err)
			return result
		}
		result.Content = text

	case "validate_script":
		var in struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(call.Input, &in); err != nil || in.Name == "" {
			result.IsError = true
			result.Content = "validate_script requires name"
			return result
		}
		if err := validateScript(o.scripts, in.Name); err != nil {
			*validationFailures++
			result.IsError = true
			result.Content = fmt.Sprintf("validation failed: %v", err)
			return result
		}
		result.Content = "ok"

	case "lookup_docs":
		var in struct {
			Function string `json:"function"`
		}
		if err := json.Unmarshal(call.Input, &in); err != nil || in.Function == "" {
			result.IsError = true
			result.Content = "lookup_docs requires function"
			return result
		}
		doc, ok := docsCatalog[in.Function]
		if !ok {
			result.IsError = true
			result.Content = fmt.Sprintf("no catalog entry for %q", in.Function)
			return result
		}
		result.Content = doc

	default:
		// Refused, not an error: data access belongs in the generated
		// script, and the model is told so through the tool result.
		result.IsError = true
		result.Content = fmt.Sprintf("tool %q is not available while planning; the generated script performs data access and computation", call.Name)
	}

	return result
}

// validateScript is the planning-time check: the script must be saved and
// non-trivial. Runtime correctness is the sandbox's concern.
func validateScript(scripts scriptstore.Store, name string) error {
	text, err := scripts.ReadScript(name)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("script %q is empty", name)
	}
	return nil
}

// parsePlan extracts the terminal plan object, tolerating surrounding prose
// and markdown fences.
func parsePlan(content string) (*analysisPlan, error) {
	content = strings.TrimSpace(content)
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in output")
	}

	var plan analysisPlan
	if err := json.Unmarshal([]byte(content[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("malformed plan: %w", err)
	}
	if plan.ScriptName == "" {
		return nil, fmt.Errorf("plan is missing script_name")
	}
	if plan.Title == "" {
		plan.Title = plan.ScriptName
	}
	if plan.Category == "" {
		plan.Category = "other"
	}
	return &plan, nil
}

// failAnalysis records a terminal planning failure on the message and the
// event stream.
func (o *Orchestrator) failAnalysis(ctx context.Context, payload *queue.AnalysisJob, cause error) {
	_ = o.store.UpdateMessageStatus(ctx, payload.MessageID, storage.MessageAnalysisFailed, map[string]any{
		"metadata": map[string]any{"error": cause.Error()},
	})
	o.publish(ctx, &storage.ProgressEvent{
		SessionID: payload.SessionID,
		Type:      storage.EventGeneric,
		Level:     storage.LevelError,
		Message:   "analysis failed",
		Details:   map[string]any{"message_id": payload.MessageID, "error": cause.Error()},
	})
	if o.metrics != nil {
		o.metrics.RecordJob(string(storage.QueueAnalysis), "failed")
	}
}
