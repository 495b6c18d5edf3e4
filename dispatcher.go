package finsight

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/finsightlab/finsight/conversation"
	"github.com/finsightlab/finsight/internal/cachekey"
	"github.com/finsightlab/finsight/queue"
	"github.com/finsightlab/finsight/reuse"
	"github.com/finsightlab/finsight/router"
	"github.com/finsightlab/finsight/storage"
)

// Submit statuses returned to the client.
const (
	SubmitAccepted            = "accepted"
	SubmitReused              = "reused"
	SubmitClarificationNeeded = "clarification_needed"
)

// topNeighbors is how many vector index candidates the reuse evaluator sees.
const topNeighbors = 5

// SubmitResult correlates a submission with the session's event stream.
type SubmitResult struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Reply     string `json:"reply,omitempty"`
}

// Submit is the single intake entry point. It loads or creates the session,
// classifies and expands the user text, then either replies directly
// (clarification, cache hit), enqueues an execution against a reused
// analysis, or enqueues a fresh analysis job.
//
// Work for one session serializes on a per-session lock; different sessions
// proceed in parallel. Submit returns as soon as the turn's outcome is
// durable; clients follow progress on the event stream.
func (o *Orchestrator) Submit(ctx context.Context, sessionID, userID, userText string) (*SubmitResult, error) {
	if !o.started.Load() {
		return nil, ErrNotStarted
	}
	if userID == "" {
		return nil, NewError("submit", fmt.Errorf("%w: user_id is required", ErrInvalidConfig))
	}

	sessionID, conv, err := o.sessions.GetOrCreate(ctx, sessionID, userID)
	if err != nil {
		return nil, NewError("submit", err)
	}

	unlock := o.locks.Lock(sessionID)
	defer unlock()

	result, err := o.dispatch(ctx, sessionID, userID, userText, conv)
	if o.metrics != nil {
		if err != nil {
			o.metrics.RecordSubmit("error")
		} else {
			o.metrics.RecordSubmit(result.Status)
		}
	}
	return result, err
}

// dispatch runs steps 2 through 8 of a submission under the session lock.
func (o *Orchestrator) dispatch(ctx context.Context, sessionID, userID, userText string, conv *conversation.ConversationStore) (*SubmitResult, error) {
	userMsg := &storage.ChatMessage{
		SessionID:        sessionID,
		Role:             "user",
		Content:          userText,
		Status:           storage.MessagePending,
		QueryType:        storage.QueryUnknown,
		OriginalQuestion: userText,
	}
	if err := o.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, NewSessionError("submit", sessionID, err)
	}

	decision, err := o.router.ClassifyAndExpand(ctx, conv, userText)
	if err != nil {
		_ = o.store.UpdateMessageStatus(ctx, userMsg.ID, storage.MessageFailed, nil)
		return nil, NewSessionError("submit", sessionID, err)
	}

	if decision.Outcome == router.OutcomeNeedsConfirmation || decision.Outcome == router.OutcomeNeedsClarification {
		assistant := &storage.ChatMessage{
			SessionID: sessionID,
			Role:      "assistant",
			Content:   decision.Message,
			Status:    storage.MessageCompleted,
		}
		if err := o.store.CreateMessage(ctx, assistant); err != nil {
			return nil, NewSessionError("submit", sessionID, err)
		}
		_ = o.store.UpdateMessageStatus(ctx, userMsg.ID, storage.MessageCompleted, nil)
		return &SubmitResult{
			SessionID: sessionID,
			MessageID: userMsg.ID,
			Status:    SubmitClarificationNeeded,
			Reply:     decision.Message,
		}, nil
	}

	if err := o.store.UpdateMessageStatus(ctx, userMsg.ID, storage.MessagePending, map[string]any{
		"query_type":    decision.QueryType,
		"expanded_text": decision.ExpandedText,
	}); err != nil {
		return nil, NewSessionError("submit", sessionID, err)
	}

	if err := o.sessions.AddTurn(ctx, sessionID, conversation.Turn{
		UserQuery:     userText,
		ExpandedQuery: decision.ExpandedText,
		QueryType:     decision.QueryType,
	}); err != nil {
		return nil, NewSessionError("submit", sessionID, err)
	}

	// The result cache is keyed on the expanded question alone; parameter
	// bindings are derived from the question, so identical questions share
	// an entry.
	if cached, err := o.store.CacheGet(ctx, cachekey.For(decision.ExpandedText, nil)); err == nil && cached != nil {
		return o.replyFromCache(ctx, sessionID, userMsg.ID, decision.ExpandedText, cached)
	}

	if result, ok := o.tryReuse(ctx, sessionID, userID, userMsg.ID, decision.ExpandedText); ok {
		return result, nil
	}

	jobID, err := queue.EnqueueAnalysis(ctx, o.store, &queue.AnalysisJob{
		AnalysisRequestID: uuid.New().String(),
		SessionID:         sessionID,
		UserID:            userID,
		MessageID:         userMsg.ID,
		UserText:          userText,
		ExpandedText:      decision.ExpandedText,
	}, queue.EnqueueOptions{
		MaxAttempts: o.config.AnalysisMaxRetries,
	})
	if err != nil {
		return nil, NewSessionError("submit", sessionID, err)
	}
	if o.metrics != nil {
		o.metrics.RecordJob(string(storage.QueueAnalysis), "enqueued")
	}
	o.analysisWorker.Trigger()

	o.publish(ctx, &storage.ProgressEvent{
		SessionID: sessionID,
		Type:      storage.EventGeneric,
		Level:     storage.LevelInfo,
		Message:   "analysis queued",
		Details:   map[string]any{"message_id": userMsg.ID, "job_id": jobID},
	})

	return &SubmitResult{
		SessionID: sessionID,
		MessageID: userMsg.ID,
		Status:    SubmitAccepted,
	}, nil
}

// replyFromCache answers a turn from the result cache: no queue work, a
// synthetic completed event keeps stream consumers uniform.
func (o *Orchestrator) replyFromCache(ctx context.Context, sessionID, messageID, expandedText string, cached *storage.CacheEntry) (*SubmitResult, error) {
	var analysis *storage.Analysis
	if cached.AnalysisID != nil {
		analysis, _ = o.store.GetAnalysis(ctx, *cached.AnalysisID)
	}

	reply := formatCachedResult(expandedText, analysis, cached.Result)
	assistant := &storage.ChatMessage{
		SessionID:        sessionID,
		Role:             "assistant",
		Content:          reply,
		AnalysisID:       cached.AnalysisID,
		AnalysisSnapshot: analysis,
		Status:           storage.MessageCompleted,
	}
	if err := o.store.CreateMessage(ctx, assistant); err != nil {
		return nil, NewSessionError("submit", sessionID, err)
	}
	if err := o.store.UpdateMessageStatus(ctx, messageID, storage.MessageCompleted, nil); err != nil {
		return nil, NewSessionError("submit", sessionID, err)
	}
	o.completeTurn(sessionID, reply)

	details := map[string]any{"status": "completed", "message_id": messageID, "cached": true}
	if cached.AnalysisID != nil {
		details["analysis_id"] = *cached.AnalysisID
	}
	o.publish(ctx, &storage.ProgressEvent{
		SessionID: sessionID,
		Type:      storage.EventExecutionStatus,
		Level:     storage.LevelInfo,
		Message:   "answered from cache",
		Details:   details,
	})

	return &SubmitResult{
		SessionID: sessionID,
		MessageID: messageID,
		Status:    SubmitReused,
		Reply:     reply,
	}, nil
}

// tryReuse consults the vector index and the reuse evaluator. On a reuse
// verdict it assembles a new pending Analysis from the neighbor's script
// and enqueues an execution directly, skipping the analysis worker.
func (o *Orchestrator) tryReuse(ctx context.Context, sessionID, userID, messageID, expandedText string) (*SubmitResult, bool) {
	hits, err := o.vector.Search(ctx, expandedText, topNeighbors, 0)
	if err != nil || len(hits) == 0 {
		return nil, false
	}

	neighbors := make([]reuse.Neighbor, 0, len(hits))
	for _, hit := range hits {
		n := reuse.Neighbor{AnalysisID: hit.ID, Similarity: hit.Similarity}
		if title, ok := hit.Metadata["title"].(string); ok {
			n.Title = title
		}
		if category, ok := hit.Metadata["category"].(string); ok {
			n.Category = category
		}
		if params, ok := hit.Metadata["parameters"].(map[string]any); ok {
			n.Parameters = params
		}
		neighbors = append(neighbors, n)
	}

	verdict, err := o.reuse.Evaluate(ctx, expandedText, neighbors)
	if err != nil || !verdict.Reuse {
		return nil, false
	}

	neighbor, err := o.store.GetAnalysis(ctx, verdict.AnalysisID)
	if err != nil {
		o.logger.Warn("reuse verdict names unknown analysis",
			"analysis_id", verdict.AnalysisID, "error", err)
		return nil, false
	}

	parameters := verdict.NewParameters
	if parameters == nil {
		parameters = neighbor.Parameters
	}
	analysis := &storage.Analysis{
		UserID:          userID,
		Title:           neighbor.Title,
		Description:     neighbor.Description,
		Category:        neighbor.Category,
		Parameters:      parameters,
		GeneratedScript: neighbor.GeneratedScript,
		MCPCalls:        neighbor.MCPCalls,
		DataSources:     neighbor.DataSources,
		Status:          storage.AnalysisPending,
	}
	if err := o.store.CreateAnalysis(ctx, analysis); err != nil {
		o.logger.Warn("failed to assemble reused analysis", "error", err)
		return nil, false
	}
	_ = o.scripts.WriteScript(analysis.ID, neighbor.GeneratedScript, map[string]any{
		"analysis_id": analysis.ID,
		"reused_from": neighbor.ID,
	})
	_ = o.store.UpdateAnalysis(ctx, neighbor.ID, map[string]any{
		"reuse_count":     neighbor.ReuseCount + 1,
		"similar_queries": append(neighbor.SimilarQueries, expandedText),
	})

	if err := o.store.UpdateMessageStatus(ctx, messageID, storage.MessageExecutionQueued, map[string]any{
		"analysis_id": analysis.ID,
	}); err != nil {
		return nil, false
	}

	_, err = queue.EnqueueExecution(ctx, o.store, &queue.ExecutionJob{
		ExecutionID: uuid.New().String(),
		AnalysisID:  analysis.ID,
		SessionID:   sessionID,
		UserID:      userID,
		MessageID:   messageID,
		Question:    expandedText,
		Parameters:  parameters,
	}, queue.EnqueueOptions{
		MaxAttempts:    o.config.ExecutionMaxAttempts,
		TimeoutSeconds: int(o.config.ExecutionTimeout.Seconds()),
	})
	if err != nil {
		o.logger.Error("failed to enqueue reused execution",
			"analysis_id", analysis.ID, "error", err)
		return nil, false
	}
	if o.metrics != nil {
		o.metrics.RecordJob(string(storage.QueueExecution), "enqueued")
	}
	o.executionWorker.Trigger()

	o.publish(ctx, &storage.ProgressEvent{
		SessionID: sessionID,
		Type:      storage.EventGeneric,
		Level:     storage.LevelInfo,
		Message:   "execution queued from reused analysis",
		Details: map[string]any{
			"message_id":  messageID,
			"analysis_id": analysis.ID,
			"reused_from": neighbor.ID,
		},
	})

	return &SubmitResult{
		SessionID: sessionID,
		MessageID: messageID,
		Status:    SubmitReused,
	}, true
}

// completeTurn fills the newest conversation turn's summary if the session
// is still cached. A cache miss is fine; rehydration rebuilds summaries
// from the durable messages.
func (o *Orchestrator) completeTurn(sessionID, summary string) {
	if conv := o.sessions.Get(sessionID); conv != nil {
		conv.CompleteTurn(summary)
	}
}

// formatCachedResult renders a cached analysis result as the assistant's
// markdown reply.
func formatCachedResult(question string, analysis *storage.Analysis, result map[string]any) string {
	title := question
	if analysis != nil && analysis.Title != "" {
		title = analysis.Title
	}
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n\n", title)
	b.WriteString("Answered from a previous run of this analysis.\n")
	b.WriteString(formatResultLines(result))
	return b.String()
}
