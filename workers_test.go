package finsight

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/finsightlab/finsight/internal/cachekey"
	"github.com/finsightlab/finsight/llm"
	"github.com/finsightlab/finsight/sandbox"
	"github.com/finsightlab/finsight/storage"
)

func TestSubmitFirstTurnEndToEnd(t *testing.T) {
	lm := &scriptedLM{
		plan:     writeThenPlan("print('vol')"),
		evaluate: declineReuse,
	}
	sb := &fakeSandbox{result: &sandbox.Result{
		Success:       true,
		Data:          map[string]any{"volatility": 0.42},
		ExecutionTime: 0.15,
	}}
	o, store := newTestOrchestrator(t, lm, sb)
	ctx := context.Background()

	question := "volatility of AAPL over 30 days"
	result, err := o.Submit(ctx, "", "u1", question)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != SubmitAccepted {
		t.Fatalf("expected accepted, got %q", result.Status)
	}

	waitFor(t, 3*time.Second, func() bool {
		msg, err := store.GetMessage(ctx, result.MessageID)
		return err == nil && msg.Status == storage.MessageCompleted
	}, "turn to complete")

	msg, err := store.GetMessage(ctx, result.MessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.AnalysisID == nil {
		t.Fatal("expected the user message to reference the analysis")
	}
	if msg.GeneratedScript == nil || *msg.GeneratedScript != "print('vol')" {
		t.Fatal("expected the generated script recorded on the user message")
	}
	var sawWrite bool
	for _, tool := range msg.ToolsInvoked {
		if tool == "write_script" {
			sawWrite = true
		}
	}
	if !sawWrite {
		t.Fatalf("expected write_script among tools invoked, got %v", msg.ToolsInvoked)
	}

	analysis, err := store.GetAnalysis(ctx, *msg.AnalysisID)
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if analysis.Status != storage.AnalysisSuccess {
		t.Fatalf("expected analysis success, got %q", analysis.Status)
	}
	if analysis.Result["volatility"] != 0.42 {
		t.Fatalf("expected persisted result, got %v", analysis.Result)
	}
	if analysis.ExecutionTimeMs != 150 {
		t.Fatalf("expected sandbox-reported 150ms, got %d", analysis.ExecutionTimeMs)
	}

	// The canonical script copy lives under the analysis id.
	script, err := o.scripts.ReadScript(analysis.ID)
	if err != nil || script != "print('vol')" {
		t.Fatalf("expected stored script under analysis id, got %q, %v", script, err)
	}

	cached, err := store.CacheGet(ctx, cachekey.For(question, nil))
	if err != nil || cached == nil {
		t.Fatalf("expected a cache entry for the question, got %v, %v", cached, err)
	}
	if cached.AnalysisID == nil || *cached.AnalysisID != analysis.ID {
		t.Fatal("expected the cache entry to reference the analysis")
	}

	msgs, err := store.ListSessionMessages(ctx, result.SessionID, 10)
	if err != nil {
		t.Fatalf("ListSessionMessages: %v", err)
	}
	var assistant *storage.ChatMessage
	for _, m := range msgs {
		if m.Role == "assistant" {
			assistant = m
		}
	}
	if assistant == nil {
		t.Fatal("expected an assistant reply")
	}
	if assistant.AnalysisSnapshot == nil || assistant.AnalysisSnapshot.ID != analysis.ID {
		t.Fatal("expected the assistant reply to snapshot the analysis")
	}
	if !strings.Contains(assistant.Content, "volatility") {
		t.Fatalf("expected the result rendered in the reply, got %q", assistant.Content)
	}

	events, err := store.ListSessionEvents(ctx, result.SessionID, 20)
	if err != nil {
		t.Fatalf("ListSessionEvents: %v", err)
	}
	var sawQueued, sawCompleted bool
	for _, ev := range events {
		if ev.Message == "analysis queued" {
			sawQueued = true
		}
		if ev.Type == storage.EventExecutionStatus && ev.Details["status"] == "completed" {
			sawCompleted = true
		}
	}
	if !sawQueued || !sawCompleted {
		t.Fatalf("expected queued and completed events, got queued=%v completed=%v", sawQueued, sawCompleted)
	}
}

func TestAnalysisFailsAfterUnparseablePlans(t *testing.T) {
	lm := &scriptedLM{
		plan: func(n int, req *llm.Request) (*llm.Response, error) {
			return &llm.Response{Content: "I cannot produce a plan right now."}, nil
		},
	}
	o, store := newTestOrchestrator(t, lm, &fakeSandbox{})
	ctx := context.Background()

	result, err := o.Submit(ctx, "", "u1", "volatility of AAPL over 30 days")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		msg, err := store.GetMessage(ctx, result.MessageID)
		return err == nil && msg.Status == storage.MessageAnalysisFailed
	}, "analysis to fail terminally")

	// A parse failure is the model's fault, not a transient fault; the job
	// finalizes instead of burning its retry budget.
	events, err := store.ListSessionEvents(ctx, result.SessionID, 20)
	if err != nil {
		t.Fatalf("ListSessionEvents: %v", err)
	}
	var jobID string
	var sawError bool
	for _, ev := range events {
		if ev.Message == "analysis queued" {
			jobID, _ = ev.Details["job_id"].(string)
		}
		if ev.Level == storage.LevelError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected an error-level event")
	}
	if jobID == "" {
		t.Fatal("expected the queued event to carry the job id")
	}

	waitFor(t, 3*time.Second, func() bool {
		job, err := store.GetJob(ctx, jobID)
		return err == nil && job.Status == storage.JobFailed
	}, "job to finalize failed")

	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", job.Attempts)
	}
}

func TestExecutionScriptFailure(t *testing.T) {
	lm := &scriptedLM{
		plan:     writeThenPlan("print(1/0)"),
		evaluate: declineReuse,
	}
	sb := &fakeSandbox{result: &sandbox.Result{
		Success: false,
		Error:   "division by zero",
	}}
	o, store := newTestOrchestrator(t, lm, sb)
	ctx := context.Background()

	result, err := o.Submit(ctx, "", "u1", "volatility of AAPL over 30 days")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		msg, err := store.GetMessage(ctx, result.MessageID)
		return err == nil && msg.Status == storage.MessageExecutionFailed
	}, "execution to fail")

	msg, err := store.GetMessage(ctx, result.MessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	analysis, err := store.GetAnalysis(ctx, *msg.AnalysisID)
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if analysis.Status != storage.AnalysisFailed {
		t.Fatalf("expected failed analysis, got %q", analysis.Status)
	}
	if analysis.Error != "division by zero" {
		t.Fatalf("expected the sandbox error recorded, got %q", analysis.Error)
	}

	cached, _ := store.CacheGet(ctx, cachekey.For("volatility of AAPL over 30 days", nil))
	if cached != nil {
		t.Fatal("failed executions must not populate the cache")
	}
}

func TestExecutionTimeout(t *testing.T) {
	lm := &scriptedLM{
		plan:     writeThenPlan("while True: pass"),
		evaluate: declineReuse,
	}
	sb := &fakeSandbox{err: sandbox.ErrTimeout}
	o, store := newTestOrchestrator(t, lm, sb)
	ctx := context.Background()

	result, err := o.Submit(ctx, "", "u1", "volatility of AAPL over 30 days")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		msg, err := store.GetMessage(ctx, result.MessageID)
		return err == nil && msg.Status == storage.MessageExecutionFailed
	}, "execution to time out")

	msg, _ := store.GetMessage(ctx, result.MessageID)
	analysis, err := store.GetAnalysis(ctx, *msg.AnalysisID)
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if analysis.Status != storage.AnalysisFailed || analysis.Error != "timeout" {
		t.Fatalf("expected timeout failure, got status=%q error=%q", analysis.Status, analysis.Error)
	}
}
