package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/finsightlab/finsight"
	"github.com/finsightlab/finsight/llm"
	"github.com/finsightlab/finsight/sandbox"
	"github.com/finsightlab/finsight/scriptstore"
	"github.com/finsightlab/finsight/storage"
)

type stubLM struct{}

func (stubLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return nil, errors.New("no completions in this test")
}

type stubSandbox struct{}

func (stubSandbox) Execute(ctx context.Context, script string, params map[string]any, timeout time.Duration) (*sandbox.Result, error) {
	return nil, errors.New("no executions in this test")
}

func newTestHandler(t *testing.T) (*Handler, *finsight.Orchestrator, storage.Store) {
	t.Helper()

	store := storage.NewMemoryStore()
	o, err := finsight.NewOrchestrator(&finsight.Config{
		Store:                store,
		LM:                   stubLM{},
		Sandbox:              stubSandbox{},
		Scripts:              scriptstore.NewMemoryStore(),
		QueuePollInterval:    time.Hour, // endpoints only, no queue work
		ProgressPollInterval: 10 * time.Millisecond,
		Logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Stop(ctx)
	})

	h := NewHandler(o, &Config{
		HeartbeatInterval: 50 * time.Millisecond,
		Gatherer:          prometheus.NewRegistry(),
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h, o, store
}

// newSession creates a session through the submission path. The referential
// first turn resolves to a clarification without any model call.
func newSession(t *testing.T, o *finsight.Orchestrator) string {
	t.Helper()
	result, err := o.Submit(context.Background(), "", "u1", "what about weekly instead?")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return result.SessionID
}

func TestSubmitEndpointClarification(t *testing.T) {
	h, _, _ := newTestHandler(t)

	body := `{"user_id": "u1", "text": "what about weekly instead?"}`
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var result finsight.SubmitResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != finsight.SubmitClarificationNeeded || result.Reply == "" {
		t.Fatalf("expected a clarification reply, got %+v", result)
	}
}

func TestSubmitEndpointValidation(t *testing.T) {
	h, _, _ := newTestHandler(t)

	for name, body := range map[string]string{
		"missing user": `{"text": "volatility of AAPL"}`,
		"missing text": `{"user_id": "u1"}`,
		"bad json":     `{`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestSessionEndpointJSON(t *testing.T) {
	h, o, _ := newTestHandler(t)
	sessionID := newSession(t, o)

	req := httptest.NewRequest(http.MethodGet, "/session/"+sessionID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Session == nil || resp.Session.ID != sessionID {
		t.Fatalf("expected session %s, got %+v", sessionID, resp.Session)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(resp.Messages))
	}

	req = httptest.NewRequest(http.MethodGet, "/session/nope", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestSessionEndpointHTMLSanitizes(t *testing.T) {
	h, o, store := newTestHandler(t)
	sessionID := newSession(t, o)

	err := store.CreateMessage(context.Background(), &storage.ChatMessage{
		SessionID: sessionID,
		Role:      "assistant",
		Content:   "**bold** result <script>alert(1)</script>",
		Status:    storage.MessageCompleted,
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/session/"+sessionID+"?format=html", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected html content type, got %q", ct)
	}
	page := rec.Body.String()
	if !strings.Contains(page, "<strong>bold</strong>") {
		t.Fatal("expected markdown rendered to HTML")
	}
	if strings.Contains(page, "<script>") {
		t.Fatal("expected script tags sanitized away")
	}
}

func TestAnalysisEndpoint(t *testing.T) {
	h, _, store := newTestHandler(t)

	analysis := &storage.Analysis{
		UserID:   "u1",
		Title:    "AAPL 30d volatility",
		Category: "volatility",
		Status:   storage.AnalysisSuccess,
		Result:   map[string]any{"volatility": 0.42},
	}
	if err := store.CreateAnalysis(context.Background(), analysis); err != nil {
		t.Fatalf("CreateAnalysis: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/analysis/"+analysis.ID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got storage.Analysis
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != analysis.ID || got.Title != analysis.Title {
		t.Fatalf("analysis mismatch: %+v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/analysis/nope", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRequeueEndpoint(t *testing.T) {
	h, _, store := newTestHandler(t)
	ctx := context.Background()

	job := &storage.Job{
		Queue:       storage.QueueAnalysis,
		SessionID:   "s1",
		Payload:     []byte(`{}`),
		MaxAttempts: 1,
	}
	if err := store.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	claimed, err := store.ClaimNext(ctx, storage.QueueAnalysis, "w1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := store.CompleteJob(ctx, job.ID, storage.JobFailed, nil); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/requeue/"+job.ID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	requeued, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if requeued.Status != storage.JobQueued {
		t.Fatalf("expected queued, got %q", requeued.Status)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/requeue/nope", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health["status"] != "ok" {
		t.Fatalf("expected ok, got %v", health["status"])
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	h, o, _ := newTestHandler(t)
	sessionID := newSession(t, o)

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream?session_id="+sessionID, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	// The subscription races the publish; give the handler a beat.
	time.Sleep(50 * time.Millisecond)
	err = o.Progress().Publish(context.Background(), &storage.ProgressEvent{
		SessionID: sessionID,
		Type:      storage.EventGeneric,
		Level:     storage.LevelInfo,
		Message:   "analysis queued",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	reader := bufio.NewReader(resp.Body)
	var data []byte
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Fatalf("stream read: %v", err)
		}
		if bytes.HasPrefix(line, []byte("data: ")) {
			data = bytes.TrimPrefix(bytes.TrimSpace(line), []byte("data: "))
			break
		}
	}

	var ev storage.ProgressEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.SessionID != sessionID || ev.Message != "analysis queued" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestStreamRequiresKnownSession(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without session_id, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream?session_id=nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}
