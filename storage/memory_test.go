package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreClaimOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	low := &Job{Queue: QueueAnalysis, Priority: 3, Payload: []byte(`{"n":1}`)}
	high := &Job{Queue: QueueAnalysis, Priority: 1, Payload: []byte(`{"n":2}`)}
	mid := &Job{Queue: QueueAnalysis, Priority: 2, Payload: []byte(`{"n":3}`)}
	for _, job := range []*Job{low, high, mid} {
		if err := s.EnqueueJob(ctx, job); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	var order []string
	for i := 0; i < 3; i++ {
		job, err := s.ClaimNext(ctx, QueueAnalysis, "w1", time.Minute)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if job == nil {
			t.Fatal("expected a job, queue reported empty")
		}
		order = append(order, job.ID)
	}

	want := []string{high.ID, mid.ID, low.ID}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim order = %v, want %v", order, want)
		}
	}

	if job, _ := s.ClaimNext(ctx, QueueAnalysis, "w1", time.Minute); job != nil {
		t.Errorf("claimed %s from a drained queue", job.ID)
	}
}

func TestMemoryStoreClaimExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const jobs = 50
	for i := 0; i < jobs; i++ {
		if err := s.EnqueueJob(ctx, &Job{Queue: QueueExecution, Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[string]string)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		workerID := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.ClaimNext(ctx, QueueExecution, workerID, time.Minute)
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[job.ID]; dup {
					t.Errorf("job %s claimed by both %s and %s", job.ID, prev, workerID)
				}
				claimed[job.ID] = workerID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("claimed %d jobs, want %d", len(claimed), jobs)
	}
}

func TestMemoryStoreReclaimAfterVisibility(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	now := time.Now().UTC()
	s.SetClock(func() time.Time { return now })

	if err := s.EnqueueJob(ctx, &Job{Queue: QueueAnalysis, MaxAttempts: 3, Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	first, err := s.ClaimNext(ctx, QueueAnalysis, "dead-worker", 120*time.Second)
	if err != nil || first == nil {
		t.Fatalf("first claim: job=%v err=%v", first, err)
	}
	if first.Attempts != 1 {
		t.Errorf("attempts after first claim = %d, want 1", first.Attempts)
	}

	// Lease still live, nobody else can claim.
	if job, _ := s.ClaimNext(ctx, QueueAnalysis, "w2", time.Minute); job != nil {
		t.Fatal("claimed a job with a live lease")
	}

	// Dead worker never heartbeats; the lease expires.
	now = now.Add(121 * time.Second)
	second, err := s.ClaimNext(ctx, QueueAnalysis, "w2", time.Minute)
	if err != nil || second == nil {
		t.Fatalf("reclaim: job=%v err=%v", second, err)
	}
	if second.ID != first.ID {
		t.Errorf("reclaimed %s, want %s", second.ID, first.ID)
	}
	if second.Attempts != 2 {
		t.Errorf("attempts after reclaim = %d, want 2", second.Attempts)
	}
	if second.ClaimedBy == nil || *second.ClaimedBy != "w2" {
		t.Errorf("claimed_by = %v, want w2", second.ClaimedBy)
	}
}

func TestMemoryStoreHeartbeatExtendsOwnClaimOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	now := time.Now().UTC()
	s.SetClock(func() time.Time { return now })

	if err := s.EnqueueJob(ctx, &Job{Queue: QueueAnalysis, Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	job, err := s.ClaimNext(ctx, QueueAnalysis, "w1", 10*time.Second)
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}

	// A foreign heartbeat is a no-op.
	if err := s.HeartbeatJob(ctx, job.ID, "w2", time.Hour); err != nil {
		t.Fatalf("HeartbeatJob(w2): %v", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.VisibleAfter.After(now.Add(11 * time.Second)) {
		t.Error("foreign heartbeat extended the lease")
	}

	if err := s.HeartbeatJob(ctx, job.ID, "w1", time.Hour); err != nil {
		t.Fatalf("HeartbeatJob(w1): %v", err)
	}
	got, _ = s.GetJob(ctx, job.ID)
	if !got.VisibleAfter.After(now.Add(59 * time.Minute)) {
		t.Error("own heartbeat did not extend the lease")
	}
}

func TestMemoryStoreFailWithRetry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	now := time.Now().UTC()
	s.SetClock(func() time.Time { return now })

	if err := s.EnqueueJob(ctx, &Job{Queue: QueueAnalysis, MaxAttempts: 2, Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	job, _ := s.ClaimNext(ctx, QueueAnalysis, "w1", time.Minute)

	// First failure: attempts=1 < 2, requeues with delay.
	if err := s.FailJobWithRetry(ctx, job.ID, "lm 503", 60*time.Second, 2); err != nil {
		t.Fatalf("FailJobWithRetry: %v", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != JobQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
	if got.LastError == nil || *got.LastError != "lm 503" {
		t.Errorf("last_error = %v", got.LastError)
	}

	// Delay honored: not claimable until visible_after.
	if j, _ := s.ClaimNext(ctx, QueueAnalysis, "w1", time.Minute); j != nil {
		t.Fatal("claimed a delayed job early")
	}
	now = now.Add(61 * time.Second)
	job, _ = s.ClaimNext(ctx, QueueAnalysis, "w1", time.Minute)
	if job == nil {
		t.Fatal("delayed job not claimable after delay")
	}

	// Second failure: attempts=2 == max, finalizes.
	if err := s.FailJobWithRetry(ctx, job.ID, "lm 503 again", 60*time.Second, 2); err != nil {
		t.Fatalf("FailJobWithRetry: %v", err)
	}
	got, _ = s.GetJob(ctx, job.ID)
	if got.Status != JobFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.FinalizedAt == nil {
		t.Error("finalized_at not set")
	}
}

func TestMemoryStoreCompleteRejectsNonTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.EnqueueJob(ctx, &Job{Queue: QueueExecution, Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	job, _ := s.ClaimNext(ctx, QueueExecution, "w1", time.Minute)

	if err := s.CompleteJob(ctx, job.ID, JobRunning, nil); err == nil {
		t.Error("CompleteJob accepted a non-terminal status")
	}
	if err := s.CompleteJob(ctx, job.ID, JobSucceeded, nil); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	// Terminal jobs are not claimable.
	if j, _ := s.ClaimNext(ctx, QueueExecution, "w1", time.Minute); j != nil {
		t.Error("claimed a finalized job")
	}
}

func TestMemoryStoreRequeueJob(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.EnqueueJob(ctx, &Job{Queue: QueueExecution, Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	job, _ := s.ClaimNext(ctx, QueueExecution, "w1", time.Minute)

	// Only terminal jobs can be requeued.
	if err := s.RequeueJob(ctx, job.ID); err == nil {
		t.Error("RequeueJob accepted a running job")
	}

	if err := s.CompleteJob(ctx, job.ID, JobFailed, map[string]any{"error": "boom"}); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := s.RequeueJob(ctx, job.ID); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != JobQueued || got.Attempts != 0 || got.FinalizedAt != nil {
		t.Errorf("requeued job = %+v", got)
	}
}

func TestMemoryStoreClaimRoundTripsPayload(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	payload := []byte(`{"analysis_request_id":"r1","user_text":"top movers"}`)
	if err := s.EnqueueJob(ctx, &Job{Queue: QueueAnalysis, SessionID: "s1", Payload: payload}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	job, err := s.ClaimNext(ctx, QueueAnalysis, "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("ClaimNext: job=%v err=%v", job, err)
	}
	if string(job.Payload) != string(payload) {
		t.Errorf("payload = %s, want %s", job.Payload, payload)
	}
	if job.SessionID != "s1" {
		t.Errorf("session_id = %s", job.SessionID)
	}
}

func TestMemoryStoreCacheExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	now := time.Now().UTC()
	s.SetClock(func() time.Time { return now })

	analysisID := "a1"
	entry := &CacheEntry{
		Key:        "k1",
		Result:     map[string]any{"top5": []any{"NVDA", "AMD"}},
		AnalysisID: &analysisID,
		ExpiresAt:  now.Add(time.Hour),
	}
	if err := s.CachePut(ctx, entry); err != nil {
		t.Fatalf("CachePut: %v", err)
	}

	got, err := s.CacheGet(ctx, "k1")
	if err != nil || got == nil {
		t.Fatalf("CacheGet: entry=%v err=%v", got, err)
	}
	if got.Result["top5"] == nil {
		t.Error("result lost on round trip")
	}

	// Miss on unknown key.
	if got, _ := s.CacheGet(ctx, "unknown"); got != nil {
		t.Error("hit on unknown key")
	}

	// Expired entries are never returned.
	now = now.Add(2 * time.Hour)
	if got, _ := s.CacheGet(ctx, "k1"); got != nil {
		t.Error("hit on expired entry")
	}
}

func TestMemoryStoreCacheInvalidateByAnalysis(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a1, a2 := "a1", "a2"
	exp := time.Now().UTC().Add(time.Hour)
	s.CachePut(ctx, &CacheEntry{Key: "k1", AnalysisID: &a1, ExpiresAt: exp})
	s.CachePut(ctx, &CacheEntry{Key: "k2", AnalysisID: &a1, ExpiresAt: exp})
	s.CachePut(ctx, &CacheEntry{Key: "k3", AnalysisID: &a2, ExpiresAt: exp})

	if err := s.CacheInvalidateByAnalysis(ctx, a1); err != nil {
		t.Fatalf("CacheInvalidateByAnalysis: %v", err)
	}
	if got, _ := s.CacheGet(ctx, "k1"); got != nil {
		t.Error("k1 survived invalidation")
	}
	if got, _ := s.CacheGet(ctx, "k2"); got != nil {
		t.Error("k2 survived invalidation")
	}
	if got, _ := s.CacheGet(ctx, "k3"); got == nil {
		t.Error("k3 removed by unrelated invalidation")
	}
}

func TestMemoryStoreProgressEventOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 5; i++ {
		ev := &ProgressEvent{SessionID: "s1", Message: fmt.Sprintf("step %d", i)}
		if err := s.AppendProgressEvent(ctx, ev); err != nil {
			t.Fatalf("AppendProgressEvent: %v", err)
		}
	}

	events, err := s.PollUnprocessedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("PollUnprocessedEvents: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, ev := range events {
		if ev.Message != fmt.Sprintf("step %d", i) {
			t.Errorf("event %d = %q, out of append order", i, ev.Message)
		}
	}

	for _, ev := range events[:3] {
		if err := s.MarkEventProcessed(ctx, ev.ID); err != nil {
			t.Fatalf("MarkEventProcessed: %v", err)
		}
	}
	remaining, _ := s.PollUnprocessedEvents(ctx, 10)
	if len(remaining) != 2 {
		t.Errorf("got %d unprocessed events, want 2", len(remaining))
	}
}

func TestMemoryStoreListSessionMessagesWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 30; i++ {
		msg := &ChatMessage{SessionID: "s1", Role: "user", Content: fmt.Sprintf("msg %d", i)}
		if err := s.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	msgs, err := s.ListSessionMessages(ctx, "s1", 20)
	if err != nil {
		t.Fatalf("ListSessionMessages: %v", err)
	}
	if len(msgs) != 20 {
		t.Fatalf("got %d messages, want 20", len(msgs))
	}
	// Window keeps the newest 20 in insertion order.
	if msgs[0].Content != "msg 10" || msgs[19].Content != "msg 29" {
		t.Errorf("window = [%s .. %s], want [msg 10 .. msg 29]", msgs[0].Content, msgs[19].Content)
	}
}

func TestMemoryStoreUpdateMessageStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	msg := &ChatMessage{SessionID: "s1", Role: "user", Content: "what about weekly?"}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	err := s.UpdateMessageStatus(ctx, msg.ID, MessageAnalysisStarted, map[string]any{
		"query_type":    QueryParameter,
		"expanded_text": "top 5 volatile stocks, weekly",
		"analysis_id":   "a1",
	})
	if err != nil {
		t.Fatalf("UpdateMessageStatus: %v", err)
	}

	got, _ := s.GetMessage(ctx, msg.ID)
	if got.Status != MessageAnalysisStarted {
		t.Errorf("status = %s", got.Status)
	}
	if got.QueryType != QueryParameter {
		t.Errorf("query_type = %s", got.QueryType)
	}
	if got.ExpandedText != "top 5 volatile stocks, weekly" {
		t.Errorf("expanded_text = %q", got.ExpandedText)
	}
	if got.AnalysisID == nil || *got.AnalysisID != "a1" {
		t.Errorf("analysis_id = %v", got.AnalysisID)
	}

	if err := s.UpdateMessageStatus(ctx, msg.ID, MessageCompleted, map[string]any{"bogus": 1}); err == nil {
		t.Error("unknown field accepted")
	}
}

func TestMemoryStoreLeadership(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	now := time.Now().UTC()
	s.SetClock(func() time.Time { return now })

	ok, err := s.AcquireLeadership(ctx, "maintenance", "i1", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	// Held lease blocks others, renews for the holder.
	if ok, _ := s.AcquireLeadership(ctx, "maintenance", "i2", 30*time.Second); ok {
		t.Error("second instance stole a live lease")
	}
	if ok, _ := s.AcquireLeadership(ctx, "maintenance", "i1", 30*time.Second); !ok {
		t.Error("holder failed to renew")
	}

	// Expired lease is up for grabs.
	now = now.Add(time.Minute)
	if ok, _ := s.AcquireLeadership(ctx, "maintenance", "i2", 30*time.Second); !ok {
		t.Error("expired lease not acquirable")
	}

	// Release by a non-holder is a no-op.
	if err := s.ReleaseLeadership(ctx, "maintenance", "i1"); err != nil {
		t.Fatalf("ReleaseLeadership: %v", err)
	}
	if ok, _ := s.AcquireLeadership(ctx, "maintenance", "i2", 30*time.Second); !ok {
		t.Error("holder lost lease to a foreign release")
	}
}

func TestMemoryStoreFailPoisonJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	now := time.Now().UTC()
	s.SetClock(func() time.Time { return now })

	if err := s.EnqueueJob(ctx, &Job{Queue: QueueAnalysis, MaxAttempts: 1, Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	job, _ := s.ClaimNext(ctx, QueueAnalysis, "w1", 10*time.Second)

	// Lease expired with the attempt budget spent.
	now = now.Add(time.Minute)
	n, err := s.FailPoisonJobs(ctx, QueueAnalysis)
	if err != nil {
		t.Fatalf("FailPoisonJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("finalized %d jobs, want 1", n)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != JobFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}
