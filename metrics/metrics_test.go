package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordJob(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordJob("analysis", "enqueued")
	m.RecordJob("analysis", "enqueued")
	m.RecordJob("execution", "succeeded")

	expected := `
		# HELP finsight_jobs_total Total number of queue jobs by queue and lifecycle step
		# TYPE finsight_jobs_total counter
		finsight_jobs_total{queue="analysis",step="enqueued"} 2
		finsight_jobs_total{queue="execution",step="succeeded"} 1
	`
	if err := testutil.CollectAndCompare(m.JobCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordSubmit(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSubmit("accepted")
	m.RecordSubmit("reused")
	m.RecordSubmit("reused")

	if count := testutil.CollectAndCount(m.SubmitCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordLLMRequest("router", "success", 0.8)
	m.RecordLLMRequest("router", "error", 1.2)

	expected := `
		# HELP finsight_llm_requests_total Total number of language model calls by component and status
		# TYPE finsight_llm_requests_total counter
		finsight_llm_requests_total{component="router",status="error"} 1
		finsight_llm_requests_total{component="router",status="success"} 1
	`
	if err := testutil.CollectAndCompare(m.LLMRequestCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.CachedSessions.Inc()
	m.CachedSessions.Inc()
	m.CachedSessions.Dec()
	if got := testutil.ToFloat64(m.CachedSessions); got != 1 {
		t.Errorf("CachedSessions = %v, want 1", got)
	}

	m.StreamSubscribers.Set(3)
	if got := testutil.ToFloat64(m.StreamSubscribers); got != 3 {
		t.Errorf("StreamSubscribers = %v, want 3", got)
	}
}
