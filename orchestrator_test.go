package finsight

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/finsightlab/finsight/llm"
	"github.com/finsightlab/finsight/sandbox"
	"github.com/finsightlab/finsight/scriptstore"
	"github.com/finsightlab/finsight/storage"
	"github.com/finsightlab/finsight/vector"
)

// scriptedLM routes fake completions by call shape: planning calls carry
// tools, the router and the reuse evaluator are told apart by their system
// prompts.
type scriptedLM struct {
	mu       sync.Mutex
	route    func(req *llm.Request) (*llm.Response, error)
	evaluate func(req *llm.Request) (*llm.Response, error)
	plan     func(n int, req *llm.Request) (*llm.Response, error)

	planCalls int
}

func (f *scriptedLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case len(req.Tools) > 0:
		f.planCalls++
		if f.plan == nil {
			return nil, errors.New("unexpected planning call")
		}
		return f.plan(f.planCalls, req)
	case strings.Contains(req.System, "classify"):
		if f.route == nil {
			return nil, errors.New("unexpected router call")
		}
		return f.route(req)
	default:
		if f.evaluate == nil {
			return nil, errors.New("unexpected reuse call")
		}
		return f.evaluate(req)
	}
}

// writeThenPlan scripts the planning loop: one write_script tool call, then
// the terminal plan object.
func writeThenPlan(script string) func(int, *llm.Request) (*llm.Response, error) {
	return func(n int, req *llm.Request) (*llm.Response, error) {
		sawResults := false
		for _, m := range req.Messages {
			if len(m.ToolResults) > 0 {
				sawResults = true
			}
		}
		if !sawResults {
			input, _ := json.Marshal(map[string]string{"name": "vol.py", "content": script})
			return &llm.Response{
				ToolCalls: []llm.ToolCall{{ID: "t1", Name: "write_script", Input: input}},
			}, nil
		}
		return &llm.Response{
			Content: `{"script_name": "vol.py", "title": "AAPL 30d volatility",
				"category": "volatility", "description": "Rolling volatility of AAPL.",
				"parameters": {"symbol": "AAPL", "window": 30},
				"data_sources": ["prices"]}`,
		}, nil
	}
}

func declineReuse(req *llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: `{"reuse": false, "reason": "no match"}`}, nil
}

type fakeSandbox struct {
	mu     sync.Mutex
	calls  int
	result *sandbox.Result
	err    error
}

func (f *fakeSandbox) Execute(ctx context.Context, script string, params map[string]any, timeout time.Duration) (*sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSandbox) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestOrchestrator starts an orchestrator over in-memory collaborators
// with fast poll cadences and registers its shutdown with the test.
func newTestOrchestrator(t *testing.T, lm llm.Client, sb sandbox.Runner) (*Orchestrator, storage.Store) {
	t.Helper()

	store := storage.NewMemoryStore()
	o, err := NewOrchestrator(&Config{
		Store:                store,
		LM:                   lm,
		Sandbox:              sb,
		Scripts:              scriptstore.NewMemoryStore(),
		Vector:               vector.NewMemoryIndex(),
		QueuePollInterval:    10 * time.Millisecond,
		ProgressPollInterval: 10 * time.Millisecond,
		CleanupInterval:      time.Hour,
		Logger:               quietLogger(),
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
	return o, store
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(nil)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	_, err = NewOrchestrator(&Config{
		LM:      &scriptedLM{},
		Sandbox: &fakeSandbox{},
		Scripts: scriptstore.NewMemoryStore(),
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing store, got %v", err)
	}

	_, err = NewOrchestrator(&Config{
		Store:   storage.NewMemoryStore(),
		Sandbox: &fakeSandbox{},
		Scripts: scriptstore.NewMemoryStore(),
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing LM, got %v", err)
	}
}

func TestStartStopGuards(t *testing.T) {
	o, err := NewOrchestrator(&Config{
		Store:   storage.NewMemoryStore(),
		LM:      &scriptedLM{},
		Sandbox: &fakeSandbox{},
		Scripts: scriptstore.NewMemoryStore(),
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	ctx := context.Background()
	if err := o.Stop(ctx); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Stop before Start: expected ErrNotStarted, got %v", err)
	}
	if _, err := o.Submit(ctx, "", "u1", "volatility of AAPL"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Submit before Start: expected ErrNotStarted, got %v", err)
	}

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start: expected ErrAlreadyStarted, got %v", err)
	}
	if !o.IsRunning() {
		t.Fatal("expected IsRunning after Start")
	}

	if err := o.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if o.IsRunning() {
		t.Fatal("expected not running after Stop")
	}
}

func TestStartRegistersInstance(t *testing.T) {
	store := storage.NewMemoryStore()
	o, err := NewOrchestrator(&Config{
		Store:             store,
		LM:                &scriptedLM{},
		Sandbox:           &fakeSandbox{},
		Scripts:           scriptstore.NewMemoryStore(),
		InstanceID:        "inst-1",
		HeartbeatInterval: 10 * time.Millisecond,
		Logger:            quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	ctx := context.Background()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A registered, heartbeating instance is never stale.
	time.Sleep(50 * time.Millisecond)
	n, err := store.DeleteStaleInstances(ctx, 40*time.Millisecond)
	if err != nil {
		t.Fatalf("DeleteStaleInstances: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected live instance to survive, removed %d", n)
	}

	if err := o.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	n, err = store.DeleteStaleInstances(ctx, 0)
	if err != nil {
		t.Fatalf("DeleteStaleInstances: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected instance deregistered on Stop, found %d stale", n)
	}
}
