package router

import (
	"context"
	"errors"
	"testing"

	"github.com/finsightlab/finsight/conversation"
	"github.com/finsightlab/finsight/llm"
	"github.com/finsightlab/finsight/storage"
)

type fakeLM struct {
	response *llm.Response
	err      error
	lastReq  *llm.Request
}

func (f *fakeLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func seededConversation() *conversation.ConversationStore {
	conv := conversation.NewConversationStore()
	conv.AddTurn(conversation.Turn{
		UserQuery:       "What are the top 5 most volatile stocks this month?",
		ExpandedQuery:   "top 5 most volatile stocks, monthly",
		QueryType:       storage.QueryComplete,
		AnalysisSummary: "Computed monthly volatility ranking.",
	})
	return conv
}

func TestRouterFirstTurnIsComplete(t *testing.T) {
	lm := &fakeLM{}
	r := New(lm, nil)

	decision, err := r.ClassifyAndExpand(context.Background(), conversation.NewConversationStore(),
		"What are the top 5 most volatile stocks this month?")
	if err != nil {
		t.Fatalf("ClassifyAndExpand: %v", err)
	}
	if decision.Outcome != OutcomeComplete {
		t.Errorf("outcome = %s", decision.Outcome)
	}
	if decision.ExpandedText != "What are the top 5 most volatile stocks this month?" {
		t.Errorf("expanded = %q", decision.ExpandedText)
	}
	if lm.lastReq != nil {
		t.Error("first turn should not call the LM")
	}
}

func TestRouterEmptyStoreReferentialNeedsClarification(t *testing.T) {
	r := New(&fakeLM{}, nil)

	for _, text := range []string{"what about TSLA", "show me its RSI", "same but weekly"} {
		decision, err := r.ClassifyAndExpand(context.Background(), conversation.NewConversationStore(), text)
		if err != nil {
			t.Fatalf("ClassifyAndExpand(%q): %v", text, err)
		}
		if decision.Outcome != OutcomeNeedsClarification {
			t.Errorf("outcome for %q = %s, want needs_clarification", text, decision.Outcome)
		}
		if decision.Message == "" {
			t.Errorf("no clarification message for %q", text)
		}
	}
}

func TestRouterClassifiesWithContext(t *testing.T) {
	lm := &fakeLM{response: &llm.Response{
		Content: `{"type": "parameter", "expanded_text": "top 5 most volatile stocks, weekly", "confidence": 0.9}`,
	}}
	r := New(lm, nil)

	decision, err := r.ClassifyAndExpand(context.Background(), seededConversation(), "what about weekly instead?")
	if err != nil {
		t.Fatalf("ClassifyAndExpand: %v", err)
	}
	if decision.Outcome != OutcomeParameter || decision.QueryType != storage.QueryParameter {
		t.Errorf("decision = %+v", decision)
	}
	if decision.ExpandedText != "top 5 most volatile stocks, weekly" {
		t.Errorf("expanded = %q", decision.ExpandedText)
	}
	if lm.lastReq == nil {
		t.Fatal("LM never called")
	}
}

func TestRouterLowConfidenceDowngrades(t *testing.T) {
	lm := &fakeLM{response: &llm.Response{
		Content: `{"type": "contextual", "expanded_text": "RSI for NVDA", "confidence": 0.3}`,
	}}
	r := New(lm, nil)

	decision, err := r.ClassifyAndExpand(context.Background(), seededConversation(), "show me the RSI")
	if err != nil {
		t.Fatalf("ClassifyAndExpand: %v", err)
	}
	if decision.Outcome != OutcomeNeedsConfirmation {
		t.Errorf("outcome = %s, want needs_confirmation", decision.Outcome)
	}
	if decision.Message == "" {
		t.Error("no confirmation message")
	}
}

func TestRouterUnparseableOutputNeedsConfirmation(t *testing.T) {
	for _, content := range []string{
		"I think this is contextual.",
		`{"type": "bogus", "expanded_text": "x", "confidence": 0.9}`,
		`{"type": "contextual", "expanded_text": "", "confidence": 0.9}`,
		`{"type": "contextual", "expanded_text": "x", "confidence": 1.7}`,
	} {
		lm := &fakeLM{response: &llm.Response{Content: content}}
		r := New(lm, nil)

		decision, err := r.ClassifyAndExpand(context.Background(), seededConversation(), "and that one?")
		if err != nil {
			t.Fatalf("ClassifyAndExpand: %v", err)
		}
		if decision.Outcome != OutcomeNeedsConfirmation {
			t.Errorf("outcome for %q = %s, want needs_confirmation", content, decision.Outcome)
		}
	}
}

func TestRouterTransportErrorSurfaces(t *testing.T) {
	lm := &fakeLM{err: errors.New("503")}
	r := New(lm, nil)

	if _, err := r.ClassifyAndExpand(context.Background(), seededConversation(), "what about weekly?"); err == nil {
		t.Error("transport error swallowed")
	}
}

func TestRouterParameterQueryNumericOverride(t *testing.T) {
	// The model echoed the prior turn's numbers; the utterance's win.
	lm := &fakeLM{response: &llm.Response{
		Content: `{"type": "parameter", "expanded_text": "top 5 most volatile stocks over 30 days", "confidence": 0.95}`,
	}}
	r := New(lm, nil)

	decision, err := r.ClassifyAndExpand(context.Background(), seededConversation(), "make it top 10 over 90 days")
	if err != nil {
		t.Fatalf("ClassifyAndExpand: %v", err)
	}
	if decision.ExpandedText != "top 10 most volatile stocks over 90 days" {
		t.Errorf("expanded = %q", decision.ExpandedText)
	}
}

func TestRouterToleratesFencedJSON(t *testing.T) {
	lm := &fakeLM{response: &llm.Response{
		Content: "Here is my classification:\n```json\n{\"type\": \"comparative\", \"expanded_text\": \"compare AMD volatility to NVDA, monthly\", \"confidence\": 0.8}\n```",
	}}
	r := New(lm, nil)

	decision, err := r.ClassifyAndExpand(context.Background(), seededConversation(), "how does AMD compare?")
	if err != nil {
		t.Fatalf("ClassifyAndExpand: %v", err)
	}
	if decision.Outcome != OutcomeComparative {
		t.Errorf("outcome = %s", decision.Outcome)
	}
}
