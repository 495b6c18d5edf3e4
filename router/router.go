// Package router classifies an incoming user turn against the ongoing
// dialogue and expands referential utterances into self-contained queries.
// It reads only the ConversationStore handed to it and never touches
// storage, so it is safe to call from any component.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/finsightlab/finsight/conversation"
	"github.com/finsightlab/finsight/llm"
	"github.com/finsightlab/finsight/storage"
)

// DefaultConfidenceLow is the threshold below which a classification is
// downgraded to a confirmation request.
const DefaultConfidenceLow = 0.5

// contextWindow is how many recent turns the classification prompt sees.
const contextWindow = 5

// Outcome is the router's tagged verdict on a turn.
type Outcome string

const (
	OutcomeComplete           Outcome = "complete"
	OutcomeContextual         Outcome = "contextual"
	OutcomeComparative        Outcome = "comparative"
	OutcomeParameter          Outcome = "parameter"
	OutcomeNeedsConfirmation  Outcome = "needs_confirmation"
	OutcomeNeedsClarification Outcome = "needs_clarification"
)

// Decision is the routed result for one turn. For the four classified
// outcomes ExpandedText is a self-contained query; for the two signal
// outcomes Message is the text to return to the client.
type Decision struct {
	Outcome      Outcome
	QueryType    storage.QueryType
	ExpandedText string
	Confidence   float64
	Message      string
}

// Config holds router configuration.
type Config struct {
	// ConfidenceLow downgrades classifications below it. Default: 0.5
	ConfidenceLow float64

	// Model overrides the LM client's default model.
	Model string

	// Logger receives classification logs.
	Logger *slog.Logger
}

// Router classifies and expands user turns.
type Router struct {
	lm     llm.Client
	config Config
	logger *slog.Logger
}

// New creates a router over the LM client.
func New(lm llm.Client, cfg *Config) *Router {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.ConfidenceLow <= 0 {
		c.ConfidenceLow = DefaultConfidenceLow
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return &Router{lm: lm, config: c, logger: c.Logger.With("component", "router")}
}

const systemPrompt = `You classify a user's question in the context of a financial-analysis conversation.

Classify the new question as exactly one of:
- "complete": self-contained, answerable without the prior turns.
- "contextual": refers to entities or analyses from prior turns ("show me its RSI").
- "comparative": compares against a prior analysis, keeping its category but swapping operands ("how does AMD compare?").
- "parameter": re-runs a prior analysis with changed parameters ("what about weekly instead?").

Then rewrite the question as a fully self-contained query. For "parameter"
questions keep the prior intent and carry over only the changed parameters.
For "comparative" questions preserve the prior analysis category.

Respond with only a JSON object:
{"type": "...", "expanded_text": "...", "confidence": 0.0}

confidence is your certainty in [0,1]. Use a low value when the referent is ambiguous.`

// ClassifyAndExpand routes one user turn. Transport failures surface as
// errors; everything else maps onto a Decision.
func (r *Router) ClassifyAndExpand(ctx context.Context, conv *conversation.ConversationStore, userText string) (*Decision, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return &Decision{
			Outcome: OutcomeNeedsClarification,
			Message: "I didn't catch a question. What would you like to analyze?",
		}, nil
	}

	if conv == nil || conv.Len() == 0 {
		if isReferential(userText) {
			return &Decision{
				Outcome: OutcomeNeedsClarification,
				Message: "I don't have prior context for that. Could you give me the full question?",
			}, nil
		}
		// First turn, nothing to expand against.
		return &Decision{
			Outcome:      OutcomeComplete,
			QueryType:    storage.QueryComplete,
			ExpandedText: userText,
			Confidence:   1,
		}, nil
	}

	prompt := buildPrompt(conv.Recent(contextWindow), userText)
	response, err := r.lm.Complete(ctx, &llm.Request{
		System:   systemPrompt,
		Messages: []llm.Message{llm.UserMessage(prompt)},
		Model:    r.config.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("router classification failed: %w", err)
	}

	verdict, err := parseVerdict(response.Content)
	if err != nil {
		r.logger.Warn("unparseable classification", "error", err)
		return &Decision{
			Outcome: OutcomeNeedsConfirmation,
			Message: "I'm not sure what you're referring to. Could you confirm what you'd like analyzed?",
		}, nil
	}

	if verdict.Confidence < r.config.ConfidenceLow {
		return &Decision{
			Outcome:    OutcomeNeedsConfirmation,
			Confidence: verdict.Confidence,
			Message:    fmt.Sprintf("Just to confirm, did you mean: %s?", verdict.ExpandedText),
		}, nil
	}

	expanded := verdict.ExpandedText
	if verdict.Type == storage.QueryParameter {
		expanded = overrideNumericTokens(expanded, userText)
	}

	return &Decision{
		Outcome:      Outcome(verdict.Type),
		QueryType:    verdict.Type,
		ExpandedText: expanded,
		Confidence:   verdict.Confidence,
	}, nil
}

type verdict struct {
	Type         storage.QueryType
	ExpandedText string
	Confidence   float64
}

func parseVerdict(content string) (*verdict, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var parsed struct {
		Type         string  `json:"type"`
		ExpandedText string  `json:"expanded_text"`
		Confidence   float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch storage.QueryType(parsed.Type) {
	case storage.QueryComplete, storage.QueryContextual, storage.QueryComparative, storage.QueryParameter:
	default:
		return nil, fmt.Errorf("unknown query type %q", parsed.Type)
	}
	if strings.TrimSpace(parsed.ExpandedText) == "" {
		return nil, fmt.Errorf("empty expanded_text")
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", parsed.Confidence)
	}

	return &verdict{
		Type:         storage.QueryType(parsed.Type),
		ExpandedText: strings.TrimSpace(parsed.ExpandedText),
		Confidence:   parsed.Confidence,
	}, nil
}

func buildPrompt(turns []conversation.Turn, userText string) string {
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for i, turn := range turns {
		fmt.Fprintf(&b, "%d. user: %s\n", i+1, turn.UserQuery)
		if turn.ExpandedQuery != "" && turn.ExpandedQuery != turn.UserQuery {
			fmt.Fprintf(&b, "   (expanded: %s)\n", turn.ExpandedQuery)
		}
		if turn.AnalysisSummary != "" {
			fmt.Fprintf(&b, "   assistant: %s\n", turn.AnalysisSummary)
		}
	}
	fmt.Fprintf(&b, "\nNew question: %s\n", userText)
	return b.String()
}

// extractJSON returns the outermost JSON object in a model reply,
// tolerating surrounding prose and code fences.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

var (
	numberPattern      = regexp.MustCompile(`\d+(?:\.\d+)?`)
	referentialPattern = regexp.MustCompile(`(?i)^(what|how|and)\s+about\b|\b(it|its|that|those|these|same|instead|again)\b`)
)

// isReferential detects utterances that lean on missing context.
func isReferential(text string) bool {
	return referentialPattern.MatchString(text)
}

// overrideNumericTokens replaces the expansion's numeric tokens with the
// utterance's, positionally. The model sometimes echoes the prior turn's
// numbers; the user's new values win.
func overrideNumericTokens(expanded, userText string) string {
	userNumbers := numberPattern.FindAllString(userText, -1)
	if len(userNumbers) == 0 {
		return expanded
	}

	i := 0
	return numberPattern.ReplaceAllStringFunc(expanded, func(match string) string {
		if i < len(userNumbers) {
			out := userNumbers[i]
			i++
			return out
		}
		return match
	})
}
