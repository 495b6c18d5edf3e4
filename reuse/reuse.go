// Package reuse decides whether an expanded query can be served by
// re-parameterizing an existing analysis instead of generating a new one.
package reuse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/finsightlab/finsight/llm"
)

// DefaultSimilarityThreshold filters vector-index neighbors before the
// evaluator sees them.
const DefaultSimilarityThreshold = 0.7

// Neighbor is one candidate analysis from the vector index.
type Neighbor struct {
	AnalysisID string
	Title      string
	Category   string
	Similarity float64
	Parameters map[string]any // declared parameter schema
}

// Decision is the evaluator's verdict. When Reuse is true AnalysisID names
// the analysis to re-parameterize and NewParameters the binding to run it
// with; otherwise Reason says why a fresh analysis is needed.
type Decision struct {
	Reuse         bool
	AnalysisID    string
	NewParameters map[string]any
	Reason        string
}

// Config holds evaluator configuration.
type Config struct {
	// SimilarityThreshold gates candidates. Default: 0.7
	SimilarityThreshold float64

	// Model overrides the LM client's default model.
	Model string

	// Logger receives evaluation logs.
	Logger *slog.Logger
}

// Evaluator applies the reuse policy.
type Evaluator struct {
	lm     llm.Client
	config Config
	logger *slog.Logger
}

// New creates an evaluator over the LM client.
func New(lm llm.Client, cfg *Config) *Evaluator {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return &Evaluator{lm: lm, config: c, logger: c.Logger.With("component", "reuse_evaluator")}
}

const systemPrompt = `You decide whether an existing financial analysis can answer a new query by changing only its parameters.

Reuse is permitted only when BOTH hold:
1. The candidate's category matches the query's inferred category.
2. Every difference between the query and the candidate lies within the candidate's declared parameter set.

If any difference requires new computation or a different category, do not reuse.

Respond with only a JSON object, one of:
{"reuse": true, "analysis_id": "...", "new_parameters": {...}, "reason": "..."}
{"reuse": false, "reason": "..."}`

// Evaluate decides reuse for an expanded query against ranked neighbors.
// Any parse failure or transport error falls back to generating new; reuse
// is an optimization, never a correctness requirement.
func (e *Evaluator) Evaluate(ctx context.Context, expandedQuery string, neighbors []Neighbor) (*Decision, error) {
	eligible := make([]Neighbor, 0, len(neighbors))
	for _, n := range neighbors {
		if n.Similarity >= e.config.SimilarityThreshold {
			eligible = append(eligible, n)
		}
	}
	if len(eligible) == 0 {
		return &Decision{Reuse: false, Reason: "no sufficiently similar prior analysis"}, nil
	}

	response, err := e.lm.Complete(ctx, &llm.Request{
		System:   systemPrompt,
		Messages: []llm.Message{llm.UserMessage(buildPrompt(expandedQuery, eligible))},
		Model:    e.config.Model,
	})
	if err != nil {
		e.logger.Warn("reuse evaluation failed, generating new", "error", err)
		return &Decision{Reuse: false, Reason: "evaluator unavailable"}, nil
	}

	decision, err := parseDecision(response.Content, eligible)
	if err != nil {
		e.logger.Warn("unparseable reuse verdict, generating new", "error", err)
		return &Decision{Reuse: false, Reason: "unparseable reuse verdict"}, nil
	}
	return decision, nil
}

func buildPrompt(query string, neighbors []Neighbor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nCandidates:\n", query)
	for i, n := range neighbors {
		params, _ := json.Marshal(n.Parameters)
		fmt.Fprintf(&b, "%d. id=%s category=%s similarity=%.2f title=%q parameters=%s\n",
			i+1, n.AnalysisID, n.Category, n.Similarity, n.Title, params)
	}
	return b.String()
}

func parseDecision(content string, eligible []Neighbor) (*Decision, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var parsed struct {
		Reuse         bool           `json:"reuse"`
		AnalysisID    string         `json:"analysis_id"`
		NewParameters map[string]any `json:"new_parameters"`
		Reason        string         `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if !parsed.Reuse {
		return &Decision{Reuse: false, Reason: parsed.Reason}, nil
	}

	// The chosen id must be one of the candidates actually offered.
	for _, n := range eligible {
		if n.AnalysisID == parsed.AnalysisID {
			return &Decision{
				Reuse:         true,
				AnalysisID:    parsed.AnalysisID,
				NewParameters: parsed.NewParameters,
				Reason:        parsed.Reason,
			}, nil
		}
	}
	return nil, fmt.Errorf("verdict names unknown analysis %q", parsed.AnalysisID)
}
