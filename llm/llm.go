// Package llm abstracts the language-model collaborator. One call shape
// serves every use (router, reuse evaluator, analysis worker): system
// prompt, messages, optional tools in; content, tool calls and usage out.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one turn of an LM exchange. An assistant message may carry
// tool calls; a user message may carry tool results being fed back.
type Message struct {
	Role        string // user, assistant
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Tool describes a callable tool offered to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any // JSON Schema properties
	Required    []string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of a tool call fed back to the model.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Usage is token accounting for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Request is one LM call.
type Request struct {
	System    string
	Messages  []Message
	Tools     []Tool
	Model     string
	MaxTokens int64
}

// Response is the model's reply.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Client is the LM collaborator.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// UserMessage builds a plain user turn.
func UserMessage(text string) Message {
	return Message{Role: "user", Text: text}
}

// AssistantMessage rebuilds an assistant turn for the next request.
func AssistantMessage(text string, calls []ToolCall) Message {
	return Message{Role: "assistant", Text: text, ToolCalls: calls}
}

// ToolResultMessage feeds tool outcomes back as a user turn.
func ToolResultMessage(results ...ToolResult) Message {
	return Message{Role: "user", ToolResults: results}
}
