// Package llm is the chat-model boundary: typed messages and turns over an
// OpenAI-compatible chat-completions API, with tool calling and streaming.
// Vendor SDKs stay out; everything speaks the wire format directly.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one entry in a conversation. Implementations are the three
// variants below; the interface is sealed.
type Message interface {
	message()
}

// UserMessage is text from the user, optionally with attached image bytes
// for vision-capable models.
type UserMessage struct {
	Text   string
	Images [][]byte
}

// AssistantMessage is a model turn: text, tool calls, or both.
type AssistantMessage struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolResultsMessage returns tool outputs to the model, keyed by call id.
type ToolResultsMessage struct {
	Results []ToolResult
}

func (UserMessage) message()        {}
func (AssistantMessage) message()   {}
func (ToolResultsMessage) message() {}

// ToolCall is a model request to run one tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the textual outcome of one tool call.
type ToolResult struct {
	CallID  string
	Content string
}

// Tool describes a callable tool. Parameters is a JSON Schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// StopReason says why the model stopped.
type StopReason string

const (
	StopEndTurn StopReason = "end_turn"
	StopToolUse StopReason = "tool_use"
)

// Usage counts tokens for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another call's usage.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Turn is one completed model response.
type Turn struct {
	StopReason StopReason
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
}

// Request is one chat call.
type Request struct {
	System      string
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int

	// ResponseFormat constrains the output shape; "json_object" forces
	// valid JSON. Empty means unconstrained.
	ResponseFormat string
}

// Client is a chat model.
type Client interface {
	// Chat runs one completion.
	Chat(ctx context.Context, req Request) (*Turn, error)

	// ChatStream runs one completion, calling fn with each text delta as it
	// arrives. The returned Turn carries the full accumulated response.
	ChatStream(ctx context.Context, req Request, fn func(delta string) error) (*Turn, error)
}
