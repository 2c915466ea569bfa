// Package agent runs the tool-calling conversation loop: the model is called
// with the tool catalogue, requested tools are dispatched, and their results
// feed the next call until the model ends its turn or the iteration cap is
// hit.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/llm"
	"github.com/cairnkb/cairn/internal/observability"
)

// MaxToolIterations bounds the number of model calls per request. The loop
// terminates for any model behavior.
const MaxToolIterations = 5

// ChatMessage is one prior exchange entry supplied by the client.
type ChatMessage struct {
	Role    string `json:"role"` // user or assistant
	Content string `json:"content"`
}

// Request is one question for the agent.
type Request struct {
	Message        string
	ConversationID string
	History        []ChatMessage
	SourceType     string
}

// Answer is the agent's completed response.
type Answer struct {
	Response       string
	Citations      []Citation
	ConversationID string
	Usage          llm.Usage
	LatencyMS      int64
	ToolCalls      int
}

// Config tunes the model calls.
type Config struct {
	Temperature float64
	MaxTokens   int
}

// Agent drives the loop against one model client and one toolbox.
type Agent struct {
	llm    llm.Client
	tools  *Toolbox
	config Config
	logger *observability.Logger
}

// New creates an agent.
func New(client llm.Client, tools *Toolbox, config Config, logger *observability.Logger) *Agent {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}
	return &Agent{llm: client, tools: tools, config: config, logger: logger.WithComponent("agent")}
}

// Answer runs the loop to completion and returns the final text with every
// citation the tools produced.
func (a *Agent) Answer(ctx context.Context, req Request) (*Answer, error) {
	started := time.Now()
	messages := buildMessages(req)

	answer := &Answer{ConversationID: req.ConversationID}

	for iteration := 1; iteration <= MaxToolIterations; iteration++ {
		turn, err := a.llm.Chat(ctx, a.chatRequest(messages))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindTransientUpstream, "chat model call failed", err)
		}
		answer.Usage.Add(turn.Usage)

		if turn.StopReason == llm.StopEndTurn {
			answer.Response = turn.Text
			answer.LatencyMS = time.Since(started).Milliseconds()
			a.logger.WithContext(ctx).Info().
				Int("iterations", iteration).
				Int("tool_calls", answer.ToolCalls).
				Int("citations", len(answer.Citations)).
				Int("total_tokens", answer.Usage.TotalTokens).
				Msg("Agent turn complete")
			return answer, nil
		}

		// The final permitted call may not request more tools; there is no
		// call left to consume their results.
		if iteration == MaxToolIterations {
			break
		}

		messages = append(messages, llm.AssistantMessage{Text: turn.Text, ToolCalls: turn.ToolCalls})
		messages = append(messages, a.runTools(ctx, turn.ToolCalls, req.SourceType, answer, nil))
	}

	answer.Response = exhaustedFallback
	answer.LatencyMS = time.Since(started).Milliseconds()
	a.logger.WithContext(ctx).Warn().
		Int("tool_calls", answer.ToolCalls).
		Msg("Agent hit iteration cap without end_turn")
	return answer, nil
}

// runTools dispatches every call in the batch, accumulates citations and the
// call count on the answer, and returns the combined tool-result message.
// notify, when non-nil, observes each tool name before it runs.
func (a *Agent) runTools(ctx context.Context, calls []llm.ToolCall, sourceType string, answer *Answer, notify func(toolName string) error) llm.ToolResultsMessage {
	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		if notify != nil {
			if err := notify(call.Name); err != nil {
				// The listener has gone away; the remaining tools still run
				// so the batch stays coherent, but nothing observes them.
				notify = nil
			}
		}
		answer.ToolCalls++
		out := a.tools.Dispatch(ctx, applySourceFilter(call, sourceType))
		answer.Citations = append(answer.Citations, out.Citations...)
		results = append(results, llm.ToolResult{CallID: call.ID, Content: out.Text})
	}
	return llm.ToolResultsMessage{Results: results}
}

// applySourceFilter injects the request's source_type into search_knowledge
// calls that do not name one themselves.
func applySourceFilter(call llm.ToolCall, sourceType string) llm.ToolCall {
	if sourceType == "" || call.Name != ToolSearchKnowledge {
		return call
	}
	var args map[string]any
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args == nil {
		return call
	}
	if v, ok := args["source_type"].(string); ok && v != "" {
		return call
	}
	args["source_type"] = sourceType
	encoded, err := json.Marshal(args)
	if err != nil {
		return call
	}
	call.Arguments = encoded
	return call
}

func (a *Agent) chatRequest(messages []llm.Message) llm.Request {
	return llm.Request{
		System:      systemPrompt,
		Messages:    messages,
		Tools:       a.tools.Definitions(),
		Temperature: a.config.Temperature,
		MaxTokens:   a.config.MaxTokens,
	}
}

// buildMessages converts the client-supplied history plus the new message
// into typed model messages. Unknown roles are treated as user text.
func buildMessages(req Request) []llm.Message {
	messages := make([]llm.Message, 0, len(req.History)+1)
	for _, m := range req.History {
		switch m.Role {
		case "assistant":
			messages = append(messages, llm.AssistantMessage{Text: m.Content})
		default:
			messages = append(messages, llm.UserMessage{Text: m.Content})
		}
	}
	messages = append(messages, llm.UserMessage{Text: req.Message})
	return messages
}
