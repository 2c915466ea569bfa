package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/llm"
)

// EventType names the streaming event kinds.
type EventType string

const (
	EventStatus   EventType = "status"
	EventToken    EventType = "token"
	EventCitation EventType = "citation"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is one streamed chunk of an agent response.
type Event struct {
	Type     EventType `json:"type"`
	Content  string    `json:"content,omitempty"`
	Data     any       `json:"data,omitempty"`
	Metadata any       `json:"metadata,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// TokenUsage is the client-facing token count shape. The llm package keeps
// the provider's prompt/completion naming for wire parsing; everything a
// client sees speaks input/output.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// UsageFor converts accumulated model usage into the client shape.
func UsageFor(u llm.Usage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

// DoneMetadata is the payload of the terminal done event.
type DoneMetadata struct {
	ConversationID string     `json:"conversation_id"`
	TokenUsage     TokenUsage `json:"token_usage"`
	LatencyMS      int64      `json:"latency_ms"`
	ToolCalls      int        `json:"tool_calls"`
}

// EmitFunc delivers one event to the transport. Returning an error abandons
// emission; the loop stops at the next boundary.
type EmitFunc func(Event) error

// AnswerStream runs the same loop as Answer in streaming mode. Status events
// surface between model calls, text deltas become token events, and the turn
// closes with one event per citation followed by a done event. The returned
// Answer mirrors what was streamed so callers can persist the session.
func (a *Agent) AnswerStream(ctx context.Context, req Request, emit EmitFunc) (*Answer, error) {
	started := time.Now()
	messages := buildMessages(req)

	answer := &Answer{ConversationID: req.ConversationID}

	for iteration := 1; iteration <= MaxToolIterations; iteration++ {
		if err := emit(Event{Type: EventStatus, Content: "Thinking…"}); err != nil {
			return nil, err
		}

		var emitErr error
		turn, err := a.llm.ChatStream(ctx, a.chatRequest(messages), func(delta string) error {
			if eerr := emit(Event{Type: EventToken, Content: delta}); eerr != nil {
				emitErr = eerr
				return eerr
			}
			return nil
		})
		if err != nil {
			// A failed emit means the subscriber is gone; don't blame the model.
			if emitErr != nil {
				return nil, emitErr
			}
			wrapped := apperr.Wrap(apperr.KindTransientUpstream, "chat model call failed", err)
			_ = emit(Event{Type: EventError, Message: apperr.PublicMessage(wrapped)})
			return nil, wrapped
		}
		answer.Usage.Add(turn.Usage)

		if turn.StopReason == llm.StopEndTurn {
			answer.Response = turn.Text
			a.logger.WithContext(ctx).Info().
				Int("iterations", iteration).
				Int("tool_calls", answer.ToolCalls).
				Int("citations", len(answer.Citations)).
				Int("total_tokens", answer.Usage.TotalTokens).
				Msg("Agent turn complete")
			return answer, a.finishStream(started, answer, emit)
		}

		if iteration == MaxToolIterations {
			break
		}

		messages = append(messages, llm.AssistantMessage{Text: turn.Text, ToolCalls: turn.ToolCalls})
		toolResults := a.runTools(ctx, turn.ToolCalls, req.SourceType, answer, func(toolName string) error {
			return emit(Event{Type: EventStatus, Content: fmt.Sprintf("Using %s…", toolName)})
		})
		messages = append(messages, toolResults)
	}

	answer.Response = exhaustedFallback
	a.logger.WithContext(ctx).Warn().
		Int("tool_calls", answer.ToolCalls).
		Msg("Agent hit iteration cap without end_turn")
	if err := emit(Event{Type: EventToken, Content: exhaustedFallback}); err != nil {
		return nil, err
	}
	return answer, a.finishStream(started, answer, emit)
}

// finishStream emits the citation events and the terminal done event.
func (a *Agent) finishStream(started time.Time, answer *Answer, emit EmitFunc) error {
	answer.LatencyMS = time.Since(started).Milliseconds()

	for _, citation := range answer.Citations {
		if err := emit(Event{Type: EventCitation, Data: citation}); err != nil {
			return err
		}
	}

	return emit(Event{Type: EventDone, Metadata: DoneMetadata{
		ConversationID: answer.ConversationID,
		TokenUsage:     UsageFor(answer.Usage),
		LatencyMS:      answer.LatencyMS,
		ToolCalls:      answer.ToolCalls,
	}})
}
