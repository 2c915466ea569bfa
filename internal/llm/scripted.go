package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cairnkb/cairn/internal/apperr"
)

// ScriptedClient replays canned turns in order. Tests use it to drive agent
// loops and extraction without a live model.
type ScriptedClient struct {
	mu       sync.Mutex
	turns    []*Turn
	requests []Request
}

var _ Client = (*ScriptedClient)(nil)

// NewScripted creates a client that returns the given turns one per call.
func NewScripted(turns ...*Turn) *ScriptedClient {
	return &ScriptedClient{turns: turns}
}

// TextTurn builds a plain end-of-turn response.
func TextTurn(text string) *Turn {
	return &Turn{StopReason: StopEndTurn, Text: text}
}

// ToolTurn builds a response that requests the given tool calls.
func ToolTurn(calls ...ToolCall) *Turn {
	return &Turn{StopReason: StopToolUse, ToolCalls: calls}
}

// Call builds a tool call with raw JSON arguments.
func Call(id, name, args string) ToolCall {
	return ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func (s *ScriptedClient) next(req Request) (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.turns) == 0 {
		return nil, apperr.New(apperr.KindInternal,
			fmt.Sprintf("script exhausted after %d turns", len(s.requests)-1))
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	return turn, nil
}

// Chat returns the next scripted turn.
func (s *ScriptedClient) Chat(ctx context.Context, req Request) (*Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.next(req)
}

// ChatStream returns the next scripted turn, delivering its text to fn in
// word-sized deltas so callers exercise real accumulation.
func (s *ScriptedClient) ChatStream(ctx context.Context, req Request, fn func(delta string) error) (*Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	turn, err := s.next(req)
	if err != nil {
		return nil, err
	}
	for _, delta := range strings.SplitAfter(turn.Text, " ") {
		if delta == "" {
			continue
		}
		if err := fn(delta); err != nil {
			return nil, err
		}
	}
	return turn, nil
}

// Requests returns every request seen so far.
func (s *ScriptedClient) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}
