package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cairnkb/cairn/internal/apperr"
)

// Config holds OpenAI-compatible chat client settings.
type Config struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// Model is the chat model name.
	Model string

	// BaseURL points at an OpenAI-compatible API root.
	BaseURL string

	// Timeout bounds a non-streaming call end to end.
	Timeout time.Duration

	// MaxRetries caps attempts for transient failures on Chat.
	MaxRetries int

	// RetryBaseDelay is the first backoff delay.
	RetryBaseDelay time.Duration
}

// OpenAI talks to an OpenAI-compatible chat-completions endpoint.
type OpenAI struct {
	config Config
	// httpClient serves Chat. streamClient has no hard timeout because a
	// stream stays open for the whole response; cancellation comes from ctx.
	httpClient   *http.Client
	streamClient *http.Client
}

var _ Client = (*OpenAI)(nil)

// NewOpenAI creates a chat client with defaults applied.
func NewOpenAI(config Config) (*OpenAI, error) {
	if config.APIKey == "" {
		return nil, apperr.Validation("llm API key is required")
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseDelay == 0 {
		config.RetryBaseDelay = 500 * time.Millisecond
	}
	return &OpenAI{
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		streamClient: &http.Client{},
	}, nil
}

type chatRequest struct {
	Model          string              `json:"model"`
	Messages       []wireMessage       `json:"messages"`
	Temperature    float64             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	Tools          []wireTool          `json:"tools,omitempty"`
	ResponseFormat *wireResponseFormat `json:"response_format,omitempty"`
	Stream         bool                `json:"stream,omitempty"`
	StreamOptions  *streamOptions      `json:"stream_options,omitempty"`
}

type wireResponseFormat struct {
	Type string `json:"type"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// wireMessage is an outbound message. Content is a plain string except for
// user messages with images, which use the multipart content-array form.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imageURLPart `json:"image_url,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name string `json:"name"`
	// Arguments is a JSON object encoded as a string, per the wire format.
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string          `json:"type"`
	Function wireFunctionDef `json:"function"`
}

type wireFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// responseMessage is an inbound assistant message; content is always text.
type responseMessage struct {
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type chatResponse struct {
	Choices []struct {
		Message      responseMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat runs one completion, retrying transient upstream failures.
func (c *OpenAI) Chat(ctx context.Context, req Request) (*Turn, error) {
	body, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	data, err := c.doWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "decode chat response", err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.KindInternal, "chat response contained no choices")
	}

	choice := resp.Choices[0]
	calls, err := decodeToolCalls(choice.Message.ToolCalls)
	if err != nil {
		return nil, err
	}
	return &Turn{
		StopReason: stopReasonFor(choice.FinishReason, len(calls)),
		Text:       choice.Message.Content,
		ToolCalls:  calls,
		Usage:      resp.Usage,
	}, nil
}

func (c *OpenAI) buildRequest(req Request, stream bool) chatRequest {
	out := chatRequest{
		Model:       c.config.Model,
		Messages:    encodeMessages(req.System, req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if req.ResponseFormat != "" {
		out.ResponseFormat = &wireResponseFormat{Type: req.ResponseFormat}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Type: "function",
			Function: wireFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return out
}

func encodeMessages(system string, messages []Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, wireMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		switch msg := m.(type) {
		case UserMessage:
			out = append(out, wireMessage{Role: "user", Content: encodeUserContent(msg)})
		case AssistantMessage:
			wm := wireMessage{Role: "assistant", Content: msg.Text}
			for _, call := range msg.ToolCalls {
				wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
					ID:   call.ID,
					Type: "function",
					Function: wireFunctionCall{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			out = append(out, wm)
		case ToolResultsMessage:
			// Each result becomes its own tool-role message on the wire.
			for _, res := range msg.Results {
				out = append(out, wireMessage{
					Role:       "tool",
					Content:    res.Content,
					ToolCallID: res.CallID,
				})
			}
		}
	}
	return out
}

// encodeUserContent keeps plain text as a bare string; images switch the
// message to the content-array form with base64 data URIs.
func encodeUserContent(msg UserMessage) any {
	if len(msg.Images) == 0 {
		return msg.Text
	}
	parts := []contentPart{{Type: "text", Text: msg.Text}}
	for _, img := range msg.Images {
		uri := "data:" + http.DetectContentType(img) + ";base64," + base64.StdEncoding.EncodeToString(img)
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURLPart{URL: uri}})
	}
	return parts
}

func decodeToolCalls(wire []wireToolCall) ([]ToolCall, error) {
	if len(wire) == 0 {
		return nil, nil
	}
	calls := make([]ToolCall, 0, len(wire))
	for _, tc := range wire {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return nil, apperr.New(apperr.KindInternal,
				fmt.Sprintf("tool call %s carried invalid JSON arguments", tc.Function.Name))
		}
		calls = append(calls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return calls, nil
}

func stopReasonFor(finishReason string, toolCalls int) StopReason {
	if finishReason == "tool_calls" || toolCalls > 0 {
		return StopToolUse
	}
	return StopEndTurn
}

func (c *OpenAI) doWithRetry(ctx context.Context, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt, lastErr); err != nil {
				return nil, err
			}
		}
		data, retryable, err := c.post(ctx, body)
		if err == nil {
			return data, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("chat request failed after %d attempts: %w", c.config.MaxRetries, lastErr)
}

// retryAfterError carries a server-requested delay from a 429 response.
type retryAfterError struct {
	err   error
	delay time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

func (c *OpenAI) sleepBackoff(ctx context.Context, attempt int, lastErr error) error {
	delay := c.config.RetryBaseDelay << (attempt - 1)
	if delay > 8*time.Second {
		delay = 8 * time.Second
	}
	// A Retry-After header overrides computed backoff.
	var ra *retryAfterError
	if errors.As(lastErr, &ra) && ra.delay > 0 {
		delay = ra.delay
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (c *OpenAI) post(ctx context.Context, body []byte) ([]byte, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, apperr.Transient("chat request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, apperr.Transient("read chat response", err)
	}
	if resp.StatusCode != http.StatusOK {
		retryable := retryableStatus(resp.StatusCode)
		err := statusError(resp.StatusCode, data)
		if resp.StatusCode == http.StatusTooManyRequests {
			if delay := parseRetryAfter(resp.Header.Get("Retry-After")); delay > 0 {
				err = &retryAfterError{err: err, delay: delay}
			}
		}
		return nil, retryable, err
	}
	return data, false, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func statusError(status int, body []byte) error {
	message := fmt.Sprintf("chat API returned status %d", status)
	var payload apiError
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		message = fmt.Sprintf("chat API returned status %d: %s", status, payload.Error.Message)
	}
	switch {
	case status == http.StatusUnauthorized:
		return apperr.New(apperr.KindAuth, message)
	case status == http.StatusForbidden:
		return apperr.New(apperr.KindForbidden, message)
	case retryableStatus(status):
		return apperr.New(apperr.KindTransientUpstream, message)
	default:
		return apperr.New(apperr.KindInternal, message)
	}
}

// streamChunk is one SSE data payload from a streaming completion.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// streamToolCall accumulates one tool call across deltas.
type streamToolCall struct {
	id   string
	name string
	args strings.Builder
}

// ChatStream runs one completion over SSE. fn receives each text delta in
// order; tool-call deltas are accumulated into the returned Turn. Streaming
// is never retried: a half-delivered stream cannot be safely replayed.
func (c *OpenAI) ChatStream(ctx context.Context, req Request, fn func(delta string) error) (*Turn, error) {
	body, err := json.Marshal(c.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transient("chat stream failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, data)
	}

	var (
		text         strings.Builder
		pending      []*streamToolCall
		finishReason string
		usage        Usage
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "decode stream chunk", err)
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if err := fn(choice.Delta.Content); err != nil {
				return nil, err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			for tc.Index >= len(pending) {
				pending = append(pending, &streamToolCall{})
			}
			p := pending[tc.Index]
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transient("read chat stream", err)
	}

	calls := make([]ToolCall, 0, len(pending))
	for _, p := range pending {
		args := p.args.String()
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return nil, apperr.New(apperr.KindInternal,
				fmt.Sprintf("tool call %s streamed invalid JSON arguments", p.name))
		}
		calls = append(calls, ToolCall{ID: p.id, Name: p.name, Arguments: json.RawMessage(args)})
	}
	if len(calls) == 0 {
		calls = nil
	}
	return &Turn{
		StopReason: stopReasonFor(finishReason, len(calls)),
		Text:       text.String(),
		ToolCalls:  calls,
		Usage:      usage,
	}, nil
}
