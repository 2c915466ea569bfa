// Package cairn provides the public Go SDK for the Cairn knowledge service.
// It is a thin typed client over the HTTP API; no internal packages leak
// through its surface.
package cairn

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// correlationHeader carries the request correlation id. Supplying one via
// WithCorrelationID groups a multi-call workflow in the server logs.
const correlationHeader = "X-Correlation-ID"

type correlationKey struct{}

// WithCorrelationID attaches a correlation id to outgoing calls made with
// this context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// Client is the Cairn API client.
type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	streamClient *http.Client
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	// BaseURL is the API root, e.g. http://localhost:8080.
	BaseURL string

	// Token is the bearer token. Empty is fine against a server running
	// with auth disabled.
	Token string

	// Timeout bounds non-streaming calls. Defaults to 30s.
	Timeout time.Duration
}

// NewClient creates a Cairn client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		// Streams stay open for the whole response; cancellation comes
		// from the caller's context.
		streamClient: &http.Client{},
	}, nil
}

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("cairn: %s (%d)", e.Message, e.Status)
	}
	return fmt.Sprintf("cairn: request failed (%d)", e.Status)
}

// SearchRequest is a hybrid retrieval query.
type SearchRequest struct {
	Query      string `json:"query"`
	TopK       int    `json:"top_k,omitempty"`
	SourceType string `json:"source_type,omitempty"`
	Project    string `json:"project,omitempty"`
	DateFrom   string `json:"date_from,omitempty"`
	DateTo     string `json:"date_to,omitempty"`
}

// SearchResult is one fused retrieval hit.
type SearchResult struct {
	SegmentID     string  `json:"segment_id"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	SourceURL     string  `json:"source_url,omitempty"`
	SourceID      string  `json:"source_id,omitempty"`
	SectionPath   *string `json:"section_path,omitempty"`
	DocumentTitle string  `json:"document_title,omitempty"`
	SegmentType   string  `json:"segment_type"`
}

// Search runs a hybrid retrieval query.
func (c *Client) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	var results []SearchResult
	if err := c.postJSON(ctx, "/api/v1/search", req, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// ChatMessage is one prior conversation entry.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AskRequest is a question for the agent.
type AskRequest struct {
	Message             string        `json:"message"`
	ConversationID      string        `json:"conversation_id,omitempty"`
	ConversationHistory []ChatMessage `json:"conversation_history,omitempty"`
	SourceType          string        `json:"source_type,omitempty"`
}

// Citation points an answer at its source material.
type Citation struct {
	DocumentTitle string  `json:"document_title"`
	SectionPath   *string `json:"section_path,omitempty"`
	SourceURL     string  `json:"source_url,omitempty"`
	SegmentID     string  `json:"segment_id,omitempty"`
}

// TokenUsage counts tokens for one agent turn.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// AskResponse is the agent's buffered answer.
type AskResponse struct {
	Response       string     `json:"response"`
	Citations      []Citation `json:"citations"`
	ConversationID string     `json:"conversation_id"`
	TokenUsage     TokenUsage `json:"token_usage"`
	LatencyMS      int64      `json:"latency_ms"`
}

// Ask sends one question and waits for the full answer.
func (c *Client) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	var resp AskResponse
	if err := c.postJSON(ctx, "/api/v1/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StreamEvent is one server-sent event from a streaming answer.
type StreamEvent struct {
	Type     string          `json:"type"`
	Content  string          `json:"content,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// AskStream sends one question and calls fn for every event as it arrives.
// It returns after the terminal done or error event, or when fn fails.
func (c *Client) AskStream(ctx context.Context, req AskRequest, fn func(StreamEvent) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cairn: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
		if event.Type == "done" || event.Type == "error" {
			return nil
		}
	}
	return scanner.Err()
}

// Task is one background ingestion task record.
type Task struct {
	ID                 string           `json:"id"`
	Status             string           `json:"status"`
	FolderPath         string           `json:"folder_path"`
	TotalDocuments     int              `json:"total_documents"`
	ProcessedDocuments int              `json:"processed_documents"`
	Succeeded          int              `json:"succeeded"`
	Skipped            int              `json:"skipped"`
	Failed             int              `json:"failed"`
	Results            []DocumentResult `json:"results"`
	Error              *string          `json:"error,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}

// DocumentResult is one per-document outcome inside a task.
type DocumentResult struct {
	SourceID        string `json:"source_id"`
	Title           string `json:"title"`
	SegmentsCreated int    `json:"segments_created"`
	Skipped         bool   `json:"skipped"`
	Error           string `json:"error,omitempty"`
}

// TaskPage is one page of tasks.
type TaskPage struct {
	Items  []Task `json:"items"`
	Total  int    `json:"total"`
	Cursor string `json:"cursor"`
}

// ingestFolderResponse is the accepted-task acknowledgment.
type ingestFolderResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// IngestFolder starts a background folder ingestion and returns the task id.
func (c *Client) IngestFolder(ctx context.Context, path string) (string, error) {
	var resp ingestFolderResponse
	if err := c.postJSON(ctx, "/api/v1/ingest/folder", map[string]string{"path": path}, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// Task fetches one ingestion task by id.
func (c *Client) Task(ctx context.Context, taskID string) (*Task, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, fmt.Errorf("cairn: task id must be a UUID")
	}
	var task Task
	if err := c.getJSON(ctx, "/api/v1/ingest/tasks/"+taskID, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Tasks lists ingestion tasks newest-first.
func (c *Client) Tasks(ctx context.Context, limit int, cursor string) (*TaskPage, error) {
	path := "/api/v1/ingest/tasks"
	params := make([]string, 0, 2)
	if limit > 0 {
		params = append(params, "limit="+strconv.Itoa(limit))
	}
	if cursor != "" {
		params = append(params, "cursor="+cursor)
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	var page TaskPage
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Health reports per-service liveness.
type Health struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// Health checks the service. An unhealthy response decodes without error;
// inspect Status.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cairn: %w", err)
	}
	defer resp.Body.Close()

	// 503 still carries the health document.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, decodeAPIError(resp)
	}

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &health, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	correlationID, _ := ctx.Value(correlationKey{}).(string)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	req.Header.Set(correlationHeader, correlationID)

	return req, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cairn: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeAPIError reads the error envelope. The auth middleware puts the
// message in the error field; handlers use error for the kind. Both decode.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
		apiErr.Kind = envelope.Error
		apiErr.Message = envelope.Message
		if apiErr.Message == "" {
			apiErr.Message = envelope.Error
		}
	}
	return apiErr
}
