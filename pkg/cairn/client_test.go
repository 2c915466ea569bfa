package cairn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/search", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Correlation-ID"))

		var req SearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "late fees", req.Query)
		assert.Equal(t, 3, req.TopK)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]SearchResult{
			{SegmentID: "seg-1", Content: "Late fees are 2% monthly.", Score: 0.03, SegmentType: "text"},
		})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL, Token: "test-token"})
	require.NoError(t, err)

	results, err := client.Search(context.Background(), SearchRequest{Query: "late fees", TopK: 3})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "seg-1", results[0].SegmentID)
	assert.Contains(t, results[0].Content, "2% monthly")
}

func TestClientCorrelationIDPassThrough(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Correlation-ID")
		json.NewEncoder(w).Encode([]SearchResult{})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	ctx := WithCorrelationID(context.Background(), "trace-42")
	_, err = client.Search(ctx, SearchRequest{Query: "anything"})
	require.NoError(t, err)
	assert.Equal(t, "trace-42", got)
}

func TestClientAsk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat", r.URL.Path)

		var req AskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "What is the refund window?", req.Message)

		json.NewEncoder(w).Encode(AskResponse{
			Response:       "Refunds are accepted within 30 days.",
			Citations:      []Citation{{DocumentTitle: "Returns Policy", SegmentID: "seg-9"}},
			ConversationID: "conv-1",
			TokenUsage:     TokenUsage{InputTokens: 120, OutputTokens: 40, TotalTokens: 160},
			LatencyMS:      85,
		})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	resp, err := client.Ask(context.Background(), AskRequest{Message: "What is the refund window?"})
	require.NoError(t, err)
	assert.Contains(t, resp.Response, "30 days")
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "Returns Policy", resp.Citations[0].DocumentTitle)
	assert.Equal(t, 160, resp.TokenUsage.TotalTokens)
}

func TestClientAskStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")

		events := []string{
			`{"type":"status","content":"Searching knowledge base"}`,
			`{"type":"token","content":"Refunds "}`,
			`{"type":"token","content":"take 30 days."}`,
			`{"type":"citation","data":{"document_title":"Returns Policy"}}`,
			`{"type":"done","metadata":{"conversation_id":"conv-1","latency_ms":12}}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	var types []string
	var answer string
	err = client.AskStream(context.Background(), AskRequest{Message: "refund window?"}, func(ev StreamEvent) error {
		types = append(types, ev.Type)
		if ev.Type == "token" {
			answer += ev.Content
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"status", "token", "token", "citation", "done"}, types)
	assert.Equal(t, "Refunds take 30 days.", answer)
}

func TestClientAskStreamCallbackError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"token\",\"content\":\"a\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"token\",\"content\":\"b\"}\n\n")
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	calls := 0
	err = client.AskStream(context.Background(), AskRequest{Message: "q"}, func(ev StreamEvent) error {
		calls++
		return fmt.Errorf("stop here")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestClientIngestFolderAndTask(t *testing.T) {
	const taskID = "7d0c2a4e-93a1-4a93-86a2-5be41580c3ff"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/ingest/folder":
			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "policies/2026", req["path"])
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"task_id": taskID, "status": "pending"})
		case "/api/v1/ingest/tasks/" + taskID:
			json.NewEncoder(w).Encode(Task{
				ID:        taskID,
				Status:    "completed",
				Succeeded: 2,
				Skipped:   1,
				Results: []DocumentResult{
					{SourceID: "policies/2026/returns.md", Title: "Returns", SegmentsCreated: 4},
				},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	id, err := client.IngestFolder(context.Background(), "policies/2026")
	require.NoError(t, err)
	assert.Equal(t, taskID, id)

	task, err := client.Task(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "completed", task.Status)
	assert.Equal(t, 2, task.Succeeded)
	require.Len(t, task.Results, 1)
	assert.Equal(t, 4, task.Results[0].SegmentsCreated)
}

func TestClientTaskRejectsBadID(t *testing.T) {
	client, err := NewClient(ClientConfig{BaseURL: "http://localhost:0"})
	require.NoError(t, err)

	_, err = client.Task(context.Background(), "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UUID")
}

func TestClientTasksPagination(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		json.NewEncoder(w).Encode(TaskPage{
			Items:  []Task{{ID: "t1", Status: "completed"}},
			Total:  7,
			Cursor: "def",
		})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	page, err := client.Tasks(context.Background(), 5, "abc")
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	assert.Equal(t, "def", page.Cursor)
	require.Len(t, page.Items, 1)
}

func TestClientErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "validation", "message": "query is required"})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Search(context.Background(), SearchRequest{})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "validation", apiErr.Kind)
	assert.Equal(t, "query is required", apiErr.Message)
}

func TestClientAuthErrorEnvelope(t *testing.T) {
	// The auth middleware writes {"error": "<message>"} with no kind.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid or expired token"})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Search(context.Background(), SearchRequest{Query: "q"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "invalid or expired token", apiErr.Message)
}

func TestClientHealthDegraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(Health{
			Status:   "unhealthy",
			Services: map[string]string{"rel": "up", "index": "up", "cache": "down"},
		})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "down", health.Services["cache"])
}
