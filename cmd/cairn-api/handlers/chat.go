package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/cairnkb/cairn/internal/agent"
	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/observability"
)

// ChatHandler serves agent conversations, buffered and streaming.
type ChatHandler struct {
	logger   *observability.Logger
	agent    *agent.Agent
	sessions *agent.SessionStore
}

// NewChatHandler creates a chat handler.
func NewChatHandler(s *Services) *ChatHandler {
	return &ChatHandler{
		logger:   s.Logger.WithComponent("handlers.chat"),
		agent:    s.Agent,
		sessions: s.Sessions,
	}
}

// chatRequest is the POST /chat and /chat/stream payload.
type chatRequest struct {
	Message             string              `json:"message"`
	ConversationID      string              `json:"conversation_id,omitempty"`
	ConversationHistory []agent.ChatMessage `json:"conversation_history,omitempty"`
	SourceType          string              `json:"source_type,omitempty"`
}

// chatResponse is the buffered chat reply.
type chatResponse struct {
	Response       string           `json:"response"`
	Citations      []agent.Citation `json:"citations"`
	ConversationID string           `json:"conversation_id"`
	TokenUsage     tokenUsageDTO    `json:"token_usage"`
	LatencyMS      int64            `json:"latency_ms"`
}

// buildAgentRequest validates the payload and resolves conversation state.
// Explicit history in the request wins over the stored session.
func (h *ChatHandler) buildAgentRequest(r *http.Request, req chatRequest) (agent.Request, *agent.Session, error) {
	if strings.TrimSpace(req.Message) == "" {
		return agent.Request{}, nil, apperr.Validation("message is required")
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	session := h.sessions.Load(r.Context(), conversationID)
	history := req.ConversationHistory
	if history == nil {
		history = session.History
	}

	return agent.Request{
		Message:        req.Message,
		ConversationID: conversationID,
		History:        history,
		SourceType:     req.SourceType,
	}, session, nil
}

// Chat handles POST /api/v1/chat.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	agentReq, session, err := h.buildAgentRequest(r, req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	answer, err := h.agent.Answer(r.Context(), agentReq)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.sessions.Remember(r.Context(), session, agentReq.Message, answer.Response)

	citations := answer.Citations
	if citations == nil {
		citations = []agent.Citation{}
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Response:       answer.Response,
		Citations:      citations,
		ConversationID: agentReq.ConversationID,
		TokenUsage:     toTokenUsageDTO(agent.UsageFor(answer.Usage)),
		LatencyMS:      answer.LatencyMS,
	})
}

// ChatStream handles POST /api/v1/chat/stream. Events are written as SSE
// `data:` lines and flushed one by one; nothing is buffered.
func (h *ChatHandler) ChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	agentReq, session, err := h.buildAgentRequest(r, req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, h.logger, apperr.Internal("streaming unsupported by connection", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(ev agent.Event) error {
		payload, merr := json.Marshal(ev)
		if merr != nil {
			return merr
		}
		if _, werr := fmt.Fprintf(w, "data: %s\n\n", payload); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	}

	answer, err := h.agent.AnswerStream(r.Context(), agentReq, emit)
	if err != nil {
		// The error event, if the client is still listening, was already
		// emitted by the agent. Nothing else can be written to this response.
		h.logger.WithContext(r.Context()).Warn().Err(err).Msg("Streaming chat aborted")
		return
	}

	h.sessions.Remember(r.Context(), session, agentReq.Message, answer.Response)
}
