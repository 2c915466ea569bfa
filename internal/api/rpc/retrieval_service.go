// Package rpc provides Connect procedures for service-to-service callers.
// Message structs are hand written and travel as JSON; there is no generated
// protobuf glue.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"

	"github.com/cairnkb/cairn/internal/agent"
	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/index"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/retrieval"
)

// Procedure paths, stable API surface for Connect clients.
const (
	SearchProcedure = "/cairn.v1.RetrievalService/Search"
	AskProcedure    = "/cairn.v1.RetrievalService/Ask"
)

// RetrievalService implements the Connect retrieval service.
type RetrievalService struct {
	retriever *retrieval.Retriever
	agent     *agent.Agent
	logger    *observability.Logger
}

// NewRetrievalService creates a new retrieval service.
func NewRetrievalService(retriever *retrieval.Retriever, ag *agent.Agent, logger *observability.Logger) *RetrievalService {
	return &RetrievalService{
		retriever: retriever,
		agent:     ag,
		logger:    logger.WithComponent("rpc"),
	}
}

// SearchRequest is the Search procedure request message.
type SearchRequest struct {
	Query      string `json:"query"`
	TopK       int32  `json:"top_k,omitempty"`
	SourceType string `json:"source_type,omitempty"`
	Project    string `json:"project,omitempty"`
}

// SearchResult is one fused retrieval hit.
type SearchResult struct {
	SegmentID     string  `json:"segment_id"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	SourceURL     string  `json:"source_url,omitempty"`
	SourceID      string  `json:"source_id,omitempty"`
	SectionPath   string  `json:"section_path,omitempty"`
	DocumentTitle string  `json:"document_title,omitempty"`
	SegmentType   string  `json:"segment_type"`
}

// SearchResponse is the Search procedure response message.
type SearchResponse struct {
	Results []*SearchResult `json:"results"`
}

// ChatTurn is one prior exchange entry.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AskRequest is the Ask procedure request message. History travels in the
// request; the RPC surface keeps no session state.
type AskRequest struct {
	Question       string      `json:"question"`
	ConversationID string      `json:"conversation_id,omitempty"`
	History        []*ChatTurn `json:"history,omitempty"`
	SourceType     string      `json:"source_type,omitempty"`
}

// Citation points an answer at its source.
type Citation struct {
	DocumentTitle string `json:"document_title"`
	SectionPath   string `json:"section_path,omitempty"`
	SourceURL     string `json:"source_url,omitempty"`
	SegmentID     string `json:"segment_id,omitempty"`
}

// TokenUsage counts tokens across the agent's model calls.
type TokenUsage struct {
	InputTokens  int32 `json:"input_tokens"`
	OutputTokens int32 `json:"output_tokens"`
	TotalTokens  int32 `json:"total_tokens"`
}

// AskResponse is the Ask procedure response message.
type AskResponse struct {
	Answer         string      `json:"answer"`
	Citations      []*Citation `json:"citations"`
	ConversationID string      `json:"conversation_id"`
	TokenUsage     *TokenUsage `json:"token_usage"`
	LatencyMS      int64       `json:"latency_ms"`
	ToolCalls      int32       `json:"tool_calls"`
}

// Search handles the Search procedure.
func (s *RetrievalService) Search(ctx context.Context, req *connect.Request[SearchRequest]) (*connect.Response[SearchResponse], error) {
	msg := req.Msg

	if msg.Query == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("query is required"))
	}

	topK := int(msg.TopK)
	if topK <= 0 {
		topK = 10
	}
	if topK > 50 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("top_k must be at most 50"))
	}

	var terms []index.Term
	if msg.SourceType != "" {
		terms = append(terms, index.Eq(index.FieldSourceType, msg.SourceType))
	}
	if msg.Project != "" {
		terms = append(terms, index.Eq(index.FieldProject, msg.Project))
	}

	results, err := s.retriever.Search(ctx, retrieval.SearchRequest{
		Query:  msg.Query,
		TopK:   topK,
		Filter: index.Filter{Terms: terms},
	})
	if err != nil {
		s.logger.WithContext(ctx).Error().Err(err).Msg("RPC search failed")
		return nil, connectError(err)
	}

	return connect.NewResponse(toSearchResponse(results)), nil
}

// Ask handles the Ask procedure: one buffered agent turn.
func (s *RetrievalService) Ask(ctx context.Context, req *connect.Request[AskRequest]) (*connect.Response[AskResponse], error) {
	msg := req.Msg

	if msg.Question == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("question is required"))
	}

	history := make([]agent.ChatMessage, 0, len(msg.History))
	for _, turn := range msg.History {
		if turn == nil {
			continue
		}
		history = append(history, agent.ChatMessage{Role: turn.Role, Content: turn.Content})
	}

	answer, err := s.agent.Answer(ctx, agent.Request{
		Message:        msg.Question,
		ConversationID: msg.ConversationID,
		History:        history,
		SourceType:     msg.SourceType,
	})
	if err != nil {
		s.logger.WithContext(ctx).Error().Err(err).Msg("RPC ask failed")
		return nil, connectError(err)
	}

	return connect.NewResponse(toAskResponse(msg.ConversationID, answer)), nil
}

func toSearchResponse(results []retrieval.Result) *SearchResponse {
	resp := &SearchResponse{Results: make([]*SearchResult, 0, len(results))}
	for _, r := range results {
		out := &SearchResult{
			SegmentID:     r.SegmentID.String(),
			Content:       r.Content,
			Score:         r.Score,
			SourceURL:     r.SourceURL,
			SourceID:      r.SourceID,
			DocumentTitle: r.DocumentTitle,
			SegmentType:   r.SegmentType,
		}
		if r.SectionPath != nil {
			out.SectionPath = *r.SectionPath
		}
		resp.Results = append(resp.Results, out)
	}
	return resp
}

func toAskResponse(conversationID string, answer *agent.Answer) *AskResponse {
	resp := &AskResponse{
		Answer:         answer.Response,
		Citations:      make([]*Citation, 0, len(answer.Citations)),
		ConversationID: conversationID,
		TokenUsage: &TokenUsage{
			InputTokens:  int32(answer.Usage.PromptTokens),
			OutputTokens: int32(answer.Usage.CompletionTokens),
			TotalTokens:  int32(answer.Usage.TotalTokens),
		},
		LatencyMS: answer.LatencyMS,
		ToolCalls: int32(answer.ToolCalls),
	}
	for _, c := range answer.Citations {
		out := &Citation{
			DocumentTitle: c.DocumentTitle,
			SourceURL:     c.SourceURL,
			SegmentID:     c.SegmentID,
		}
		if c.SectionPath != nil {
			out.SectionPath = *c.SectionPath
		}
		resp.Citations = append(resp.Citations, out)
	}
	return resp
}

// connectError maps taxonomy kinds onto Connect codes.
func connectError(err error) *connect.Error {
	var code connect.Code
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		code = connect.CodeInvalidArgument
	case apperr.KindAuth:
		code = connect.CodeUnauthenticated
	case apperr.KindForbidden:
		code = connect.CodePermissionDenied
	case apperr.KindNotFound:
		code = connect.CodeNotFound
	case apperr.KindConflict:
		code = connect.CodeAlreadyExists
	case apperr.KindTransientUpstream, apperr.KindUnavailable:
		code = connect.CodeUnavailable
	default:
		code = connect.CodeInternal
	}
	return connect.NewError(code, errors.New(apperr.PublicMessage(err)))
}

// jsonCodec serializes the hand-written message structs. Registering it
// under the standard name makes unary procedures speak
// application/json without protobuf definitions.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(message any) ([]byte, error) {
	return json.Marshal(message)
}

func (jsonCodec) Unmarshal(data []byte, message any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, message); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}
	return nil
}

// NewRetrievalServiceHandler builds the procedure mux. The returned path is
// the service prefix to mount it under.
func NewRetrievalServiceHandler(svc *RetrievalService) (string, http.Handler) {
	opts := []connect.HandlerOption{connect.WithCodec(jsonCodec{})}

	mux := http.NewServeMux()
	mux.Handle(SearchProcedure, connect.NewUnaryHandler(SearchProcedure, svc.Search, opts...))
	mux.Handle(AskProcedure, connect.NewUnaryHandler(AskProcedure, svc.Ask, opts...))

	return "/cairn.v1.RetrievalService/", mux
}
