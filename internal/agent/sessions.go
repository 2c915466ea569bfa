package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cairnkb/cairn/internal/cache"
	"github.com/cairnkb/cairn/internal/observability"
)

// maxSessionMessages bounds how much history is replayed into the prompt.
// Older turns fall off the front.
const maxSessionMessages = 20

// Session is the stored conversation state keyed by conversation ID.
type Session struct {
	ConversationID string        `json:"conversation_id"`
	History        []ChatMessage `json:"history"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// SessionStore persists chat history in the cache so follow-up questions can
// reference earlier turns. The cache is best effort: a miss or a cache outage
// degrades to an empty history rather than failing the chat.
type SessionStore struct {
	cache  cache.Client
	ttl    time.Duration
	logger *observability.Logger
}

func NewSessionStore(client cache.Client, ttl time.Duration, logger *observability.Logger) *SessionStore {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &SessionStore{cache: client, ttl: ttl, logger: logger.WithComponent("sessions")}
}

// Load returns the stored session for the conversation, or a fresh one when
// nothing is stored yet.
func (s *SessionStore) Load(ctx context.Context, conversationID string) *Session {
	session := &Session{ConversationID: conversationID}
	if conversationID == "" {
		return session
	}

	raw, err := s.cache.Get(ctx, cache.SessionKey(conversationID))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.WithContext(ctx).Warn().Err(err).Str("conversation_id", conversationID).Msg("Session load failed, starting fresh")
		}
		return session
	}

	if err := json.Unmarshal(raw, session); err != nil {
		s.logger.WithContext(ctx).Warn().Err(err).Str("conversation_id", conversationID).Msg("Session payload corrupt, starting fresh")
		return &Session{ConversationID: conversationID}
	}
	session.ConversationID = conversationID
	return session
}

// Remember appends the latest exchange to the session and saves it with the
// configured TTL, trimming history beyond the replay window.
func (s *SessionStore) Remember(ctx context.Context, session *Session, userText, assistantText string) {
	if session == nil || session.ConversationID == "" {
		return
	}

	session.History = append(session.History,
		ChatMessage{Role: "user", Content: userText},
		ChatMessage{Role: "assistant", Content: assistantText},
	)
	if len(session.History) > maxSessionMessages {
		session.History = session.History[len(session.History)-maxSessionMessages:]
	}
	session.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(session)
	if err != nil {
		s.logger.WithContext(ctx).Warn().Err(err).Str("conversation_id", session.ConversationID).Msg("Session encode failed")
		return
	}
	if err := s.cache.Set(ctx, cache.SessionKey(session.ConversationID), raw, s.ttl); err != nil {
		s.logger.WithContext(ctx).Warn().Err(err).Str("conversation_id", session.ConversationID).Msg("Session save failed")
	}
}
