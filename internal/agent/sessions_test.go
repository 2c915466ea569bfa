package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnkb/cairn/internal/cache"
	"github.com/cairnkb/cairn/internal/observability"
)

func newSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	return NewSessionStore(cache.NewMemoryClient(100), time.Minute, observability.NopLogger())
}

func TestSessionRoundTrip(t *testing.T) {
	store := newSessionStore(t)
	ctx := context.Background()

	session := store.Load(ctx, "conv-1")
	assert.Empty(t, session.History)

	store.Remember(ctx, session, "How was Q1?", "Strong.")

	reloaded := store.Load(ctx, "conv-1")
	require.Len(t, reloaded.History, 2)
	assert.Equal(t, ChatMessage{Role: "user", Content: "How was Q1?"}, reloaded.History[0])
	assert.Equal(t, ChatMessage{Role: "assistant", Content: "Strong."}, reloaded.History[1])
	assert.False(t, reloaded.UpdatedAt.IsZero())
}

func TestSessionHistoryTrimmed(t *testing.T) {
	store := newSessionStore(t)
	ctx := context.Background()

	session := store.Load(ctx, "conv-long")
	for i := 0; i < 15; i++ {
		store.Remember(ctx, session, fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i))
	}

	reloaded := store.Load(ctx, "conv-long")
	require.Len(t, reloaded.History, maxSessionMessages)
	// Oldest turns fell off the front.
	assert.Equal(t, "question 5", reloaded.History[0].Content)
	assert.Equal(t, "answer 14", reloaded.History[len(reloaded.History)-1].Content)
}

func TestSessionAnonymousNotStored(t *testing.T) {
	store := newSessionStore(t)
	ctx := context.Background()

	session := store.Load(ctx, "")
	store.Remember(ctx, session, "q", "a")
	assert.Empty(t, store.Load(ctx, "").History)
}

func TestSessionCorruptPayloadStartsFresh(t *testing.T) {
	client := cache.NewMemoryClient(100)
	store := NewSessionStore(client, time.Minute, observability.NopLogger())
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, cache.SessionKey("conv-2"), []byte("{not json"), time.Minute))

	session := store.Load(ctx, "conv-2")
	assert.Equal(t, "conv-2", session.ConversationID)
	assert.Empty(t, session.History)
}
