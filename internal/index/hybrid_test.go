package index

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHybrid(t *testing.T) *Hybrid {
	t.Helper()
	lex, err := NewLexical("")
	require.NoError(t, err)
	hybrid := NewHybrid(lex, NewVector(VectorConfig{}))
	require.NoError(t, hybrid.EnsureReady(4))
	t.Cleanup(func() { hybrid.Close() })
	return hybrid
}

func TestHybridWritesAreImmediatelyVisible(t *testing.T) {
	ctx := context.Background()
	hybrid := newTestHybrid(t)

	entry := testEntry("weekly active users definition", []float32{1, 0, 0, 0}, Attributes{})
	n, err := hybrid.BulkUpsert(ctx, []Entry{entry})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := hybrid.SearchText(ctx, "weekly active users", Filter{}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, entry.SegmentID, hits[0].SegmentID)

	hits, err = hybrid.SearchVector(ctx, []float32{1, 0, 0, 0}, Filter{}, 5, 20)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, entry.SegmentID, hits[0].SegmentID)
	assert.Equal(t, 1, hybrid.Count())
}

func TestHybridDeleteByDocument(t *testing.T) {
	ctx := context.Background()
	hybrid := newTestHybrid(t)

	docA := uuid.New()
	docB := uuid.New()

	entries := []Entry{
		testEntry("alpha segment one", []float32{1, 0, 0, 0}, Attributes{}),
		testEntry("alpha segment two", []float32{0, 1, 0, 0}, Attributes{}),
		testEntry("beta segment", []float32{0, 0, 1, 0}, Attributes{}),
	}
	entries[0].DocumentID = docA
	entries[1].DocumentID = docA
	entries[2].DocumentID = docB

	_, err := hybrid.BulkUpsert(ctx, entries)
	require.NoError(t, err)
	require.Equal(t, 3, hybrid.Count())

	deleted, err := hybrid.DeleteByDocument(ctx, docA)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, 1, hybrid.Count())

	hits, err := hybrid.SearchText(ctx, "segment", Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, entries[2].SegmentID, hits[0].SegmentID)

	// Deleting again is a no-op.
	deleted, err = hybrid.DeleteByDocument(ctx, docA)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestHybridReingestKeepsOneCopy(t *testing.T) {
	ctx := context.Background()
	hybrid := newTestHybrid(t)

	docID := uuid.New()
	entry := testEntry("conversion rate formula", []float32{1, 0, 0, 0}, Attributes{})
	entry.DocumentID = docID

	_, err := hybrid.BulkUpsert(ctx, []Entry{entry})
	require.NoError(t, err)

	// Same segment id again, as a re-ingest does after its delete+upsert.
	_, err = hybrid.BulkUpsert(ctx, []Entry{entry})
	require.NoError(t, err)
	assert.Equal(t, 1, hybrid.Count())

	deleted, err := hybrid.DeleteByDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 0, hybrid.Count())
}

func TestHybridGetReturnsStoredEntry(t *testing.T) {
	ctx := context.Background()
	hybrid := newTestHybrid(t)

	section := "Metrics > Activation"
	entry := testEntry("activation rate definition", []float32{0, 1, 0, 0}, Attributes{Project: "analytics"})
	entry.SourceURL = "https://drive.example.com/doc/42"
	entry.DocumentTitle = "Metrics Handbook"
	entry.SectionPath = &section
	entry.SegmentType = "text"
	entry.Position = 3

	_, err := hybrid.BulkUpsert(ctx, []Entry{entry})
	require.NoError(t, err)

	got, ok := hybrid.Get(entry.SegmentID)
	require.True(t, ok)
	assert.Equal(t, entry.Content, got.Content)
	assert.Equal(t, entry.SourceURL, got.SourceURL)
	assert.Equal(t, entry.DocumentTitle, got.DocumentTitle)
	assert.Equal(t, &section, got.SectionPath)
	assert.Equal(t, "text", got.SegmentType)
	assert.Equal(t, 3, got.Position)

	_, err = hybrid.DeleteByDocument(ctx, entry.DocumentID)
	require.NoError(t, err)
	_, ok = hybrid.Get(entry.SegmentID)
	assert.False(t, ok, "deleted segments must drop out of hydration")
}
