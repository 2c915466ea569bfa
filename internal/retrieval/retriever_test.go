package retrieval

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/cache"
	"github.com/cairnkb/cairn/internal/embed"
	"github.com/cairnkb/cairn/internal/index"
	"github.com/cairnkb/cairn/internal/observability"
)

// fakeIndex serves scripted hit lists and records requested widths, so
// fusion inputs are exact.
type fakeIndex struct {
	entries    map[uuid.UUID]index.Entry
	textHits   []index.Hit
	vectorHits []index.Hit

	textCalls      int
	vectorCalls    int
	lastTextK      int
	lastVectorK    int
	lastCandidates int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: make(map[uuid.UUID]index.Entry)}
}

func (f *fakeIndex) add(content, title string) uuid.UUID {
	id := uuid.New()
	f.entries[id] = index.Entry{
		SegmentID:     id,
		DocumentID:    uuid.New(),
		Content:       content,
		DocumentTitle: title,
		SegmentType:   "text",
	}
	return id
}

func (f *fakeIndex) EnsureReady(int) error { return nil }

func (f *fakeIndex) BulkUpsert(_ context.Context, entries []index.Entry) (int, error) {
	for _, e := range entries {
		f.entries[e.SegmentID] = e
	}
	return len(entries), nil
}

func (f *fakeIndex) DeleteByDocument(context.Context, uuid.UUID) (int, error) { return 0, nil }

func (f *fakeIndex) SearchText(_ context.Context, _ string, _ index.Filter, k int) ([]index.Hit, error) {
	f.textCalls++
	f.lastTextK = k
	return f.textHits, nil
}

func (f *fakeIndex) SearchVector(_ context.Context, _ []float32, _ index.Filter, k, numCandidates int) ([]index.Hit, error) {
	f.vectorCalls++
	f.lastVectorK = k
	f.lastCandidates = numCandidates
	return f.vectorHits, nil
}

func (f *fakeIndex) Get(id uuid.UUID) (index.Entry, bool) {
	entry, ok := f.entries[id]
	return entry, ok
}

func (f *fakeIndex) Count() int   { return len(f.entries) }
func (f *fakeIndex) Close() error { return nil }

var _ index.SegmentIndex = (*fakeIndex)(nil)

func hitsFor(ids ...uuid.UUID) []index.Hit {
	out := make([]index.Hit, len(ids))
	for i, id := range ids {
		out[i] = index.Hit{SegmentID: id, Score: float64(len(ids) - i)}
	}
	return out
}

func TestSearchFusesAndHydrates(t *testing.T) {
	idx := newFakeIndex()
	a := idx.add("alpha content", "Doc One")
	b := idx.add("beta content", "Doc One")
	c := idx.add("gamma content", "Doc Two")
	d := idx.add("delta content", "Doc Two")
	idx.textHits = hitsFor(a, b, c)
	idx.vectorHits = hitsFor(c, b, d)

	retriever := NewRetriever(idx, embed.NewMockClient(8), nil, nil, Config{}, observability.NopLogger())

	results, err := retriever.Search(context.Background(), SearchRequest{Query: "metrics", TopK: 4})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, c, results[0].SegmentID)
	assert.Equal(t, b, results[1].SegmentID)
	assert.Equal(t, a, results[2].SegmentID)
	assert.Equal(t, d, results[3].SegmentID)

	assert.Equal(t, "gamma content", results[0].Content)
	assert.Equal(t, "Doc Two", results[0].DocumentTitle)
	assert.Equal(t, "text", results[0].SegmentType)
	assert.InDelta(t, 1.0/63+1.0/61, results[0].Score, 1e-12)

	// Window sizes: 2k for both lists, 10k candidates for the vector half.
	assert.Equal(t, 8, idx.lastTextK)
	assert.Equal(t, 8, idx.lastVectorK)
	assert.Equal(t, 40, idx.lastCandidates)
}

func TestSearchTruncatesToTopK(t *testing.T) {
	idx := newFakeIndex()
	a := idx.add("alpha", "Doc")
	b := idx.add("beta", "Doc")
	c := idx.add("gamma", "Doc")
	idx.textHits = hitsFor(a, b, c)

	retriever := NewRetriever(idx, embed.NewMockClient(8), nil, nil, Config{}, observability.NopLogger())

	results, err := retriever.Search(context.Background(), SearchRequest{Query: "q", TopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, a, results[0].SegmentID)
	assert.Equal(t, b, results[1].SegmentID)
}

func TestSearchCachesWhenNoReranker(t *testing.T) {
	idx := newFakeIndex()
	a := idx.add("alpha", "Doc")
	idx.textHits = hitsFor(a)

	memCache := cache.NewMemoryClient(100)
	retriever := NewRetriever(idx, embed.NewMockClient(8), memCache, nil, Config{}, observability.NopLogger())
	ctx := context.Background()

	first, err := retriever.Search(ctx, SearchRequest{Query: "Alpha  Things", TopK: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.textCalls)

	// Same normalized tuple: served verbatim from cache, index untouched.
	second, err := retriever.Search(ctx, SearchRequest{Query: "alpha things", TopK: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.textCalls)
	assert.Equal(t, first, second)

	// A different filter is a different key.
	_, err = retriever.Search(ctx, SearchRequest{
		Query:  "alpha things",
		TopK:   5,
		Filter: index.Filter{Terms: []index.Term{index.Eq(index.FieldProject, "analytics")}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, idx.textCalls)
}

type scriptedReranker struct {
	scores []float64
	err    error
	calls  int
}

func (s *scriptedReranker) Rerank(_ context.Context, _ string, texts []string) ([]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.scores[:len(texts)], nil
}

func TestSearchRerankerReorders(t *testing.T) {
	idx := newFakeIndex()
	a := idx.add("alpha", "Doc")
	b := idx.add("beta", "Doc")
	idx.textHits = hitsFor(a, b)

	// Reverse the fused order.
	reranker := &scriptedReranker{scores: []float64{0.1, 0.9}}
	memCache := cache.NewMemoryClient(100)
	retriever := NewRetriever(idx, embed.NewMockClient(8), memCache, reranker, Config{}, observability.NopLogger())
	ctx := context.Background()

	results, err := retriever.Search(ctx, SearchRequest{Query: "q", TopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, b, results[0].SegmentID)
	assert.Equal(t, 0.9, results[0].Score)
	assert.Equal(t, a, results[1].SegmentID)

	// With a reranker active nothing is cached: the index is hit again.
	_, err = retriever.Search(ctx, SearchRequest{Query: "q", TopK: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, idx.textCalls)
	assert.Equal(t, 2, reranker.calls)
}

func TestSearchRerankerFailureKeepsFusedOrder(t *testing.T) {
	idx := newFakeIndex()
	a := idx.add("alpha", "Doc")
	b := idx.add("beta", "Doc")
	idx.textHits = hitsFor(a, b)

	reranker := &scriptedReranker{err: fmt.Errorf("reranker down")}
	retriever := NewRetriever(idx, embed.NewMockClient(8), nil, reranker, Config{}, observability.NopLogger())

	results, err := retriever.Search(context.Background(), SearchRequest{Query: "q", TopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, a, results[0].SegmentID)
	assert.Equal(t, b, results[1].SegmentID)
}

func TestSearchSkipsVanishedSegments(t *testing.T) {
	idx := newFakeIndex()
	a := idx.add("alpha", "Doc")
	gone := uuid.New()
	idx.textHits = []index.Hit{{SegmentID: gone, Score: 2}, {SegmentID: a, Score: 1}}

	retriever := NewRetriever(idx, embed.NewMockClient(8), nil, nil, Config{}, observability.NopLogger())

	results, err := retriever.Search(context.Background(), SearchRequest{Query: "q", TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, a, results[0].SegmentID)
}

func TestSearchValidatesQuery(t *testing.T) {
	retriever := NewRetriever(newFakeIndex(), embed.NewMockClient(8), nil, nil, Config{}, observability.NopLogger())

	_, err := retriever.Search(context.Background(), SearchRequest{Query: "   "})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
