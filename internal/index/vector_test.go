package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnkb/cairn/internal/apperr"
)

func newTestVector(t *testing.T) *Vector {
	t.Helper()
	vec := NewVector(VectorConfig{})
	require.NoError(t, vec.EnsureDimensions(4))
	t.Cleanup(func() { vec.Close() })
	return vec
}

func TestVectorSearchOrdersBySimilarity(t *testing.T) {
	ctx := context.Background()
	vec := newTestVector(t)

	exact := testEntry("exact", []float32{1, 0, 0, 0}, Attributes{})
	near := testEntry("near", []float32{0.9, 0.3, 0, 0}, Attributes{})
	far := testEntry("far", []float32{0, 0, 1, 0}, Attributes{})
	require.NoError(t, vec.Upsert(ctx, []Entry{far, near, exact}))

	hits, err := vec.Search(ctx, []float32{1, 0, 0, 0}, Filter{}, 2, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, exact.SegmentID, hits[0].SegmentID)
	assert.Equal(t, near.SegmentID, hits[1].SegmentID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-4)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestVectorFilterExcludesCandidates(t *testing.T) {
	ctx := context.Background()
	vec := newTestVector(t)

	mine := testEntry("mine", []float32{0.8, 0.6, 0, 0}, Attributes{Owner: "dana"})
	other := testEntry("other", []float32{1, 0, 0, 0}, Attributes{Owner: "lee"})
	require.NoError(t, vec.Upsert(ctx, []Entry{mine, other}))

	hits, err := vec.Search(ctx, []float32{1, 0, 0, 0},
		Filter{Terms: []Term{Eq(FieldOwner, "dana")}}, 5, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, mine.SegmentID, hits[0].SegmentID)
}

func TestVectorDeleteIsLazy(t *testing.T) {
	ctx := context.Background()
	vec := newTestVector(t)

	gone := testEntry("gone", []float32{1, 0, 0, 0}, Attributes{})
	kept := testEntry("kept", []float32{0, 1, 0, 0}, Attributes{})
	require.NoError(t, vec.Upsert(ctx, []Entry{gone, kept}))

	require.NoError(t, vec.DeleteIDs([]string{gone.SegmentID.String()}))
	assert.Equal(t, 1, vec.Count())

	hits, err := vec.Search(ctx, []float32{1, 0, 0, 0}, Filter{}, 5, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1, "deleted segments never surface in results")
	assert.Equal(t, kept.SegmentID, hits[0].SegmentID)
}

func TestVectorUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	vec := newTestVector(t)

	entry := testEntry("moving", []float32{1, 0, 0, 0}, Attributes{})
	require.NoError(t, vec.Upsert(ctx, []Entry{entry}))

	entry.Vector = []float32{0, 1, 0, 0}
	require.NoError(t, vec.Upsert(ctx, []Entry{entry}))
	assert.Equal(t, 1, vec.Count())

	hits, err := vec.Search(ctx, []float32{0, 1, 0, 0}, Filter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, entry.SegmentID, hits[0].SegmentID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-4)
}

func TestVectorDimensionGuards(t *testing.T) {
	ctx := context.Background()
	vec := newTestVector(t)

	err := vec.EnsureDimensions(8)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	err = vec.Upsert(ctx, []Entry{testEntry("short", []float32{1, 0}, Attributes{})})
	require.Error(t, err)

	_, err = vec.Search(ctx, []float32{1, 0}, Filter{}, 1, 10)
	require.Error(t, err)
}

func TestVectorEmptyGraph(t *testing.T) {
	vec := newTestVector(t)
	hits, err := vec.Search(context.Background(), []float32{1, 0, 0, 0}, Filter{}, 5, 10)
	require.NoError(t, err)
	assert.Nil(t, hits)
}
