// Package retrieval fuses lexical and vector search into one ranked result
// list using Reciprocal Rank Fusion, with optional reranking and a short-TTL
// result cache.
package retrieval

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/cairnkb/cairn/internal/index"
)

// DefaultRankConstant is the RRF smoothing parameter. 60 is the standard
// value across search engines.
const DefaultRankConstant = 60

// FusedSegment is one segment after rank fusion, with per-list bookkeeping
// kept for tie-breaking.
type FusedSegment struct {
	SegmentID    uuid.UUID
	Score        float64
	LexicalRank  int // 1-based, 0 when absent from the lexical list
	VectorRank   int // 1-based, 0 when absent from the vector list
	LexicalScore float64
	VectorScore  float64
}

// Fuse combines two rank lists with Reciprocal Rank Fusion: every list
// containing a segment contributes 1/(rankConstant + rank) to its score,
// ranks 1-based. Lists a segment is absent from contribute nothing. Sorting
// is fused score desc, then lower vector rank, then segment id.
func Fuse(lexical, vector []index.Hit, rankConstant int) []FusedSegment {
	if rankConstant <= 0 {
		rankConstant = DefaultRankConstant
	}

	merged := make(map[uuid.UUID]*FusedSegment, len(lexical)+len(vector))
	get := func(id uuid.UUID) *FusedSegment {
		if f, ok := merged[id]; ok {
			return f
		}
		f := &FusedSegment{SegmentID: id}
		merged[id] = f
		return f
	}

	for i, hit := range lexical {
		f := get(hit.SegmentID)
		f.LexicalRank = i + 1
		f.LexicalScore = hit.Score
		f.Score += 1 / float64(rankConstant+i+1)
	}
	for i, hit := range vector {
		f := get(hit.SegmentID)
		f.VectorRank = i + 1
		f.VectorScore = hit.Score
		f.Score += 1 / float64(rankConstant+i+1)
	}

	out := make([]FusedSegment, 0, len(merged))
	for _, f := range merged {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if vectorOrder(out[i]) != vectorOrder(out[j]) {
			return vectorOrder(out[i]) < vectorOrder(out[j])
		}
		return out[i].SegmentID.String() < out[j].SegmentID.String()
	})
	return out
}

// vectorOrder ranks absence from the vector list behind every real rank.
func vectorOrder(f FusedSegment) int {
	if f.VectorRank == 0 {
		return math.MaxInt
	}
	return f.VectorRank
}
