package index

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"
)

// Lexical is the inverted-index half of the hybrid index, backed by bleve.
// Segment content is analyzed for full-text match; filter fields are indexed
// verbatim as keyword terms.
type Lexical struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

// NewLexical opens or creates a bleve index at path. An empty path keeps the
// index in memory.
func NewLexical(path string) (*Lexical, error) {
	m := lexicalMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open lexical index: %w", err)
	}
	return &Lexical{index: idx}, nil
}

func lexicalMapping() *mapping.IndexMappingImpl {
	docMapping := bleve.NewDocumentMapping()

	content := bleve.NewTextFieldMapping()
	docMapping.AddFieldMappingsAt("content", content)

	for _, field := range []string{FieldSourceType, FieldSourceID, FieldProject, FieldOwner, FieldTags} {
		kw := bleve.NewTextFieldMapping()
		kw.Analyzer = keyword.Name
		docMapping.AddFieldMappingsAt(field, kw)
	}

	updated := bleve.NewDateTimeFieldMapping()
	docMapping.AddFieldMappingsAt(FieldUpdatedAt, updated)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = docMapping
	return m
}

// Upsert indexes entries by segment id, replacing prior versions.
func (l *Lexical) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("lexical index is closed")
	}

	batch := l.index.NewBatch()
	for _, entry := range entries {
		if err := batch.Index(entry.SegmentID.String(), lexicalDoc(entry)); err != nil {
			return fmt.Errorf("index segment %s: %w", entry.SegmentID, err)
		}
	}
	if err := l.index.Batch(batch); err != nil {
		return fmt.Errorf("apply lexical batch: %w", err)
	}
	return nil
}

func lexicalDoc(entry Entry) map[string]interface{} {
	doc := map[string]interface{}{
		"content":      entry.Content,
		FieldUpdatedAt: entry.UpdatedAt,
	}
	if entry.SourceType != "" {
		doc[FieldSourceType] = entry.SourceType
	}
	if entry.SourceID != "" {
		doc[FieldSourceID] = entry.SourceID
	}
	if entry.Project != "" {
		doc[FieldProject] = entry.Project
	}
	if entry.Owner != "" {
		doc[FieldOwner] = entry.Owner
	}
	if len(entry.Tags) > 0 {
		doc[FieldTags] = entry.Tags
	}
	return doc
}

// DeleteIDs removes segments from the index. Unknown ids are ignored.
func (l *Lexical) DeleteIDs(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("lexical index is closed")
	}

	batch := l.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := l.index.Batch(batch); err != nil {
		return fmt.Errorf("apply lexical delete batch: %w", err)
	}
	return nil
}

// SearchText runs a match query over content with filter terms as
// conjunctions, returning up to k hits ranked by bleve score.
func (l *Lexical) SearchText(ctx context.Context, q string, filter Filter, k int) ([]Hit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, fmt.Errorf("lexical index is closed")
	}
	if strings.TrimSpace(q) == "" {
		return nil, nil
	}

	match := bleve.NewMatchQuery(q)
	match.SetField("content")

	full, err := applyFilter(match, filter)
	if err != nil {
		return nil, err
	}

	req := bleve.NewSearchRequest(full)
	req.Size = k

	res, err := l.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := uuid.Parse(hit.ID)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{SegmentID: id, Score: hit.Score})
	}
	return hits, nil
}

// applyFilter renders the filter AST into bleve term and date-range queries
// conjoined with the base query.
func applyFilter(base query.Query, filter Filter) (query.Query, error) {
	if filter.IsZero() {
		return base, nil
	}

	conjuncts := []query.Query{base}
	for _, term := range filter.Terms {
		switch {
		case term.Field == FieldUpdatedAt:
			bound, err := time.Parse(time.RFC3339, term.Value)
			if err != nil {
				return nil, fmt.Errorf("parse %s bound %q: %w", FieldUpdatedAt, term.Value, err)
			}
			inclusive := true
			var rq *query.DateRangeQuery
			switch term.Op {
			case OpGTE:
				rq = bleve.NewDateRangeInclusiveQuery(bound, time.Time{}, &inclusive, &inclusive)
			case OpLTE:
				rq = bleve.NewDateRangeInclusiveQuery(time.Time{}, bound, &inclusive, &inclusive)
			default:
				return nil, fmt.Errorf("unsupported operator %q for %s", term.Op, FieldUpdatedAt)
			}
			rq.SetField(FieldUpdatedAt)
			conjuncts = append(conjuncts, rq)
		case term.Op == OpEq:
			tq := bleve.NewTermQuery(term.Value)
			tq.SetField(term.Field)
			conjuncts = append(conjuncts, tq)
		default:
			return nil, fmt.Errorf("unsupported operator %q for field %s", term.Op, term.Field)
		}
	}
	return bleve.NewConjunctionQuery(conjuncts...), nil
}

// Count returns the number of indexed segments.
func (l *Lexical) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0
	}
	n, err := l.index.DocCount()
	if err != nil {
		return 0
	}
	return int(n)
}

// Close releases the underlying bleve index.
func (l *Lexical) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.index.Close()
}
