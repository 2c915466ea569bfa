package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cairnkb/cairn/internal/cache"
	"github.com/cairnkb/cairn/internal/chunker"
	"github.com/cairnkb/cairn/internal/connector"
	"github.com/cairnkb/cairn/internal/diff"
	"github.com/cairnkb/cairn/internal/embed"
	"github.com/cairnkb/cairn/internal/fingerprint"
	"github.com/cairnkb/cairn/internal/graph"
	"github.com/cairnkb/cairn/internal/index"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/parser"
	"github.com/cairnkb/cairn/internal/storage"
)

// Pipeline ingests one document end to end: fetch, parse, chunk, embed,
// store, index, graph. The relational store is the commit point; the index,
// graph and cache are updated post-commit and repaired on the next ingest if
// they miss a write.
type Pipeline struct {
	connector  connector.Connector
	parsers    *parser.Registry
	chunker    *chunker.Chunker
	embedder   *embed.CachedEmbedder
	db         *sql.DB
	repos      *storage.Repositories
	index      index.SegmentIndex
	graph      graph.Store
	cache      cache.Client
	multimodal *Multimodal
	logger     *observability.Logger
}

// PipelineDeps wires a pipeline. Graph, Cache and Multimodal are optional;
// everything else is required.
type PipelineDeps struct {
	Connector  connector.Connector
	Parsers    *parser.Registry
	Chunker    *chunker.Chunker
	Embedder   *embed.CachedEmbedder
	DB         *sql.DB
	Repos      *storage.Repositories
	Index      index.SegmentIndex
	Graph      graph.Store
	Cache      cache.Client
	Multimodal *Multimodal
	Logger     *observability.Logger
}

// NewPipeline creates a document ingestion pipeline.
func NewPipeline(deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Pipeline{
		connector:  deps.Connector,
		parsers:    deps.Parsers,
		chunker:    deps.Chunker,
		embedder:   deps.Embedder,
		db:         deps.DB,
		repos:      deps.Repos,
		index:      deps.Index,
		graph:      deps.Graph,
		cache:      deps.Cache,
		multimodal: deps.Multimodal,
		logger:     logger.WithComponent("ingest"),
	}
}

// Result is the outcome of ingesting one document.
type Result struct {
	DocumentID      uuid.UUID          `json:"document_id"`
	Title           string             `json:"title"`
	Action          storage.SyncAction `json:"action"`
	SegmentsCreated int                `json:"segments_created"`
	Skipped         bool               `json:"skipped"`
}

// IngestDocument runs the full pipeline for one source document. Fetch,
// parse, chunk and embed failures leave the relational store untouched and
// surface as the returned error; index, graph and cache failures after the
// commit are logged and repaired later.
func (p *Pipeline) IngestDocument(ctx context.Context, sourceID string) (*Result, error) {
	log := p.logger.WithContext(ctx)
	started := time.Now()

	// Step 1: fetch the raw document and fingerprint its bytes.
	raw, err := p.connector.Fetch(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", sourceID, err)
	}
	newHash := fingerprint.Bytes(raw.Content)

	// Step 2: load the stored document, if this source was seen before.
	existing, err := p.repos.Documents.GetBySource(ctx, p.connector.SourceType(), raw.SourceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load document %s: %w", sourceID, err)
	}

	// Step 3: unchanged content short-circuits before any parsing.
	if existing != nil && existing.ContentHash == newHash {
		entry := &storage.SyncLog{
			DocumentID: &existing.ID,
			Action:     storage.SyncActionSkipped,
			Details:    syncDetails(map[string]string{"reason": "content unchanged"}),
		}
		if err := p.repos.SyncLogs.Append(ctx, entry); err != nil {
			log.Warn().Err(err).Str("source_id", raw.SourceID).Msg("Skip log write failed")
		}
		log.Debug().Str("source_id", raw.SourceID).Msg("Document unchanged, skipping")
		return &Result{
			DocumentID: existing.ID,
			Title:      existing.Title,
			Action:     storage.SyncActionSkipped,
			Skipped:    true,
		}, nil
	}

	// Step 4: parse by content type.
	parsed, err := p.parsers.Parse(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", sourceID, err)
	}

	// Step 5: chunk the text stream. A document that yields no chunks is
	// recorded and left alone; its stored segments, if any, stay until the
	// source produces content again.
	chunks := p.chunker.Chunk(parsed)
	if len(chunks) == 0 {
		entry := &storage.SyncLog{
			Action:  storage.SyncActionSkipped,
			Details: syncDetails(map[string]string{"reason": "no_chunks", "source_id": raw.SourceID}),
		}
		if existing != nil {
			entry.DocumentID = &existing.ID
		}
		if err := p.repos.SyncLogs.Append(ctx, entry); err != nil {
			log.Warn().Err(err).Str("source_id", raw.SourceID).Msg("Skip log write failed")
		}
		log.Warn().Str("source_id", raw.SourceID).Msg("Document produced no chunks")
		result := &Result{Title: raw.Title, Action: storage.SyncActionSkipped}
		if existing != nil {
			result.DocumentID = existing.ID
		}
		return result, nil
	}

	// Step 6: append vision-summarized table and image chunks.
	if p.multimodal != nil {
		chunks = append(chunks, p.multimodal.Chunks(ctx, parsed, len(chunks))...)
	}

	// Step 7: diff fresh chunks against stored segments by content hash.
	var existingSegments []storage.Segment
	if existing != nil {
		existingSegments, err = p.repos.Segments.ListByDocument(ctx, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("list segments %s: %w", sourceID, err)
		}
	}
	d := diff.Compute(existingSegments, chunks)

	// Step 8: embed every chunk, unchanged ones included, so the index
	// rebuild below always has a full vector set. The cached embedder only
	// pays for hashes it has not seen.
	keys := make([]string, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		keys[i] = c.ContentHash
		texts[i] = c.Content
	}
	vectors, err := p.embedder.EmbedKeyed(ctx, keys, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %s: %w", sourceID, err)
	}

	action := storage.SyncActionCreated
	if existing != nil {
		action = storage.SyncActionUpdated
	}
	version := 1
	for _, seg := range existingSegments {
		if seg.Version >= version {
			version = seg.Version + 1
		}
	}

	doc := &storage.Document{
		SourceType:  p.connector.SourceType(),
		SourceID:    raw.SourceID,
		Title:       raw.Title,
		ContentHash: newHash,
	}
	if raw.SourceURL != "" {
		doc.SourceURL = &raw.SourceURL
	}
	if raw.Owner != "" {
		doc.Owner = &raw.Owner
	}
	if existing != nil {
		doc.ProjectID = existing.ProjectID
	}

	added := make([]storage.Segment, len(d.Added))
	for i, c := range d.Added {
		added[i] = storage.Segment{
			Content:     c.Content,
			ContentHash: c.ContentHash,
			SegmentType: c.SegmentType,
			SectionPath: c.SectionPath,
			Position:    c.Position,
			Version:     version,
		}
	}
	removedIDs := make([]uuid.UUID, len(d.Removed))
	for i, seg := range d.Removed {
		removedIDs[i] = seg.ID
	}

	// Step 9: one transaction covers the document upsert, the segment
	// replacement and the sync log. Unchanged segments keep their id and
	// metadata and only have their placement refreshed.
	err = storage.WithTx(ctx, p.db, func(tx *storage.Repositories) error {
		if err := tx.Documents.Upsert(ctx, doc); err != nil {
			return err
		}
		for i := range added {
			added[i].DocumentID = doc.ID
		}
		if err := tx.Segments.DeleteByIDs(ctx, removedIDs); err != nil {
			return fmt.Errorf("delete stale segments: %w", err)
		}
		if err := tx.Entities.DeleteBySegments(ctx, removedIDs); err != nil {
			return fmt.Errorf("delete stale entities: %w", err)
		}
		for _, m := range d.Unchanged {
			if m.Segment.Position == m.Chunk.Position && sectionPathEqual(m.Segment.SectionPath, m.Chunk.SectionPath) {
				continue
			}
			if err := tx.Segments.UpdatePlacement(ctx, m.Segment.ID, m.Chunk.Position, m.Chunk.SectionPath); err != nil {
				return fmt.Errorf("update segment placement: %w", err)
			}
		}
		if err := tx.Segments.InsertBatch(ctx, added); err != nil {
			return fmt.Errorf("insert segments: %w", err)
		}
		return tx.SyncLogs.Append(ctx, &storage.SyncLog{
			DocumentID:       &doc.ID,
			Action:           action,
			SegmentsAffected: len(chunks),
			Details:          syncDetails(map[string]string{"diff": d.Summary()}),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", sourceID, err)
	}

	// Step 10: rebuild the document's index entries. Failures here are
	// logged only; the next ingest of the document reconciles.
	p.refreshIndex(ctx, doc, d, added, chunks, vectors)

	// Step 11: replace graph episodes for the changed chunks and track
	// per-document graph freshness.
	if p.graph != nil {
		if err := p.syncGraph(ctx, doc, d, added); err != nil {
			log.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("Graph sync failed")
			if mErr := p.repos.Documents.MarkGraphSyncFailed(ctx, doc.ID); mErr != nil {
				log.Warn().Err(mErr).Str("document_id", doc.ID.String()).Msg("Graph sync bookkeeping failed")
			}
		} else if mErr := p.repos.Documents.MarkGraphSynced(ctx, doc.ID); mErr != nil {
			log.Warn().Err(mErr).Str("document_id", doc.ID.String()).Msg("Graph sync bookkeeping failed")
		}
	}

	// Step 12: drop cached search results, which may now be stale.
	p.invalidateSearchCache(ctx)

	log.Info().
		Str("document_id", doc.ID.String()).
		Str("source_id", raw.SourceID).
		Str("action", string(action)).
		Int("segments", len(chunks)).
		Int("added", len(d.Added)).
		Int("unchanged", len(d.Unchanged)).
		Int("removed", len(d.Removed)).
		Dur("duration", time.Since(started)).
		Msg("Document ingested")

	return &Result{
		DocumentID:      doc.ID,
		Title:           doc.Title,
		Action:          action,
		SegmentsCreated: len(d.Added),
	}, nil
}

// refreshIndex replaces the document's entries in the search index. Segment
// ids come from the diff: unchanged chunks keep their stored segment, added
// chunks got ids during the insert.
func (p *Pipeline) refreshIndex(ctx context.Context, doc *storage.Document, d diff.Diff, added []storage.Segment, chunks []chunker.Chunk, vectors [][]float32) {
	log := p.logger.WithContext(ctx)

	idByPosition := make(map[int]uuid.UUID, len(chunks))
	for _, m := range d.Unchanged {
		idByPosition[m.Chunk.Position] = m.Segment.ID
	}
	for _, seg := range added {
		idByPosition[seg.Position] = seg.ID
	}

	entries := make([]index.Entry, 0, len(chunks))
	for i, c := range chunks {
		segID, ok := idByPosition[c.Position]
		if !ok {
			continue
		}
		entry := index.Entry{
			SegmentID:     segID,
			DocumentID:    doc.ID,
			Content:       c.Content,
			Vector:        vectors[i],
			DocumentTitle: doc.Title,
			SectionPath:   c.SectionPath,
			SegmentType:   string(c.SegmentType),
			Position:      c.Position,
			Attributes: index.Attributes{
				SourceType: doc.SourceType,
				SourceID:   doc.SourceID,
				UpdatedAt:  doc.UpdatedAt,
			},
		}
		if doc.SourceURL != nil {
			entry.SourceURL = *doc.SourceURL
		}
		if doc.Owner != nil {
			entry.Owner = *doc.Owner
		}
		if doc.ProjectID != nil {
			entry.Project = doc.ProjectID.String()
		}
		entries = append(entries, entry)
	}

	if _, err := p.index.DeleteByDocument(ctx, doc.ID); err != nil {
		log.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("Index cleanup failed")
	}
	if _, err := p.index.BulkUpsert(ctx, entries); err != nil {
		log.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("Index update failed, next ingest reconciles")
	}
}

// syncGraph removes episodes for deleted segments and mines new episodes for
// added ones, writing each new episode id back into its segment's metadata.
// Unchanged segments keep their episode untouched.
func (p *Pipeline) syncGraph(ctx context.Context, doc *storage.Document, d diff.Diff, added []storage.Segment) error {
	log := p.logger.WithContext(ctx)

	for _, seg := range d.Removed {
		epID := seg.EpisodeID()
		if epID == "" {
			continue
		}
		id, err := uuid.Parse(epID)
		if err != nil {
			log.Warn().Str("segment_id", seg.ID.String()).Str("episode_id", epID).Msg("Segment carries malformed episode id")
			continue
		}
		if err := p.graph.RemoveEpisode(ctx, id); err != nil {
			return fmt.Errorf("remove episode %s: %w", epID, err)
		}
	}

	var entities []storage.ExtractedEntity
	for i := range added {
		seg := &added[i]
		res, err := p.graph.AddEpisode(ctx, graph.Episode{
			ChunkID:       seg.ID,
			GroupID:       doc.ID,
			Text:          seg.Content,
			ReferenceTime: doc.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("add episode for segment %s: %w", seg.ID, err)
		}

		meta, err := withEpisodeID(seg.Metadata, res.EpisodeID.String())
		if err != nil {
			return fmt.Errorf("encode episode metadata: %w", err)
		}
		if err := p.repos.Segments.UpdateMetadata(ctx, seg.ID, meta); err != nil {
			return fmt.Errorf("store episode id on segment %s: %w", seg.ID, err)
		}

		for _, ent := range res.Entities {
			entityType := storage.EntityType(ent.Type)
			if !storage.ValidEntityType(entityType) {
				continue
			}
			payload, err := json.Marshal(map[string]any{"name": ent.Name})
			if err != nil {
				continue
			}
			segID := seg.ID
			entities = append(entities, storage.ExtractedEntity{
				EntityType:      entityType,
				EntityData:      payload,
				Confidence:      ent.Confidence,
				SourceSegmentID: &segID,
				SourceText:      snippet(seg.Content, 200),
			})
		}
	}

	// Entity rows are a convenience view over the graph; losing them does
	// not make the graph stale.
	if len(entities) > 0 {
		if err := p.repos.Entities.InsertBatch(ctx, entities); err != nil {
			log.Warn().Err(err).Int("entities", len(entities)).Msg("Entity persistence failed")
		}
	}
	return nil
}

func (p *Pipeline) invalidateSearchCache(ctx context.Context) {
	if p.cache == nil {
		return
	}
	log := p.logger.WithContext(ctx)
	n, err := p.cache.DeleteByPrefix(ctx, cache.SearchPrefix)
	if err != nil {
		log.Warn().Err(err).Msg("Search cache invalidation failed")
		return
	}
	if n > 0 {
		log.Debug().Int("entries", n).Msg("Search cache invalidated")
	}
}

func syncDetails(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// withEpisodeID returns the metadata document with the episode id set,
// preserving any other keys.
func withEpisodeID(meta json.RawMessage, episodeID string) (json.RawMessage, error) {
	m := map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m); err != nil {
			return nil, err
		}
	}
	m[storage.EpisodeIDKey] = episodeID
	return json.Marshal(m)
}

func sectionPathEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
