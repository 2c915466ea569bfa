// Package integration exercises the assembled service: connector, parser,
// chunker, diff, relational store, lexical and vector indexes, retriever and
// agent wired together the way cairn-api wires them. The suite runs over
// sqlite and in-process indexes; container-backed Postgres and Redis coverage
// lives in containers_test.go.
package integration

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cairnkb/cairn/internal/cache"
	"github.com/cairnkb/cairn/internal/chunker"
	"github.com/cairnkb/cairn/internal/embed"
	"github.com/cairnkb/cairn/internal/index"
	"github.com/cairnkb/cairn/internal/ingest"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/parser"
	"github.com/cairnkb/cairn/internal/retrieval"
	"github.com/cairnkb/cairn/internal/storage"
)

const embedDims = 8

// stack is the full ingestion and retrieval assembly over local stores.
type stack struct {
	root      string
	db        *sql.DB
	repos     *storage.Repositories
	index     index.SegmentIndex
	embedder  *embed.CachedEmbedder
	cache     cache.Client
	manager   *ingest.TaskManager
	retriever *retrieval.Retriever
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := observability.NopLogger()
	root := t.TempDir()

	db, err := storage.Open("sqlite3", ":memory:", storage.PoolOptions{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.EnsureSchema(context.Background(), db, "sqlite3"))
	repos := storage.NewRepositories(db)

	lexical, err := index.NewLexical("")
	require.NoError(t, err)
	hybrid := index.NewHybrid(lexical, index.NewVector(index.VectorConfig{}))
	t.Cleanup(func() { _ = hybrid.Close() })
	require.NoError(t, hybrid.EnsureReady(embedDims))

	embedder, err := embed.NewCachedEmbedder(embed.NewMockClient(embedDims), 256)
	require.NoError(t, err)

	memCache := cache.NewMemoryClient(256)

	manager := ingest.NewTaskManager(ingest.TaskManagerConfig{
		Root:       root,
		Extensions: []string{".md", ".csv"},
		Workers:    2,
	}, ingest.PipelineDeps{
		Parsers:  parser.NewRegistry(),
		Chunker:  chunker.New(chunker.Config{}),
		Embedder: embedder,
		DB:       db,
		Repos:    repos,
		Index:    hybrid,
		Cache:    memCache,
		Logger:   logger,
	}, logger)
	t.Cleanup(manager.Stop)

	// No cache on the default retriever so ordering tests observe fusion,
	// not cache round-trips. Cache-backed retrieval has its own test.
	retriever := retrieval.NewRetriever(hybrid, embedder, nil, nil, retrieval.Config{}, logger)

	return &stack{
		root:      root,
		db:        db,
		repos:     repos,
		index:     hybrid,
		embedder:  embedder,
		cache:     memCache,
		manager:   manager,
		retriever: retriever,
	}
}

func (s *stack) write(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(s.root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// runFolder starts an ingestion task and blocks until it reaches a terminal
// status.
func (s *stack) runFolder(t *testing.T, folder string) *storage.IngestionTask {
	t.Helper()
	id, err := s.manager.Start(context.Background(), folder)
	require.NoError(t, err)

	var task *storage.IngestionTask
	require.Eventually(t, func() bool {
		var err error
		task, err = s.repos.Tasks.Get(context.Background(), id)
		if err != nil {
			return false
		}
		return task.Status == storage.TaskStatusCompleted || task.Status == storage.TaskStatusFailed
	}, 10*time.Second, 20*time.Millisecond, "ingestion task never finished")
	return task
}

func (s *stack) search(t *testing.T, query string, topK int) []retrieval.Result {
	t.Helper()
	results, err := s.retriever.Search(context.Background(), retrieval.SearchRequest{Query: query, TopK: topK})
	require.NoError(t, err)
	return results
}

// document loads a stored document and its segments in position order.
func (s *stack) document(t *testing.T, sourceID string) (*storage.Document, []storage.Segment) {
	t.Helper()
	doc, err := s.repos.Documents.GetBySourceID(context.Background(), sourceID)
	require.NoError(t, err)
	segs, err := s.repos.Segments.ListByDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	return doc, segs
}

func findSegment(t *testing.T, segs []storage.Segment, substr string) storage.Segment {
	t.Helper()
	for _, seg := range segs {
		if strings.Contains(seg.Content, substr) {
			return seg
		}
	}
	t.Fatalf("no segment contains %q", substr)
	return storage.Segment{}
}
