package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*sql.DB, *Repositories) {
	t.Helper()

	// A single connection keeps every query on the same in-memory database.
	db, err := Open("sqlite3", ":memory:", PoolOptions{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, EnsureSchema(context.Background(), db, "sqlite3"))
	return db, NewRepositories(db)
}

func testDocument(title string) *Document {
	return &Document{
		SourceType:  "markdown",
		SourceID:    "docs/" + title + ".md",
		Title:       title,
		ContentHash: "hash-" + title,
	}
}

func TestDocumentRepository_UpsertIsStable(t *testing.T) {
	_, repos := setupTestDB(t)
	ctx := context.Background()

	doc := testDocument("metrics-guide")
	require.NoError(t, repos.Documents.Upsert(ctx, doc))
	require.NotEqual(t, uuid.Nil, doc.ID)
	firstID := doc.ID
	firstCreated := doc.CreatedAt

	// Re-ingesting the same source keeps the document id and created_at.
	again := testDocument("metrics-guide")
	again.Title = "Metrics Guide v2"
	again.ContentHash = "hash-2"
	require.NoError(t, repos.Documents.Upsert(ctx, again))

	assert.Equal(t, firstID, again.ID)
	assert.WithinDuration(t, firstCreated, again.CreatedAt, time.Second)

	stored, err := repos.Documents.GetBySource(ctx, "markdown", "docs/metrics-guide.md")
	require.NoError(t, err)
	assert.Equal(t, "Metrics Guide v2", stored.Title)
	assert.Equal(t, "hash-2", stored.ContentHash)

	count, err := repos.Documents.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDocumentRepository_GetByTitle(t *testing.T) {
	_, repos := setupTestDB(t)
	ctx := context.Background()

	doc := testDocument("Q3 Planning")
	doc.Title = "Q3 Planning"
	require.NoError(t, repos.Documents.Upsert(ctx, doc))

	found, err := repos.Documents.GetByTitle(ctx, "q3 planning")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, found.ID)

	_, err = repos.Documents.GetByTitle(ctx, "does not exist")
	assert.ErrorIs(t, err, ErrNotFound)

	matches, err := repos.Documents.SearchByTitle(ctx, "planning", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestDocumentRepository_KeysetPagination(t *testing.T) {
	_, repos := setupTestDB(t)
	ctx := context.Background()

	titles := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for _, title := range titles {
		require.NoError(t, repos.Documents.Upsert(ctx, testDocument(title)))
		time.Sleep(2 * time.Millisecond)
	}

	seen := map[uuid.UUID]bool{}
	cursor := Cursor{}
	pages := 0
	for {
		page, err := repos.Documents.List(ctx, cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, doc := range page {
			assert.False(t, seen[doc.ID], "page overlap for %s", doc.Title)
			seen[doc.ID] = true
		}
		last := page[len(page)-1]
		cursor = TimeCursor(last.ID, last.CreatedAt)
		pages++
		require.Less(t, pages, 10, "pagination did not terminate")
	}

	assert.Len(t, seen, len(titles), "pagination skipped rows")
}

func TestDocumentRepository_ArchiveHidesFromList(t *testing.T) {
	_, repos := setupTestDB(t)
	ctx := context.Background()

	doc := testDocument("ephemeral")
	require.NoError(t, repos.Documents.Upsert(ctx, doc))
	require.NoError(t, repos.Documents.Archive(ctx, doc.ID))

	docs, err := repos.Documents.List(ctx, Cursor{}, 10)
	require.NoError(t, err)
	assert.Empty(t, docs)

	// Archived documents stay resolvable by id so citations keep working.
	stored, err := repos.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentStatusArchived, stored.Status)

	assert.ErrorIs(t, repos.Documents.Archive(ctx, uuid.New()), ErrNotFound)
}

func TestDocumentRepository_GraphSyncBookkeeping(t *testing.T) {
	_, repos := setupTestDB(t)
	ctx := context.Background()

	doc := testDocument("graph-doc")
	require.NoError(t, repos.Documents.Upsert(ctx, doc))

	stale, err := repos.Documents.ListGraphStale(ctx, 3)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, repos.Documents.MarkGraphSyncFailed(ctx, doc.ID))
	require.NoError(t, repos.Documents.MarkGraphSyncFailed(ctx, doc.ID))
	require.NoError(t, repos.Documents.MarkGraphSyncFailed(ctx, doc.ID))

	// Retry budget exhausted: no longer eligible.
	stale, err = repos.Documents.ListGraphStale(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, stale)

	require.NoError(t, repos.Documents.MarkGraphSynced(ctx, doc.ID))
	stored, err := repos.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, stored.GraphSynced)
	assert.Equal(t, 0, stored.GraphSyncRetries)
}

func seedSegments(t *testing.T, repos *Repositories, docID uuid.UUID, contents ...string) []Segment {
	t.Helper()
	segments := make([]Segment, len(contents))
	for i, content := range contents {
		path := "Guide > Section " + string(rune('A'+i))
		segments[i] = Segment{
			DocumentID:  docID,
			Content:     content,
			ContentHash: "hash-" + content,
			SegmentType: SegmentTypeText,
			SectionPath: &path,
			Position:    i,
			Version:     1,
		}
	}
	require.NoError(t, repos.Segments.InsertBatch(context.Background(), segments))
	return segments
}

func TestSegmentRepository_InsertListDelete(t *testing.T) {
	_, repos := setupTestDB(t)
	ctx := context.Background()

	doc := testDocument("segmented")
	require.NoError(t, repos.Documents.Upsert(ctx, doc))
	segments := seedSegments(t, repos, doc.ID, "one", "two", "three")

	listed, err := repos.Segments.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, seg := range listed {
		assert.Equal(t, i, seg.Position)
		assert.JSONEq(t, `{}`, string(seg.Metadata))
	}

	maxVersion, err := repos.Segments.MaxVersion(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, maxVersion)

	require.NoError(t, repos.Segments.DeleteByIDs(ctx, []uuid.UUID{segments[1].ID}))
	count, err := repos.Segments.CountByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Empty delete is a no-op.
	require.NoError(t, repos.Segments.DeleteByIDs(ctx, nil))
}

func TestSegmentRepository_MaxVersionEmpty(t *testing.T) {
	_, repos := setupTestDB(t)

	doc := testDocument("empty")
	require.NoError(t, repos.Documents.Upsert(context.Background(), doc))

	version, err := repos.Segments.MaxVersion(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}

func TestSegmentRepository_GetWithDocument(t *testing.T) {
	_, repos := setupTestDB(t)
	ctx := context.Background()

	doc := testDocument("joined")
	url := "https://drive.example.com/doc/42"
	doc.SourceURL = &url
	require.NoError(t, repos.Documents.Upsert(ctx, doc))
	segments := seedSegments(t, repos, doc.ID, "alpha", "beta")

	got, err := repos.Segments.GetWithDocument(ctx, segments[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "joined", got.DocumentTitle)
	assert.Equal(t, "markdown", got.SourceType)
	require.NotNil(t, got.SourceURL)
	assert.Equal(t, url, *got.SourceURL)

	_, err = repos.Segments.GetWithDocument(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	// Batch lookup preserves the requested order and drops missing ids.
	many, err := repos.Segments.GetManyWithDocument(ctx, []uuid.UUID{
		segments[1].ID, uuid.New(), segments[0].ID,
	})
	require.NoError(t, err)
	require.Len(t, many, 2)
	assert.Equal(t, segments[1].ID, many[0].ID)
	assert.Equal(t, segments[0].ID, many[1].ID)
}

func TestSegmentRepository_UpdatePlacementAndMetadata(t *testing.T) {
	_, repos := setupTestDB(t)
	ctx := context.Background()

	doc := testDocument("moving")
	require.NoError(t, repos.Documents.Upsert(ctx, doc))
	segments := seedSegments(t, repos, doc.ID, "stay")

	newPath := "Guide > Renamed"
	require.NoError(t, repos.Segments.UpdatePlacement(ctx, segments[0].ID, 4, &newPath))
	require.NoError(t, repos.Segments.UpdateMetadata(ctx, segments[0].ID,
		json.RawMessage(`{"episode_id":"ep-1"}`)))

	listed, err := repos.Segments.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 4, listed[0].Position)
	assert.Equal(t, newPath, *listed[0].SectionPath)
	assert.Equal(t, "ep-1", listed[0].EpisodeID())
	assert.Equal(t, 1, listed[0].Version, "placement update must not touch version")

	assert.ErrorIs(t, repos.Segments.UpdateMetadata(ctx, uuid.New(), nil), ErrNotFound)
}

func TestSyncLogRepository_AppendAndList(t *testing.T) {
	_, repos := setupTestDB(t)
	ctx := context.Background()

	doc := testDocument("audited")
	require.NoError(t, repos.Documents.Upsert(ctx, doc))

	for _, action := range []SyncAction{SyncActionCreated, SyncActionUpdated} {
		require.NoError(t, repos.SyncLogs.Append(ctx, &SyncLog{
			DocumentID:       &doc.ID,
			Action:           action,
			SegmentsAffected: 3,
		}))
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, repos.SyncLogs.Append(ctx, &SyncLog{
		Action:  SyncActionError,
		Details: json.RawMessage(`{"error":"folder unreadable"}`),
	}))

	recent, err := repos.SyncLogs.ListRecent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, SyncActionError, recent[0].Action, "newest first")
	assert.Nil(t, recent[0].DocumentTitle)

	filtered, err := repos.SyncLogs.ListRecent(ctx, "audit", 10)
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	require.NotNil(t, filtered[0].DocumentTitle)
	assert.Equal(t, "audited", *filtered[0].DocumentTitle)

	byDoc, err := repos.SyncLogs.ListByDocument(ctx, doc.ID, 10)
	require.NoError(t, err)
	require.Len(t, byDoc, 2)
	assert.Equal(t, SyncActionUpdated, byDoc[0].Action)
}

func TestTaskRepository_Lifecycle(t *testing.T) {
	_, repos := setupTestDB(t)
	ctx := context.Background()

	task := &IngestionTask{FolderPath: "./data/knowledge"}
	require.NoError(t, repos.Tasks.Create(ctx, task))
	assert.Equal(t, TaskStatusPending, task.Status)

	require.NoError(t, repos.Tasks.MarkRunning(ctx, task.ID, 3))

	require.NoError(t, repos.Tasks.RecordResult(ctx, task.ID, DocumentResult{
		SourceID: "a.md", Title: "A", SegmentsCreated: 5,
	}))
	require.NoError(t, repos.Tasks.RecordResult(ctx, task.ID, DocumentResult{
		SourceID: "b.md", Title: "B", Skipped: true,
	}))
	require.NoError(t, repos.Tasks.RecordResult(ctx, task.ID, DocumentResult{
		SourceID: "c.md", Title: "C", Error: "parse failed",
	}))
	require.NoError(t, repos.Tasks.Complete(ctx, task.ID))

	stored, err := repos.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.TotalDocuments)
	assert.Equal(t, 3, stored.ProcessedDocuments)
	assert.Equal(t, 1, stored.Succeeded)
	assert.Equal(t, 1, stored.Skipped)
	assert.Equal(t, 1, stored.Failed)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.CompletedAt)

	var results []DocumentResult
	require.NoError(t, json.Unmarshal(stored.Results, &results))
	require.Len(t, results, 3)
	assert.Equal(t, "a.md", results[0].SourceID)
	assert.Equal(t, "parse failed", results[2].Error)
}

func TestTaskRepository_Fail(t *testing.T) {
	_, repos := setupTestDB(t)
	ctx := context.Background()

	task := &IngestionTask{FolderPath: "./missing"}
	require.NoError(t, repos.Tasks.Create(ctx, task))
	require.NoError(t, repos.Tasks.Fail(ctx, task.ID, "folder not found"))

	stored, err := repos.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "folder not found", *stored.Error)

	_, err = repos.Tasks.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	tasks, err := repos.Tasks.List(ctx, Cursor{}, 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	total, err := repos.Tasks.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestUserRepository_CreateAndRoles(t *testing.T) {
	_, repos := setupTestDB(t)
	ctx := context.Background()

	user := &User{Email: "ana@example.com", Name: "Ana", PasswordHash: "x"}
	require.NoError(t, repos.Users.Create(ctx, user))
	assert.True(t, user.Active)

	dup := &User{Email: "ana@example.com", Name: "Other"}
	assert.ErrorIs(t, repos.Users.Create(ctx, dup), ErrConflict)

	found, err := repos.Users.GetByEmail(ctx, "ANA@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	project := &Project{Name: "growth"}
	require.NoError(t, repos.Projects.Create(ctx, project))

	require.NoError(t, repos.Users.AssignRole(ctx, &RoleAssignment{
		UserID: user.ID, ProjectID: project.ID, Role: RoleViewer,
	}))
	// Re-assignment replaces, not duplicates.
	require.NoError(t, repos.Users.AssignRole(ctx, &RoleAssignment{
		UserID: user.ID, ProjectID: project.ID, Role: RoleEditor,
	}))

	role, err := repos.Users.RoleInProject(ctx, user.ID, project.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleEditor, role)

	assignments, err := repos.Users.RolesForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)

	require.NoError(t, repos.Users.RevokeRole(ctx, user.ID, project.ID))
	_, err = repos.Users.RoleInProject(ctx, user.ID, project.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repos.Users.RevokeRole(ctx, user.ID, project.ID), ErrNotFound)

	badRole := repos.Users.AssignRole(ctx, &RoleAssignment{
		UserID: user.ID, ProjectID: project.ID, Role: Role("owner"),
	})
	assert.Error(t, badRole)
}

func TestUserRepository_Deactivate(t *testing.T) {
	_, repos := setupTestDB(t)
	ctx := context.Background()

	user := &User{Email: "bo@example.com", Name: "Bo"}
	require.NoError(t, repos.Users.Create(ctx, user))
	require.NoError(t, repos.Users.Deactivate(ctx, user.ID))

	stored, err := repos.Users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	assert.ErrorIs(t, repos.Users.Deactivate(ctx, uuid.New()), ErrNotFound)
}

func TestEntityRepository_InsertAndSearch(t *testing.T) {
	_, repos := setupTestDB(t)
	ctx := context.Background()

	doc := testDocument("entity-source")
	require.NoError(t, repos.Documents.Upsert(ctx, doc))
	segments := seedSegments(t, repos, doc.ID, "WAU is weekly active users")

	entities := []ExtractedEntity{
		{
			EntityType:      EntityTypeMetricDefinition,
			EntityData:      json.RawMessage(`{"name":"WAU","definition":"weekly active users"}`),
			Confidence:      0.9,
			SourceSegmentID: &segments[0].ID,
			SourceText:      "WAU is weekly active users",
		},
		{
			EntityType: EntityTypeKPITarget,
			EntityData: json.RawMessage(`{"metric":"WAU","target":"50000"}`),
			Confidence: 0.7,
			SourceText: "WAU target is 50k by Q4",
		},
	}
	require.NoError(t, repos.Entities.InsertBatch(ctx, entities))

	unknown := []ExtractedEntity{{EntityType: EntityType("made_up")}}
	assert.Error(t, repos.Entities.InsertBatch(ctx, unknown))

	all, err := repos.Entities.Search(ctx, "wau", "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, EntityTypeMetricDefinition, all[0].EntityType, "highest confidence first")

	targets, err := repos.Entities.Search(ctx, "wau", EntityTypeKPITarget, 10)
	require.NoError(t, err)
	require.Len(t, targets, 1)

	counts, err := repos.Entities.CountByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[EntityTypeMetricDefinition])
	assert.Equal(t, 1, counts[EntityTypeKPITarget])

	require.NoError(t, repos.Entities.DeleteBySegments(ctx, []uuid.UUID{segments[0].ID}))
	total, err := repos.Entities.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	db, repos := setupTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := WithTx(ctx, db, func(txRepos *Repositories) error {
		if err := txRepos.Documents.Upsert(ctx, testDocument("doomed")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	count, err := repos.Documents.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "rollback must leave no rows")
}

func TestWithTx_Commit(t *testing.T) {
	db, repos := setupTestDB(t)
	ctx := context.Background()

	err := WithTx(ctx, db, func(txRepos *Repositories) error {
		doc := testDocument("committed")
		if err := txRepos.Documents.Upsert(ctx, doc); err != nil {
			return err
		}
		seedSegments(t, txRepos, doc.ID, "body")
		return nil
	})
	require.NoError(t, err)

	count, err := repos.Segments.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
