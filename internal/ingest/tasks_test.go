package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/storage"
)

func newTaskFixture(t *testing.T) (*pipelineFixture, *TaskManager) {
	t.Helper()
	fix := newPipelineFixture(t)
	mgr := NewTaskManager(TaskManagerConfig{
		Root:       fix.dir,
		Extensions: []string{".md", ".csv"},
		Workers:    2,
	}, fix.deps, observability.NopLogger())
	t.Cleanup(mgr.Stop)
	return fix, mgr
}

func waitForTask(t *testing.T, repos *storage.Repositories, id uuid.UUID) *storage.IngestionTask {
	t.Helper()
	var task *storage.IngestionTask
	require.Eventually(t, func() bool {
		var err error
		task, err = repos.Tasks.Get(context.Background(), id)
		if err != nil {
			return false
		}
		return task.Status == storage.TaskStatusCompleted || task.Status == storage.TaskStatusFailed
	}, 5*time.Second, 20*time.Millisecond, "task never finished")
	return task
}

func TestTaskIngestsFolder(t *testing.T) {
	fix, mgr := newTaskFixture(t)
	ctx := context.Background()

	fix.write(t, "docs/metrics.md", metricsDoc)
	fix.write(t, "docs/roadmap.md", "# Roadmap\n\nShip the reporting overhaul in Q4.\n")

	id, err := mgr.Start(ctx, "docs")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	task := waitForTask(t, fix.repos, id)
	assert.Equal(t, storage.TaskStatusCompleted, task.Status)
	assert.Equal(t, 2, task.TotalDocuments)
	assert.Equal(t, 2, task.ProcessedDocuments)
	assert.Equal(t, 2, task.Succeeded)
	assert.Zero(t, task.Failed)
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.CompletedAt)

	var results []storage.DocumentResult
	require.NoError(t, json.Unmarshal(task.Results, &results))
	require.Len(t, results, 2)
	seen := map[string]bool{}
	for _, r := range results {
		seen[r.SourceID] = true
		assert.Empty(t, r.Error)
		assert.Positive(t, r.SegmentsCreated)
	}
	assert.True(t, seen["/metrics.md"])
	assert.True(t, seen["/roadmap.md"])

	count, err := fix.repos.Documents.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestTaskCountsSkippedDocuments(t *testing.T) {
	fix, mgr := newTaskFixture(t)
	ctx := context.Background()
	fix.write(t, "docs/metrics.md", metricsDoc)

	first, err := mgr.Start(ctx, "docs")
	require.NoError(t, err)
	waitForTask(t, fix.repos, first)

	second, err := mgr.Start(ctx, "docs")
	require.NoError(t, err)
	task := waitForTask(t, fix.repos, second)

	assert.Equal(t, storage.TaskStatusCompleted, task.Status)
	assert.Equal(t, 1, task.Skipped)
	assert.Zero(t, task.Succeeded)
}

func TestTaskRecordsPerDocumentFailures(t *testing.T) {
	fix, mgr := newTaskFixture(t)
	ctx := context.Background()

	fix.write(t, "docs/good.md", metricsDoc)
	fix.write(t, "docs/broken.csv", "region,revenue\nwest,\"100\n")

	id, err := mgr.Start(ctx, "docs")
	require.NoError(t, err)
	task := waitForTask(t, fix.repos, id)

	// per-document failures do not fail the task
	assert.Equal(t, storage.TaskStatusCompleted, task.Status)
	assert.Equal(t, 1, task.Succeeded)
	assert.Equal(t, 1, task.Failed)

	var results []storage.DocumentResult
	require.NoError(t, json.Unmarshal(task.Results, &results))
	require.Len(t, results, 2)

	var failed *storage.DocumentResult
	for i := range results {
		if results[i].Error != "" {
			failed = &results[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "/broken.csv", failed.SourceID)
	assert.Contains(t, failed.Error, "parse")
}

func TestTaskStartRejectsPathOutsideRoot(t *testing.T) {
	_, mgr := newTaskFixture(t)
	outside := t.TempDir()

	_, err := mgr.Start(context.Background(), outside)
	require.Error(t, err)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestTaskStartRejectsMissingFolder(t *testing.T) {
	_, mgr := newTaskFixture(t)

	_, err := mgr.Start(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestTaskStartAfterStop(t *testing.T) {
	fix, mgr := newTaskFixture(t)
	fix.write(t, "docs/metrics.md", metricsDoc)
	mgr.Stop()

	_, err := mgr.Start(context.Background(), "docs")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}

func TestTaskCancelUnknownTask(t *testing.T) {
	_, mgr := newTaskFixture(t)
	assert.False(t, mgr.Cancel(uuid.New()))
}
