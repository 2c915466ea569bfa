package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/connector"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/storage"
)

// TaskManagerConfig holds folder ingestion settings.
type TaskManagerConfig struct {
	// Root is the directory all requested folders must lie under.
	Root string

	// Extensions are the file extensions the per-task connector picks up.
	Extensions []string

	// Workers bounds how many documents one task processes in parallel.
	Workers int
}

// TaskManager runs folder ingestions as background tasks. Each task gets its
// own connector rooted at the requested folder and its own pipeline; progress
// is written to the task row as documents finish, so clients can poll while
// the task runs.
type TaskManager struct {
	cfg    TaskManagerConfig
	deps   PipelineDeps // Connector is filled in per task
	logger *observability.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewTaskManager creates a task manager. deps.Connector is ignored; every
// task builds a filesystem connector for its own folder.
func NewTaskManager(cfg TaskManagerConfig, deps PipelineDeps, logger *observability.Logger) *TaskManager {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &TaskManager{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.WithComponent("tasks"),
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start validates the folder against the ingestion root, registers a pending
// task and launches its worker. The worker runs on its own context, detached
// from the caller's request, and is stopped either by Cancel or by Stop.
func (m *TaskManager) Start(ctx context.Context, folder string) (uuid.UUID, error) {
	resolved, err := ResolveUnderRoot(m.cfg.Root, folder)
	if err != nil {
		return uuid.Nil, err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return uuid.Nil, apperr.Unavailable("ingestion is shutting down", nil)
	}
	m.mu.Unlock()

	task := &storage.IngestionTask{FolderPath: resolved}
	if err := m.deps.Repos.Tasks.Create(ctx, task); err != nil {
		return uuid.Nil, fmt.Errorf("create task: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[task.ID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(runCtx, task.ID, resolved)
		m.mu.Lock()
		delete(m.cancels, task.ID)
		m.mu.Unlock()
	}()

	m.logger.WithContext(ctx).Info().
		Str("task_id", task.ID.String()).
		Str("folder", resolved).
		Msg("Ingestion task started")
	return task.ID, nil
}

// Cancel asks a running task to stop at its next document boundary. It
// reports whether the task was running.
func (m *TaskManager) Cancel(taskID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.cancels[taskID]
	if ok {
		cancel()
	}
	return ok
}

// Stop cancels every running task and waits for their workers to exit.
// In-flight documents finish; remaining ones are not started.
func (m *TaskManager) Stop() {
	m.mu.Lock()
	m.stopped = true
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *TaskManager) run(ctx context.Context, taskID uuid.UUID, folder string) {
	log := m.logger.WithField("task_id", taskID.String())
	started := time.Now()

	conn, err := connector.NewFilesystemConnector(connector.FilesystemConfig{
		Root:       folder,
		Extensions: m.cfg.Extensions,
	})
	if err != nil {
		m.fail(taskID, fmt.Sprintf("open folder: %v", err), log)
		return
	}
	deps := m.deps
	deps.Connector = conn
	pipeline := NewPipeline(deps)

	refs, err := conn.List(ctx)
	if err != nil {
		m.fail(taskID, fmt.Sprintf("list documents: %v", err), log)
		return
	}
	if err := m.deps.Repos.Tasks.MarkRunning(ctx, taskID, len(refs)); err != nil {
		m.fail(taskID, fmt.Sprintf("mark running: %v", err), log)
		return
	}

	// Progress writes run on an uncancelable context so a canceled task
	// still records the documents it finished. The mutex serializes the
	// results read-modify-write across workers.
	bookCtx := context.WithoutCancel(ctx)
	var progress sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Workers)
	for _, ref := range refs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			result := m.ingestOne(ctx, pipeline, ref)
			progress.Lock()
			defer progress.Unlock()
			if err := m.deps.Repos.Tasks.RecordResult(bookCtx, taskID, result); err != nil {
				log.Warn().Err(err).Str("source_id", ref.SourceID).Msg("Task progress write failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		m.fail(taskID, "ingestion canceled", log)
		return
	}
	if err := m.deps.Repos.Tasks.Complete(bookCtx, taskID); err != nil {
		log.Error().Err(err).Msg("Task completion write failed")
		return
	}

	// Per-document runs already invalidate as they commit; this one covers
	// skip-only runs where nothing else touched the cache.
	pipeline.invalidateSearchCache(bookCtx)

	log.Info().
		Int("documents", len(refs)).
		Dur("duration", time.Since(started)).
		Msg("Ingestion task completed")
}

func (m *TaskManager) ingestOne(ctx context.Context, pipeline *Pipeline, ref connector.DocumentRef) storage.DocumentResult {
	res, err := pipeline.IngestDocument(ctx, ref.SourceID)
	if err != nil {
		return storage.DocumentResult{
			SourceID: ref.SourceID,
			Title:    ref.Title,
			Error:    err.Error(),
		}
	}
	return storage.DocumentResult{
		SourceID:        ref.SourceID,
		Title:           res.Title,
		SegmentsCreated: res.SegmentsCreated,
		Skipped:         res.Skipped,
	}
}

func (m *TaskManager) fail(taskID uuid.UUID, message string, log *observability.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.deps.Repos.Tasks.Fail(ctx, taskID, message); err != nil {
		log.Error().Err(err).Msg("Task failure write failed")
	}
	log.Warn().Str("reason", message).Msg("Ingestion task failed")
}
