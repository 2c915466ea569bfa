package handlers

import (
	"context"
	"fmt"

	"github.com/cairnkb/cairn/internal/agent"
	"github.com/cairnkb/cairn/internal/cache"
	"github.com/cairnkb/cairn/internal/chunker"
	"github.com/cairnkb/cairn/internal/config"
	"github.com/cairnkb/cairn/internal/embed"
	"github.com/cairnkb/cairn/internal/graph"
	"github.com/cairnkb/cairn/internal/index"
	"github.com/cairnkb/cairn/internal/ingest"
	"github.com/cairnkb/cairn/internal/llm"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/parser"
	"github.com/cairnkb/cairn/internal/retrieval"
	"github.com/cairnkb/cairn/internal/sqlsandbox"
	"github.com/cairnkb/cairn/internal/storage"
)

// BuildServices constructs the full dependency graph from configuration.
// The returned cleanup stops background tasks and closes every store; it is
// safe to call after a partial failure because it only touches what was
// built.
func BuildServices(cfg *config.Config, logger *observability.Logger) (*Services, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Services, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	driver := "sqlite3"
	pool := storage.PoolOptions{MaxOpenConns: cfg.Database.SQLite.MaxOpenConns}
	if cfg.Database.Driver == "postgres" {
		driver = "postgres"
		pool = storage.PoolOptions{
			MaxOpenConns:    cfg.Database.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Database.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.Postgres.ConnMaxLifetime,
		}
	}

	db, err := storage.Open(driver, cfg.DatabaseDSN(), pool)
	if err != nil {
		return fail(fmt.Errorf("open database: %w", err))
	}
	closers = append(closers, func() { _ = db.Close() })

	if err := storage.EnsureSchema(context.Background(), db, driver); err != nil {
		return fail(fmt.Errorf("ensure schema: %w", err))
	}
	repos := storage.NewRepositories(db)

	var cacheClient cache.Client
	if cfg.Cache.Driver == "redis" {
		redisClient, rerr := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
			Prefix:   cfg.Observability.ServiceName,
		})
		if rerr != nil {
			return fail(fmt.Errorf("connect redis: %w", rerr))
		}
		cacheClient = redisClient
	} else {
		cacheClient = cache.NewMemoryClient(cfg.Cache.MaxEntries)
	}
	closers = append(closers, func() { _ = cacheClient.Close() })

	lexical, err := index.NewLexical(cfg.Index.Path)
	if err != nil {
		return fail(fmt.Errorf("open lexical index: %w", err))
	}
	vector := index.NewVector(index.VectorConfig{M: cfg.Index.M, EfSearch: cfg.Index.EfSearch})
	hybrid := index.NewHybrid(lexical, vector)
	closers = append(closers, func() { _ = hybrid.Close() })
	if err := hybrid.EnsureReady(cfg.Embedding.Dimensions); err != nil {
		return fail(fmt.Errorf("prepare index: %w", err))
	}

	embedClient, err := embed.NewClient(embed.Config{
		APIKey:       cfg.Embedding.APIKey,
		Model:        cfg.Embedding.Model,
		BaseURL:      cfg.Embedding.BaseURL,
		Dimensions:   cfg.Embedding.Dimensions,
		Timeout:      cfg.Embedding.Timeout,
		MaxBatchSize: cfg.Embedding.BatchSize,
	})
	if err != nil {
		return fail(fmt.Errorf("create embedder: %w", err))
	}
	embedder, err := embed.NewCachedEmbedder(embedClient, cfg.Embedding.CacheSize)
	if err != nil {
		return fail(fmt.Errorf("create embedding cache: %w", err))
	}

	var reranker retrieval.Reranker
	if cfg.Retrieval.RerankEnabled {
		httpReranker, rerr := retrieval.NewHTTPReranker(retrieval.RerankerConfig{
			Endpoint: cfg.Retrieval.RerankURL,
			Timeout:  cfg.Retrieval.Timeout,
		})
		if rerr != nil {
			return fail(fmt.Errorf("create reranker: %w", rerr))
		}
		reranker = httpReranker
	}

	var searchCache cache.Client
	if cfg.Retrieval.CacheResults {
		searchCache = cacheClient
	}
	retriever := retrieval.NewRetriever(hybrid, embedder, searchCache, reranker, retrieval.Config{
		RankConstant: cfg.Retrieval.RankConstant,
		CacheTTL:     cfg.Cache.SearchTTL,
	}, logger)

	llmClient, err := llm.NewOpenAI(llm.Config{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		BaseURL: cfg.LLM.BaseURL,
		Timeout: cfg.LLM.Timeout,
	})
	if err != nil {
		return fail(fmt.Errorf("create llm client: %w", err))
	}

	var graphStore graph.Store
	if cfg.Graph.Enabled {
		graphStore = graph.NewMemoryStore(graph.NewExtractor(llmClient, 0, logger))
	}

	sandbox, err := sqlsandbox.New(sqlsandbox.Config{
		DataDir: cfg.Sandbox.DataDir,
		MaxRows: cfg.Sandbox.MaxRows,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("create sql sandbox: %w", err))
	}

	toolbox := agent.NewToolbox(retriever, repos, sandbox, graphStore, agent.ToolboxOptions{
		SearchTopK:   cfg.Retrieval.TopK,
		GraphContext: cfg.Graph.ContextEnabled,
	}, logger)
	ag := agent.New(llmClient, toolbox, agent.Config{
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, logger)
	sessions := agent.NewSessionStore(cacheClient, cfg.Cache.SessionTTL, logger)

	var multimodal *ingest.Multimodal
	if cfg.Ingestion.MultimodalEnabled {
		visionClient, verr := llm.NewOpenAI(llm.Config{
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.VisionModel,
			BaseURL: cfg.LLM.BaseURL,
			Timeout: cfg.LLM.Timeout,
		})
		if verr != nil {
			return fail(fmt.Errorf("create vision client: %w", verr))
		}
		multimodal = ingest.NewMultimodal(visionClient, logger)
	}

	tasks := ingest.NewTaskManager(ingest.TaskManagerConfig{
		Root:       cfg.Ingestion.Root,
		Extensions: cfg.Ingestion.Extensions,
		Workers:    cfg.Ingestion.Workers,
	}, ingest.PipelineDeps{
		Parsers:    parser.NewRegistry(),
		Chunker:    chunker.New(chunker.Config{MaxTokens: cfg.Ingestion.ChunkSizeTokens}),
		Embedder:   embedder,
		DB:         db,
		Repos:      repos,
		Index:      hybrid,
		Graph:      graphStore,
		Cache:      cacheClient,
		Multimodal: multimodal,
		Logger:     logger,
	}, logger)
	closers = append(closers, tasks.Stop)

	return &Services{
		Config:    cfg,
		Logger:    logger,
		DB:        db,
		Repos:     repos,
		Retriever: retriever,
		Agent:     ag,
		Sessions:  sessions,
		Tasks:     tasks,
		Index:     hybrid,
		Cache:     cacheClient,
		Graph:     graphStore,
	}, cleanup, nil
}
