// Package config provides unified configuration loading for Cairn.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Cairn service.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Index         IndexConfig         `yaml:"index"`
	Cache         CacheConfig         `yaml:"cache"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	LLM           LLMConfig           `yaml:"llm"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Graph         GraphConfig         `yaml:"graph"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IndexConfig holds vector/lexical index settings.
type IndexConfig struct {
	Path          string        `yaml:"path"` // empty means in-memory
	M             int           `yaml:"m"`    // HNSW connectivity
	EfSearch      int           `yaml:"ef_search"`
	SearchTimeout time.Duration `yaml:"search_timeout"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	SearchTTL  time.Duration `yaml:"search_ttl"`
	SessionTTL time.Duration `yaml:"session_ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// EmbeddingConfig holds embedding model settings.
type EmbeddingConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	BatchSize  int           `yaml:"batch_size"`
	CacheSize  int           `yaml:"cache_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LLMConfig holds chat model settings.
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	VisionModel string        `yaml:"vision_model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RetrievalConfig holds hybrid retrieval settings.
type RetrievalConfig struct {
	TopK          int           `yaml:"top_k"`
	RankConstant  int           `yaml:"rank_constant"`
	RerankEnabled bool          `yaml:"rerank_enabled"`
	RerankURL     string        `yaml:"rerank_url"`
	RerankWindow  int           `yaml:"rerank_window"` // multiplier over top_k fed to the reranker
	CacheResults  bool          `yaml:"cache_results"`
	Timeout       time.Duration `yaml:"timeout"`
}

// IngestionConfig holds ingestion pipeline settings.
type IngestionConfig struct {
	Root            string   `yaml:"root"` // all folder-ingest paths must lie under this
	ChunkSizeTokens int      `yaml:"chunk_size_tokens"`
	Extensions      []string `yaml:"extensions"`
	Workers         int      `yaml:"workers"`
	MultimodalEnabled bool   `yaml:"multimodal_enabled"`
}

// GraphConfig holds temporal graph store settings.
type GraphConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ContextEnabled bool          `yaml:"context_enabled"` // augment search_knowledge with graph context
	GroupID        string        `yaml:"group_id"`
	MaxSyncRetries int           `yaml:"max_sync_retries"`
	Timeout        time.Duration `yaml:"timeout"`
}

// SandboxConfig holds SQL sandbox settings.
type SandboxConfig struct {
	DataDir string `yaml:"data_dir"`
	MaxRows int    `yaml:"max_rows"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
}

// insecureSecrets are defaults that must never pass validation when auth is on.
var insecureSecrets = map[string]bool{
	"secret":                           true,
	"changeme":                         true,
	"change-me":                        true,
	"dev-secret":                       true,
	"insecure":                         true,
	"00000000000000000000000000000000": true,
}

// Load reads configuration from a YAML file and applies environment overrides.
// A .env file next to the working directory is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/cairn.db",
				MaxOpenConns: 1,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Index: IndexConfig{
			Path:          "", // in-memory
			M:             16,
			EfSearch:      100,
			SearchTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Driver:     "memory",
			SearchTTL:  5 * time.Minute,
			SessionTTL: 2 * time.Hour,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "http://localhost:8089/v1",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			BatchSize:  100,
			CacheSize:  10000,
			Timeout:    120 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:8090/v1",
			Model:       "gpt-4o-mini",
			VisionModel: "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.2,
			Timeout:     60 * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopK:          10,
			RankConstant:  60,
			RerankEnabled: false,
			RerankWindow:  2,
			CacheResults:  true,
			Timeout:       10 * time.Second,
		},
		Ingestion: IngestionConfig{
			Root:            "./data/knowledge",
			ChunkSizeTokens: 480,
			Extensions:      []string{".md", ".markdown", ".txt", ".csv", ".xlsx", ".pdf"},
			Workers:         2,
		},
		Graph: GraphConfig{
			Enabled:        false,
			ContextEnabled: false,
			GroupID:        "cairn",
			MaxSyncRetries: 3,
			Timeout:        30 * time.Second,
		},
		Sandbox: SandboxConfig{
			DataDir: "./data/tables",
			MaxRows: 200,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "debug",
			LogFormat:   "json",
			ServiceName: "cairn",
		},
		Auth: AuthConfig{
			Enabled: false,
		},
	}
}

// Validate checks the configuration for errors. Invariants that would
// produce silent data corruption (dimension mismatches, weak secrets) fail
// fast here.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Embedding.Dimensions < 1 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}

	if c.Embedding.BatchSize < 1 || c.Embedding.BatchSize > 100 {
		return fmt.Errorf("embedding batch_size must be between 1 and 100")
	}

	if c.Retrieval.TopK < 1 || c.Retrieval.TopK > 50 {
		return fmt.Errorf("retrieval top_k must be between 1 and 50")
	}

	if c.Retrieval.RankConstant < 1 {
		return fmt.Errorf("rank_constant must be positive, got %d", c.Retrieval.RankConstant)
	}

	if c.Retrieval.RerankEnabled && c.Retrieval.RerankURL == "" {
		return fmt.Errorf("rerank_enabled requires rerank_url")
	}

	if c.Ingestion.ChunkSizeTokens < 50 {
		return fmt.Errorf("chunk_size_tokens must be at least 50, got %d", c.Ingestion.ChunkSizeTokens)
	}

	if c.Ingestion.Workers < 1 {
		return fmt.Errorf("ingestion workers must be at least 1")
	}

	if c.Sandbox.MaxRows < 1 {
		return fmt.Errorf("sandbox max_rows must be positive, got %d", c.Sandbox.MaxRows)
	}

	if c.Graph.MaxSyncRetries < 0 {
		return fmt.Errorf("graph max_sync_retries must not be negative")
	}

	if c.Auth.Enabled {
		if len(c.Auth.Secret) < 32 {
			return fmt.Errorf("auth secret must be at least 32 characters when auth is enabled")
		}
		if insecureSecrets[strings.ToLower(c.Auth.Secret)] {
			return fmt.Errorf("auth secret matches a known-insecure default")
		}
	}

	return nil
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CAIRN_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("CAIRN_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := envFirst("CAIRN_DATABASE_URL", "DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := envFirst("CAIRN_REDIS_URL", "REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("CAIRN_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}

	if v := os.Getenv("CAIRN_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}

	if v := os.Getenv("CAIRN_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}

	if v := os.Getenv("CAIRN_EMBEDDING_DIMENSIONS"); v != "" {
		if dims, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimensions = dims
		}
	}

	if v := os.Getenv("CAIRN_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}

	if v := os.Getenv("CAIRN_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}

	if v := os.Getenv("CAIRN_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	if v := os.Getenv("CAIRN_INGEST_ROOT"); v != "" {
		cfg.Ingestion.Root = v
	}

	if v := os.Getenv("CAIRN_SANDBOX_DATA_DIR"); v != "" {
		cfg.Sandbox.DataDir = v
	}

	if v := os.Getenv("CAIRN_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("CAIRN_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("CAIRN_GRAPH_ENABLED"); v == "true" {
		cfg.Graph.Enabled = true
	}

	if v := os.Getenv("CAIRN_AUTH_ENABLED"); v == "true" {
		cfg.Auth.Enabled = true
	}

	if v := os.Getenv("CAIRN_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
}

// envFirst returns the first non-empty value among the named variables.
func envFirst(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
