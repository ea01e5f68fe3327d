// Package config provides pipeline configuration with multi-source priority.
//
// Sources (highest to lowest):
//  1. Environment variables (secrets and runtime overrides)
//  2. Config file (~/.corpus/config.yaml, or ./config.yaml)
//  3. Defaults
//
// Categories:
//   - Vector store: backend selection (qdrant, pgvector, memory) plus
//     backend-specific connection settings
//   - Embedding: provider selection (gemini, openai), base URL, key, model,
//     batching limits
//   - Reranking: optional backend, applied at retrieval time when configured
//   - Retrieval: parent-retrieval toggle, default top-k
//   - Chunking: section window, fragment size/overlap/minimum
//   - Ingestion: worker count, per-call timeouts
//   - Storage: raw document bytes provider (local dir or S3-compatible)
//   - Caching: embedding and retrieval-result cache sizes and TTLs
//
// Secrets (API keys, passwords) are masked in MarshalJSON and String; they
// are never logged in the clear.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidVectorBackend indicates an unsupported vector store backend.
	ErrInvalidVectorBackend = errors.New("invalid vector backend")

	// ErrInvalidEmbeddingProvider indicates an unsupported embedding provider.
	ErrInvalidEmbeddingProvider = errors.New("invalid embedding provider")

	// ErrMissingEmbeddingKey indicates the embedding backend API key is missing.
	ErrMissingEmbeddingKey = errors.New("missing embedding API key")

	// ErrInvalidEmbeddingModel indicates the embedding model name is empty.
	ErrInvalidEmbeddingModel = errors.New("invalid embedding model")

	// ErrInvalidChunking indicates chunking sizes are out of range or
	// mutually inconsistent.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidWorkers indicates the ingestion worker count is out of range.
	ErrInvalidWorkers = errors.New("invalid worker count")

	// ErrInvalidRateLimit indicates rate limit settings are out of range.
	ErrInvalidRateLimit = errors.New("invalid rate limit")

	// ErrInvalidStorageProvider indicates an unsupported storage provider.
	ErrInvalidStorageProvider = errors.New("invalid storage provider")

	// ErrInvalidPostgres indicates incomplete pgvector connection settings.
	ErrInvalidPostgres = errors.New("invalid PostgreSQL configuration")
)

// Vector store backend identifiers used in Config.VectorBackend.
const (
	VectorQdrant   = "qdrant"
	VectorPGVector = "pgvector"
	VectorMemory   = "memory"
)

// Embedding provider identifiers used in Config.EmbeddingProvider.
const (
	EmbeddingGemini = "gemini"
	EmbeddingOpenAI = "openai"
)

// Storage provider identifiers used in Config.StorageProvider.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// DefaultEmbeddingModel is the default Gemini embedding model.
// gemini-embedding-001 supports dimensionality truncation; the effective
// dimension is discovered from the first response and pinned per collection.
const DefaultEmbeddingModel = "gemini-embedding-001"

// Config stores pipeline configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON. When a
// new secret field is added, update MarshalJSON as well.
type Config struct {
	// Vector store
	VectorBackend string `mapstructure:"vector_backend" json:"vector_backend"`

	QdrantHost   string `mapstructure:"qdrant_host" json:"qdrant_host"`
	QdrantPort   int    `mapstructure:"qdrant_port" json:"qdrant_port"`
	QdrantAPIKey string `mapstructure:"qdrant_api_key" json:"qdrant_api_key"` // SENSITIVE

	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Embedding backend
	EmbeddingProvider    string `mapstructure:"embedding_provider" json:"embedding_provider"`
	EmbeddingBaseURL     string `mapstructure:"embedding_base_url" json:"embedding_base_url"`
	EmbeddingAPIKey      string `mapstructure:"embedding_api_key" json:"embedding_api_key"` // SENSITIVE
	EmbeddingModel       string `mapstructure:"embedding_model" json:"embedding_model"`
	EmbeddingBatchSize   int    `mapstructure:"embedding_batch_size" json:"embedding_batch_size"`
	EmbeddingMaxInFlight int    `mapstructure:"embedding_max_in_flight" json:"embedding_max_in_flight"`

	// Reranking backend (optional; retrieval reranks when a model is set)
	RerankBaseURL string `mapstructure:"rerank_base_url" json:"rerank_base_url"`
	RerankAPIKey  string `mapstructure:"rerank_api_key" json:"rerank_api_key"` // SENSITIVE
	RerankModel   string `mapstructure:"rerank_model" json:"rerank_model"`

	// Rate limiting toward the embedding backend
	RateLimitEnabled bool    `mapstructure:"rate_limit_enabled" json:"rate_limit_enabled"`
	RateLimitRPS     float64 `mapstructure:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst   int     `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`

	// Retrieval
	ParentRetrieval bool `mapstructure:"parent_retrieval" json:"parent_retrieval"`
	TopK            int  `mapstructure:"top_k" json:"top_k"`

	// Chunking (sizes in runes)
	SectionWindow   int `mapstructure:"section_window" json:"section_window"`
	FragmentSize    int `mapstructure:"fragment_size" json:"fragment_size"`
	FragmentOverlap int `mapstructure:"fragment_overlap" json:"fragment_overlap"`
	FragmentMin     int `mapstructure:"fragment_min" json:"fragment_min"`

	// Ingestion
	IngestWorkers  int           `mapstructure:"ingest_workers" json:"ingest_workers"`
	ExtractTimeout time.Duration `mapstructure:"extract_timeout" json:"extract_timeout"`
	EmbedTimeout   time.Duration `mapstructure:"embed_timeout" json:"embed_timeout"`
	StoreTimeout   time.Duration `mapstructure:"store_timeout" json:"store_timeout"`

	// Raw document byte storage
	StorageProvider string `mapstructure:"storage_provider" json:"storage_provider"`
	UploadDir       string `mapstructure:"upload_dir" json:"upload_dir"`
	S3Endpoint      string `mapstructure:"s3_endpoint" json:"s3_endpoint"`
	S3Bucket        string `mapstructure:"s3_bucket" json:"s3_bucket"`
	S3AccessKey     string `mapstructure:"s3_access_key" json:"s3_access_key"` // SENSITIVE
	S3SecretKey     string `mapstructure:"s3_secret_key" json:"s3_secret_key"` // SENSITIVE
	S3UseSSL        bool   `mapstructure:"s3_use_ssl" json:"s3_use_ssl"`

	// Caching
	EmbedCacheSize  int           `mapstructure:"embed_cache_size" json:"embed_cache_size"`
	EmbedCacheTTL   time.Duration `mapstructure:"embed_cache_ttl" json:"embed_cache_ttl"`
	ResultCacheSize int           `mapstructure:"result_cache_size" json:"result_cache_size"`
	ResultCacheTTL  time.Duration `mapstructure:"result_cache_ttl" json:"result_cache_ttl"`

	// Document metadata store (SQLite)
	DocstorePath string `mapstructure:"docstore_path" json:"docstore_path"`

	// DefaultCollection receives documents ingested without an explicit
	// collection. Per-document collections use the "doc-<id>" convention.
	DefaultCollection string `mapstructure:"default_collection" json:"default_collection"`
}

// Load loads configuration.
// Priority: environment variables > config file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".corpus")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("vector_backend", VectorQdrant)

	viper.SetDefault("qdrant_host", "localhost")
	viper.SetDefault("qdrant_port", 6334)

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "corpus")
	viper.SetDefault("postgres_db_name", "corpus")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("embedding_provider", EmbeddingGemini)
	viper.SetDefault("embedding_model", DefaultEmbeddingModel)
	viper.SetDefault("embedding_batch_size", 32)
	viper.SetDefault("embedding_max_in_flight", 4)

	viper.SetDefault("rate_limit_enabled", true)
	viper.SetDefault("rate_limit_rps", 5.0)
	viper.SetDefault("rate_limit_burst", 10)

	viper.SetDefault("parent_retrieval", true)
	viper.SetDefault("top_k", 5)

	viper.SetDefault("section_window", 3200)
	viper.SetDefault("fragment_size", 800)
	viper.SetDefault("fragment_overlap", 160)
	viper.SetDefault("fragment_min", 200)

	viper.SetDefault("ingest_workers", 4)
	viper.SetDefault("extract_timeout", 30*time.Second)
	viper.SetDefault("embed_timeout", 60*time.Second)
	viper.SetDefault("store_timeout", 15*time.Second)

	viper.SetDefault("storage_provider", StorageLocal)
	viper.SetDefault("upload_dir", defaultUploadDir())
	viper.SetDefault("s3_use_ssl", true)

	viper.SetDefault("embed_cache_size", 4096)
	viper.SetDefault("embed_cache_ttl", 24*time.Hour)
	viper.SetDefault("result_cache_size", 512)
	viper.SetDefault("result_cache_ttl", 5*time.Minute)

	viper.SetDefault("docstore_path", defaultDocstorePath())
	viper.SetDefault("default_collection", "corpus")
}

func defaultUploadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "uploads"
	}
	return filepath.Join(home, ".corpus", "uploads")
}

func defaultDocstorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "corpus.db"
	}
	return filepath.Join(home, ".corpus", "corpus.db")
}

// bindEnvVariables binds secrets and common overrides explicitly.
func bindEnvVariables() {
	// Binding hardcoded keys cannot fail; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("embedding_api_key", "CORPUS_EMBEDDING_API_KEY")
	mustBind("rerank_api_key", "CORPUS_RERANK_API_KEY")
	mustBind("qdrant_api_key", "CORPUS_QDRANT_API_KEY")
	mustBind("postgres_password", "CORPUS_POSTGRES_PASSWORD")
	mustBind("s3_access_key", "CORPUS_S3_ACCESS_KEY")
	mustBind("s3_secret_key", "CORPUS_S3_SECRET_KEY")

	mustBind("vector_backend", "CORPUS_VECTOR_BACKEND")
	mustBind("embedding_provider", "CORPUS_EMBEDDING_PROVIDER")
	mustBind("embedding_base_url", "CORPUS_EMBEDDING_BASE_URL")
	mustBind("embedding_model", "CORPUS_EMBEDDING_MODEL")
	mustBind("parent_retrieval", "CORPUS_PARENT_RETRIEVAL")
	mustBind("storage_provider", "CORPUS_STORAGE_PROVIDER")
}

// DSN returns the pgvector backend connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPassword,
		c.PostgresHost, c.PostgresPort,
		c.PostgresDBName, c.PostgresSSLMode)
}

// maskedValue is the placeholder for masked secrets. Full-width blocks avoid
// accidental substring matches against real secret material.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Short secrets are fully
// masked; longer ones keep the first and last two characters for debugging.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit secret masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.QdrantAPIKey = maskSecret(a.QdrantAPIKey)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.EmbeddingAPIKey = maskSecret(a.EmbeddingAPIKey)
	a.RerankAPIKey = maskSecret(a.RerankAPIKey)
	a.S3AccessKey = maskSecret(a.S3AccessKey)
	a.S3SecretKey = maskSecret(a.S3SecretKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
