package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig holds connection settings for an external HTTP service.
type ServiceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider      string `mapstructure:"provider"` // openai, dashscope, custom
	ServiceConfig `mapstructure:",squash"`
	Dimension     int `mapstructure:"dimension"`
	BatchMax      int `mapstructure:"batch_max"`
}

// VectorStoreConfig configures the vector index backend.
type VectorStoreConfig struct {
	Type            string `mapstructure:"type"` // milvus, elasticsearch, faiss, qdrant, postgres
	Collection      string `mapstructure:"collection"`
	IndexManagement string `mapstructure:"index_management"` // CREATE_IF_NOT_EXISTS, NO_VALIDATION
	Overwrite       bool   `mapstructure:"overwrite"`
}

// ChunkingConfig holds default chunking parameters; the analyzer may
// override them per document.
type ChunkingConfig struct {
	ChunkSize       int    `mapstructure:"chunk_size"`
	ChunkOverlap    int    `mapstructure:"chunk_overlap"`
	ChunkingType    string `mapstructure:"chunking_type"`
	RespectMarkdown bool   `mapstructure:"respect_markdown"`
}

// ParallelConfig controls the segmented executor.
type ParallelConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	MaxWorkers      int    `mapstructure:"max_workers"`
	ChunkSize       int    `mapstructure:"chunk_size"` // segment size in bytes
	ChunkStrategy   string `mapstructure:"chunk_strategy"` // fixed_size, sentence, paragraph, semantic
	UseDistributed  bool   `mapstructure:"use_distributed"`
	MemoryEfficient bool   `mapstructure:"memory_efficient"`
	BatchSize       int    `mapstructure:"batch_size"`
	SizeThreshold   int64  `mapstructure:"size_threshold"`  // bytes above which parallel kicks in
	TokenThreshold  int    `mapstructure:"token_threshold"` // estimated tokens above which parallel kicks in
}

// IncrementalConfig controls delta re-ingest.
type IncrementalConfig struct {
	Enabled                 bool    `mapstructure:"enabled"`
	ForceReprocessThreshold float64 `mapstructure:"force_reprocess_threshold"`
}

// RetrievalConfig controls hybrid search and reranking.
type RetrievalConfig struct {
	RerankModel   string  `mapstructure:"rerank_model"`
	RerankTopN    int     `mapstructure:"rerank_top_n"`
	VectorWeight  float64 `mapstructure:"vector_weight"`
	LexicalWeight float64 `mapstructure:"lexical_weight"`
}

// BrokerConfig configures the task broker.
type BrokerConfig struct {
	URL                      string        `mapstructure:"url"`
	ResultBackendURL         string        `mapstructure:"result_backend_url"`
	TaskTimeLimit            time.Duration `mapstructure:"task_time_limit"`
	TaskSoftTimeLimit        time.Duration `mapstructure:"task_soft_time_limit"`
	WorkerPrefetchMultiplier int           `mapstructure:"worker_prefetch_multiplier"`
	WorkerMaxTasksPerChild   int           `mapstructure:"worker_max_tasks_per_child"`
	TaskAcksLate             bool          `mapstructure:"task_acks_late"`
	MaxRetries               int           `mapstructure:"max_retries"`
	ResultTTL                time.Duration `mapstructure:"result_ttl"`
}

type Config struct {
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		DBName   string `mapstructure:"dbname"`
	} `mapstructure:"database"`
	Redis struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	MinIO struct {
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		BucketName      string `mapstructure:"bucket_name"`
		UseSSL          bool   `mapstructure:"use_ssl"`
	} `mapstructure:"minio"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	Chunking    ChunkingConfig    `mapstructure:"chunking"`
	Parallel    ParallelConfig    `mapstructure:"parallel"`
	Incremental IncrementalConfig `mapstructure:"incremental"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Services    struct {
		Reranker ServiceConfig `mapstructure:"reranker"`
	} `mapstructure:"services"`
}

// DSN builds the Postgres connection string from the database section.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.DBName,
	)
}

func LoadConfig(path string) (config Config, err error) {
	viper.SetDefault("embedding.provider", "openai")
	viper.SetDefault("embedding.dimension", 1536)
	viper.SetDefault("embedding.batch_max", 16)

	viper.SetDefault("vector_store.type", "postgres")
	viper.SetDefault("vector_store.collection", "enterprise_kb")
	viper.SetDefault("vector_store.index_management", "CREATE_IF_NOT_EXISTS")

	viper.SetDefault("chunking.chunk_size", 1024)
	viper.SetDefault("chunking.chunk_overlap", 20)
	viper.SetDefault("chunking.chunking_type", "semantic")
	viper.SetDefault("chunking.respect_markdown", true)

	viper.SetDefault("parallel.enabled", true)
	viper.SetDefault("parallel.max_workers", 8)
	viper.SetDefault("parallel.chunk_size", 1<<20)
	viper.SetDefault("parallel.chunk_strategy", "sentence")
	viper.SetDefault("parallel.batch_size", 16)
	viper.SetDefault("parallel.size_threshold", 2<<20)
	viper.SetDefault("parallel.token_threshold", 200_000)

	viper.SetDefault("incremental.enabled", true)
	viper.SetDefault("incremental.force_reprocess_threshold", 0.5)

	viper.SetDefault("retrieval.rerank_top_n", 20)
	viper.SetDefault("retrieval.vector_weight", 0.7)
	viper.SetDefault("retrieval.lexical_weight", 0.3)

	viper.SetDefault("broker.url", "redis://localhost:6379/0")
	viper.SetDefault("broker.task_time_limit", 10*time.Minute)
	viper.SetDefault("broker.task_soft_time_limit", 8*time.Minute)
	viper.SetDefault("broker.worker_prefetch_multiplier", 4)
	viper.SetDefault("broker.worker_max_tasks_per_child", 0)
	viper.SetDefault("broker.task_acks_late", true)
	viper.SetDefault("broker.max_retries", 3)
	viper.SetDefault("broker.result_ttl", 24*time.Hour)

	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	if err = viper.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = viper.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return
}

// Validate checks cross-field constraints that must hold at startup.
func (c *Config) Validate() error {
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if t := c.Incremental.ForceReprocessThreshold; t < 0 || t > 1 {
		return fmt.Errorf("force_reprocess_threshold must be in [0,1], got %f", t)
	}
	switch c.VectorStore.IndexManagement {
	case "CREATE_IF_NOT_EXISTS", "NO_VALIDATION":
	default:
		return fmt.Errorf("unknown index_management %q", c.VectorStore.IndexManagement)
	}
	return nil
}
