// Package app wires the document core together with fx.
package app

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/hsn0918/enterprise-kb/internal/analyzer"
	"github.com/hsn0918/enterprise-kb/internal/broker"
	"github.com/hsn0918/enterprise-kb/internal/clients/embedding"
	"github.com/hsn0918/enterprise-kb/internal/clients/rerank"
	"github.com/hsn0918/enterprise-kb/internal/config"
	"github.com/hsn0918/enterprise-kb/internal/executor"
	"github.com/hsn0918/enterprise-kb/internal/incremental"
	"github.com/hsn0918/enterprise-kb/internal/logger"
	"github.com/hsn0918/enterprise-kb/internal/pipeline"
	"github.com/hsn0918/enterprise-kb/internal/redis"
	"github.com/hsn0918/enterprise-kb/internal/retrieval"
	"github.com/hsn0918/enterprise-kb/internal/service"
	"github.com/hsn0918/enterprise-kb/internal/state"
	"github.com/hsn0918/enterprise-kb/internal/storage"
	"github.com/hsn0918/enterprise-kb/internal/vectorstore"
)

// Module assembles the whole worker application.
var Module = fx.Options(
	InfrastructureModule,
	ClientsModule,
	CoreModule,
	fx.Invoke(StartWorkers),
)

// InfrastructureModule provides config, logging, Redis, the vector
// store and object storage.
var InfrastructureModule = fx.Module("infrastructure",
	fx.Provide(
		NewAppConfig,
		NewAppLogger,
		NewRedisConnection,
		NewVectorStore,
		NewObjectReader,
		NewStateStore,
	),
)

// ClientsModule provides the external service clients.
var ClientsModule = fx.Module("clients",
	fx.Provide(
		NewEmbedder,
		NewReranker,
	),
)

// CoreModule provides the processing and retrieval components.
var CoreModule = fx.Module("core",
	fx.Provide(
		NewAnalyzer,
		NewBroker,
		NewPipelineEngine,
		NewExecutor,
		NewIncrementalManager,
		NewRetriever,
		NewService,
	),
)

func NewAppConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func NewAppLogger() (*zap.Logger, error) {
	if err := logger.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger.Get(), nil
}

func NewRedisConnection(cfg config.Config, lc fx.Lifecycle) (*redis.Client, error) {
	client, err := redis.NewClientFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return client.Ping(ctx) },
		OnStop: func(ctx context.Context) error {
			client.Close()
			return nil
		},
	})
	return client, nil
}

func NewVectorStore(cfg config.Config, lc fx.Lifecycle) (vectorstore.Store, error) {
	store, err := vectorstore.NewPostgresStore(
		context.Background(),
		cfg.DSN(),
		cfg.VectorStore.Collection,
		cfg.Embedding.Dimension,
		vectorstore.IndexManagement(cfg.VectorStore.IndexManagement),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			store.Close()
			return nil
		},
	})
	return store, nil
}

func NewObjectReader(cfg config.Config) (storage.Reader, error) {
	if cfg.MinIO.Endpoint == "" {
		return storage.FileReader{}, nil
	}
	reader, err := storage.NewObjectReader(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create object reader: %w", err)
	}
	return reader, nil
}

func NewStateStore(client *redis.Client, cfg config.Config) *state.Store {
	return state.NewStore(client, cfg.Broker.TaskTimeLimit)
}

func NewEmbedder(cfg config.Config, lc fx.Lifecycle) (pipeline.Embedder, error) {
	client := embedding.NewClient(cfg.Embedding)
	// The configured dimension must match what the provider actually
	// returns; a mismatch is fatal at startup.
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.VerifyDimension(ctx)
		},
	})
	return client, nil
}

func NewReranker(cfg config.Config) rerank.Reranker {
	if cfg.Services.Reranker.BaseURL == "" {
		return nil
	}
	return rerank.NewClient(cfg.Services.Reranker)
}

func NewAnalyzer(cfg config.Config) *analyzer.Analyzer {
	return analyzer.New(cfg)
}

func NewBroker(cfg config.Config, client *redis.Client, lc fx.Lifecycle) (broker.Broker, error) {
	brk, err := broker.New(cfg.Broker, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return brk.Close() },
	})
	return brk, nil
}

func NewPipelineEngine(embedder pipeline.Embedder, store vectorstore.Store, st *state.Store, cfg config.Config) *pipeline.Engine {
	return pipeline.NewEngine(pipeline.Deps{
		Embedder: embedder,
		Store:    store,
		State:    st,
		BatchMax: cfg.Embedding.BatchMax,
	})
}

func NewExecutor(cfg config.Config, brk broker.Broker, engine *pipeline.Engine, embedder pipeline.Embedder, store vectorstore.Store, st *state.Store) *executor.Executor {
	exec := executor.New(cfg, brk, engine, embedder, store, st)
	exec.RegisterHandlers()
	return exec
}

func NewIncrementalManager(cfg config.Config, embedder pipeline.Embedder, store vectorstore.Store) *incremental.Manager {
	return incremental.NewManager(cfg.Incremental.ForceReprocessThreshold, embedder, store, cfg.Embedding.BatchMax)
}

func NewRetriever(embedder pipeline.Embedder, store vectorstore.Store, reranker rerank.Reranker, cfg config.Config) *retrieval.Retriever {
	return retrieval.New(embedder, store, reranker, retrieval.Options{
		VectorWeight:  cfg.Retrieval.VectorWeight,
		LexicalWeight: cfg.Retrieval.LexicalWeight,
		RerankTopN:    cfg.Retrieval.RerankTopN,
	})
}

func NewService(
	cfg config.Config,
	reader storage.Reader,
	an *analyzer.Analyzer,
	st *state.Store,
	store vectorstore.Store,
	exec *executor.Executor,
	retriever *retrieval.Retriever,
	inc *incremental.Manager,
	brk broker.Broker,
) *service.Service {
	return service.New(cfg, reader, an, st, store, exec, retriever, inc, brk)
}

// StartWorkers runs the broker consumers for the process lifetime.
func StartWorkers(cfg config.Config, brk broker.Broker, svc *service.Service, lc fx.Lifecycle) {
	concurrency := cfg.Parallel.MaxWorkers
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Get().Info("starting workers", zap.Int("concurrency", concurrency))
			return brk.Start(context.Background(), concurrency)
		},
		OnStop: func(ctx context.Context) error {
			logger.Get().Info("stopping workers")
			logger.Sync()
			return nil
		},
	})
}
