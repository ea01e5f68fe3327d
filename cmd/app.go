package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/koopa0/corpus/internal/chunk"
	"github.com/koopa0/corpus/internal/config"
	"github.com/koopa0/corpus/internal/docstore"
	"github.com/koopa0/corpus/internal/embed"
	"github.com/koopa0/corpus/internal/extract"
	"github.com/koopa0/corpus/internal/ingest"
	"github.com/koopa0/corpus/internal/log"
	"github.com/koopa0/corpus/internal/retrieve"
	"github.com/koopa0/corpus/internal/storage"
	"github.com/koopa0/corpus/internal/vector"
	"github.com/koopa0/corpus/internal/vector/memory"
	"github.com/koopa0/corpus/internal/vector/pgvector"
	"github.com/koopa0/corpus/internal/vector/qdrant"
)

// app wires the pipeline from configuration. Built once per command
// invocation and closed when the command finishes.
type app struct {
	cfg       *config.Config
	logger    log.Logger
	meta      *docstore.Store
	index     vector.Store
	batcher   *embed.Batcher
	coord     *ingest.Coordinator
	retriever *retrieve.Retriever
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level, JSON: jsonLogs})

	meta, err := docstore.Open(cfg.DocstorePath)
	if err != nil {
		return nil, fmt.Errorf("opening document store: %w", err)
	}

	index, err := newVectorStore(ctx, cfg)
	if err != nil {
		_ = meta.Close()
		return nil, err
	}

	batcher, err := embed.NewBatcherFromConfig(ctx, cfg, logger)
	if err != nil {
		_ = meta.Close()
		_ = index.Close()
		return nil, err
	}

	blobs, err := newStorage(ctx, cfg)
	if err != nil {
		_ = meta.Close()
		_ = index.Close()
		return nil, err
	}

	coord := ingest.New(extract.NewRegistry(), batcher, index, meta, blobs, ingest.Config{
		Workers: cfg.IngestWorkers,
		Chunking: chunk.Config{
			SectionWindow:   cfg.SectionWindow,
			FragmentSize:    cfg.FragmentSize,
			FragmentOverlap: cfg.FragmentOverlap,
			FragmentMin:     cfg.FragmentMin,
		},
		ExtractTimeout:    cfg.ExtractTimeout,
		DefaultCollection: cfg.DefaultCollection,
	}, logger.With("component", "ingest"))

	opts := []retrieve.Option{
		retrieve.WithParentRetrieval(cfg.ParentRetrieval),
		retrieve.WithDefaults(cfg.DefaultCollection, cfg.TopK),
		retrieve.WithResultCache(cfg.ResultCacheSize, cfg.ResultCacheTTL),
		retrieve.WithLogger(logger.With("component", "retrieve")),
	}
	if reranker := embed.NewRerankerFromConfig(cfg); reranker != nil {
		opts = append(opts, retrieve.WithReranker(reranker, cfg.RerankModel))
	}
	retriever := retrieve.New(batcher, index, meta, opts...)

	return &app{
		cfg:       cfg,
		logger:    logger,
		meta:      meta,
		index:     index,
		batcher:   batcher,
		coord:     coord,
		retriever: retriever,
	}, nil
}

func (a *app) Close() {
	if err := a.index.Close(); err != nil {
		a.logger.Warn("closing vector store", "error", err)
	}
	if err := a.meta.Close(); err != nil {
		a.logger.Warn("closing document store", "error", err)
	}
}

// newVectorStore selects the vector backend.
func newVectorStore(ctx context.Context, cfg *config.Config) (vector.Store, error) {
	switch cfg.VectorBackend {
	case config.VectorQdrant:
		return qdrant.New(cfg.QdrantHost, cfg.QdrantPort, cfg.QdrantAPIKey)
	case config.VectorPGVector:
		return pgvector.New(ctx, cfg.DSN())
	case config.VectorMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidVectorBackend, cfg.VectorBackend)
	}
}

// newStorage selects the raw-byte storage provider.
func newStorage(ctx context.Context, cfg *config.Config) (storage.Provider, error) {
	switch cfg.StorageProvider {
	case config.StorageLocal:
		return storage.NewLocal(cfg.UploadDir)
	case config.StorageS3:
		return storage.NewS3(ctx, storage.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidStorageProvider, cfg.StorageProvider)
	}
}
