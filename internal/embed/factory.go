package embed

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/koopa0/corpus/internal/cache"
	"github.com/koopa0/corpus/internal/config"
	"github.com/koopa0/corpus/internal/log"
)

// NewBackend creates the embedding backend selected by cfg.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.EmbeddingProvider {
	case config.EmbeddingGemini:
		if cfg.EmbeddingAPIKey == "" {
			return nil, config.ErrMissingEmbeddingKey
		}
		return NewGemini(ctx, cfg.EmbeddingAPIKey)
	case config.EmbeddingOpenAI:
		if cfg.EmbeddingBaseURL == "" {
			return nil, fmt.Errorf("%w: embedding_base_url is required for openai",
				config.ErrInvalidEmbeddingProvider)
		}
		return NewOpenAI(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, nil), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidEmbeddingProvider, cfg.EmbeddingProvider)
	}
}

// NewBatcherFromConfig wires the batching layer from configuration: the
// selected backend behind the embedding cache, the shared rate limiter, and
// the retry policy.
func NewBatcherFromConfig(ctx context.Context, cfg *config.Config, logger log.Logger) (*Batcher, error) {
	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RateLimitEnabled {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	embedCache := cache.NewTTL[[]float32](cfg.EmbedCacheSize, cfg.EmbedCacheTTL)

	return NewBatcher(backend, embedCache, limiter, BatcherConfig{
		Model:          cfg.EmbeddingModel,
		BatchSize:      cfg.EmbeddingBatchSize,
		MaxInFlight:    cfg.EmbeddingMaxInFlight,
		RequestTimeout: cfg.EmbedTimeout,
	}, logger.With("component", "embed")), nil
}

// NewRerankerFromConfig returns the configured reranker, or nil when
// reranking is not configured.
func NewRerankerFromConfig(cfg *config.Config) Reranker {
	if cfg.RerankModel == "" || cfg.RerankBaseURL == "" {
		return nil
	}
	return NewHTTPReranker(cfg.RerankBaseURL, cfg.RerankAPIKey, nil)
}
