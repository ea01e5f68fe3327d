package embed

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/koopa0/corpus/internal/cache"
	"github.com/koopa0/corpus/internal/log"
)

// BatcherConfig tunes the batching layer. Zero fields take defaults.
type BatcherConfig struct {
	// Model is the embedding model passed to the backend.
	Model string

	// BatchSize is the maximum number of texts per backend call.
	BatchSize int

	// MaxInFlight bounds concurrent backend calls.
	MaxInFlight int

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay and MaxDelay bound the exponential backoff between retries.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// RequestTimeout bounds each individual backend call.
	RequestTimeout time.Duration
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}

// Result is the per-text outcome of a batch embedding call. Exactly one of
// Vector and Err is set.
type Result struct {
	Index  int
	Text   string
	Vector []float32
	Err    error
}

// Batcher wraps a Backend with caching, batching, rate limiting, bounded
// concurrency, and retries. Safe for concurrent use.
type Batcher struct {
	backend Backend
	cache   *cache.TTL[[]float32]
	limiter *rate.Limiter
	cfg     BatcherConfig
	logger  log.Logger
}

// NewBatcher creates a batching layer over backend. cache and limiter are
// optional; pass nil to disable caching or rate limiting.
func NewBatcher(backend Backend, c *cache.TTL[[]float32], limiter *rate.Limiter,
	cfg BatcherConfig, logger log.Logger) *Batcher {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Batcher{
		backend: backend,
		cache:   c,
		limiter: limiter,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Embed embeds a single text, serving from cache when possible.
func (b *Batcher) Embed(ctx context.Context, text string) ([]float32, error) {
	results := b.EmbedBatch(ctx, []string{text})
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return results[0].Vector, nil
}

// EmbedBatch embeds texts and returns one Result per input, in input order.
// Failures are isolated per backend batch: a batch that exhausts its retries
// fails only the texts it carried. Duplicate texts within a call are
// embedded once.
func (b *Batcher) EmbedBatch(ctx context.Context, texts []string) []Result {
	results := make([]Result, len(texts))
	for i, t := range texts {
		results[i] = Result{Index: i, Text: t}
	}

	// Deduplicate and serve cache hits first.
	indexesOf := make(map[string][]int, len(texts))
	var missing []string
	for i, t := range texts {
		key := cache.Key(b.cfg.Model, t)
		if b.cache != nil {
			if vec, ok := b.cache.Get(key); ok {
				results[i].Vector = vec
				continue
			}
		}
		if _, seen := indexesOf[t]; !seen {
			missing = append(missing, t)
		}
		indexesOf[t] = append(indexesOf[t], i)
	}
	if len(missing) == 0 {
		return results
	}

	b.logger.Debug("embedding batch",
		"total", len(texts), "cached", len(texts)-len(missing), "missing", len(missing))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.MaxInFlight)

	for start := 0; start < len(missing); start += b.cfg.BatchSize {
		batch := missing[start:min(start+b.cfg.BatchSize, len(missing))]

		// Stop dispatching once the caller gave up; already-dispatched
		// batches run to completion so their vectors still get cached.
		if err := ctx.Err(); err != nil {
			b.fail(results, indexesOf, batch, fmt.Errorf("embedding canceled: %w", err))
			continue
		}

		g.Go(func() error {
			vectors, err := b.embedWithRetry(gctx, batch)
			if err != nil {
				b.fail(results, indexesOf, batch, err)
				return nil
			}
			for j, text := range batch {
				if b.cache != nil {
					b.cache.Add(cache.Key(b.cfg.Model, text), vectors[j])
				}
				for _, idx := range indexesOf[text] {
					results[idx].Vector = vectors[j]
				}
			}
			return nil
		})
	}

	// Goroutines never return errors; they record per-item outcomes.
	_ = g.Wait()
	return results
}

// fail records err on every result index covered by batch. Distinct result
// slots are touched by exactly one goroutine, so no locking is needed.
func (b *Batcher) fail(results []Result, indexesOf map[string][]int, batch []string, err error) {
	for _, text := range batch {
		for _, idx := range indexesOf[text] {
			results[idx].Err = err
		}
	}
}

// embedWithRetry calls the backend with exponential backoff on retryable
// errors. Each attempt gets its own timeout detached from the caller's
// cancellation, so a canceled caller does not abandon an in-flight call
// whose result is about to be cached.
func (b *Batcher) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := b.backoff(attempt, lastErr)
			b.logger.Warn("retrying embedding batch",
				"attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("embedding canceled during backoff: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.RequestTimeout)
		vectors, err := b.backend.Embed(attemptCtx, b.cfg.Model, texts)
		cancel()
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		var eerr *Error
		if !errors.As(err, &eerr) || !eerr.Retryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("embedding failed after %d retries: %w", b.cfg.MaxRetries, lastErr)
}

// backoff computes the delay before the given attempt. A server-provided
// Retry-After wins over the exponential schedule.
func (b *Batcher) backoff(attempt int, lastErr error) time.Duration {
	var eerr *Error
	if errors.As(lastErr, &eerr) && eerr.RetryAfter > 0 {
		return eerr.RetryAfter
	}

	delay := b.cfg.BaseDelay << (attempt - 1)
	if delay > b.cfg.MaxDelay || delay <= 0 {
		delay = b.cfg.MaxDelay
	}
	// Full jitter on the upper half keeps concurrent retries spread out.
	half := delay / 2
	return half + rand.N(half+1)
}
