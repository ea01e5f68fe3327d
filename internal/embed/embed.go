// Package embed turns text into vectors through a remote embedding backend.
//
// Backends implement the minimal Backend interface; the Batcher layered on
// top adds batching, caching, rate limiting, bounded concurrency, and
// retries with exponential backoff, so callers never talk to a backend
// directly. Provider selection happens in the factory.
package embed

import (
	"context"
	"fmt"
	"time"
)

// ErrorKind classifies embedding failures for retry decisions.
type ErrorKind int

const (
	// KindBackendUnavailable covers network failures, timeouts, and 5xx
	// responses. Retryable.
	KindBackendUnavailable ErrorKind = iota
	// KindRateLimited is a 429 from the backend. Retryable, honoring
	// RetryAfter when the backend provided one.
	KindRateLimited
	// KindInvalidInput covers every request the backend rejected outright:
	// bad payloads, unknown models, rejected credentials. Not retryable;
	// the same request would fail the same way.
	KindInvalidInput
)

func (k ErrorKind) String() string {
	switch k {
	case KindBackendUnavailable:
		return "backend unavailable"
	case KindRateLimited:
		return "rate limited"
	case KindInvalidInput:
		return "invalid input"
	default:
		return "unknown"
	}
}

// Error is the embedding failure type.
type Error struct {
	Kind       ErrorKind
	Provider   string
	RetryAfter time.Duration // only set for KindRateLimited, 0 when unknown
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embed (%s): %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("embed (%s): %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether retrying the identical request could succeed.
func (e *Error) Retryable() bool { return e.Kind != KindInvalidInput }

// Backend embeds a batch of texts with the given model. Implementations
// return one vector per input text, in input order, or an *Error.
type Backend interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
	Provider() string
}

// Reranker scores candidate texts against a query. Scores are returned in
// candidate order, higher meaning more relevant.
type Reranker interface {
	Rerank(ctx context.Context, model, query string, candidates []string) ([]float64, error)
}
