// Package vector defines the vector index contract shared by all backends.
//
// Backends live in subpackages (qdrant, pgvector, memory) and are selected
// through the factory. Scores returned from Query are normalized to [0, 1]
// regardless of backend, so retrieval thresholds mean the same thing
// everywhere.
package vector

import (
	"context"
	"fmt"
)

// ErrorKind classifies vector store failures.
type ErrorKind int

const (
	// KindUnavailable covers connection failures, timeouts, and backend
	// internal errors. Retryable.
	KindUnavailable ErrorKind = iota
	// KindAuthRejected means the backend refused the credentials. Not
	// retryable, and never conflated with an empty result set.
	KindAuthRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindAuthRejected:
		return "auth rejected"
	default:
		return "unknown"
	}
}

// StoreError is the vector backend failure type.
type StoreError struct {
	Kind    ErrorKind
	Backend string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vector store (%s): %s: %v", e.Backend, e.Kind, e.Err)
	}
	return fmt.Sprintf("vector store (%s): %s", e.Backend, e.Kind)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Retryable reports whether retrying could succeed.
func (e *StoreError) Retryable() bool { return e.Kind != KindAuthRejected }

// Point is one indexed vector with its filterable payload.
type Point struct {
	// ID is the chunk identifier. Backends that require native UUID keys
	// derive one deterministically and keep this ID in the payload.
	ID      string
	Vector  []float32
	Payload map[string]string
}

// Match is one query hit. Score is normalized to [0, 1], higher is closer.
type Match struct {
	ID      string
	Score   float64
	Payload map[string]string
}

// Filter restricts queries and deletes by payload values. Values under the
// same key are OR-ed; different keys are AND-ed.
type Filter map[string][]string

// Selector targets points for deletion, by explicit IDs or by Filter.
// Exactly one of the two should be set.
type Selector struct {
	IDs    []string
	Filter Filter
}

// Store is the vector index contract.
//
// EnsureCollection is idempotent and pins the vector dimension on first
// creation. Upsert replaces points that already exist under the same ID.
// Query against an unknown collection returns no matches, not an error.
type Store interface {
	EnsureCollection(ctx context.Context, collection string, dim int) error
	Upsert(ctx context.Context, collection string, points []Point) error
	Query(ctx context.Context, collection string, vec []float32, topK int, filter Filter) ([]Match, error)
	Delete(ctx context.Context, collection string, sel Selector) error
	DeleteCollection(ctx context.Context, collection string) error
	Close() error
}

// NormalizeCosine maps a cosine similarity in [-1, 1] onto [0, 1].
func NormalizeCosine(sim float64) float64 {
	n := (sim + 1) / 2
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}
