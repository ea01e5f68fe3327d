// Package storage persists raw document bytes so failed ingests can be
// retried and re-ingests re-read without the original upload.
package storage

import (
	"context"
	"errors"
)

// ErrObjectNotFound indicates the requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Provider stores and retrieves raw document bytes under opaque keys.
type Provider interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
