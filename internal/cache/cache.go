// Package cache provides a small generic TTL cache used for embedding
// vectors and retrieval results.
//
// It wraps hashicorp's expirable LRU so callers get bounded memory and
// time-based expiry without managing eviction themselves. Keys are opaque
// strings; Key builds a collision-resistant key from arbitrary parts.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TTL is a bounded cache whose entries expire after a fixed duration.
// Safe for concurrent use.
type TTL[V any] struct {
	lru *expirable.LRU[string, V]
}

// NewTTL creates a cache holding at most size entries, each valid for ttl.
// size <= 0 means unbounded (expiry still applies); ttl <= 0 means entries
// never expire.
func NewTTL[V any](size int, ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		lru: expirable.NewLRU[string, V](size, nil, ttl),
	}
}

// Get returns the cached value for key, if present and not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	return c.lru.Get(key)
}

// Add stores value under key, replacing any previous entry.
func (c *TTL[V]) Add(key string, value V) {
	c.lru.Add(key, value)
}

// Len returns the number of live entries.
func (c *TTL[V]) Len() int {
	return c.lru.Len()
}

// Purge removes all entries.
func (c *TTL[V]) Purge() {
	c.lru.Purge()
}

// Key derives a cache key from parts. Parts are joined with a NUL separator
// before hashing so ("ab","c") and ("a","bc") never collide.
func Key(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
