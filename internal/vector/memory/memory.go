// Package memory provides an in-process vector store used in tests and for
// single-binary setups without external infrastructure.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/koopa0/corpus/internal/vector"
)

// Store holds collections in process memory. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

type collection struct {
	dim    int
	points map[string]vector.Point
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) EnsureCollection(_ context.Context, name string, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		if c.dim != dim {
			return fmt.Errorf("collection %q exists with dimension %d, requested %d",
				name, c.dim, dim)
		}
		return nil
	}
	s.collections[name] = &collection{dim: dim, points: make(map[string]vector.Point)}
	return nil
}

func (s *Store) Upsert(_ context.Context, name string, points []vector.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("collection %q does not exist", name)
	}
	for _, p := range points {
		if len(p.Vector) != c.dim {
			return fmt.Errorf("point %q has dimension %d, collection %q expects %d",
				p.ID, len(p.Vector), name, c.dim)
		}
	}
	for _, p := range points {
		c.points[p.ID] = p
	}
	return nil
}

func (s *Store) Query(_ context.Context, name string, vec []float32, topK int, filter vector.Filter) ([]vector.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return nil, nil
	}
	if len(vec) != c.dim {
		return nil, fmt.Errorf("query vector has dimension %d, collection %q expects %d",
			len(vec), name, c.dim)
	}

	matches := make([]vector.Match, 0, len(c.points))
	for _, p := range c.points {
		if !matchesFilter(p.Payload, filter) {
			continue
		}
		matches = append(matches, vector.Match{
			ID:      p.ID,
			Score:   vector.NormalizeCosine(cosine(vec, p.Vector)),
			Payload: p.Payload,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID // stable order for equal scores
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *Store) Delete(_ context.Context, name string, sel vector.Selector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return nil
	}
	if len(sel.IDs) > 0 {
		for _, id := range sel.IDs {
			delete(c.points, id)
		}
		return nil
	}
	if len(sel.Filter) > 0 {
		for id, p := range c.points {
			if matchesFilter(p.Payload, sel.Filter) {
				delete(c.points, id)
			}
		}
	}
	return nil
}

func (s *Store) DeleteCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

func (s *Store) Close() error { return nil }

// Count returns the number of points in a collection. Test helper.
func (s *Store) Count(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.collections[name]; ok {
		return len(c.points)
	}
	return 0
}

// matchesFilter applies OR within a key, AND across keys.
func matchesFilter(payload map[string]string, filter vector.Filter) bool {
	for key, values := range filter {
		got, ok := payload[key]
		if !ok {
			return false
		}
		found := false
		for _, v := range values {
			if got == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
