// Package retrieve answers queries against the vector index.
//
// The query is embedded, matched against indexed fragments, and the hits
// are either returned as fragments or merged up to their parent sections
// (parent retrieval). An optional reranker reorders the candidates; results
// are cached briefly keyed on the full query shape.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/koopa0/corpus/internal/cache"
	"github.com/koopa0/corpus/internal/chunk"
	"github.com/koopa0/corpus/internal/embed"
	"github.com/koopa0/corpus/internal/log"
	"github.com/koopa0/corpus/internal/vector"
)

// ErrEmptyQuery indicates a blank query string.
var ErrEmptyQuery = errors.New("empty query")

// payload keys written at ingest time and read back here.
const (
	PayloadDocumentID = "document_id"
	PayloadSectionID  = "section_id"
	PayloadRevision   = "revision"
	PayloadTitle      = "title"
)

// Embedder is the single-text embedding surface the retriever needs.
// Satisfied by *embed.Batcher.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkResolver resolves chunk ids to their stored text. Satisfied by
// *docstore.Store.
type ChunkResolver interface {
	SectionsByIDs(ctx context.Context, ids []string) (map[string]chunk.Section, error)
	FragmentsByIDs(ctx context.Context, ids []string) (map[string]chunk.Fragment, error)
}

// Options shapes one retrieval call. Zero fields take the retriever's
// defaults.
type Options struct {
	// Collection to query. Default: the retriever's default collection.
	Collection string

	// TopK is the number of results to return.
	TopK int

	// DocumentIDs restricts matches to the given documents.
	DocumentIDs []string

	// BypassCache forces a fresh retrieval.
	BypassCache bool
}

// Result is one retrieval hit. In parent mode Text is the full section; in
// fragment mode it is the matched fragment.
type Result struct {
	DocumentID string
	SectionID  string
	FragmentID string
	Title      string
	Text       string
	Score      float64
}

// Retriever executes queries. Safe for concurrent use.
type Retriever struct {
	embedder Embedder
	store    vector.Store
	resolver ChunkResolver

	reranker    embed.Reranker
	rerankModel string

	results *cache.TTL[[]Result]

	parentRetrieval   bool
	defaultCollection string
	defaultTopK       int
	logger            log.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithReranker enables a rerank pass over the candidates.
func WithReranker(r embed.Reranker, model string) Option {
	return func(rt *Retriever) {
		rt.reranker = r
		rt.rerankModel = model
	}
}

// WithResultCache enables result caching.
func WithResultCache(size int, ttl time.Duration) Option {
	return func(rt *Retriever) {
		rt.results = cache.NewTTL[[]Result](size, ttl)
	}
}

// WithParentRetrieval toggles merging fragment hits up to their sections.
func WithParentRetrieval(enabled bool) Option {
	return func(rt *Retriever) { rt.parentRetrieval = enabled }
}

// WithDefaults sets the fallback collection and top-k.
func WithDefaults(collection string, topK int) Option {
	return func(rt *Retriever) {
		rt.defaultCollection = collection
		rt.defaultTopK = topK
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(rt *Retriever) { rt.logger = logger }
}

// New creates a Retriever.
func New(embedder Embedder, store vector.Store, resolver ChunkResolver, opts ...Option) *Retriever {
	rt := &Retriever{
		embedder:        embedder,
		store:           store,
		resolver:        resolver,
		parentRetrieval: true,
		defaultTopK:     5,
		logger:          log.NewNop(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Retrieve runs one query. Vector store failures, including rejected
// credentials, surface as errors; an empty index yields an empty slice and
// no error.
func (rt *Retriever) Retrieve(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if opts.Collection == "" {
		opts.Collection = rt.defaultCollection
	}
	if opts.TopK <= 0 {
		opts.TopK = rt.defaultTopK
	}

	key := rt.cacheKey(query, opts)
	if rt.results != nil && !opts.BypassCache {
		if cached, ok := rt.results.Get(key); ok {
			rt.logger.Debug("retrieval cache hit", "collection", opts.Collection)
			return append([]Result(nil), cached...), nil
		}
	}

	vec, err := rt.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var filter vector.Filter
	if len(opts.DocumentIDs) > 0 {
		filter = vector.Filter{PayloadDocumentID: opts.DocumentIDs}
	}

	// Parent mode needs spare candidates: several fragment hits can
	// collapse into one section.
	fetchK := opts.TopK
	if rt.parentRetrieval {
		fetchK = opts.TopK * 4
	}

	matches, err := rt.store.Query(ctx, opts.Collection, vec, fetchK, filter)
	if err != nil {
		return nil, fmt.Errorf("querying vector index: %w", err)
	}
	if len(matches) == 0 {
		return []Result{}, nil
	}

	var results []Result
	if rt.parentRetrieval {
		results, err = rt.mergeToSections(ctx, matches)
	} else {
		results, err = rt.resolveFragments(ctx, matches)
	}
	if err != nil {
		return nil, err
	}

	results = rt.rerank(ctx, query, results)
	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}

	if rt.results != nil {
		rt.results.Add(key, append([]Result(nil), results...))
	}
	return results, nil
}

// mergeToSections collapses fragment matches onto their parent sections.
// A section scores as its best fragment; order follows section score.
func (rt *Retriever) mergeToSections(ctx context.Context, matches []vector.Match) ([]Result, error) {
	best := make(map[string]vector.Match)
	var order []string
	for _, m := range matches {
		sectionID := m.Payload[PayloadSectionID]
		if sectionID == "" {
			rt.logger.Warn("match without section payload", "id", m.ID)
			continue
		}
		if prev, ok := best[sectionID]; !ok {
			best[sectionID] = m
			order = append(order, sectionID)
		} else if m.Score > prev.Score {
			best[sectionID] = m
		}
	}

	sections, err := rt.resolver.SectionsByIDs(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("resolving sections: %w", err)
	}

	results := make([]Result, 0, len(order))
	for _, sectionID := range order {
		sec, ok := sections[sectionID]
		if !ok {
			// The chunk may belong to a revision swapped out mid-query.
			rt.logger.Warn("section missing from store", "section_id", sectionID)
			continue
		}
		m := best[sectionID]
		results = append(results, Result{
			DocumentID: m.Payload[PayloadDocumentID],
			SectionID:  sectionID,
			FragmentID: m.ID,
			Title:      m.Payload[PayloadTitle],
			Text:       sec.Text,
			Score:      m.Score,
		})
	}
	sortByScore(results)
	return results, nil
}

// resolveFragments returns the matched fragments themselves.
func (rt *Retriever) resolveFragments(ctx context.Context, matches []vector.Match) ([]Result, error) {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	fragments, err := rt.resolver.FragmentsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolving fragments: %w", err)
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		fr, ok := fragments[m.ID]
		if !ok {
			rt.logger.Warn("fragment missing from store", "fragment_id", m.ID)
			continue
		}
		results = append(results, Result{
			DocumentID: m.Payload[PayloadDocumentID],
			SectionID:  m.Payload[PayloadSectionID],
			FragmentID: m.ID,
			Title:      m.Payload[PayloadTitle],
			Text:       fr.Text,
			Score:      m.Score,
		})
	}
	sortByScore(results)
	return results, nil
}

// rerank reorders results by reranker score. Reranking is an enhancement:
// when the reranker fails, the vector ordering stands and the query still
// answers.
func (rt *Retriever) rerank(ctx context.Context, query string, results []Result) []Result {
	if rt.reranker == nil || len(results) < 2 {
		return results
	}

	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	scores, err := rt.reranker.Rerank(ctx, rt.rerankModel, query, texts)
	if err != nil {
		rt.logger.Warn("rerank failed, keeping vector order", "error", err)
		return results
	}

	for i := range results {
		results[i].Score = scores[i]
	}
	sortByScore(results)
	return results
}

func sortByScore(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}

// cacheKey covers everything that changes the answer.
func (rt *Retriever) cacheKey(query string, opts Options) string {
	parts := []string{
		query,
		opts.Collection,
		strconv.Itoa(opts.TopK),
		strconv.FormatBool(rt.parentRetrieval),
	}
	parts = append(parts, opts.DocumentIDs...)
	return cache.Key(parts...)
}
