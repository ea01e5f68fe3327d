// Package ingest coordinates the document pipeline: extract, chunk, embed,
// index.
//
// Each document moves through the status machine persisted in the docstore
// (pending, extracting, chunking, embedding, indexed, with failed reachable
// from any step). Ingestion is idempotent: unchanged content is recognized
// by hash and skipped. Changed content is indexed under a new revision and
// the old revision's vectors are deleted only after the new ones are fully
// upserted, so queries never observe a window with the document missing.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/corpus/internal/chunk"
	"github.com/koopa0/corpus/internal/docstore"
	"github.com/koopa0/corpus/internal/embed"
	"github.com/koopa0/corpus/internal/extract"
	"github.com/koopa0/corpus/internal/log"
	"github.com/koopa0/corpus/internal/retrieve"
	"github.com/koopa0/corpus/internal/storage"
	"github.com/koopa0/corpus/internal/vector"
)

// docNamespace derives stable document ids from source names.
var docNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("corpus/document"))

// ErrRetryRefused rejects re-ingesting content that already failed in a way
// a retry cannot fix. New content re-keys the hash and passes.
var ErrRetryRefused = errors.New("non-retryable failure: retry requires new content")

// Step names recorded in the docstore when a stage fails.
const (
	StepExtract = "extract"
	StepChunk   = "chunk"
	StepEmbed   = "embed"
	StepIndex   = "index"
)

// Embedder is the batch embedding surface the coordinator needs. Satisfied
// by *embed.Batcher.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) []embed.Result
}

// MetaStore is the document metadata surface the coordinator needs.
// Satisfied by *docstore.Store.
type MetaStore interface {
	UpsertDocument(ctx context.Context, doc docstore.Document) error
	GetDocument(ctx context.Context, id string) (*docstore.Document, error)
	SetStatus(ctx context.Context, id string, to docstore.Status) error
	SetFailed(ctx context.Context, id, step, reason string, retryable bool) error
	SetIndexed(ctx context.Context, id, contentHash, revision string) error
	AddChunks(ctx context.Context, sections []chunk.Section, fragments []chunk.Fragment) error
	DeleteChunksExcept(ctx context.Context, docID, revision string) error
	DeleteDocument(ctx context.Context, id string) error
}

// Request is one document to ingest. ID may be empty, in which case a
// stable id is derived from Source.
type Request struct {
	ID         string
	Source     string
	Collection string
	Data       []byte
}

// Result is the outcome of ingesting one document.
type Result struct {
	DocumentID string
	Revision   string
	Sections   int
	Fragments  int
	Skipped    bool // content unchanged, nothing re-indexed
	Err        error
}

// Config tunes the coordinator.
type Config struct {
	// Workers bounds documents ingested concurrently.
	Workers int

	// Chunking holds the chunk sizes.
	Chunking chunk.Config

	// ExtractTimeout bounds extraction of a single document.
	ExtractTimeout time.Duration

	// DefaultCollection receives documents whose request names none.
	DefaultCollection string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = 30 * time.Second
	}
	if c.DefaultCollection == "" {
		c.DefaultCollection = "corpus"
	}
	return c
}

// Coordinator runs the ingestion pipeline. Safe for concurrent use.
type Coordinator struct {
	extractor *extract.Registry
	embedder  Embedder
	index     vector.Store
	meta      MetaStore
	blobs     storage.Provider // optional raw-byte retention
	cfg       Config
	logger    log.Logger
}

// New creates a Coordinator. blobs may be nil to skip raw byte retention.
func New(extractor *extract.Registry, embedder Embedder, index vector.Store,
	meta MetaStore, blobs storage.Provider, cfg Config, logger log.Logger) *Coordinator {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Coordinator{
		extractor: extractor,
		embedder:  embedder,
		index:     index,
		meta:      meta,
		blobs:     blobs,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// DocumentID returns the stable id derived from a source name.
func DocumentID(source string) string {
	return uuid.NewSHA1(docNamespace, []byte(source)).String()
}

// IngestAll ingests documents through a bounded worker pool and returns one
// Result per request, in request order. One document's failure never stops
// the others.
func (c *Coordinator) IngestAll(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = c.Ingest(gctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Ingest runs the pipeline for one document.
func (c *Coordinator) Ingest(ctx context.Context, req Request) Result {
	docID := req.ID
	if docID == "" {
		docID = DocumentID(req.Source)
	}
	collection := req.Collection
	if collection == "" {
		collection = c.cfg.DefaultCollection
	}

	res := Result{DocumentID: docID}
	contentHash := hashContent(req.Data)
	res.Revision = chunk.Revision(contentHash)

	logger := c.logger.With("document_id", docID, "source", req.Source)

	// Unchanged content under the same id is already indexed; re-embedding
	// it would produce the identical point set.
	existing, err := c.meta.GetDocument(ctx, docID)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		res.Err = fmt.Errorf("checking existing document: %w", err)
		return res
	}
	if existing != nil && existing.Status == docstore.StatusIndexed &&
		existing.ContentHash == contentHash {
		logger.Info("content unchanged, skipping", "revision", res.Revision)
		res.Skipped = true
		return res
	}

	// A non-retryable failure refuses byte-identical retries: the same
	// bytes would fail the same way. Changed content passes.
	if existing != nil && existing.Status == docstore.StatusFailed &&
		!existing.FailedRetryable && existing.ContentHash == contentHash {
		res.Err = fmt.Errorf("%w (failed at %s: %s)",
			ErrRetryRefused, existing.FailedStep, existing.Failure)
		return res
	}

	var storageKey string
	if c.blobs != nil {
		storageKey = path.Join(docID, res.Revision, path.Base(req.Source))
		if err := c.blobs.Put(ctx, storageKey, req.Data); err != nil {
			res.Err = fmt.Errorf("storing raw bytes: %w", err)
			return res
		}
	}

	if err := c.meta.UpsertDocument(ctx, docstore.Document{
		ID:          docID,
		Source:      req.Source,
		Collection:  collection,
		ContentHash: contentHash,
		StorageKey:  storageKey,
	}); err != nil {
		res.Err = err
		return res
	}

	doc, err := c.extractStep(ctx, docID, req)
	if err != nil {
		res.Err = err
		return res
	}

	sections, fragments, err := c.chunkStep(ctx, docID, contentHash, doc, &res)
	if err != nil {
		res.Err = err
		return res
	}

	// Empty documents index cleanly with zero chunks; any previous
	// revision's vectors are removed.
	if len(fragments) == 0 {
		res.Err = c.finishEmpty(ctx, docID, collection, contentHash, res.Revision)
		return res
	}

	vectors, err := c.embedStep(ctx, docID, fragments)
	if err != nil {
		res.Err = err
		return res
	}

	if err := c.indexStep(ctx, docID, collection, contentHash, existing,
		sections, fragments, vectors); err != nil {
		res.Err = err
		return res
	}

	logger.Info("document indexed",
		"revision", res.Revision, "sections", res.Sections, "fragments", res.Fragments)
	return res
}

func (c *Coordinator) extractStep(ctx context.Context, docID string, req Request) (*extract.Document, error) {
	if err := c.meta.SetStatus(ctx, docID, docstore.StatusExtracting); err != nil {
		return nil, err
	}

	extractCtx, cancel := context.WithTimeout(ctx, c.cfg.ExtractTimeout)
	defer cancel()

	doc, err := c.extractor.Extract(extractCtx, req.Source, req.Data)
	if err != nil {
		return nil, c.fail(ctx, docID, StepExtract, err)
	}
	return doc, nil
}

func (c *Coordinator) chunkStep(ctx context.Context, docID, contentHash string,
	doc *extract.Document, res *Result) ([]chunk.Section, []chunk.Fragment, error) {
	if err := c.meta.SetStatus(ctx, docID, docstore.StatusChunking); err != nil {
		return nil, nil, err
	}

	sections, fragments := chunk.Split(docID, contentHash, doc.Title, doc.Blocks, c.cfg.Chunking)
	res.Sections = len(sections)
	res.Fragments = len(fragments)
	return sections, fragments, nil
}

// embedStep embeds every fragment. All-or-nothing: any fragment failure
// fails the document, so the index never holds a partially embedded
// revision.
func (c *Coordinator) embedStep(ctx context.Context, docID string, fragments []chunk.Fragment) ([][]float32, error) {
	if err := c.meta.SetStatus(ctx, docID, docstore.StatusEmbedding); err != nil {
		return nil, err
	}

	texts := make([]string, len(fragments))
	for i, fr := range fragments {
		texts[i] = fr.EmbedText
	}

	results := c.embedder.EmbedBatch(ctx, texts)
	vectors := make([][]float32, len(fragments))
	for i, r := range results {
		if r.Err != nil {
			return nil, c.fail(ctx, docID, StepEmbed,
				fmt.Errorf("fragment %s: %w", fragments[i].ID, r.Err))
		}
		vectors[i] = r.Vector
	}
	return vectors, nil
}

// indexStep swaps the new revision in: chunks first, then vectors, then the
// previous revision's points are deleted. The old revision stays queryable
// until the new one is fully present.
func (c *Coordinator) indexStep(ctx context.Context, docID, collection, contentHash string,
	existing *docstore.Document, sections []chunk.Section, fragments []chunk.Fragment,
	vectors [][]float32) error {

	revision := chunk.Revision(contentHash)

	if err := c.meta.AddChunks(ctx, sections, fragments); err != nil {
		return c.fail(ctx, docID, StepIndex, err)
	}

	if err := c.index.EnsureCollection(ctx, collection, len(vectors[0])); err != nil {
		return c.fail(ctx, docID, StepIndex, err)
	}

	titles := make(map[string]string, len(sections))
	for _, sec := range sections {
		titles[sec.ID] = sec.Title
	}
	points := make([]vector.Point, len(fragments))
	for i, fr := range fragments {
		points[i] = vector.Point{
			ID:     fr.ID,
			Vector: vectors[i],
			Payload: map[string]string{
				retrieve.PayloadDocumentID: docID,
				retrieve.PayloadSectionID:  fr.SectionID,
				retrieve.PayloadRevision:   fr.Revision,
				retrieve.PayloadTitle:      titles[fr.SectionID],
			},
		}
	}
	if err := c.index.Upsert(ctx, collection, points); err != nil {
		return c.fail(ctx, docID, StepIndex, err)
	}

	// Only now is the old revision removed.
	if existing != nil && existing.Revision != "" && existing.Revision != revision {
		if err := c.index.Delete(ctx, collection, vector.Selector{Filter: vector.Filter{
			retrieve.PayloadDocumentID: {docID},
			retrieve.PayloadRevision:   {existing.Revision},
		}}); err != nil {
			return c.fail(ctx, docID, StepIndex, err)
		}
	}
	if err := c.meta.DeleteChunksExcept(ctx, docID, revision); err != nil {
		return c.fail(ctx, docID, StepIndex, err)
	}

	if err := c.meta.SetIndexed(ctx, docID, contentHash, revision); err != nil {
		return err
	}
	return nil
}

// finishEmpty indexes a document that produced no chunks.
func (c *Coordinator) finishEmpty(ctx context.Context, docID, collection, contentHash, revision string) error {
	if err := c.meta.SetStatus(ctx, docID, docstore.StatusEmbedding); err != nil {
		return err
	}
	if err := c.index.Delete(ctx, collection, vector.Selector{Filter: vector.Filter{
		retrieve.PayloadDocumentID: {docID},
	}}); err != nil {
		return c.fail(ctx, docID, StepIndex, err)
	}
	if err := c.meta.DeleteChunksExcept(ctx, docID, revision); err != nil {
		return c.fail(ctx, docID, StepIndex, err)
	}
	return c.meta.SetIndexed(ctx, docID, contentHash, revision)
}

// Remove deletes a document everywhere: vectors, chunks, metadata, and the
// retained raw bytes.
func (c *Coordinator) Remove(ctx context.Context, docID string) error {
	doc, err := c.meta.GetDocument(ctx, docID)
	if err != nil {
		return err
	}

	if err := c.index.Delete(ctx, doc.Collection, vector.Selector{Filter: vector.Filter{
		retrieve.PayloadDocumentID: {docID},
	}}); err != nil {
		return fmt.Errorf("deleting vectors of %q: %w", docID, err)
	}
	if c.blobs != nil && doc.StorageKey != "" {
		if err := c.blobs.Delete(ctx, doc.StorageKey); err != nil {
			return fmt.Errorf("deleting raw bytes of %q: %w", docID, err)
		}
	}
	return c.meta.DeleteDocument(ctx, docID)
}

// fail records the failed step and returns the original error annotated
// with it. The record write is best-effort under a canceled context.
func (c *Coordinator) fail(ctx context.Context, docID, step string, cause error) error {
	recordCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		recordCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if err := c.meta.SetFailed(recordCtx, docID, step, cause.Error(), retryable(cause)); err != nil {
		c.logger.Error("recording failure", "document_id", docID, "error", err)
	}
	return fmt.Errorf("%s: %w", step, cause)
}

// retryable classifies a failure for the retry gate. The pipeline error
// types all declare their own retryability; anything else is treated as
// transient so an unclassified failure never wedges a document.
func retryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

func hashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
