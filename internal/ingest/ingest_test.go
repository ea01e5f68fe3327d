package ingest

import (
	"context"
	"crypto/sha256"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/koopa0/corpus/internal/chunk"
	"github.com/koopa0/corpus/internal/docstore"
	"github.com/koopa0/corpus/internal/embed"
	"github.com/koopa0/corpus/internal/extract"
	"github.com/koopa0/corpus/internal/storage"
	"github.com/koopa0/corpus/internal/vector"
	"github.com/koopa0/corpus/internal/vector/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// vectorFor derives a deterministic unit-ish vector from text so equal
// texts embed identically.
func vectorFor(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	return []float32{
		float32(sum[0]) + 1,
		float32(sum[1]) + 1,
		float32(sum[2]) + 1,
	}
}

// fakeEmbedder embeds deterministically and can fail texts by substring.
type fakeEmbedder struct {
	mu         sync.Mutex
	calls      int
	failSubstr string
	failErr    error
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) []embed.Result {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	out := make([]embed.Result, len(texts))
	for i, t := range texts {
		out[i] = embed.Result{Index: i, Text: t}
		if f.failSubstr != "" && strings.Contains(t, f.failSubstr) {
			out[i].Err = f.failErr
			continue
		}
		out[i].Vector = vectorFor(t)
	}
	return out
}

// failingIndex rejects writes with a fixed error.
type failingIndex struct{ err error }

func (f *failingIndex) EnsureCollection(context.Context, string, int) error { return f.err }
func (f *failingIndex) Upsert(context.Context, string, []vector.Point) error {
	return f.err
}
func (f *failingIndex) Query(context.Context, string, []float32, int, vector.Filter) ([]vector.Match, error) {
	return nil, f.err
}
func (f *failingIndex) Delete(context.Context, string, vector.Selector) error { return f.err }
func (f *failingIndex) DeleteCollection(context.Context, string) error        { return f.err }
func (f *failingIndex) Close() error                                          { return nil }

type testPipeline struct {
	coord *Coordinator
	index *memory.Store
	meta  *docstore.Store
	emb   *fakeEmbedder
	blobs *storage.Local
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()

	meta, err := docstore.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("docstore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = meta.Close() })

	blobs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("storage.NewLocal() error = %v", err)
	}

	index := memory.New()
	emb := &fakeEmbedder{}
	coord := New(extract.NewRegistry(), emb, index, meta, blobs, Config{
		Workers: 2,
		Chunking: chunk.Config{
			SectionWindow:   200,
			FragmentSize:    50,
			FragmentOverlap: 10,
			FragmentMin:     15,
		},
		DefaultCollection: "docs",
	}, nil)

	return &testPipeline{coord: coord, index: index, meta: meta, emb: emb, blobs: blobs}
}

// threeSectionText builds a document that chunks into three sections, the
// middle one wide enough to carry multiple fragments.
func threeSectionText() string {
	a := strings.TrimSpace(strings.Repeat("alpha topic sentence. ", 8))
	b := strings.TrimSpace(strings.Repeat("beta middle content words. ", 7))
	c := strings.TrimSpace(strings.Repeat("gamma closing remark. ", 8))
	return a + "\n\n" + b + "\n\n" + c
}

func TestIngestEndToEnd(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	res := p.coord.Ingest(ctx, Request{Source: "notes.txt", Data: []byte(threeSectionText())})
	if res.Err != nil {
		t.Fatalf("Ingest() error = %v", res.Err)
	}
	if res.Skipped {
		t.Fatal("first ingest reported skipped")
	}
	if res.Sections < 2 || res.Fragments <= res.Sections {
		t.Fatalf("Sections = %d, Fragments = %d; want multi-section, multi-fragment",
			res.Sections, res.Fragments)
	}

	// Every fragment is indexed.
	if got := p.index.Count("docs"); got != res.Fragments {
		t.Errorf("indexed points = %d, want %d", got, res.Fragments)
	}

	doc, err := p.meta.GetDocument(ctx, res.DocumentID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if doc.Status != docstore.StatusIndexed {
		t.Errorf("Status = %q, want indexed", doc.Status)
	}
	if doc.Revision != res.Revision {
		t.Errorf("Revision = %q, want %q", doc.Revision, res.Revision)
	}

	// Raw bytes were retained.
	if _, err := p.blobs.Get(ctx, doc.StorageKey); err != nil {
		t.Errorf("raw bytes not retained: %v", err)
	}

	// Querying with a fragment's own vector returns that fragment first.
	matches, err := p.index.Query(ctx, "docs", vectorFor("beta middle content words. beta"), 1, nil)
	if err != nil || len(matches) == 0 {
		t.Fatalf("Query() = %v, %v", matches, err)
	}
	if matches[0].Payload["document_id"] != res.DocumentID {
		t.Errorf("match payload = %+v", matches[0].Payload)
	}
}

func TestIngestIdempotent(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	data := []byte(threeSectionText())

	first := p.coord.Ingest(ctx, Request{Source: "notes.txt", Data: data})
	if first.Err != nil {
		t.Fatalf("first Ingest() error = %v", first.Err)
	}
	callsAfterFirst := p.emb.calls

	second := p.coord.Ingest(ctx, Request{Source: "notes.txt", Data: data})
	if second.Err != nil {
		t.Fatalf("second Ingest() error = %v", second.Err)
	}
	if !second.Skipped {
		t.Error("unchanged re-ingest not skipped")
	}
	if p.emb.calls != callsAfterFirst {
		t.Error("unchanged re-ingest hit the embedder")
	}
	if second.Revision != first.Revision {
		t.Errorf("revision changed on unchanged content: %q vs %q", second.Revision, first.Revision)
	}
}

func TestReingestReplacesRevision(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	first := p.coord.Ingest(ctx, Request{Source: "notes.txt", Data: []byte(threeSectionText())})
	if first.Err != nil {
		t.Fatalf("first Ingest() error = %v", first.Err)
	}

	changed := threeSectionText() + "\n\nfresh appended paragraph with enough words to chunk."
	second := p.coord.Ingest(ctx, Request{Source: "notes.txt", Data: []byte(changed)})
	if second.Err != nil {
		t.Fatalf("second Ingest() error = %v", second.Err)
	}
	if second.Skipped {
		t.Fatal("changed content reported skipped")
	}
	if second.Revision == first.Revision {
		t.Fatal("revision did not change with content")
	}

	// Old revision's points are gone; only the new revision remains.
	if got := p.index.Count("docs"); got != second.Fragments {
		t.Errorf("indexed points = %d, want %d (old revision removed)", got, second.Fragments)
	}
	matches, err := p.index.Query(ctx, "docs", vectorFor("anything"), 100, vector.Filter{
		"revision": {first.Revision},
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("%d stale points still queryable", len(matches))
	}

	doc, _ := p.meta.GetDocument(ctx, second.DocumentID)
	if doc.Revision != second.Revision {
		t.Errorf("doc revision = %q, want %q", doc.Revision, second.Revision)
	}
}

func TestIngestEmbedFailureLeavesNoPoints(t *testing.T) {
	p := newTestPipeline(t)
	p.emb.failSubstr = "beta"
	p.emb.failErr = &embed.Error{Kind: embed.KindRateLimited, Provider: "fake",
		Err: errors.New("quota exhausted")}
	ctx := context.Background()

	res := p.coord.Ingest(ctx, Request{Source: "notes.txt", Data: []byte(threeSectionText())})
	if res.Err == nil {
		t.Fatal("Ingest() succeeded despite embed failure")
	}

	// All-or-nothing: nothing reached the index.
	if got := p.index.Count("docs"); got != 0 {
		t.Errorf("indexed points = %d after embed failure, want 0", got)
	}

	doc, err := p.meta.GetDocument(ctx, res.DocumentID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if doc.Status != docstore.StatusFailed || doc.FailedStep != StepEmbed {
		t.Errorf("doc = %q/%q, want failed/embed", doc.Status, doc.FailedStep)
	}
	if !doc.FailedRetryable {
		t.Error("rate-limited failure recorded as non-retryable")
	}

	// The failure is retryable: a second attempt with the same bytes and a
	// healed embedder passes the retry gate and succeeds.
	p.emb.failSubstr = ""
	retry := p.coord.Ingest(ctx, Request{Source: "notes.txt", Data: []byte(threeSectionText())})
	if retry.Err != nil {
		t.Fatalf("retry Ingest() error = %v", retry.Err)
	}
	doc, _ = p.meta.GetDocument(ctx, res.DocumentID)
	if doc.Status != docstore.StatusIndexed {
		t.Errorf("Status after retry = %q", doc.Status)
	}
}

func TestIngestMarkdownSectionsByHeading(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	// Total text is well under one section window; only the headings can
	// produce three sections.
	src := "# Alpha\n\nalpha body.\n\n# Beta\n\nbeta body.\n\n# Gamma\n\ngamma body.\n"
	res := p.coord.Ingest(ctx, Request{Source: "notes.md", Data: []byte(src)})
	if res.Err != nil {
		t.Fatalf("Ingest() error = %v", res.Err)
	}
	if res.Sections != 3 {
		t.Errorf("Sections = %d, want 3 (one per heading)", res.Sections)
	}
}

func TestIngestExtractFailure(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	// DOCX magic without a valid archive.
	res := p.coord.Ingest(ctx, Request{Source: "broken.docx", Data: []byte("PK\x03\x04junk")})
	if res.Err == nil {
		t.Fatal("Ingest() succeeded on corrupt input")
	}
	var xerr *extract.Error
	if !errors.As(res.Err, &xerr) || xerr.Kind != extract.KindCorruptInput {
		t.Errorf("error = %v, want wrapped corrupt input", res.Err)
	}

	doc, err := p.meta.GetDocument(ctx, res.DocumentID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if doc.Status != docstore.StatusFailed || doc.FailedStep != StepExtract {
		t.Errorf("doc = %q/%q, want failed/extract", doc.Status, doc.FailedStep)
	}
	if doc.FailedRetryable {
		t.Error("corrupt input recorded as retryable")
	}
}

func TestIngestRefusesNonRetryableRetry(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	corrupt := []byte("PK\x03\x04junk")

	first := p.coord.Ingest(ctx, Request{Source: "report.docx", Data: corrupt})
	if first.Err == nil {
		t.Fatal("Ingest() succeeded on corrupt input")
	}

	// Byte-identical retry of a non-retryable failure is refused before any
	// pipeline work runs.
	callsBefore := p.emb.calls
	retry := p.coord.Ingest(ctx, Request{Source: "report.docx", Data: corrupt})
	if !errors.Is(retry.Err, ErrRetryRefused) {
		t.Fatalf("retry error = %v, want ErrRetryRefused", retry.Err)
	}
	if p.emb.calls != callsBefore {
		t.Error("refused retry still reached the embedder")
	}
	doc, _ := p.meta.GetDocument(ctx, first.DocumentID)
	if doc.Status != docstore.StatusFailed {
		t.Errorf("Status = %q after refused retry, want failed", doc.Status)
	}

	// New content re-keys the hash and is accepted.
	fixed := p.coord.Ingest(ctx, Request{Source: "report.docx",
		Data: []byte("the repaired document body, plain text this time.")})
	if fixed.Err != nil {
		t.Fatalf("fixed Ingest() error = %v", fixed.Err)
	}
	doc, _ = p.meta.GetDocument(ctx, first.DocumentID)
	if doc.Status != docstore.StatusIndexed {
		t.Errorf("Status = %q after fixed content, want indexed", doc.Status)
	}
}

func TestIngestAuthRejectedSurfaces(t *testing.T) {
	meta, err := docstore.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("docstore.Open() error = %v", err)
	}
	defer meta.Close()

	authErr := &vector.StoreError{Kind: vector.KindAuthRejected, Backend: "qdrant",
		Err: errors.New("invalid api key")}
	coord := New(extract.NewRegistry(), &fakeEmbedder{}, &failingIndex{err: authErr},
		meta, nil, Config{DefaultCollection: "docs"}, nil)

	res := coord.Ingest(context.Background(),
		Request{Source: "notes.txt", Data: []byte(threeSectionText())})
	if res.Err == nil {
		t.Fatal("Ingest() swallowed an auth rejection")
	}
	var serr *vector.StoreError
	if !errors.As(res.Err, &serr) || serr.Kind != vector.KindAuthRejected {
		t.Errorf("error = %v, want wrapped auth rejection", res.Err)
	}

	doc, _ := meta.GetDocument(context.Background(), res.DocumentID)
	if doc.Status != docstore.StatusFailed || doc.FailedStep != StepIndex {
		t.Errorf("doc = %q/%q, want failed/index", doc.Status, doc.FailedStep)
	}
}

func TestIngestEmptyDocument(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	// Index real content first, then re-ingest as empty: the document must
	// end up indexed with zero chunks and no points.
	first := p.coord.Ingest(ctx, Request{Source: "notes.txt", Data: []byte(threeSectionText())})
	if first.Err != nil {
		t.Fatalf("first Ingest() error = %v", first.Err)
	}

	res := p.coord.Ingest(ctx, Request{Source: "notes.txt", Data: []byte("   \n\n  ")})
	if res.Err != nil {
		t.Fatalf("empty Ingest() error = %v", res.Err)
	}
	if res.Sections != 0 || res.Fragments != 0 {
		t.Errorf("empty document produced %d/%d chunks", res.Sections, res.Fragments)
	}
	if got := p.index.Count("docs"); got != 0 {
		t.Errorf("indexed points = %d, want 0", got)
	}

	doc, _ := p.meta.GetDocument(ctx, res.DocumentID)
	if doc.Status != docstore.StatusIndexed {
		t.Errorf("Status = %q, want indexed", doc.Status)
	}
}

func TestIngestAllIsolatesFailures(t *testing.T) {
	p := newTestPipeline(t)

	reqs := []Request{
		{Source: "good1.txt", Data: []byte(threeSectionText())},
		{Source: "broken.docx", Data: []byte("PK\x03\x04junk")},
		{Source: "good2.txt", Data: []byte("a short but real document body for testing.")},
	}
	results := p.coord.IngestAll(context.Background(), reqs)

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if results[0].Err != nil {
		t.Errorf("good1 failed: %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Error("broken.docx did not fail")
	}
	if results[2].Err != nil {
		t.Errorf("good2 failed: %v", results[2].Err)
	}
}

func TestRemove(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	res := p.coord.Ingest(ctx, Request{Source: "notes.txt", Data: []byte(threeSectionText())})
	if res.Err != nil {
		t.Fatalf("Ingest() error = %v", res.Err)
	}
	doc, _ := p.meta.GetDocument(ctx, res.DocumentID)

	if err := p.coord.Remove(ctx, res.DocumentID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if got := p.index.Count("docs"); got != 0 {
		t.Errorf("indexed points = %d after Remove, want 0", got)
	}
	if _, err := p.meta.GetDocument(ctx, res.DocumentID); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("GetDocument() after Remove = %v, want ErrNotFound", err)
	}
	if _, err := p.blobs.Get(ctx, doc.StorageKey); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Errorf("raw bytes survived Remove: %v", err)
	}
}

func TestDocumentIDStable(t *testing.T) {
	if DocumentID("a.txt") != DocumentID("a.txt") {
		t.Error("DocumentID not deterministic")
	}
	if DocumentID("a.txt") == DocumentID("b.txt") {
		t.Error("distinct sources share an id")
	}
}
