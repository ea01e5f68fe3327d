package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

// ============================================================
// Format detection
// ============================================================

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     string
		want     Format
	}{
		{"pdf magic", "report", "%PDF-1.7\n...", FormatPDF},
		{"docx magic", "notes", "PK\x03\x04rest", FormatDOCX},
		{"html doctype", "page", "<!DOCTYPE html><html></html>", FormatHTML},
		{"html tag", "page", "  <html><body>x</body></html>", FormatHTML},
		{"markdown extension", "README.md", "# Title", FormatMarkdown},
		{"html extension", "index.html", "plain looking", FormatHTML},
		{"default plain", "notes.txt", "just text", FormatPlain},
		{"no filename", "", "just text", FormatPlain},
		{"magic beats extension", "fake.md", "%PDF-1.4", FormatPDF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.filename, []byte(tt.data)); got != tt.want {
				t.Errorf("Detect(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

// ============================================================
// Normalization
// ============================================================

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"crlf", "a\r\nb", "a\nb"},
		{"trailing spaces", "a  \nb\t", "a\nb"},
		{"blank run collapse", "a\n\n\n\nb", "a\n\nb"},
		{"leading blank lines", "\n\n\na", "a"},
		{"invalid utf8 dropped", "a\xffb", "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeText(tt.in); got != tt.want {
				t.Errorf("normalizeText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// ============================================================
// Markdown
// ============================================================

func TestMarkdownExtract(t *testing.T) {
	src := `# My Title

Some *emphasized* text with a [link](https://example.com) and ` + "`code`" + `.

- first item
- second item

1. ordered
2. items

---

` + "```go" + `
func main() {}
` + "```" + `
`

	doc, err := (&Markdown{}).Extract(context.Background(), []byte(src))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if doc.Title != "My Title" {
		t.Errorf("Title = %q, want %q", doc.Title, "My Title")
	}
	for _, want := range []string{
		"My Title",
		"Some emphasized text with a link and code.",
		"first item",
		"ordered",
		"func main() {}",
	} {
		if !strings.Contains(doc.Text, want) {
			t.Errorf("Text missing %q:\n%s", want, doc.Text)
		}
	}
	for _, banned := range []string{"](", "**", "```", "---"} {
		if strings.Contains(doc.Text, banned) {
			t.Errorf("Text still contains markup %q:\n%s", banned, doc.Text)
		}
	}

	// Structure survives: the heading is a level-1 heading block and list
	// items are their own blocks.
	if len(doc.Blocks) == 0 {
		t.Fatal("no blocks")
	}
	if b := doc.Blocks[0]; b.Kind != BlockHeading || b.Level != 1 || b.Text != "My Title" {
		t.Errorf("first block = %+v, want level-1 heading %q", b, "My Title")
	}
	var listItems int
	for _, b := range doc.Blocks {
		if b.Kind == BlockListItem {
			listItems++
		}
	}
	if listItems != 4 {
		t.Errorf("list item blocks = %d, want 4", listItems)
	}
}

func TestMarkdownHeadingLevels(t *testing.T) {
	src := "# Top\n\nbody\n\n## Nested\n\nmore body\n"

	doc, err := (&Markdown{}).Extract(context.Background(), []byte(src))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	var levels []int
	for _, b := range doc.Blocks {
		if b.Kind == BlockHeading {
			levels = append(levels, b.Level)
		}
	}
	if len(levels) != 2 || levels[0] != 1 || levels[1] != 2 {
		t.Errorf("heading levels = %v, want [1 2]", levels)
	}
}

// ============================================================
// HTML
// ============================================================

func TestHTMLExtract(t *testing.T) {
	src := `<!DOCTYPE html>
<html><head><title>Page Title</title><style>p{color:red}</style></head>
<body>
<h1>Heading</h1>
<p>First paragraph.</p>
<script>var hidden = 1;</script>
<ul><li>alpha</li><li>beta</li></ul>
</body></html>`

	doc, err := (&HTML{}).Extract(context.Background(), []byte(src))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if doc.Title != "Page Title" {
		t.Errorf("Title = %q, want %q", doc.Title, "Page Title")
	}
	for _, want := range []string{"Heading", "First paragraph.", "alpha", "beta"} {
		if !strings.Contains(doc.Text, want) {
			t.Errorf("Text missing %q:\n%s", want, doc.Text)
		}
	}
	if strings.Contains(doc.Text, "hidden") || strings.Contains(doc.Text, "color:red") {
		t.Errorf("Text leaked script/style content:\n%s", doc.Text)
	}

	if b := doc.Blocks[0]; b.Kind != BlockHeading || b.Level != 1 || b.Text != "Heading" {
		t.Errorf("first block = %+v, want level-1 heading %q", b, "Heading")
	}
	if b := doc.Blocks[2]; b.Kind != BlockListItem || b.Text != "alpha" {
		t.Errorf("block 2 = %+v, want list item %q", b, "alpha")
	}
}

// ============================================================
// DOCX
// ============================================================

func buildDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("creating zip entry: %v", err)
	}
	if _, err := w.Write([]byte(documentXML)); err != nil {
		t.Fatalf("writing zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	return buf.Bytes()
}

func TestDOCXExtract(t *testing.T) {
	data := buildDOCX(t, `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p>
<w:p><w:r><w:t>Second</w:t></w:r><w:r><w:t xml:space="preserve"> run.</w:t></w:r></w:p>
</w:body>
</w:document>`)

	doc, err := (&DOCX{}).Extract(context.Background(), data)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	want := "First paragraph.\n\nSecond run."
	if doc.Text != want {
		t.Errorf("Text = %q, want %q", doc.Text, want)
	}
}

func TestDOCXHeadingStyles(t *testing.T) {
	data := buildDOCX(t, `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Chapter One</w:t></w:r></w:p>
<w:p><w:r><w:t>Body text.</w:t></w:r></w:p>
<w:p><w:pPr><w:pStyle w:val="Quote"/></w:pPr><w:r><w:t>Styled but not a heading.</w:t></w:r></w:p>
</w:body>
</w:document>`)

	doc, err := (&DOCX{}).Extract(context.Background(), data)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if len(doc.Blocks) != 3 {
		t.Fatalf("len(Blocks) = %d, want 3", len(doc.Blocks))
	}
	if b := doc.Blocks[0]; b.Kind != BlockHeading || b.Level != 1 || b.Text != "Chapter One" {
		t.Errorf("block 0 = %+v, want level-1 heading %q", b, "Chapter One")
	}
	if b := doc.Blocks[1]; b.Kind != BlockParagraph {
		t.Errorf("block 1 = %+v, want paragraph", b)
	}
	if b := doc.Blocks[2]; b.Kind != BlockParagraph {
		t.Errorf("block 2 = %+v, want paragraph (Quote style is not a heading)", b)
	}
}

func TestDOCXExtractMissingDocumentPart(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("unrelated.txt")
	_, _ = w.Write([]byte("x"))
	_ = zw.Close()

	if _, err := (&DOCX{}).Extract(context.Background(), buf.Bytes()); err == nil {
		t.Fatal("Extract() on archive without document.xml did not fail")
	}
}

// ============================================================
// Registry
// ============================================================

func TestRegistryExtract(t *testing.T) {
	r := NewRegistry()

	doc, err := r.Extract(context.Background(), "notes.txt", []byte("hello\r\nworld"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if doc.Text != "hello\nworld" {
		t.Errorf("Text = %q", doc.Text)
	}
	if doc.Format != FormatPlain {
		t.Errorf("Format = %q, want %q", doc.Format, FormatPlain)
	}
}

func TestRegistryCorruptInput(t *testing.T) {
	r := NewRegistry()

	// DOCX magic bytes without a valid archive behind them.
	_, err := r.Extract(context.Background(), "broken.docx", []byte("PK\x03\x04garbage"))
	if err == nil {
		t.Fatal("Extract() on corrupt archive did not fail")
	}

	var xerr *Error
	if !errors.As(err, &xerr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if xerr.Kind != KindCorruptInput {
		t.Errorf("Kind = %v, want %v", xerr.Kind, KindCorruptInput)
	}
	if xerr.Format != FormatDOCX {
		t.Errorf("Format = %q, want %q", xerr.Format, FormatDOCX)
	}
}
