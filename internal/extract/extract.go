// Package extract converts raw document bytes into structured text.
//
// Each supported format has its own extractor; Detect sniffs the format from
// content (magic bytes first, filename extension as a tiebreaker) and the
// Registry dispatches to the right one. The output Document carries a title
// and an ordered list of blocks (headings, paragraphs, list items, table
// cells) with normalized text: UTF-8, LF line endings. Downstream chunking
// sections the document at the heading boundaries preserved here.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Format identifies a supported document format.
type Format string

const (
	FormatPlain    Format = "plain"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
)

// ErrorKind classifies extraction failures.
type ErrorKind int

const (
	// KindUnsupportedFormat means no extractor handles the detected format.
	KindUnsupportedFormat ErrorKind = iota
	// KindCorruptInput means the bytes do not parse as the detected format.
	KindCorruptInput
	// KindTimeout means the extraction context expired.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnsupportedFormat:
		return "unsupported format"
	case KindCorruptInput:
		return "corrupt input"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the extraction failure type.
type Error struct {
	Kind   ErrorKind
	Format Format
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.Format, e.Kind, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.Format, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same bytes could extract successfully on a
// later attempt. Only timeouts can; unsupported or corrupt input fails the
// same way every time.
func (e *Error) Retryable() bool { return e.Kind == KindTimeout }

// BlockKind classifies a structural unit of extracted text.
type BlockKind int

const (
	BlockParagraph BlockKind = iota
	BlockHeading
	BlockListItem
	BlockTableCell
)

// Block is one structural unit of a document, in document order. Text is
// normalized: valid UTF-8, LF line endings, no surrounding blank lines.
type Block struct {
	Kind BlockKind

	// Level is the heading level (1-6) for heading blocks, 0 otherwise.
	Level int

	Text string
}

// Document is the extraction output.
type Document struct {
	// Title is the document title when the format carries one, otherwise "".
	Title string

	// Blocks are the document's structural units in order.
	Blocks []Block

	// Text is the flat rendering of Blocks, separated by blank lines.
	Text string

	// Format is the format the text was extracted from.
	Format Format
}

// assemble builds a Document from blocks, deriving the flat text.
func assemble(title string, format Format, blocks []Block) *Document {
	texts := make([]string, len(blocks))
	for i, b := range blocks {
		texts[i] = b.Text
	}
	return &Document{
		Title:  title,
		Blocks: blocks,
		Text:   strings.Join(texts, "\n\n"),
		Format: format,
	}
}

// Paragraphs normalizes free text and splits it into paragraph blocks at
// blank lines. Used by the formats that carry no structure of their own.
func Paragraphs(text string) []Block {
	var blocks []Block
	for _, para := range strings.Split(normalizeText(text), "\n\n") {
		if para == "" {
			continue
		}
		blocks = append(blocks, Block{Kind: BlockParagraph, Text: para})
	}
	return blocks
}

// Extractor converts raw bytes of one format into a Document.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (*Document, error)
	Format() Format
}

// Registry dispatches extraction by detected format.
type Registry struct {
	extractors map[Format]Extractor
}

// NewRegistry creates a registry with all built-in extractors.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[Format]Extractor)}
	for _, e := range []Extractor{
		&Plaintext{},
		&Markdown{},
		&HTML{},
		&PDF{},
		&DOCX{},
	} {
		r.extractors[e.Format()] = e
	}
	return r
}

// Extract detects the format of data and runs the matching extractor.
// filename may be empty; when present its extension breaks ties between
// plain text and markdown.
func (r *Registry) Extract(ctx context.Context, filename string, data []byte) (*Document, error) {
	format := Detect(filename, data)

	e, ok := r.extractors[format]
	if !ok {
		return nil, &Error{Kind: KindUnsupportedFormat, Format: format}
	}

	doc, err := e.Extract(ctx, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, &Error{Kind: KindTimeout, Format: format, Err: err}
		}
		var xerr *Error
		if errors.As(err, &xerr) {
			return nil, err
		}
		return nil, &Error{Kind: KindCorruptInput, Format: format, Err: err}
	}
	return doc, nil
}

// Detect sniffs the document format. Magic bytes win over the extension;
// the extension only distinguishes text flavors.
func Detect(filename string, data []byte) Format {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return FormatPDF
	}
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return FormatDOCX
	}

	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '<' {
		lower := bytes.ToLower(trimmed)
		if bytes.HasPrefix(lower, []byte("<!doctype html")) ||
			bytes.HasPrefix(lower, []byte("<html")) ||
			bytes.Contains(lower[:min(len(lower), 512)], []byte("<body")) {
			return FormatHTML
		}
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".html", ".htm":
		return FormatHTML
	}

	return FormatPlain
}

// normalizeText converts line endings to LF, drops invalid UTF-8, trims
// trailing whitespace per line, and collapses runs of blank lines.
func normalizeText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	var b strings.Builder
	blanks := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blanks++
			continue
		}
		if b.Len() > 0 {
			if blanks > 0 {
				b.WriteString("\n\n")
			} else {
				b.WriteString("\n")
			}
		}
		blanks = 0
		b.WriteString(line)
	}
	return b.String()
}
