package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// PDF extracts plain text from PDF files. The underlying parser panics on
// some malformed files, so extraction recovers and reports those as corrupt
// input rather than crashing the worker.
type PDF struct{}

func (*PDF) Format() Format { return FormatPDF }

func (*PDF) Extract(_ context.Context, data []byte) (doc *Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = fmt.Errorf("parsing PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("reading PDF text: %w", err)
	}

	var b bytes.Buffer
	if _, err := io.Copy(&b, plain); err != nil {
		return nil, fmt.Errorf("reading PDF text: %w", err)
	}

	// The parser yields a flat text stream; headings are not recoverable,
	// so downstream sectioning falls back to size windowing.
	return assemble("", FormatPDF, Paragraphs(b.String())), nil
}
