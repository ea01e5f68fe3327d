package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DOCX extracts paragraph text from the main document part of a .docx
// archive. Only w:t runs are read; formatting, tables of contents, and
// embedded objects are ignored. Tab runs become tabs, breaks become
// newlines, each w:p becomes one block. Paragraphs styled Heading1-Heading6
// become heading blocks so sectioning can follow the document's outline.
type DOCX struct{}

func (*DOCX) Format() Format { return FormatDOCX }

func (*DOCX) Extract(_ context.Context, data []byte) (*Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	var docPart *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docPart = f
			break
		}
	}
	if docPart == nil {
		return nil, errors.New("archive has no word/document.xml")
	}

	rc, err := docPart.Open()
	if err != nil {
		return nil, fmt.Errorf("opening document part: %w", err)
	}
	defer rc.Close()

	blocks, err := docxBlocks(rc)
	if err != nil {
		return nil, fmt.Errorf("parsing document part: %w", err)
	}

	return assemble("", FormatDOCX, blocks), nil
}

func docxBlocks(r io.Reader) ([]Block, error) {
	dec := xml.NewDecoder(r)
	var (
		blocks []Block
		para   strings.Builder
		style  string
		inText bool
	)

	flush := func() {
		text := normalizeText(para.String())
		para.Reset()
		if text == "" {
			style = ""
			return
		}
		if level := headingStyleLevel(style); level > 0 {
			blocks = append(blocks, Block{Kind: BlockHeading, Level: level, Text: text})
		} else {
			blocks = append(blocks, Block{Kind: BlockParagraph, Text: text})
		}
		style = ""
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br":
				para.WriteByte('\n')
			case "pStyle":
				for _, a := range t.Attr {
					if a.Name.Local == "val" {
						style = a.Value
					}
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				flush()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	flush()

	return blocks, nil
}

// headingStyleLevel maps Word's built-in Heading1-Heading6 paragraph styles
// to a heading level; any other style is body text.
func headingStyleLevel(style string) int {
	rest, ok := strings.CutPrefix(style, "Heading")
	if !ok || len(rest) != 1 || rest[0] < '1' || rest[0] > '6' {
		return 0
	}
	return int(rest[0] - '0')
}
