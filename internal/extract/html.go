package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HTML extracts visible text from markup. Block-level elements become
// paragraphs; script, style, and markup noise are dropped by selecting only
// content-bearing elements.
type HTML struct{}

func (*HTML) Format() Format { return FormatHTML }

// blockSelector lists the elements whose text is kept, in document order.
const blockSelector = "h1, h2, h3, h4, h5, h6, p, li, td, th, pre, blockquote"

func (*HTML) Extract(_ context.Context, data []byte) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	var blocks []Block
	doc.Find(blockSelector).Each(func(_ int, sel *goquery.Selection) {
		// Skip elements that only wrap other selected blocks, such as an
		// <li> whose content is a nested <p>; their text would duplicate.
		if sel.ChildrenFiltered(blockSelector).Length() > 0 {
			return
		}
		text := normalizeText(strings.TrimSpace(sel.Text()))
		if text == "" {
			return
		}
		blocks = append(blocks, htmlBlock(goquery.NodeName(sel), text))
	})

	if len(blocks) == 0 {
		// Markup without block structure still has body text worth keeping.
		blocks = Paragraphs(doc.Find("body").Text())
	}

	return assemble(title, FormatHTML, blocks), nil
}

// htmlBlock maps a content-bearing element to its block kind.
func htmlBlock(tag, text string) Block {
	switch tag {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return Block{Kind: BlockHeading, Level: int(tag[1] - '0'), Text: text}
	case "li":
		return Block{Kind: BlockListItem, Text: text}
	case "td", "th":
		return Block{Kind: BlockTableCell, Text: text}
	default:
		return Block{Kind: BlockParagraph, Text: text}
	}
}
