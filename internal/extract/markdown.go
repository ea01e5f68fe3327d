package extract

import (
	"context"
	"regexp"
	"strings"
)

// Markdown strips markdown syntax down to readable text while keeping the
// block structure: headings carry their level, list items stay separate
// blocks. The first level-1 heading becomes the title. Code fences are kept
// verbatim without their delimiters; inline markup (emphasis, links, code
// spans) is unwrapped.
type Markdown struct{}

func (*Markdown) Format() Format { return FormatMarkdown }

var (
	mdLinkRe   = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdImageRe  = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdBoldRe   = regexp.MustCompile(`(\*\*|__)([^*_]+)(\*\*|__)`)
	mdItalicRe = regexp.MustCompile(`(\*|_)([^*_]+)(\*|_)`)
	mdCodeRe   = regexp.MustCompile("`([^`]*)`")
)

func (*Markdown) Extract(_ context.Context, data []byte) (*Document, error) {
	var (
		title  string
		blocks []Block
		para   []string
	)
	flush := func() {
		if len(para) > 0 {
			blocks = append(blocks, Block{Kind: BlockParagraph, Text: normalizeText(strings.Join(para, "\n"))})
			para = nil
		}
	}

	lines := strings.Split(string(data), "\n")
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])

		// A code fence becomes one block, kept verbatim without delimiters.
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			flush()
			var fence []string
			for i++; i < len(lines); i++ {
				inner := strings.TrimSpace(lines[i])
				if strings.HasPrefix(inner, "```") || strings.HasPrefix(inner, "~~~") {
					break
				}
				fence = append(fence, lines[i])
			}
			if text := normalizeText(strings.Join(fence, "\n")); text != "" {
				blocks = append(blocks, Block{Kind: BlockParagraph, Text: text})
			}
			continue
		}

		if trimmed == "" {
			flush()
			continue
		}

		// Headings keep their text; the first H1 is also the title.
		if level, text, ok := heading(trimmed); ok {
			flush()
			if level == 1 && title == "" {
				title = text
			}
			blocks = append(blocks, Block{Kind: BlockHeading, Level: level, Text: inline(text)})
			continue
		}

		// Horizontal rules and setext underlines carry no text.
		if isRule(trimmed) {
			flush()
			continue
		}

		// List markers and blockquote prefixes are stripped, not the text.
		trimmed = strings.TrimPrefix(trimmed, "> ")
		if after, ok := listItem(trimmed); ok {
			flush()
			blocks = append(blocks, Block{Kind: BlockListItem, Text: inline(after)})
			continue
		}

		para = append(para, inline(trimmed))
	}
	flush()

	return assemble(title, FormatMarkdown, blocks), nil
}

func heading(line string) (level int, text string, ok bool) {
	i := 0
	for i < len(line) && line[i] == '#' {
		i++
	}
	if i == 0 || i > 6 || i >= len(line) || line[i] != ' ' {
		return 0, "", false
	}
	return i, strings.TrimSpace(line[i+1:]), true
}

func isRule(line string) bool {
	if len(line) < 3 {
		return false
	}
	c := line[0]
	if c != '-' && c != '*' && c != '_' && c != '=' {
		return false
	}
	for i := 1; i < len(line); i++ {
		if line[i] != c {
			return false
		}
	}
	return true
}

func listItem(line string) (string, bool) {
	for _, prefix := range []string{"- ", "* ", "+ "} {
		if strings.HasPrefix(line, prefix) {
			return line[len(prefix):], true
		}
	}
	// Ordered list: digits followed by ". " or ") ".
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i+1 < len(line) && (line[i] == '.' || line[i] == ')') && line[i+1] == ' ' {
		return line[i+2:], true
	}
	return line, false
}

func inline(s string) string {
	s = mdImageRe.ReplaceAllString(s, "$1")
	s = mdLinkRe.ReplaceAllString(s, "$1")
	s = mdBoldRe.ReplaceAllString(s, "$2")
	s = mdItalicRe.ReplaceAllString(s, "$2")
	s = mdCodeRe.ReplaceAllString(s, "$1")
	return s
}
