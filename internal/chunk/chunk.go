// Package chunk splits extracted documents into parent sections and child
// fragments.
//
// Sections form at the document's top-level headings; runs of text without
// headings are packed into paragraph-aligned windows instead. Fragments tile
// each section without overlap and are the unit that gets embedded and
// indexed. A fragment's text is always an exact substring of its section
// (Text == Section.Text[Start:End] in runes), so retrieval can expand any
// match to its parent without re-reading the source document. Overlap
// applies only to EmbedText, the context handed to the embedder.
//
// Identifiers are deterministic: the same document id, content, and
// configuration always produce the same ids, so re-ingesting unchanged
// content is a no-op upsert, while changed content yields a disjoint id set
// under a new revision.
package chunk

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/koopa0/corpus/internal/extract"
)

// Config holds chunking sizes. All sizes are in runes.
type Config struct {
	// SectionWindow is the maximum section length.
	SectionWindow int

	// FragmentSize is the target fragment length.
	FragmentSize int

	// FragmentOverlap extends each fragment's EmbedText backwards into the
	// preceding section text. Fragment spans themselves never overlap.
	FragmentOverlap int

	// FragmentMin is the minimum fragment length; a trailing remainder
	// shorter than this merges into the previous fragment.
	FragmentMin int
}

// DefaultConfig returns the default chunking sizes.
func DefaultConfig() Config {
	return Config{
		SectionWindow:   3200,
		FragmentSize:    800,
		FragmentOverlap: 160,
		FragmentMin:     200,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SectionWindow <= 0 {
		c.SectionWindow = d.SectionWindow
	}
	if c.FragmentSize <= 0 {
		c.FragmentSize = d.FragmentSize
	}
	if c.FragmentOverlap < 0 {
		c.FragmentOverlap = d.FragmentOverlap
	}
	if c.FragmentMin <= 0 {
		c.FragmentMin = d.FragmentMin
	}
	return c
}

// Section is a parent chunk.
type Section struct {
	ID         string
	DocumentID string
	Revision   string
	Ordinal    int
	Title      string
	Text       string
}

// Fragment is a child chunk. Start and End are rune offsets into the parent
// section's text; Text is exactly that slice. EmbedText is Text extended
// backwards by the configured overlap and is what the embedder sees.
type Fragment struct {
	ID         string
	SectionID  string
	DocumentID string
	Revision   string
	Ordinal    int
	Start      int
	End        int
	Text       string
	EmbedText  string
}

// Revision derives the 8-hex-character revision tag from a content hash.
func Revision(contentHash string) string {
	if len(contentHash) < 8 {
		return contentHash
	}
	return contentHash[:8]
}

// Split chunks extracted blocks into sections and fragments. Sections form
// at top-level headings, each titled by its heading; blocks before the first
// heading (and documents without headings) fall back to size windowing under
// docTitle. A heading group longer than the window is windowed too, with
// every resulting section keeping the heading's title. Empty or
// whitespace-only input yields no chunks.
func Split(docID, contentHash, docTitle string, blocks []extract.Block, cfg Config) ([]Section, []Fragment) {
	cfg = cfg.withDefaults()
	rev := Revision(contentHash)

	var (
		sections  []Section
		fragments []Fragment
		ord       int
	)

	for _, grp := range groupByHeading(blocks, docTitle) {
		for _, secText := range splitSections(grp.text, cfg.SectionWindow) {
			sec := Section{
				ID:         fmt.Sprintf("%s:%s:s%d", docID, rev, ord),
				DocumentID: docID,
				Revision:   rev,
				Ordinal:    ord,
				Title:      grp.title,
				Text:       secText,
			}
			sections = append(sections, sec)
			fragments = append(fragments, splitFragments(sec, cfg)...)
			ord++
		}
	}

	return sections, fragments
}

// group is one heading-delimited run of blocks.
type group struct {
	title string
	text  string
}

// groupByHeading splits blocks at the document's top-level headings: the
// shallowest heading level present starts a new group, deeper headings stay
// inline in their group's text. Without headings the whole document is one
// group and sectioning falls back to size windowing.
func groupByHeading(blocks []extract.Block, docTitle string) []group {
	top := 0
	for _, b := range blocks {
		if b.Kind == extract.BlockHeading && (top == 0 || b.Level < top) {
			top = b.Level
		}
	}

	var (
		groups []group
		cur    = group{title: docTitle}
		parts  []string
	)
	flush := func() {
		if len(parts) > 0 {
			cur.text = strings.Join(parts, "\n\n")
			groups = append(groups, cur)
			parts = nil
		}
	}
	for _, b := range blocks {
		if top > 0 && b.Kind == extract.BlockHeading && b.Level == top {
			flush()
			cur = group{title: b.Text}
		}
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		parts = append(parts, b.Text)
	}
	flush()
	return groups
}

// splitSections packs whole paragraphs into windows of at most window runes.
// A single paragraph longer than the window is cut at whitespace, or hard
// cut when it has none.
func splitSections(text string, window int) []string {
	var sections []string

	flushParts := func(parts []string) []string {
		if len(parts) > 0 {
			sections = append(sections, strings.Join(parts, "\n\n"))
		}
		return parts[:0]
	}

	var (
		parts []string
		used  int
	)
	for _, para := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		runes := []rune(para)

		// Oversized paragraph: flush what we have and cut it directly.
		if len(runes) > window {
			parts = flushParts(parts)
			used = 0
			for start := 0; start < len(runes); {
				end := cutAt(runes, start, window)
				if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
					sections = append(sections, piece)
				}
				start = end
			}
			continue
		}

		sep := 0
		if len(parts) > 0 {
			sep = 2
		}
		if used+sep+len(runes) > window {
			parts = flushParts(parts)
			used = 0
			sep = 0
		}
		parts = append(parts, para)
		used += sep + len(runes)
	}
	flushParts(parts)

	return sections
}

// cutAt returns the cut position for a window starting at start, preferring
// the last whitespace in the second half of the window.
func cutAt(runes []rune, start, window int) int {
	end := start + window
	if end >= len(runes) {
		return len(runes)
	}
	for i := end; i > start+window/2; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

// splitFragments tiles the section text with non-overlapping fragments.
func splitFragments(sec Section, cfg Config) []Fragment {
	runes := []rune(sec.Text)
	if len(runes) == 0 {
		return nil
	}

	var bounds [][2]int
	for start := 0; start < len(runes); {
		end := fragmentEnd(runes, start, cfg)
		bounds = append(bounds, [2]int{start, end})
		start = end
	}

	// A trailing remainder below the minimum merges into the previous
	// fragment; a section shorter than the minimum still gets one fragment.
	if n := len(bounds); n > 1 && bounds[n-1][1]-bounds[n-1][0] < cfg.FragmentMin {
		bounds[n-2][1] = bounds[n-1][1]
		bounds = bounds[:n-1]
	}

	frags := make([]Fragment, 0, len(bounds))
	for ord, b := range bounds {
		start, end := b[0], b[1]
		embedStart := max(0, start-cfg.FragmentOverlap)
		frags = append(frags, Fragment{
			ID:         fmt.Sprintf("%s:f%d", sec.ID, ord),
			SectionID:  sec.ID,
			DocumentID: sec.DocumentID,
			Revision:   sec.Revision,
			Ordinal:    ord,
			Start:      start,
			End:        end,
			Text:       string(runes[start:end]),
			EmbedText:  string(runes[embedStart:end]),
		})
	}
	return frags
}

// fragmentEnd picks the end of the fragment starting at start: a sentence
// boundary when one falls in the back half of the target window, else the
// last whitespace, else a hard cut.
func fragmentEnd(runes []rune, start int, cfg Config) int {
	end := start + cfg.FragmentSize
	if end >= len(runes) {
		return len(runes)
	}

	floor := start + max(cfg.FragmentMin, cfg.FragmentSize/2)
	lastSpace := -1
	for i := end; i > floor; i-- {
		r := runes[i-1]
		if isSentenceEnd(r) && (i == len(runes) || unicode.IsSpace(runes[i])) {
			return i
		}
		if lastSpace < 0 && unicode.IsSpace(r) {
			lastSpace = i
		}
	}
	if lastSpace > 0 {
		return lastSpace
	}
	return end
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '\n', '。', '！', '？':
		return true
	}
	return false
}
