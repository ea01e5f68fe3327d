package chunk

import (
	"strings"
	"testing"

	"github.com/koopa0/corpus/internal/extract"
)

func testConfig() Config {
	return Config{
		SectionWindow:   200,
		FragmentSize:    50,
		FragmentOverlap: 10,
		FragmentMin:     15,
	}
}

// checkInvariants asserts the structural properties every split must hold:
// fragments tile their section without gaps or overlap, and each fragment's
// text is the exact section slice its offsets claim.
func checkInvariants(t *testing.T, sections []Section, fragments []Fragment) {
	t.Helper()

	bySection := make(map[string][]Fragment)
	for _, f := range fragments {
		bySection[f.SectionID] = append(bySection[f.SectionID], f)
	}

	for _, sec := range sections {
		frags := bySection[sec.ID]
		if len(frags) == 0 {
			t.Errorf("section %s has no fragments", sec.ID)
			continue
		}
		runes := []rune(sec.Text)
		next := 0
		for _, f := range frags {
			if f.Start != next {
				t.Errorf("fragment %s starts at %d, want %d (gap or overlap)", f.ID, f.Start, next)
			}
			if f.End <= f.Start || f.End > len(runes) {
				t.Fatalf("fragment %s has bad span [%d, %d) in section of %d runes",
					f.ID, f.Start, f.End, len(runes))
			}
			if want := string(runes[f.Start:f.End]); f.Text != want {
				t.Errorf("fragment %s text is not the section slice [%d, %d)", f.ID, f.Start, f.End)
			}
			if !strings.HasSuffix(f.EmbedText, f.Text) {
				t.Errorf("fragment %s EmbedText does not end with Text", f.ID)
			}
			next = f.End
		}
		if next != len(runes) {
			t.Errorf("section %s fragments cover %d of %d runes", sec.ID, next, len(runes))
		}
	}
}

func TestSplitShortDocument(t *testing.T) {
	sections, fragments := Split("doc1", "abcdef1234567890", "T", extract.Paragraphs("Short text."), testConfig())

	if len(sections) != 1 {
		t.Fatalf("len(sections) = %d, want 1", len(sections))
	}
	if len(fragments) != 1 {
		t.Fatalf("len(fragments) = %d, want 1", len(fragments))
	}
	sec, frag := sections[0], fragments[0]

	if sec.ID != "doc1:abcdef12:s0" {
		t.Errorf("section ID = %q", sec.ID)
	}
	if frag.ID != "doc1:abcdef12:s0:f0" {
		t.Errorf("fragment ID = %q", frag.ID)
	}
	if sec.Revision != "abcdef12" {
		t.Errorf("Revision = %q", sec.Revision)
	}
	if sec.Title != "T" {
		t.Errorf("Title = %q", sec.Title)
	}
	if frag.Text != "Short text." || frag.EmbedText != "Short text." {
		t.Errorf("fragment Text = %q, EmbedText = %q", frag.Text, frag.EmbedText)
	}
	checkInvariants(t, sections, fragments)
}

func TestSplitEmptyDocument(t *testing.T) {
	sections, fragments := Split("doc1", "hash", "", extract.Paragraphs("   \n\n  "), testConfig())
	if len(sections) != 0 || len(fragments) != 0 {
		t.Errorf("whitespace-only document produced %d sections, %d fragments",
			len(sections), len(fragments))
	}
}

func TestSplitSectionsRespectParagraphs(t *testing.T) {
	// Three paragraphs of ~90 runes each; window of 200 fits two.
	para := strings.Repeat("word ", 18)
	text := strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para)

	sections, fragments := Split("doc1", "hash1234", "", extract.Paragraphs(text), testConfig())

	if len(sections) != 2 {
		t.Fatalf("len(sections) = %d, want 2", len(sections))
	}
	for i, sec := range sections {
		if sec.Ordinal != i {
			t.Errorf("section %d Ordinal = %d", i, sec.Ordinal)
		}
		if n := len([]rune(sec.Text)); n > 200 {
			t.Errorf("section %d is %d runes, exceeds window", i, n)
		}
	}
	checkInvariants(t, sections, fragments)
}

func TestSplitOversizedParagraph(t *testing.T) {
	// One unbroken paragraph far beyond the section window.
	text := strings.TrimSpace(strings.Repeat("alpha beta gamma ", 60)) // ~1020 runes

	sections, fragments := Split("doc1", "hash1234", "", extract.Paragraphs(text), testConfig())

	if len(sections) < 5 {
		t.Fatalf("len(sections) = %d, want >= 5", len(sections))
	}
	checkInvariants(t, sections, fragments)
}

func TestSplitFragmentOverlapExtendsEmbedTextOnly(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("one two three four. ", 8)) // ~160 runes, one section

	sections, fragments := Split("doc1", "hash1234", "", extract.Paragraphs(text), testConfig())

	if len(sections) != 1 {
		t.Fatalf("len(sections) = %d, want 1", len(sections))
	}
	if len(fragments) < 2 {
		t.Fatalf("len(fragments) = %d, want >= 2", len(fragments))
	}
	checkInvariants(t, sections, fragments)

	// Later fragments carry overlap context; the first has none to take.
	first, second := fragments[0], fragments[1]
	if first.EmbedText != first.Text {
		t.Errorf("first fragment EmbedText = %q, want == Text", first.EmbedText)
	}
	wantLead := 10
	if got := len([]rune(second.EmbedText)) - len([]rune(second.Text)); got != wantLead {
		t.Errorf("second fragment overlap = %d runes, want %d", got, wantLead)
	}
}

func TestSplitTrailingRemainderMerges(t *testing.T) {
	// 55 runes: 50-rune fragment plus a 5-rune remainder below FragmentMin.
	text := strings.Repeat("abcde", 11)

	sections, fragments := Split("doc1", "hash1234", "", extract.Paragraphs(text), testConfig())

	if len(fragments) != 1 {
		t.Fatalf("len(fragments) = %d, want 1 (remainder merged)", len(fragments))
	}
	if fragments[0].Text != text {
		t.Errorf("merged fragment does not cover the whole section")
	}
	checkInvariants(t, sections, fragments)
}

func TestSplitDeterministic(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("deterministic input. ", 30))

	s1, f1 := Split("doc1", "hash1234", "T", extract.Paragraphs(text), testConfig())
	s2, f2 := Split("doc1", "hash1234", "T", extract.Paragraphs(text), testConfig())

	if len(s1) != len(s2) || len(f1) != len(f2) {
		t.Fatal("repeated Split produced different chunk counts")
	}
	for i := range f1 {
		if f1[i] != f2[i] {
			t.Fatalf("fragment %d differs between runs", i)
		}
	}
}

func TestSplitRevisionChangeDisjointIDs(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("stable text here. ", 20))

	_, f1 := Split("doc1", "aaaaaaaa11111111", "", extract.Paragraphs(text), testConfig())
	_, f2 := Split("doc1", "bbbbbbbb22222222", "", extract.Paragraphs(text+" changed"), testConfig())

	ids := make(map[string]bool, len(f1))
	for _, f := range f1 {
		ids[f.ID] = true
	}
	for _, f := range f2 {
		if ids[f.ID] {
			t.Errorf("id %s shared across revisions", f.ID)
		}
	}
}

func TestSplitUnicode(t *testing.T) {
	// Multi-byte runes: offsets must be rune-based, not byte-based.
	text := strings.TrimSpace(strings.Repeat("日本語のテキストです。", 12))

	sections, fragments := Split("doc1", "hash1234", "", extract.Paragraphs(text), testConfig())
	checkInvariants(t, sections, fragments)
}

func FuzzSplitContainment(f *testing.F) {
	f.Add("plain seed text with several words and sentences. More text follows here.")
	f.Add("日本語\n\nmixed ascii と unicode\n\nthird paragraph")
	f.Add(strings.Repeat("x", 500))

	f.Fuzz(func(t *testing.T, text string) {
		sections, fragments := Split("doc", "fuzzhash", "", extract.Paragraphs(text), testConfig())

		secText := make(map[string][]rune, len(sections))
		for _, s := range sections {
			secText[s.ID] = []rune(s.Text)
		}
		for _, fr := range fragments {
			runes, ok := secText[fr.SectionID]
			if !ok {
				t.Fatalf("fragment %s references unknown section", fr.ID)
			}
			if fr.Start < 0 || fr.End > len(runes) || fr.Start >= fr.End {
				t.Fatalf("fragment %s span [%d, %d) invalid for %d runes",
					fr.ID, fr.Start, fr.End, len(runes))
			}
			if fr.Text != string(runes[fr.Start:fr.End]) {
				t.Fatalf("fragment %s text diverges from its section slice", fr.ID)
			}
		}
	})
}

// mdBlocks is shorthand for building structured input: "#N title" makes a
// level-N heading, anything else a paragraph.
func mdBlocks(items ...string) []extract.Block {
	var blocks []extract.Block
	for _, it := range items {
		if strings.HasPrefix(it, "#") && len(it) > 2 && it[1] >= '1' && it[1] <= '6' {
			blocks = append(blocks, extract.Block{
				Kind:  extract.BlockHeading,
				Level: int(it[1] - '0'),
				Text:  strings.TrimSpace(it[2:]),
			})
			continue
		}
		blocks = append(blocks, extract.Block{Kind: extract.BlockParagraph, Text: it})
	}
	return blocks
}

func TestSplitSectionsAtHeadings(t *testing.T) {
	// Three headed parts, all well inside one section window: headings, not
	// size, must delimit the sections.
	blocks := mdBlocks(
		"#1 Alpha", "alpha body text.",
		"#1 Beta", "beta body text.", "more beta text.",
		"#1 Gamma", "gamma body text.",
	)

	sections, fragments := Split("doc1", "hash1234", "Doc", blocks, testConfig())

	if len(sections) != 3 {
		t.Fatalf("len(sections) = %d, want 3 (heading-delimited)", len(sections))
	}
	for i, want := range []string{"Alpha", "Beta", "Gamma"} {
		if sections[i].Title != want {
			t.Errorf("section %d Title = %q, want %q", i, sections[i].Title, want)
		}
		if !strings.Contains(sections[i].Text, want) {
			t.Errorf("section %d lost its heading text", i)
		}
	}
	if !strings.Contains(sections[1].Text, "more beta text.") {
		t.Errorf("section 1 = %q, missing its second paragraph", sections[1].Text)
	}
	checkInvariants(t, sections, fragments)
}

func TestSplitHeadingPreamble(t *testing.T) {
	// Text before the first heading becomes its own section under the
	// document title.
	blocks := mdBlocks("intro before any heading.", "#1 First", "first body.")

	sections, _ := Split("doc1", "hash1234", "Doc", blocks, testConfig())

	if len(sections) != 2 {
		t.Fatalf("len(sections) = %d, want 2", len(sections))
	}
	if sections[0].Title != "Doc" || !strings.Contains(sections[0].Text, "intro") {
		t.Errorf("preamble section = %q/%q", sections[0].Title, sections[0].Text)
	}
	if sections[1].Title != "First" {
		t.Errorf("section 1 Title = %q, want %q", sections[1].Title, "First")
	}
}

func TestSplitNestedHeadingsStayInline(t *testing.T) {
	// Only the shallowest heading level delimits sections; subheadings stay
	// inside their parent's section text.
	blocks := mdBlocks(
		"#1 Top", "top body.",
		"#2 Sub", "sub body.",
		"#1 Next", "next body.",
	)

	sections, _ := Split("doc1", "hash1234", "", blocks, testConfig())

	if len(sections) != 2 {
		t.Fatalf("len(sections) = %d, want 2", len(sections))
	}
	if !strings.Contains(sections[0].Text, "Sub") || !strings.Contains(sections[0].Text, "sub body.") {
		t.Errorf("section 0 = %q, subheading content not inlined", sections[0].Text)
	}
}

func TestSplitShallowestLevelDelimits(t *testing.T) {
	// A document whose shallowest heading is level 2 sections at level 2.
	blocks := mdBlocks("#2 One", "body one.", "#3 Deep", "deep body.", "#2 Two", "body two.")

	sections, _ := Split("doc1", "hash1234", "", blocks, testConfig())

	if len(sections) != 2 {
		t.Fatalf("len(sections) = %d, want 2", len(sections))
	}
	if sections[0].Title != "One" || sections[1].Title != "Two" {
		t.Errorf("titles = %q, %q", sections[0].Title, sections[1].Title)
	}
}

func TestSplitOversizedHeadingGroupFallsBackToWindowing(t *testing.T) {
	// One headed part far beyond the window splits by size; every resulting
	// section keeps the heading's title.
	body := strings.TrimSpace(strings.Repeat("long running body text. ", 30)) // ~720 runes
	blocks := mdBlocks("#1 Huge", body)

	sections, fragments := Split("doc1", "hash1234", "", blocks, testConfig())

	if len(sections) < 3 {
		t.Fatalf("len(sections) = %d, want >= 3 (windowed)", len(sections))
	}
	for i, sec := range sections {
		if sec.Title != "Huge" {
			t.Errorf("section %d Title = %q, want %q", i, sec.Title, "Huge")
		}
	}
	checkInvariants(t, sections, fragments)
}
