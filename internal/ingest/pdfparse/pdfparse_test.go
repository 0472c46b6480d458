package pdfparse

import (
	"strings"
	"testing"
)

func TestTruncateAtNextTitleCutsAbsorbedSection(t *testing.T) {
	text := "## B\nbody of B\nmore B\n# C\nbody of C"
	got := truncateAtNextTitle(text, "C")
	if strings.Contains(got, "body of C") {
		t.Fatalf("slice still contains next section's content: %q", got)
	}
	if !strings.Contains(got, "more B") {
		t.Fatalf("slice lost its own content: %q", got)
	}
}

func TestTruncateAtNextTitleIgnoresInlineMention(t *testing.T) {
	text := "## B\nsee section C for details\nmore B"
	got := truncateAtNextTitle(text, "C")
	if got != text {
		t.Fatalf("inline mention must not truncate: %q", got)
	}
}

func TestSliceByOutlineSpansAndBoundaries(t *testing.T) {
	// Outline [(1,"A",1),(2,"B",5),(1,"C",10)] over a 12-page document
	// with the "# C" header already present on page 9.
	outline := []OutlineEntry{
		{Level: 1, Title: "A", StartPage: 1},
		{Level: 2, Title: "B", StartPage: 5},
		{Level: 1, Title: "C", StartPage: 10},
	}
	totalPages := 12
	markdown := make([]string, totalPages+1)
	for i := 1; i <= totalPages; i++ {
		markdown[i] = "page body " + string(rune('0'+i%10))
	}
	markdown[1] = "# A\nintro to A"
	markdown[5] = "## B\nintro to B"
	markdown[9] = "tail of B\n# C\nearly C content"
	markdown[10] = "main C content"

	result := sliceByOutline("file.pdf", outline, markdown, totalPages, nil)

	for _, want := range []string{
		"file.pdf_sec_000_A",
		"file.pdf_sec_001_B",
		"file.pdf_sec_002_C",
	} {
		if _, ok := result.Parents[want]; !ok {
			t.Fatalf("missing parent %s; have %v", want, parentKeys(result.Parents))
		}
	}

	b := result.Parents["file.pdf_sec_001_B"]
	if !strings.Contains(b, "tail of B") {
		t.Fatalf("section B should run through page 9, got %q", b)
	}
	if strings.Contains(b, "early C content") {
		t.Fatalf("section B absorbed content past the # C header: %q", b)
	}

	a := result.Parents["file.pdf_sec_000_A"]
	if strings.Contains(a, "intro to B") {
		t.Fatalf("section A should end on page 4, got %q", a)
	}
}

func TestSliceByOutlineHierarchyInjection(t *testing.T) {
	outline := []OutlineEntry{
		{Level: 1, Title: "Install", StartPage: 1},
		{Level: 2, Title: "Linux", StartPage: 2},
		{Level: 1, Title: "Usage", StartPage: 3},
	}
	markdown := []string{"", "# Install\nsetup", "## Linux\napt-get", "# Usage\nrun it"}

	result := sliceByOutline("guide.pdf", outline, markdown, 3, nil)

	byParent := make(map[string]string)
	for _, c := range result.Chunks {
		byParent[c.ParentID] = c.Context
	}

	if got := byParent["guide.pdf_sec_001_Linux"]; got != "[Source: guide.pdf] > Install > Linux" {
		t.Fatalf("nested context wrong: %q", got)
	}
	// Entering "Usage" at level 1 must drop the deeper "Linux" title.
	if got := byParent["guide.pdf_sec_002_Usage"]; got != "[Source: guide.pdf] > Usage" {
		t.Fatalf("sibling context wrong: %q", got)
	}
}

func TestSliceByOutlineSkipsInvertedSpan(t *testing.T) {
	outline := []OutlineEntry{
		{Level: 1, Title: "A", StartPage: 5},
		{Level: 1, Title: "B", StartPage: 2},
	}
	markdown := []string{"", "x", "x", "x", "x", "x"}
	result := sliceByOutline("f.pdf", outline, markdown, 5, nil)
	if _, ok := result.Parents["f.pdf_sec_000_A"]; ok {
		t.Fatal("section with start > end must be skipped")
	}
	if _, ok := result.Parents["f.pdf_sec_001_B"]; !ok {
		t.Fatal("following section must still be emitted")
	}
}

func TestEmitChildrenSingleVsSplit(t *testing.T) {
	result := sliceByOutline("f.pdf", []OutlineEntry{{Level: 1, Title: "S", StartPage: 1}},
		[]string{"", strings.Repeat("word ", 280)}, 1, nil) // ~1400 chars, <= 1500
	if n := len(result.Chunks); n != 1 {
		t.Fatalf("section within 1.5x budget must yield one child, got %d", n)
	}

	big := sliceByOutline("f.pdf", []OutlineEntry{{Level: 1, Title: "S", StartPage: 1}},
		[]string{"", strings.Repeat("paragraph text here.\n\n", 200)}, 1, nil) // ~4400 chars
	if n := len(big.Chunks); n < 2 {
		t.Fatalf("oversized section must be split, got %d children", n)
	}
	for i, c := range big.Chunks {
		if c.ChildIndex != i {
			t.Fatalf("child_index out of order at %d: %+v", i, c)
		}
		if !strings.HasPrefix(c.Content, "[Source: f.pdf] > S\n\n") {
			t.Fatalf("child content missing context prefix: %q", c.Content[:40])
		}
	}
}

func TestDetectNoiseFindsRepeatedHeaders(t *testing.T) {
	pages := []string{"",
		"ACME User Guide\nreal content one\nPage 1",
		"ACME User Guide\nreal content two\nPage 2",
		"ACME User Guide\nreal content three\nPage 3",
		"middle content",
		"ACME User Guide\nclosing content\nPage 5",
		"ACME User Guide\nindex\nPage 6",
		"ACME User Guide\nback cover",
	}
	noise := detectNoise(pages)
	if !noise["ACME User Guide"] {
		t.Fatalf("repeated header not detected: %v", noise)
	}
	if noise["real content one"] {
		t.Fatal("unique line wrongly flagged as noise")
	}
	// "Page N" lines differ per page so they never cross the threshold.
	if noise["Page 1"] {
		t.Fatal("per-page line wrongly flagged as noise")
	}
}

func TestDetectNoiseIgnoresShortAndLongLines(t *testing.T) {
	long := strings.Repeat("x", 150)
	pages := []string{"", "ab\n" + long, "ab\n" + long, "ab\n" + long}
	noise := detectNoise(pages)
	if len(noise) != 0 {
		t.Fatalf("lines outside 4..100 chars must be ignored: %v", noise)
	}
}

func TestPrescanQualityFlagsGarbledAndScanned(t *testing.T) {
	healthy := []string{"", "This is a perfectly ordinary page of text."}
	if v := prescanQuality(healthy); v != "" {
		t.Fatalf("healthy document flagged %q", v)
	}

	garbled := []string{"", "some text (cid:123) more (cid:124)"}
	if v := prescanQuality(garbled); v != "garbled" {
		t.Fatalf("cid markers not flagged, got %q", v)
	}

	binary := []string{"", strings.Repeat("\x01\x02\x03", 100) + "ok"}
	if v := prescanQuality(binary); v != "garbled" {
		t.Fatalf("low printable ratio not flagged, got %q", v)
	}

	empty := []string{"", "", "", ""}
	if v := prescanQuality(empty); v != "scanned" {
		t.Fatalf("empty sample should flag scanned, got %q", v)
	}
}

func TestCleanSectionStripsNoiseAndMailto(t *testing.T) {
	noise := map[string]bool{"ACME User Guide": true}
	text := "ACME User Guide\nkeep this line\nSend comments to mailto:docs@acme.com\nand this"
	got := cleanSection(text, noise)
	if strings.Contains(got, "ACME User Guide") || strings.Contains(got, "mailto:") {
		t.Fatalf("noise survived cleaning: %q", got)
	}
	if !strings.Contains(got, "keep this line") || !strings.Contains(got, "and this") {
		t.Fatalf("content lost during cleaning: %q", got)
	}
}

func TestSanitizeTitleTruncatesAndStripsPunctuation(t *testing.T) {
	got := sanitizeTitle("Power: On/Off & Reset!")
	if got != "Power_On_Off_Reset" {
		t.Fatalf("got %q", got)
	}
	long := sanitizeTitle(strings.Repeat("ab", 60))
	if len([]rune(long)) != 50 {
		t.Fatalf("expected 50-rune truncation, got %d", len([]rune(long)))
	}
}

func TestDecodeURLEscapes(t *testing.T) {
	if got := decodeURLEscapes("set%5Fdelay command"); got != "set_delay command" {
		t.Fatalf("got %q", got)
	}
	if got := decodeURLEscapes("100%"); got != "100%" {
		t.Fatalf("lone percent must survive: %q", got)
	}
}

func parentKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
