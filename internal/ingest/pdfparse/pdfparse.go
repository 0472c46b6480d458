// Package pdfparse implements the structure-aware PDF parser:
// outline-driven slicing, noise detection, markdown conversion, strict
// section-boundary truncation, hierarchy injection, and parent/child
// chunk emission.
package pdfparse

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"github.com/pangpangai/ragqa/internal/ingest"
	"github.com/pangpangai/ragqa/internal/ingest/chunk"
)

const (
	// MaxChunkSize is the child chunk budget in characters. Sections up
	// to 1.5x this size are emitted as a single child.
	MaxChunkSize = 1000

	chunkOverlap = 100

	// conversionBatchPages is how many pages are converted to markdown
	// per batch before falling back to per-page conversion.
	conversionBatchPages = 200

	// minPrintableRatio is the garbled-file threshold: sampled pages
	// with fewer common printable characters than this are skipped.
	minPrintableRatio = 0.70

	// noisePageFraction: a line seen on more than this fraction of the
	// sampled boundary pages is a running header or footer.
	noisePageFraction = 0.5
)

// garbledMarkers are glyph-corruption substrings produced by broken
// font encodings. Any occurrence in the sampled pages flags the file.
var garbledMarkers = []string{"(cid:", "���", "glyph<"}

// builtinNoise matches boilerplate the noise scan cannot catch, like
// feedback mailto lines repeated once per chapter.
var builtinNoise = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^.*mailto:.*$`),
	regexp.MustCompile(`(?i)^\s*(send\s+)?feedback\s*$`),
}

// Parser parses PDF files into child chunks and a parent map.
type Parser struct{}

func New() *Parser { return &Parser{} }

func (p *Parser) SupportedFormats() []string { return []string{"pdf"} }

// Parse runs the full ingestion pipeline. A garbled or scanned-only file is
// reported and returns an empty result; a PDF without an extractable
// outline also returns an empty result so the caller can fall back to
// a flat chunker. Unreadable files fail with ingest.ParseError.
func (p *Parser) Parse(ctx context.Context, path string) (*ingest.Result, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, &ingest.ParseError{Path: path, Err: err}
	}
	defer f.Close()

	totalPages := reader.NumPage()
	if totalPages == 0 {
		return nil, &ingest.ParseError{Path: path, Err: fmt.Errorf("document has no pages")}
	}

	source := baseName(path)

	pages := extractAllPages(ctx, reader, totalPages)

	if verdict := prescanQuality(pages); verdict != "" {
		slog.Warn("pdfparse: skipping low-quality document",
			"file", source, "reason", verdict, "pages", totalPages)
		return &ingest.Result{Parents: map[string]string{}, Method: "pdf-" + verdict}, nil
	}

	noise := detectNoise(pages)
	if len(noise) > 0 {
		slog.Info("pdfparse: detected repeated header/footer lines",
			"file", source, "patterns", len(noise))
	}

	outline := extractOutline(reader)
	if len(outline) == 0 {
		slog.Warn("pdfparse: no extractable outline", "file", source)
		return &ingest.Result{Parents: map[string]string{}, Method: "pdf-outline"}, nil
	}

	markdown := convertToMarkdown(ctx, pages, outline)

	result := sliceByOutline(source, outline, markdown, totalPages, noise)
	result.Method = "pdf-outline"

	slog.Info("pdfparse: parsing complete",
		"file", source, "outline_entries", len(outline),
		"parents", len(result.Parents), "chunks", len(result.Chunks))
	return result, nil
}

// --- page text extraction ---

// extractAllPages extracts visually-ordered text for every page.
// Unreadable pages yield an empty string rather than failing the
// document. Index 0 is unused; pages are 1-based like the reader.
func extractAllPages(ctx context.Context, reader *pdf.Reader, totalPages int) []string {
	pages := make([]string, totalPages+1)
	for i := 1; i <= totalPages; i++ {
		if ctx.Err() != nil {
			return pages
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := extractPageTextOrdered(page)
		if err != nil {
			slog.Warn("pdfparse: page text extraction failed, skipping page",
				"page", i, "error", err)
			continue
		}
		pages[i] = strings.TrimSpace(text)
	}
	return pages
}

// extractPageTextOrdered extracts text sorted by visual position
// (top-to-bottom). The library's object order can put headings after
// the body they label; grouping into visual lines by Y proximity and
// sorting by Y restores reading order. Content-stream order is kept
// within each line because some PDFs use negative text matrices.
func extractPageTextOrdered(page pdf.Page) (string, error) {
	content := page.Content()
	if len(content.Text) == 0 {
		return page.GetPlainText(nil)
	}

	const lineTolerance = 3.0

	type visualLine struct {
		y   float64
		buf strings.Builder
	}

	var lines []*visualLine
	var cur *visualLine

	for _, t := range content.Text {
		if cur == nil || math.Abs(t.Y-cur.y) > lineTolerance {
			lines = append(lines, &visualLine{y: t.Y})
			cur = lines[len(lines)-1]
		}
		cur.buf.WriteString(t.S)
	}

	// Higher Y = higher on the page (PDF origin is bottom-left).
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].y > lines[j].y
	})

	var parts []string
	for _, l := range lines {
		if text := strings.TrimSpace(l.buf.String()); text != "" {
			parts = append(parts, text)
		}
	}

	result := strings.Join(parts, "\n")
	if strings.TrimSpace(result) == "" {
		return page.GetPlainText(nil)
	}
	return result, nil
}

// --- quality pre-scan ---

// qualitySamplePages are the page indices (0-based) sampled for the
// garbled/scanned check, clamped to the document length.
var qualitySamplePages = []int{0, 50, 102}

// prescanQuality samples a few pages and returns "garbled" when glyph
// corruption markers appear or the printable-character ratio falls
// below the threshold, "scanned" when the sample has no text at all,
// and "" for a healthy document.
func prescanQuality(pages []string) string {
	var sample strings.Builder
	for _, idx := range qualitySamplePages {
		pageNum := idx + 1
		if pageNum >= len(pages) {
			break
		}
		sample.WriteString(pages[pageNum])
		sample.WriteByte('\n')
	}

	text := strings.TrimSpace(sample.String())
	if text == "" {
		return "scanned"
	}

	for _, marker := range garbledMarkers {
		if strings.Contains(text, marker) {
			return "garbled"
		}
	}

	if printableRatio(text) < minPrintableRatio {
		return "garbled"
	}
	return ""
}

// printableRatio is the fraction of common printable characters
// (letters, digits, punctuation, spaces, CJK) among all runes.
func printableRatio(text string) float64 {
	var printable, total int
	for _, r := range text {
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsPunct(r) ||
			unicode.IsSpace(r) || unicode.IsSymbol(r) {
			printable++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(printable) / float64(total)
}

// --- noise detection ---

// detectNoise samples the first three and last three pages and returns
// the set of lines repeated on more than half of them: running headers
// and footers to strip from every section.
func detectNoise(pages []string) map[string]bool {
	last := len(pages) - 1 // pages is 1-based with slot 0 unused
	var sampled []int
	for i := 1; i <= 3 && i <= last; i++ {
		sampled = append(sampled, i)
	}
	for i := last - 2; i <= last; i++ {
		if i > 3 {
			sampled = append(sampled, i)
		}
	}
	if len(sampled) == 0 {
		return nil
	}

	lineCounts := make(map[string]int)
	for _, pageNum := range sampled {
		seen := make(map[string]bool)
		for _, line := range strings.Split(pages[pageNum], "\n") {
			line = strings.TrimSpace(line)
			if len(line) < 4 || len(line) > 100 || seen[line] {
				continue
			}
			seen[line] = true
			lineCounts[line]++
		}
	}

	threshold := int(float64(len(sampled)) * noisePageFraction)
	noise := make(map[string]bool)
	for line, count := range lineCounts {
		if count > threshold {
			noise[line] = true
		}
	}
	return noise
}

// --- markdown conversion ---

// convertToMarkdown renders each page's text as markdown in fixed page
// batches, concatenated page-ordered. A failing batch falls back to
// converting its pages one by one, skipping only the broken ones.
func convertToMarkdown(ctx context.Context, pages []string, outline []OutlineEntry) []string {
	headings := headingIndex(outline)
	markdown := make([]string, len(pages))

	for start := 1; start < len(pages); start += conversionBatchPages {
		end := start + conversionBatchPages
		if end > len(pages) {
			end = len(pages)
		}
		if err := convertBatch(pages, markdown, start, end, headings); err != nil {
			slog.Warn("pdfparse: batch markdown conversion failed, falling back to per-page",
				"batch_start", start, "batch_end", end-1, "error", err)
			for i := start; i < end; i++ {
				if perr := convertBatch(pages, markdown, i, i+1, headings); perr != nil {
					slog.Warn("pdfparse: page conversion failed, skipping page",
						"page", i, "error", perr)
					markdown[i] = ""
				}
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return markdown
}

func convertBatch(pages, markdown []string, start, end int, headings map[string]int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during conversion: %v", r)
		}
	}()
	for i := start; i < end; i++ {
		markdown[i] = pageToMarkdown(pages[i], headings)
	}
	return nil
}

// pageToMarkdown promotes lines that match an outline title to
// markdown headers at the outline's level and decodes URL-encoded
// sequences the text extraction leaves behind.
func pageToMarkdown(text string, headings map[string]int) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if level, ok := headings[normalizeTitle(trimmed)]; ok {
			lines[i] = strings.Repeat("#", level) + " " + trimmed
			continue
		}
		lines[i] = decodeURLEscapes(line)
	}
	return strings.Join(lines, "\n")
}

// headingIndex maps each outline title (normalized) to its level,
// clamped to markdown's six header levels.
func headingIndex(outline []OutlineEntry) map[string]int {
	m := make(map[string]int, len(outline))
	for _, entry := range outline {
		level := entry.Level
		if level > 6 {
			level = 6
		}
		m[normalizeTitle(entry.Title)] = level
	}
	return m
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

var urlEscapeRe = regexp.MustCompile(`(?:%[0-9A-Fa-f]{2})+`)

func decodeURLEscapes(s string) string {
	return urlEscapeRe.ReplaceAllStringFunc(s, func(m string) string {
		decoded, err := url.PathUnescape(m)
		if err != nil {
			return m
		}
		return decoded
	})
}

// --- outline-driven slicing ---

// sliceByOutline carves one section per outline entry out of the
// page-ordered markdown, enforces the boundary against the next
// entry's header, cleans noise, injects the breadcrumb hierarchy, and
// emits parents and children.
func sliceByOutline(source string, outline []OutlineEntry, markdown []string, totalPages int, noise map[string]bool) *ingest.Result {
	result := &ingest.Result{Parents: make(map[string]string, len(outline))}

	// Stack of live titles per outline level for hierarchy injection.
	var titleStack []string

	for i, entry := range outline {
		start := clamp(entry.StartPage, 1, totalPages)
		end := totalPages
		if i+1 < len(outline) {
			end = outline[i+1].StartPage - 1
		}
		end = clamp(end, 1, totalPages)

		// Maintain the breadcrumb before any skip so later sections
		// still see their ancestors.
		depth := entry.Level
		if depth < 1 {
			depth = 1
		}
		if depth <= len(titleStack) {
			titleStack = titleStack[:depth-1]
		}
		for len(titleStack) < depth-1 {
			titleStack = append(titleStack, "")
		}
		titleStack = append(titleStack, entry.Title)

		if start > end {
			slog.Warn("pdfparse: section start beyond end, skipping",
				"title", entry.Title, "start", start, "end", end)
			continue
		}

		text := strings.Join(markdown[start:end+1], "\n")

		if i+1 < len(outline) {
			text = truncateAtNextTitle(text, outline[i+1].Title)
		}

		text = cleanSection(text, noise)
		if strings.TrimSpace(text) == "" {
			continue
		}

		contextPath := buildContextPath(source, titleStack)
		parentID := fmt.Sprintf("%s_sec_%03d_%s", source, i, sanitizeTitle(entry.Title))
		result.Parents[parentID] = text

		emitChildren(result, text, ingest.Chunk{
			Source:     source,
			ParentID:   parentID,
			Section:    entry.Title,
			Context:    contextPath,
			PageNumber: start,
		})
	}
	return result
}

// truncateAtNextTitle cuts the slice at the next section's markdown
// header if it appears inside it. This is the boundary-enforcement
// step that keeps a section from absorbing its successor when the
// successor's header appears on a page before the one its outline
// entry points to.
func truncateAtNextTitle(text, nextTitle string) string {
	re, err := regexp.Compile(`\n#{1,6}[ \t]+` + regexp.QuoteMeta(nextTitle) + `[ \t]*(\n|$)`)
	if err != nil {
		return text
	}
	if loc := re.FindStringIndex(text); loc != nil {
		return text[:loc[0]]
	}
	return text
}

// cleanSection strips detected noise lines and the built-in rules.
func cleanSection(text string, noise map[string]bool) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
lineLoop:
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if noise[trimmed] {
			continue
		}
		for _, re := range builtinNoise {
			if re.MatchString(trimmed) {
				continue lineLoop
			}
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// buildContextPath produces the human-readable breadcrumb carried on
// every child: "[Source: file] > h1 > h2".
func buildContextPath(source string, titles []string) string {
	var b strings.Builder
	b.WriteString("[Source: ")
	b.WriteString(source)
	b.WriteString("]")
	for _, t := range titles {
		if t == "" {
			continue
		}
		b.WriteString(" > ")
		b.WriteString(t)
	}
	return b.String()
}

// emitChildren splits section text into child chunks. Sections within
// 1.5x the chunk budget stay whole; larger ones go through the
// recursive character splitter.
func emitChildren(result *ingest.Result, text string, proto ingest.Chunk) {
	var pieces []string
	if len(text) <= MaxChunkSize+MaxChunkSize/2 {
		pieces = []string{text}
	} else {
		pieces = chunk.Split(text, MaxChunkSize, chunkOverlap)
	}

	for ordinal, piece := range pieces {
		c := proto
		c.ChildIndex = ordinal
		c.ChunkID = fmt.Sprintf("%s_%d", proto.ParentID, ordinal)
		c.Content = proto.Context + "\n\n" + piece
		result.Chunks = append(result.Chunks, c)
	}
}

// sanitizeTitle reduces a section title to a filesystem- and id-safe
// token, truncated to 50 characters.
func sanitizeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	s = strings.Trim(s, "_")
	if runes := []rune(s); len(runes) > 50 {
		s = string(runes[:50])
	}
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func baseName(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
