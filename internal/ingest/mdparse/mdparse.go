// Package mdparse implements the header-aware Markdown parser.
// Headings carve the document into parent sections; oversized sections
// go through the shared recursive splitter. Parent ids embed the full
// heading path: `<file>::<"h1 > h2 > h3">`.
package mdparse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/pangpangai/ragqa/internal/ingest"
	"github.com/pangpangai/ragqa/internal/ingest/chunk"
)

const (
	// DefaultSectionSize is the size above which a section is further
	// split; sections at or below it are kept whole.
	DefaultSectionSize = 500

	// DefaultOverlap is the trailing context carried between fragments.
	DefaultOverlap = 100
)

// Parser parses Markdown files into child chunks and a parent map.
type Parser struct {
	md      goldmark.Markdown
	size    int
	overlap int
}

func New() *Parser {
	return NewSized(DefaultSectionSize, DefaultOverlap)
}

// NewSized creates a parser with an explicit section budget and
// overlap, wired from configuration.
func NewSized(size, overlap int) *Parser {
	if size <= 0 {
		size = DefaultSectionSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap
	}
	return &Parser{md: goldmark.New(), size: size, overlap: overlap}
}

func (p *Parser) SupportedFormats() []string { return []string{"md", "markdown"} }

// Parse splits the file on headings. Any failure past reading the file
// degrades to a flat split with synthetic parent ids rather than
// losing the document.
func (p *Parser) Parse(ctx context.Context, path string) (*ingest.Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ingest.ParseError{Path: path, Err: err}
	}
	source := filepath.Base(path)

	result, err := p.splitByHeadings(source, raw)
	if err != nil {
		slog.Warn("mdparse: header-aware split failed, falling back to flat split",
			"file", source, "error", err)
		return p.flatSplit(source, string(raw)), nil
	}
	return result, nil
}

// section is one heading's span before child emission.
type section struct {
	path  []string // live heading titles, outermost first
	title string
	body  string
}

func (p *Parser) splitByHeadings(source string, raw []byte) (result *ingest.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during markdown walk: %v", r)
		}
	}()

	doc := p.md.Parser().Parse(text.NewReader(raw))

	type headingMark struct {
		level     int
		title     string
		lineStart int // byte offset of the heading line
		bodyStart int // byte offset just past the heading line
	}

	var marks []headingMark
	walkErr := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		seg := h.Lines().At(h.Lines().Len() - 1)
		marks = append(marks, headingMark{
			level:     h.Level,
			title:     strings.TrimSpace(string(h.Text(raw))),
			lineStart: lineStartBefore(raw, h.Lines().At(0).Start),
			bodyStart: lineEndAfter(raw, seg.Stop),
		})
		return ast.WalkContinue, nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if len(marks) == 0 {
		return nil, fmt.Errorf("no headings found")
	}

	var sections []section

	// Content before the first heading keeps an empty path.
	if pre := strings.TrimSpace(string(raw[:marks[0].lineStart])); pre != "" {
		sections = append(sections, section{body: pre})
	}

	var stack []string
	for i, m := range marks {
		if m.level <= len(stack) {
			stack = stack[:m.level-1]
		}
		for len(stack) < m.level-1 {
			stack = append(stack, "")
		}
		stack = append(stack, m.title)

		end := len(raw)
		if i+1 < len(marks) {
			end = marks[i+1].lineStart
		}
		body := strings.TrimSpace(string(raw[m.bodyStart:end]))
		if body == "" {
			continue
		}
		sections = append(sections, section{
			path:  append([]string(nil), stack...),
			title: m.title,
			body:  body,
		})
	}

	result = &ingest.Result{Parents: make(map[string]string, len(sections)), Method: "markdown"}
	for _, s := range sections {
		p.emitSection(result, source, s)
	}
	return result, nil
}

// emitSection stores the parent text and splits the body into children
// when it exceeds the section budget.
func (p *Parser) emitSection(result *ingest.Result, source string, s section) {
	headingPath := joinPath(s.path)
	parentID := source + "::" + headingPath
	result.Parents[parentID] = s.body

	contextPath := "[Source: " + source + "]"
	if headingPath != "" {
		contextPath += " > " + headingPath
	}

	var pieces []string
	if len(s.body) > p.size {
		pieces = chunk.Split(s.body, p.size, p.overlap)
	} else {
		pieces = []string{s.body}
	}

	for ordinal, piece := range pieces {
		result.Chunks = append(result.Chunks, ingest.Chunk{
			Content:    contextPath + "\n\n" + piece,
			Source:     source,
			ParentID:   parentID,
			Section:    s.title,
			Context:    contextPath,
			ChunkID:    fmt.Sprintf("%s_%d", parentID, ordinal),
			ChildIndex: ordinal,
		})
	}
}

// flatSplit is the degradation path: split the whole document and give
// each piece a synthetic parent of its own.
func (p *Parser) flatSplit(source, content string) *ingest.Result {
	pieces := chunk.Split(content, p.size, p.overlap)
	result := &ingest.Result{Parents: make(map[string]string, len(pieces)), Method: "markdown-flat"}
	contextPath := "[Source: " + source + "]"

	for i, piece := range pieces {
		parentID := fmt.Sprintf("%s::chunk_%03d", source, i)
		result.Parents[parentID] = piece
		result.Chunks = append(result.Chunks, ingest.Chunk{
			Content:    contextPath + "\n\n" + piece,
			Source:     source,
			ParentID:   parentID,
			Section:    "",
			Context:    contextPath,
			ChunkID:    parentID + "_0",
			ChildIndex: 0,
		})
	}
	return result
}

func joinPath(path []string) string {
	var parts []string
	for _, p := range path {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " > ")
}

// lineStartBefore backtracks from offset to the start of its line.
func lineStartBefore(raw []byte, offset int) int {
	for offset > 0 && raw[offset-1] != '\n' {
		offset--
	}
	return offset
}

// lineEndAfter advances from offset past the end of its line.
func lineEndAfter(raw []byte, offset int) int {
	for offset < len(raw) && raw[offset] != '\n' {
		offset++
	}
	if offset < len(raw) {
		offset++
	}
	return offset
}
