// Package ingest holds the document and section types shared by the
// PDF and Markdown parsers (internal/ingest/pdfparse,
// internal/ingest/mdparse) and the recursive splitter they both use
// (internal/ingest/chunk).
package ingest

import "context"

// Chunk is a child chunk as emitted by a parser: the unit of
// indexing and retrieval. Content is already prefixed with the
// breadcrumb Context path; ParentID resolves in the parent map the
// same parse produced.
type Chunk struct {
	Content    string
	Source     string
	ParentID   string
	Section    string
	Context    string
	ChunkID    string // "<parent_id>_<ordinal>", unique across the corpus
	ChildIndex int
	PageNumber int
}

// Result is what a parser produces from a document file: ordered child
// chunks plus the parent map (parent_id -> full cleaned section text).
type Result struct {
	Chunks  []Chunk
	Parents map[string]string
	Method  string // "pdf-outline", "pdf-garbled", "pdf-scanned", "markdown", "markdown-flat"
}

// Parser can parse a specific document format into chunks and parents.
type Parser interface {
	Parse(ctx context.Context, path string) (*Result, error)
	SupportedFormats() []string
}

// ParseError wraps an unreadable-document failure. A PDF with no
// extractable outline is not an error: it yields an empty result so
// the caller can fall back to a flat chunker.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "ingest: parsing " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }
