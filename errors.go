package ragqa

import "errors"

var (
	// ErrDocumentNotFound is returned when a document name does not exist.
	ErrDocumentNotFound = errors.New("ragqa: document not found")

	// ErrUnsupportedFormat is returned for file formats outside PDF/Markdown.
	ErrUnsupportedFormat = errors.New("ragqa: unsupported document format")

	// ErrParsingFailed is returned when document parsing fails.
	ErrParsingFailed = errors.New("ragqa: parsing failed")

	// ErrEmbeddingFailed is returned when embedding generation fails.
	ErrEmbeddingFailed = errors.New("ragqa: embedding generation failed")

	// ErrLLMRequestFailed is returned when an LLM request fails.
	ErrLLMRequestFailed = errors.New("ragqa: LLM request failed")

	// ErrTaskNotFound is returned when polling an unknown task id.
	ErrTaskNotFound = errors.New("ragqa: task not found")
)
