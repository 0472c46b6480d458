package ragqa

import (
	"path/filepath"

	"github.com/pangpangai/ragqa/llm"
)

// Config holds all configuration for the RAG engine. Env overrides are
// applied at the process entrypoint (cmd/server).
type Config struct {
	// DataDir is the root for all persisted state: the vector store,
	// the lexical-index cache, the parent map, the tool registry, and
	// the chat history log.
	DataDir string `json:"data_dir"`

	// LLM providers
	Chat      llm.Config `json:"chat"`
	Embedding llm.Config `json:"embedding"`
	Rerank    llm.Config `json:"rerank"`

	RerankEnabled bool `json:"rerank_enabled"`

	// Retrieval
	RetrievalTopK int     `json:"retrieval_top_k"`
	RerankTopN    int     `json:"rerank_top_n"`
	VectorWeight  float64 `json:"vector_weight"`
	BM25Weight    float64 `json:"bm25_weight"`

	// Chunking (Markdown parser; the PDF parser carries its own
	// outline-driven budget)
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`

	// EmbeddingDim must match the embedding model.
	EmbeddingDim int `json:"embedding_dim"`

	// WorkerPool bounds concurrent background ingestions.
	WorkerPool int `json:"worker_pool"`

	// Server
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DefaultConfig returns a Config with the documented defaults and
// local inference endpoints.
func DefaultConfig() Config {
	return Config{
		DataDir: "./data",
		Chat: llm.Config{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: llm.Config{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		Rerank: llm.Config{
			Provider: "custom",
			Model:    "bge-reranker-v2-m3",
		},
		RerankEnabled: false,
		RetrievalTopK: 20,
		RerankTopN:    5,
		VectorWeight:  0.5,
		BM25Weight:    0.5,
		ChunkSize:     500,
		ChunkOverlap:  100,
		EmbeddingDim:  768,
		WorkerPool:    2,
		Host:          "0.0.0.0",
		Port:          8000,
	}
}

// Persisted state layout under DataDir.

func (c *Config) vectorDir() string      { return filepath.Join(c.DataDir, "vector_db") }
func (c *Config) vectorDBPath() string   { return filepath.Join(c.vectorDir(), "ragqa.db") }
func (c *Config) bm25CachePath() string  { return filepath.Join(c.vectorDir(), "bm25_index.gob") }
func (c *Config) parentDocsPath() string { return filepath.Join(c.DataDir, "parent_docs.json") }
func (c *Config) toolsConfigPath() string {
	return filepath.Join(c.DataDir, "tools_config.json")
}
func (c *Config) historyPath() string { return filepath.Join(c.DataDir, "chat_history.db") }

// termsDictPath is the optional domain tokenizer dictionary; a missing
// file just disables dictionary segmentation.
func (c *Config) termsDictPath() string { return filepath.Join(c.DataDir, "eda_terms.txt") }
