// Package ragqa is a retrieval-augmented question-answering engine for
// technical documentation: structure-aware ingestion of PDF and
// Markdown into a dual-modality index (dense vectors + BM25), hybrid
// retrieval with reciprocal-rank fusion and reranking, and linear or
// agentic answering through a pluggable LLM.
package ragqa

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pangpangai/ragqa/internal/agent"
	"github.com/pangpangai/ragqa/internal/history"
	"github.com/pangpangai/ragqa/internal/ingest"
	"github.com/pangpangai/ragqa/internal/ingest/mdparse"
	"github.com/pangpangai/ragqa/internal/ingest/pdfparse"
	"github.com/pangpangai/ragqa/internal/lexical"
	"github.com/pangpangai/ragqa/internal/parentstore"
	"github.com/pangpangai/ragqa/internal/retrieval"
	"github.com/pangpangai/ragqa/internal/task"
	"github.com/pangpangai/ragqa/internal/toolregistry"
	"github.com/pangpangai/ragqa/internal/vectorstore"
	"github.com/pangpangai/ragqa/llm"
)

// embedBatchSize is the embedding API's input cap per call.
const embedBatchSize = 16

// insertBatchSize caps how many chunks go into one store insertion.
const insertBatchSize = 4000

// Document describes an ingested document for listing.
type Document struct {
	ID        int64  `json:"id"`
	Filename  string `json:"filename"`
	Format    string `json:"format"`
	Status    string `json:"status"`
	Chunks    int    `json:"chunks"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Engine wires the ingestion pipeline, the dual index, the hybrid
// retriever, and the agentic controller behind one facade.
type Engine struct {
	cfg Config

	store    *vectorstore.Store
	index    *lexical.Index
	parents  *parentstore.Store
	registry *toolregistry.Registry
	history  *history.Store

	chatLLM  llm.Provider
	embedLLM llm.Provider
	reranker llm.Reranker

	retriever  *retrieval.Retriever
	controller *agent.Controller
	tasks      *task.Manager

	parsers map[string]ingest.Parser

	// indexMu serializes lexical rebuild+persist across sources;
	// different sources may otherwise ingest in parallel.
	indexMu sync.Mutex
}

// New creates an engine, opening all persisted state under
// cfg.DataDir. The lexical index is loaded from its cache when it
// agrees with the vector store's document count, and rebuilt from the
// store otherwise.
func New(cfg Config) (*Engine, error) {
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}

	store, err := vectorstore.New(cfg.vectorDBPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	chatLLM, err := llm.NewProvider(cfg.Chat)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}
	embedLLM, err := llm.NewProvider(cfg.Embedding)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	var reranker llm.Reranker
	if cfg.RerankEnabled {
		reranker = llm.NewReranker(cfg.Rerank)
	}

	tok, err := lexical.NewTokenizer(cfg.termsDictPath())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading tokenizer dictionary: %w", err)
	}

	ctx := context.Background()
	index, ok, err := lexical.Load(ctx, cfg.bm25CachePath(), tok, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading lexical index: %w", err)
	}
	if !ok {
		index = lexical.New(tok)
		docs, err := store.AllChunkDocs(ctx)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("rebuilding lexical index: %w", err)
		}
		if len(docs) > 0 {
			lexDocs := make([]lexical.Doc, len(docs))
			for i, d := range docs {
				lexDocs[i] = lexical.Doc{ID: d.ChunkID, Content: d.Content}
			}
			index.Add(lexDocs)
			if err := index.Save(cfg.bm25CachePath()); err != nil {
				slog.Warn("lexical cache save failed, continuing in memory", "error", err)
			}
			slog.Info("lexical index rebuilt from vector store", "documents", len(docs))
		}
	}

	parents, err := parentstore.Open(cfg.parentDocsPath())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening parent map: %w", err)
	}

	registry, err := toolregistry.Open(cfg.toolsConfigPath())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening tool registry: %w", err)
	}

	hist, err := history.Open(cfg.historyPath())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening chat history: %w", err)
	}

	retriever := retrieval.New(store, index, parents, registry, embedLLM, chatLLM, reranker, retrieval.Config{
		TopK:          cfg.RetrievalTopK,
		RerankTopN:    cfg.RerankTopN,
		WeightVector:  cfg.VectorWeight,
		WeightBM25:    cfg.BM25Weight,
		RerankEnabled: cfg.RerankEnabled,
	})

	return &Engine{
		cfg:        cfg,
		store:      store,
		index:      index,
		parents:    parents,
		registry:   registry,
		history:    hist,
		chatLLM:    chatLLM,
		embedLLM:   embedLLM,
		reranker:   reranker,
		retriever:  retriever,
		controller: agent.New(retriever, chatLLM),
		tasks:      task.NewManager(cfg.WorkerPool),
		parsers: map[string]ingest.Parser{
			"pdf":      pdfparse.New(),
			"md":       mdparse.NewSized(cfg.ChunkSize, cfg.ChunkOverlap),
			"markdown": mdparse.NewSized(cfg.ChunkSize, cfg.ChunkOverlap),
		},
	}, nil
}

// Close shuts the engine down, waiting for background ingestions.
func (e *Engine) Close() error {
	e.tasks.Close()
	e.history.Close()
	return e.store.Close()
}

// SupportedExtension reports whether the filename's extension is an
// accepted upload format.
func (e *Engine) SupportedExtension(filename string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	_, ok := e.parsers[ext]
	return ok
}

// Ingest parses the staged file, writes children to the vector store
// and the lexical index, and stores parents in the parent map. Returns
// the number of chunks created; a skipped (garbled/scanned/no-outline)
// document returns 0 with no error and leaves the corpus unchanged.
func (e *Engine) Ingest(ctx context.Context, path, filename string) (int, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	parser, ok := e.parsers[ext]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	hash, err := fileHash(path)
	if err != nil {
		return 0, fmt.Errorf("hashing file: %w", err)
	}

	slog.Info("ingest: parsing document", "file", filename, "format", ext)
	parseStart := time.Now()

	parsed, err := parser.Parse(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}

	slog.Info("ingest: parsing complete",
		"file", filename, "method", parsed.Method,
		"parents", len(parsed.Parents), "chunks", len(parsed.Chunks),
		"elapsed", time.Since(parseStart).Round(time.Millisecond))

	if len(parsed.Chunks) == 0 {
		return 0, nil
	}

	docID, err := e.store.UpsertDocument(ctx, vectorstore.Document{
		Path:        path,
		Filename:    filename,
		Format:      ext,
		ContentHash: hash,
		ParseMethod: parsed.Method,
		Status:      "processing",
	})
	if err != nil {
		return 0, fmt.Errorf("upserting document: %w", err)
	}

	// Re-ingest: drop the previous generation of chunks first.
	if err := e.store.DeleteDocumentData(ctx, docID); err != nil {
		return 0, fmt.Errorf("cleaning old data: %w", err)
	}

	chunkIDs, err := e.insertChunks(ctx, docID, parsed.Chunks)
	if err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, "error")
		return 0, fmt.Errorf("inserting chunks: %w", err)
	}

	slog.Info("ingest: generating embeddings", "file", filename, "chunks", len(parsed.Chunks))
	embedStart := time.Now()
	if err := e.embedChunks(ctx, parsed.Chunks, chunkIDs); err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, "error")
		return 0, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	slog.Info("ingest: embeddings complete",
		"file", filename, "elapsed", time.Since(embedStart).Round(time.Millisecond))

	if err := e.parents.PutAll(filename, parsed.Parents); err != nil {
		slog.Warn("ingest: parent map persistence failed, in-memory state kept", "error", err)
	}

	// The lexical index must end up with the same chunk id-set as the
	// vector store; the rebuild step is serialized across sources.
	e.indexMu.Lock()
	lexDocs := make([]lexical.Doc, len(parsed.Chunks))
	for i, c := range parsed.Chunks {
		lexDocs[i] = lexical.Doc{ID: c.ChunkID, Content: c.Content}
	}
	e.index.Add(lexDocs)
	if err := e.index.Save(e.cfg.bm25CachePath()); err != nil {
		slog.Warn("ingest: lexical cache save failed, in-memory state kept", "error", err)
	}
	e.indexMu.Unlock()

	e.store.UpdateDocumentStatus(ctx, docID, "ready")
	slog.Info("ingest: document ready",
		"file", filename, "doc_id", docID, "chunks", len(parsed.Chunks),
		"total_elapsed", time.Since(parseStart).Round(time.Millisecond))
	return len(parsed.Chunks), nil
}

// insertChunks writes children to the store in batches and returns
// their database row ids, in input order.
func (e *Engine) insertChunks(ctx context.Context, docID int64, chunks []ingest.Chunk) ([]int64, error) {
	ids := make([]int64, 0, len(chunks))
	for start := 0; start < len(chunks); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		batch := make([]vectorstore.Chunk, end-start)
		for i, c := range chunks[start:end] {
			batch[i] = vectorstore.Chunk{
				DocumentID: docID,
				ChunkID:    c.ChunkID,
				ParentID:   c.ParentID,
				Source:     c.Source,
				Section:    c.Section,
				Context:    c.Context,
				Content:    c.Content,
				PageNumber: c.PageNumber,
				ChildIndex: c.ChildIndex,
			}
		}
		batchIDs, err := e.store.InsertChunks(ctx, batch)
		if err != nil {
			return nil, err
		}
		ids = append(ids, batchIDs...)
	}
	return ids, nil
}

// embedChunks generates embeddings in API-sized batches. A failing
// batch falls back to per-text embedding so one oversized text does
// not lose its whole batch.
func (e *Engine) embedChunks(ctx context.Context, chunks []ingest.Chunk, chunkIDs []int64) error {
	var failed int

	for i := 0; i < len(chunks); i += embedBatchSize {
		end := i + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			texts[j-i] = chunks[j].Content
		}

		embeddings, err := e.embedLLM.Embed(ctx, texts)
		if err != nil {
			slog.Warn("embedding batch failed, falling back to individual",
				"batch_start", i, "batch_end", end, "error", err)
			for j, text := range texts {
				single, serr := e.embedLLM.Embed(ctx, []string{text})
				if serr != nil || len(single) == 0 || len(single[0]) == 0 {
					slog.Warn("embedding single text failed", "chunk_id", chunkIDs[i+j], "error", serr)
					failed++
					continue
				}
				if serr := e.store.InsertEmbedding(ctx, chunkIDs[i+j], single[0]); serr != nil {
					slog.Warn("storing embedding failed", "chunk_id", chunkIDs[i+j], "error", serr)
					failed++
				}
			}
			continue
		}

		for j, emb := range embeddings {
			if err := e.store.InsertEmbedding(ctx, chunkIDs[i+j], emb); err != nil {
				slog.Warn("storing embedding failed", "chunk_id", chunkIDs[i+j], "error", err)
				failed++
			}
		}
	}

	if failed == len(chunks) {
		return fmt.Errorf("all %d chunks failed embedding", len(chunks))
	}
	if failed > 0 {
		slog.Warn("some embeddings failed", "failed", failed, "total", len(chunks))
	}
	return nil
}

// SubmitIngest stages an async ingestion task for an uploaded file.
func (e *Engine) SubmitIngest(filename, tempPath string) *task.Task {
	return e.tasks.Submit(filename, tempPath, e.Ingest)
}

// Task returns a task snapshot by id.
func (e *Engine) Task(id string) (*task.Task, bool) { return e.tasks.Get(id) }

// Tasks lists all tasks, newest first.
func (e *Engine) Tasks() []*task.Task { return e.tasks.List() }

// Delete removes a document by filename: its chunks and embeddings,
// its parent entries, and its lexical-index documents.
func (e *Engine) Delete(ctx context.Context, filename string) error {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return err
	}
	var found *vectorstore.Document
	for i := range docs {
		if docs[i].Filename == filename {
			found = &docs[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, filename)
	}

	if err := e.store.DeleteDocument(ctx, found.ID); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if err := e.parents.DeleteSource(filename); err != nil {
		slog.Warn("delete: parent map persistence failed", "error", err)
	}

	// The lexical index has no per-source delete; rebuild it from the
	// store, which is now the source of truth.
	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	e.index.Clear()
	remaining, err := e.store.AllChunkDocs(ctx)
	if err != nil {
		return fmt.Errorf("rebuilding lexical index: %w", err)
	}
	if len(remaining) > 0 {
		lexDocs := make([]lexical.Doc, len(remaining))
		for i, d := range remaining {
			lexDocs[i] = lexical.Doc{ID: d.ChunkID, Content: d.Content}
		}
		e.index.Add(lexDocs)
		if err := e.index.Save(e.cfg.bm25CachePath()); err != nil {
			slog.Warn("delete: lexical cache save failed", "error", err)
		}
	} else {
		if err := lexical.Remove(e.cfg.bm25CachePath()); err != nil {
			slog.Warn("delete: lexical cache removal failed", "error", err)
		}
	}

	slog.Info("document deleted", "file", filename, "doc_id", found.ID)
	return nil
}

// Documents lists ingested documents, newest first.
func (e *Engine) Documents(ctx context.Context) ([]Document, error) {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Document, len(docs))
	for i, d := range docs {
		chunks, err := e.store.GetChunksByDocument(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		out[i] = Document{
			ID:        d.ID,
			Filename:  d.Filename,
			Format:    d.Format,
			Status:    d.Status,
			Chunks:    len(chunks),
			CreatedAt: d.CreatedAt,
			UpdatedAt: d.UpdatedAt,
		}
	}
	return out, nil
}

// ToolEntry is a tool registry entry as surfaced by discovery.
type ToolEntry = toolregistry.Entry

// DiscoverTools scans the parent map's sources for files no tool
// claims and extends the registry.
func (e *Engine) DiscoverTools() ([]ToolEntry, error) {
	return e.registry.Discover(e.parents.Sources())
}

// History exposes the conversation log to the server surface.
func (e *Engine) History() *history.Store { return e.history }

// Ready reports whether the retriever is initialized, for the health
// endpoint.
func (e *Engine) Ready() bool { return e.retriever != nil }

// fileHash computes the SHA-256 hash of a file's content.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
