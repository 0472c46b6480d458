// Package retrieval implements the hybrid retriever: multi-query
// expansion, concurrent dense + sparse search fused with weighted
// Reciprocal Rank Fusion, source-priority filtering against the tool
// registry, cross-encoder reranking, and parent-window expansion.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pangpangai/ragqa/internal/lexical"
	"github.com/pangpangai/ragqa/internal/parentstore"
	"github.com/pangpangai/ragqa/internal/toolregistry"
	"github.com/pangpangai/ragqa/internal/vectorstore"
	"github.com/pangpangai/ragqa/llm"
)

// Config holds retriever configuration.
type Config struct {
	TopK          int     // nominal candidates per search (default 20)
	RerankTopN    int     // candidates surviving rerank (default 5)
	WeightVector  float64 // default dense RRF weight (0.5)
	WeightBM25    float64 // default sparse RRF weight (0.5)
	RerankEnabled bool
}

// Document is a retrieved child chunk. Key is the corpus-wide
// deduplication key "<source>_<chunk_id>" and must be identical
// between the dense and sparse branches.
type Document struct {
	Key        string
	ChunkKey   string
	ParentID   string
	Source     string
	Section    string
	Context    string
	Content    string
	PageNumber int
	Score      float64
	SourceRole string // "primary" or "supplementary", set by the source filter
	ToolLabel  string // display name of the matched tool, if any
}

// ParentDocument is the expanded generation context derived from a
// retrieved child: the full parent section text, or a window of it.
type ParentDocument struct {
	ParentID   string
	Source     string
	Section    string
	Content    string
	IsWindowed bool
	SourceRole string
	ToolLabel  string
}

// Retriever runs the hybrid pipeline over the dual-modality index.
type Retriever struct {
	store    *vectorstore.Store
	index    *lexical.Index
	parents  *parentstore.Store
	registry *toolregistry.Registry
	embedder llm.Provider
	chat     llm.Provider
	reranker llm.Reranker
	cfg      Config
}

// New creates a retriever. reranker may be nil (reranking disabled);
// chat may be nil (multi-query expansion disabled).
func New(store *vectorstore.Store, index *lexical.Index, parents *parentstore.Store,
	registry *toolregistry.Registry, embedder, chat llm.Provider, reranker llm.Reranker, cfg Config) *Retriever {
	if cfg.TopK == 0 {
		cfg.TopK = 20
	}
	if cfg.RerankTopN == 0 {
		cfg.RerankTopN = 5
	}
	if cfg.WeightVector == 0 {
		cfg.WeightVector = 0.5
	}
	if cfg.WeightBM25 == 0 {
		cfg.WeightBM25 = 0.5
	}
	return &Retriever{
		store:    store,
		index:    index,
		parents:  parents,
		registry: registry,
		embedder: embedder,
		chat:     chat,
		reranker: reranker,
		cfg:      cfg,
	}
}

// Search runs stages 1-5 of the pipeline: expansion, per-query hybrid
// search, cross-query union, source filtering, reranking. Parent
// expansion (stage 6) is separate — the agentic grader operates on
// these focused children and expansion happens just before generation.
func (r *Retriever) Search(ctx context.Context, query, originalQuestion string) ([]Document, error) {
	searchStart := time.Now()

	queries := r.expandQueries(ctx, query, originalQuestion)

	// Observed behavior carried from the source system: the per-query
	// budget shrinks with the number of rewrites. Treated as a tuning
	// parameter, not a law.
	perQueryK := r.cfg.TopK/len(queries) + 5

	merged := make(map[string]*Document)
	var order []string

	for _, q := range queries {
		results, err := r.searchOne(ctx, q, perQueryK)
		if err != nil {
			slog.Warn("retrieval: query variant failed, skipping", "query", q, "error", err)
			continue
		}
		// Cross-query union: canonicalize by key, first-seen document
		// wins, preserving best-seen order.
		for _, d := range results {
			if existing, ok := merged[d.Key]; ok {
				if d.Score > existing.Score {
					existing.Score = d.Score
				}
				continue
			}
			doc := d
			merged[d.Key] = &doc
			order = append(order, d.Key)
		}
	}

	if len(order) == 0 {
		return nil, nil
	}

	docs := make([]Document, 0, len(order))
	for _, key := range order {
		docs = append(docs, *merged[key])
	}

	docs = r.filterBySource(query, docs)
	docs = r.rerank(ctx, query, docs)

	slog.Debug("retrieval: search complete",
		"queries", len(queries), "candidates", len(order), "returned", len(docs),
		"elapsed", time.Since(searchStart).Round(time.Millisecond))
	return docs, nil
}

// searchOne runs dense and sparse search concurrently for one query
// and fuses the two rankings with weighted RRF.
func (r *Retriever) searchOne(ctx context.Context, query string, k int) ([]Document, error) {
	wVec, wBM25 := r.adaptiveWeights(query)

	type denseResult struct {
		results []vectorstore.RetrievalResult
		err     error
	}
	type sparseResult struct {
		results []Document
		err     error
	}

	denseCh := make(chan denseResult, 1)
	sparseCh := make(chan sparseResult, 1)

	go func() {
		res, err := r.denseSearch(ctx, query, k)
		denseCh <- denseResult{res, err}
	}()
	go func() {
		res, err := r.sparseSearch(ctx, query, k)
		sparseCh <- sparseResult{res, err}
	}()

	dense := <-denseCh
	sparse := <-sparseCh

	if dense.err != nil && sparse.err != nil {
		return nil, fmt.Errorf("dense search: %v; sparse search: %w", dense.err, sparse.err)
	}
	if dense.err != nil {
		slog.Warn("retrieval: dense search failed, sparse only", "error", dense.err)
	}
	if sparse.err != nil {
		slog.Warn("retrieval: sparse search failed, dense only", "error", sparse.err)
	}

	denseDocs := make([]Document, len(dense.results))
	for i, res := range dense.results {
		denseDocs[i] = fromStore(res)
	}

	return fuseRRF(denseDocs, sparse.results, wVec, wBM25, k), nil
}

func (r *Retriever) denseSearch(ctx context.Context, query string, k int) ([]vectorstore.RetrievalResult, error) {
	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return r.store.VectorSearch(ctx, embeddings[0], k)
}

// sparseSearch ranks with the domain BM25 index and joins the hits
// back to chunk rows. When the BM25 index is empty (cache rebuilding),
// the store's FTS5 table serves as the fallback sparse ranking.
func (r *Retriever) sparseSearch(ctx context.Context, query string, k int) ([]Document, error) {
	if r.index.Count() == 0 {
		results, err := r.store.FTSSearch(ctx, query, k)
		if err != nil {
			return nil, err
		}
		docs := make([]Document, len(results))
		for i, res := range results {
			docs[i] = fromStore(res)
		}
		return docs, nil
	}

	hits := r.index.Search(query, k)
	if len(hits) == 0 {
		return nil, nil
	}

	keys := make([]string, len(hits))
	for i, h := range hits {
		keys[i] = h.ID
	}
	rows, err := r.store.ChunksByKeys(ctx, keys)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(hits))
	for _, h := range hits {
		row, ok := rows[h.ID]
		if !ok {
			continue
		}
		d := fromStore(row)
		d.Score = h.Score
		docs = append(docs, d)
	}
	return docs, nil
}

// rerank sends the candidates through the cross-encoder and reorders
// them, keeping the top-n. Any failure keeps the fused order.
func (r *Retriever) rerank(ctx context.Context, query string, docs []Document) []Document {
	if !r.cfg.RerankEnabled || r.reranker == nil || len(docs) == 0 {
		return docs
	}

	contents := make([]string, len(docs))
	for i, d := range docs {
		contents[i] = d.Content
	}

	results, err := r.reranker.Rerank(ctx, query, contents, r.cfg.RerankTopN)
	if err != nil {
		slog.Warn("retrieval: rerank failed, keeping fused order", "error", err)
		return docs
	}

	reordered := make([]Document, 0, len(results))
	for _, res := range results {
		d := docs[res.Index]
		d.Score = res.Score
		reordered = append(reordered, d)
	}
	return reordered
}

// fromStore converts a store row into a retrieval document with the
// canonical dedup key.
func fromStore(r vectorstore.RetrievalResult) Document {
	return Document{
		Key:        r.Source + "_" + r.ChunkKey,
		ChunkKey:   r.ChunkKey,
		ParentID:   r.ParentID,
		Source:     r.Source,
		Section:    r.Section,
		Context:    r.Context,
		Content:    r.Content,
		PageNumber: r.PageNumber,
		Score:      r.Score,
	}
}
