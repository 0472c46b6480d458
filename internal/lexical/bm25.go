// Package lexical implements the sparse half of the hybrid index:
// a domain-aware tokenizer feeding a classic Okapi BM25 ranking index,
// with atomic on-disk persistence and a vector-store-count consistency
// check on load.
package lexical

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	k1 = 1.5
	b  = 0.75
)

// Doc is one document (child chunk) added to the index.
type Doc struct {
	ID      string // corpus-unique chunk_id
	Content string
}

// Result is a scored search hit, sorted descending by Score.
type Result struct {
	ID    string
	Score float64
}

// Counter reports how many documents a backing store holds, used by
// Load's consistency check.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// IDSampler optionally exposes the backing store's sampled chunk ids
// (10 each from the head, middle, and tail of the corpus in insertion
// order). When the Counter passed to Load also implements it, the
// cache's stored sample hash is checked against the store's ids as an
// extra integrity signal. A mismatch is logged, not load-gating.
type IDSampler interface {
	SampleChunkIDs(ctx context.Context) ([]string, error)
}

// Index is an in-memory BM25 index over tokenized documents.
type Index struct {
	mu sync.RWMutex

	tok *Tokenizer

	ids      []string // insertion order, parallel to docLens
	docLens  []int
	avgLen   float64
	postings map[string]map[int]int // term -> docIndex -> term frequency
	idOf     map[string]int         // chunk_id -> docIndex, for delete/rebuild
}

// New creates an empty index using the given tokenizer (nil uses a
// bare tokenizer with no domain dictionary).
func New(tok *Tokenizer) *Index {
	if tok == nil {
		tok, _ = NewTokenizer("")
	}
	return &Index{
		tok:      tok,
		postings: make(map[string]map[int]int),
		idOf:     make(map[string]int),
	}
}

// Add appends documents to the index and rebuilds term statistics.
// Callers must not invoke Add concurrently for the same source; the
// index itself serializes the rebuild step with its own mutex.
func (ix *Index) Add(docs []Doc) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, d := range docs {
		if _, exists := ix.idOf[d.ID]; exists {
			continue
		}
		idx := len(ix.ids)
		ix.ids = append(ix.ids, d.ID)
		ix.idOf[d.ID] = idx

		tokens := ix.tok.Tokenize(d.Content)
		ix.docLens = append(ix.docLens, len(tokens))

		tf := make(map[string]int, len(tokens))
		for _, tkn := range tokens {
			tf[tkn]++
		}
		for term, count := range tf {
			if ix.postings[term] == nil {
				ix.postings[term] = make(map[int]int)
			}
			ix.postings[term][idx] = count
		}
	}
	ix.recomputeAvgLen()
}

func (ix *Index) recomputeAvgLen() {
	if len(ix.docLens) == 0 {
		ix.avgLen = 0
		return
	}
	var total int
	for _, l := range ix.docLens {
		total += l
	}
	ix.avgLen = float64(total) / float64(len(ix.docLens))
}

// Count returns the number of documents currently indexed.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// Clear wipes the in-memory index. The caller is responsible for also
// removing the cache file via Remove.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.ids = nil
	ix.docLens = nil
	ix.avgLen = 0
	ix.postings = make(map[string]map[int]int)
	ix.idOf = make(map[string]int)
}

// Search returns the top-k documents ranked by BM25 score, descending.
func (ix *Index) Search(query string, k int) []Result {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.ids) == 0 {
		return nil
	}

	terms := ix.tok.Tokenize(query)
	scores := make(map[int]float64)
	n := float64(len(ix.ids))

	for _, term := range terms {
		posting := ix.postings[term]
		if len(posting) == 0 {
			continue
		}
		// idf = ln(1 + (N - df + 0.5)/(df + 0.5))
		df := float64(len(posting))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))

		for docIdx, freq := range posting {
			dl := float64(ix.docLens[docIdx])
			f := float64(freq)
			denom := f + k1*(1-b+b*dl/ix.avgLenOrOne())
			scores[docIdx] += idf * (f * (k1 + 1)) / denom
		}
	}

	results := make([]Result, 0, len(scores))
	for docIdx, score := range scores {
		results = append(results, Result{ID: ix.ids[docIdx], Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

func (ix *Index) avgLenOrOne() float64 {
	if ix.avgLen == 0 {
		return 1
	}
	return ix.avgLen
}

// snapshot is the gob-encoded on-disk representation of an Index.
// SampleHash covers the first/middle/last 10 ids and lets Load detect
// a cache whose id sequence diverged from the backing store even when
// the counts happen to agree.
type snapshot struct {
	IDs        []string
	DocLens    []int
	Postings   map[string]map[int]int
	SampleHash string
}

// sampleWindowLen is how many ids each sample window (head, middle,
// tail) contributes to the integrity hash.
const sampleWindowLen = 10

// SampleOffsets returns the insertion-order offsets of the three
// sample windows for a corpus of n documents: head, middle, and tail.
// Backing stores mirror this to produce comparable samples.
func SampleOffsets(n int) []int {
	mid := n/2 - sampleWindowLen/2
	if mid < 0 {
		mid = 0
	}
	tail := n - sampleWindowLen
	if tail < 0 {
		tail = 0
	}
	return []int{0, mid, tail}
}

// sampleIDs concatenates up to 10 ids from each of the head, middle,
// and tail of the id list, in insertion order.
func sampleIDs(ids []string) []string {
	n := len(ids)
	if n == 0 {
		return nil
	}
	var out []string
	for _, off := range SampleOffsets(n) {
		end := off + sampleWindowLen
		if end > n {
			end = n
		}
		out = append(out, ids[off:end]...)
	}
	return out
}

func sampleHash(ids []string) string {
	return hashOf(sampleIDs(ids))
}

func hashOf(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])
}

// Save atomically persists the index to path (temp file + rename).
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	snap := snapshot{
		IDs:        ix.ids,
		DocLens:    ix.docLens,
		Postings:   ix.postings,
		SampleHash: sampleHash(ix.ids),
	}
	ix.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("encoding lexical index: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".bm25-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Load reads a persisted index from path and validates it against the
// backing store's current document count. If the counts diverge, Load
// returns ok=false and a nil index so the caller can rebuild from the
// vector store's stored documents and metadata: consistency drift is
// recoverable, not an error.
func Load(ctx context.Context, path string, tok *Tokenizer, counter Counter) (idx *Index, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, false, nil // corrupt cache: treat as absent, rebuild
	}

	expected, err := counter.Count(ctx)
	if err != nil {
		return nil, false, err
	}
	if expected != len(snap.IDs) {
		return nil, false, nil
	}

	// Counts agree; when the store can be sampled, also compare the
	// sampled-id hash. Divergence means the cache was built from a
	// different id sequence, which search would surface as wrong
	// results rather than errors, so it is worth a loud warning.
	if sampler, hasSampler := counter.(IDSampler); hasSampler && snap.SampleHash != "" {
		storeIDs, serr := sampler.SampleChunkIDs(ctx)
		if serr != nil {
			slog.Warn("lexical: sampling backing store for integrity check failed", "error", serr)
		} else if got := hashOf(storeIDs); got != snap.SampleHash {
			slog.Warn("lexical: cache sample hash diverges from backing store",
				"cached", snap.SampleHash, "store", got)
		}
	}

	idOf := make(map[string]int, len(snap.IDs))
	for i, id := range snap.IDs {
		idOf[id] = i
	}

	rebuilt := &Index{
		tok:      tok,
		ids:      snap.IDs,
		docLens:  snap.DocLens,
		postings: snap.Postings,
		idOf:     idOf,
	}
	rebuilt.recomputeAvgLen()
	return rebuilt, true, nil
}

// Remove deletes the on-disk cache file, ignoring a missing file.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
