package retrieval

import "sort"

// rrfK is the standard RRF constant; a rank-r hit contributes
// weight/(rrfK+r) with 0-based ranks.
const rrfK = 60

// fuseRRF merges the dense and sparse rankings with weighted
// Reciprocal Rank Fusion. Deduplication is by Document.Key
// ("<source>_<chunk_id>") on both sides — the two branches must
// produce identical keys for the same chunk or fusion double-counts.
func fuseRRF(dense, sparse []Document, weightVec, weightBM25 float64, maxResults int) []Document {
	type fusedEntry struct {
		doc   Document
		score float64
	}

	fused := make(map[string]*fusedEntry)

	for rank, d := range dense {
		entry, ok := fused[d.Key]
		if !ok {
			entry = &fusedEntry{doc: d}
			fused[d.Key] = entry
		}
		entry.score += weightVec / float64(rrfK+rank)
	}

	for rank, d := range sparse {
		entry, ok := fused[d.Key]
		if !ok {
			entry = &fusedEntry{doc: d}
			fused[d.Key] = entry
		}
		entry.score += weightBM25 / float64(rrfK+rank)
	}

	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].doc.Key < entries[j].doc.Key
	})

	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	results := make([]Document, len(entries))
	for i, e := range entries {
		results[i] = e.doc
		results[i].Score = e.score
	}
	return results
}
