package retrieval

// maxSupplementary is how many non-matching-tool documents survive the
// source-priority filter when a tool matched the query.
const maxSupplementary = 1

// filterBySource partitions results by whether their source file
// belongs to the tool the query mentions. All matching documents are
// kept as primary; at most one non-matching document survives as
// supplementary context. When no tool matches, every document is
// primary and nothing is dropped.
func (r *Retriever) filterBySource(query string, docs []Document) []Document {
	tool, matched := r.registry.Match(query)
	if !matched {
		for i := range docs {
			docs[i].SourceRole = "primary"
		}
		return docs
	}

	out := make([]Document, 0, len(docs))
	var supplementary int
	for _, d := range docs {
		if tool.MatchesFilename(d.Source) {
			d.SourceRole = "primary"
			d.ToolLabel = tool.DisplayName
			out = append(out, d)
			continue
		}
		if supplementary < maxSupplementary {
			d.SourceRole = "supplementary"
			out = append(out, d)
			supplementary++
		}
	}
	return out
}
