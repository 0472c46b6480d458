package retrieval

import (
	"regexp"
	"strings"
)

// commandPattern matches command-reference queries like "set_delay" or
// "report_timing -from". Such queries are near-exact lookups where the
// lexical index outperforms semantic similarity.
var commandPattern = regexp.MustCompile(`\b(set|get|report|check|remove|reset|create|read)_\w+`)

// adaptiveWeights picks the (dense, sparse) RRF weights for one query:
// command-style queries lean lexical (0.3, 0.7), short non-question
// queries lean slightly lexical (0.4, 0.6), everything else uses the
// configured defaults.
func (r *Retriever) adaptiveWeights(query string) (wVec, wBM25 float64) {
	if commandPattern.MatchString(query) {
		return 0.3, 0.7
	}

	tokens := strings.Fields(query)
	if len(tokens) <= 3 && !strings.ContainsAny(query, "?？") {
		return 0.4, 0.6
	}

	return r.cfg.WeightVector, r.cfg.WeightBM25
}
