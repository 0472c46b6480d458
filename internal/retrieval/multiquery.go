package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pangpangai/ragqa/llm"
)

const multiQueryTimeout = 30 * time.Second

const multiQueryPrompt = `Rewrite the search query below in three different ways, one per line:
1. Replace key terms with technical synonyms.
2. Rephrase it as a full question.
3. Add the surrounding context implied by the original question.

Output only the three rewrites, one per line, no numbering or commentary.

Original question: %s
Search query: %s`

// expandQueries asks the LLM for three rewrites of the query
// (technical-synonym, question-form, context-padded) and returns them
// together with the original, original first. Any failure degrades to
// just the original query.
func (r *Retriever) expandQueries(ctx context.Context, query, originalQuestion string) []string {
	queries := []string{query}
	if r.chat == nil {
		return queries
	}
	if originalQuestion == "" {
		originalQuestion = query
	}

	ctx, cancel := context.WithTimeout(ctx, multiQueryTimeout)
	defer cancel()

	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(multiQueryPrompt, originalQuestion, query)},
		},
		Temperature: 0.7,
	})
	if err != nil {
		slog.Warn("retrieval: multi-query expansion failed, using original only", "error", err)
		return queries
	}

	seen := map[string]bool{strings.ToLower(query): true}
	for _, line := range strings.Split(resp.Content, "\n") {
		rewrite := cleanRewrite(line)
		if rewrite == "" || seen[strings.ToLower(rewrite)] {
			continue
		}
		seen[strings.ToLower(rewrite)] = true
		queries = append(queries, rewrite)
		if len(queries) == 4 {
			break
		}
	}
	return queries
}

// cleanRewrite strips list markers the model adds despite instructions.
func cleanRewrite(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "0123456789.)- ")
	line = strings.Trim(line, `"`)
	return strings.TrimSpace(line)
}
