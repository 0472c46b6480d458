package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// rerankTimeout bounds a single cross-encoder call; callers treat a
// timeout as a degrade signal and keep the fused order.
const rerankTimeout = 60 * time.Second

// rerankClient calls a cross-encoder rerank endpoint following the
// common /v1/rerank contract (Jina, Cohere-compatible gateways,
// vLLM, and most local serving stacks).
type rerankClient struct {
	base openAICompatClient
}

// NewReranker creates a rerank client from configuration.
func NewReranker(cfg Config) Reranker {
	return &rerankClient{base: newOpenAICompatClient(cfg)}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []RerankResult `json:"results"`
}

// Rerank scores documents against the query and returns up to topN
// results ordered by descending relevance.
func (c *rerankClient) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, rerankTimeout)
	defer cancel()

	body := rerankRequest{
		Model:     c.base.cfg.Model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	}

	respBody, err := c.base.doPost(ctx, c.base.pathPrefix+"/rerank", body)
	if err != nil {
		return nil, err
	}

	var resp rerankResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding rerank response: %w", err)
	}

	results := resp.Results
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topN > 0 && len(results) > topN {
		results = results[:topN]
	}

	for _, r := range results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("rerank result index %d out of range", r.Index)
		}
	}
	return results, nil
}
