// Package agent implements the agentic control loop: a small
// state machine over {route, retrieve, grade, rewrite, generate} with
// bounded iteration and per-document LLM-judge grading.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pangpangai/ragqa/internal/retrieval"
	"github.com/pangpangai/ragqa/llm"
)

// MaxIterations bounds the retrieve/grade/rewrite loop. Every path
// through retrieve increments the counter, so termination holds.
const MaxIterations = 3

const (
	routeTimeout = 30 * time.Second
	gradeTimeout = 45 * time.Second

	// gradeDocCap limits grading to the reranked head of the result
	// set; grading the long tail wastes judge calls.
	gradeDocCap = 5

	// gradeSnippetLen is how much of each child the judge sees.
	gradeSnippetLen = 1000
)

// State is the mutable state threaded through the nodes.
type State struct {
	Question      string
	CurrentQuery  string
	Documents     []retrieval.Document
	Generation    string
	Iteration     int
	RouteDecision string // "retrieve" or "no_retrieval"
	GradeDecision string // "relevant" or "not_relevant"
	SkipGenerate  bool
}

// Searcher is the slice of the hybrid retriever the controller needs:
// stages 1-5 for the retrieve node, stage 6 for generation context.
// *retrieval.Retriever satisfies it.
type Searcher interface {
	Search(ctx context.Context, query, originalQuestion string) ([]retrieval.Document, error)
	ExpandParents(docs []retrieval.Document) []retrieval.ParentDocument
}

// Controller steps the state machine.
type Controller struct {
	retriever Searcher
	chat      llm.Provider
}

func New(retriever Searcher, chat llm.Provider) *Controller {
	return &Controller{retriever: retriever, chat: chat}
}

// Run drives the machine from router to END and returns the final
// state. With skipGenerate set, the generate node makes no LLM call and
// leaves Generation empty; an external streaming generator can build
// the same prompt with GenerationPrompt.
func (c *Controller) Run(ctx context.Context, question string, skipGenerate bool) (*State, error) {
	state := &State{
		Question:     question,
		CurrentQuery: question,
		SkipGenerate: skipGenerate,
	}

	c.route(ctx, state)
	if state.RouteDecision != "retrieve" {
		slog.Info("agent: router chose direct generation", "question", question)
		return state, c.generate(ctx, state)
	}

	for {
		if err := c.retrieve(ctx, state); err != nil {
			return state, err
		}
		c.grade(ctx, state)

		if state.GradeDecision == "relevant" || state.Iteration >= MaxIterations {
			break
		}
		c.rewrite(ctx, state)
	}

	return state, c.generate(ctx, state)
}

const routerPrompt = `You are a router for a documentation assistant. Decide whether the
question needs document retrieval or can be answered directly (greetings,
meta questions about the assistant, simple arithmetic).

Answer with exactly one word: "retrieve" or "no_retrieval".

Question: %s`

// route classifies the question. Any failure routes to retrieve —
// retrieving for a greeting is cheaper than answering a technical
// question unretrieved.
func (c *Controller) route(ctx context.Context, state *State) {
	ctx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()

	resp, err := c.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: fmt.Sprintf(routerPrompt, state.Question)}},
	})
	if err != nil {
		slog.Warn("agent: router failed, defaulting to retrieve", "error", err)
		state.RouteDecision = "retrieve"
		return
	}

	if strings.Contains(strings.ToLower(resp.Content), "retrieve") {
		state.RouteDecision = "retrieve"
	} else {
		state.RouteDecision = "no_retrieval"
	}
}

// retrieve runs pipeline stages 1-5 (no parent expansion — the grader
// judges focused children) and advances the iteration counter.
func (c *Controller) retrieve(ctx context.Context, state *State) error {
	docs, err := c.retriever.Search(ctx, state.CurrentQuery, state.Question)
	if err != nil {
		return fmt.Errorf("agent retrieve: %w", err)
	}
	state.Documents = docs
	state.Iteration++
	slog.Info("agent: retrieved",
		"iteration", state.Iteration, "query", state.CurrentQuery, "documents", len(docs))
	return nil
}

const gradePrompt = `You judge whether a retrieved document is relevant to a question.

Question: %s

Document:
%s

Respond with JSON only: {"score": "yes" or "no", "reason": "<short reason>"}`

type gradeVerdict struct {
	Score  string `json:"score"`
	Reason string `json:"reason"`
}

// grade judges each retrieved child (capped at the reranked head) and
// sets GradeDecision to relevant iff at least one child is judged yes.
// The document set itself is never filtered here — grading only steers
// the rewrite edge.
func (c *Controller) grade(ctx context.Context, state *State) {
	if len(state.Documents) == 0 {
		state.GradeDecision = "not_relevant"
		return
	}

	docs := state.Documents
	if len(docs) > gradeDocCap {
		docs = docs[:gradeDocCap]
	}

	var anyYes bool
	for _, d := range docs {
		snippet := d.Content
		if len(snippet) > gradeSnippetLen {
			snippet = snippet[:gradeSnippetLen]
		}

		if c.gradeOne(ctx, state.Question, snippet) {
			anyYes = true
		}
	}

	if anyYes {
		state.GradeDecision = "relevant"
	} else {
		state.GradeDecision = "not_relevant"
	}
	slog.Info("agent: graded",
		"iteration", state.Iteration, "decision", state.GradeDecision, "judged", len(docs))
}

func (c *Controller) gradeOne(ctx context.Context, question, snippet string) bool {
	ctx, cancel := context.WithTimeout(ctx, gradeTimeout)
	defer cancel()

	resp, err := c.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: fmt.Sprintf(gradePrompt, question, snippet)}},
		ResponseFormat: "json_object",
	})
	if err != nil {
		slog.Warn("agent: grading call failed, counting as no", "error", err)
		return false
	}
	return parseGrade(resp.Content)
}

// parseGrade extracts the yes/no verdict from a judge response,
// tolerating code fences and malformed JSON via a substring fallback.
func parseGrade(content string) bool {
	cleaned := stripCodeFences(content)

	var verdict gradeVerdict
	if err := json.Unmarshal([]byte(cleaned), &verdict); err == nil {
		return strings.EqualFold(strings.TrimSpace(verdict.Score), "yes")
	}

	return strings.Contains(strings.ToLower(cleaned), "yes")
}

// stripCodeFences removes the ```json ... ``` wrapper models add
// despite JSON mode.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimPrefix(s, "JSON")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

const rewritePrompt = `The search query below retrieved no relevant documents. Rewrite it to
improve retrieval: expand abbreviations, add likely technical terms,
drop conversational filler.

Original question: %s
Current query: %s

Output only the rewritten query.`

// rewrite replaces CurrentQuery with an LLM rewrite. On failure the
// query is left unchanged; the iteration bound still guarantees exit.
func (c *Controller) rewrite(ctx context.Context, state *State) {
	resp, err := c.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: fmt.Sprintf(rewritePrompt, state.Question, state.CurrentQuery)}},
	})
	if err != nil {
		slog.Warn("agent: rewrite failed, keeping current query", "error", err)
		return
	}
	rewritten := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Content), `"`))
	if rewritten != "" {
		slog.Info("agent: rewrote query", "from", state.CurrentQuery, "to", rewritten)
		state.CurrentQuery = rewritten
	}
}

const generatePrompt = `You are a documentation assistant for chip-design tooling. Answer the
question using only the context below. Cite the source file when the
answer draws on it. If the context does not cover the question, say so.

Context:
%s

Question: %s`

// generate assembles the context via parent expansion and invokes the
// LLM, unless SkipGenerate is set (external streaming generator runs
// with the same context instead).
func (c *Controller) generate(ctx context.Context, state *State) error {
	if state.SkipGenerate {
		return nil
	}

	resp, err := c.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: c.GenerationPrompt(state)}},
	})
	if err != nil {
		return fmt.Errorf("agent generate: %w", err)
	}
	state.Generation = resp.Content
	return nil
}

// GenerationPrompt builds the final LLM prompt for the state: expanded
// parent context plus the question. Exposed so the orchestrator can
// stream the generation itself after a SkipGenerate run.
func (c *Controller) GenerationPrompt(state *State) string {
	parents := c.retriever.ExpandParents(state.Documents)
	return fmt.Sprintf(generatePrompt, FormatContext(parents), state.Question)
}

// FormatContext renders expanded parents with per-snippet headers:
// tool label, source file, and role tag.
func FormatContext(parents []retrieval.ParentDocument) string {
	if len(parents) == 0 {
		return "(no documents retrieved)"
	}

	var b strings.Builder
	for i, p := range parents {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		b.WriteString("### ")
		if p.ToolLabel != "" {
			b.WriteString("[")
			b.WriteString(p.ToolLabel)
			b.WriteString("] ")
		}
		b.WriteString(p.Source)
		if p.Section != "" {
			b.WriteString(" / ")
			b.WriteString(p.Section)
		}
		if p.SourceRole == "supplementary" {
			b.WriteString(" (supplementary)")
		}
		if p.IsWindowed {
			b.WriteString(" (excerpt)")
		}
		b.WriteString("\n")
		b.WriteString(p.Content)
	}
	return b.String()
}
