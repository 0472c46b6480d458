package ragqa

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pangpangai/ragqa/internal/agent"
	"github.com/pangpangai/ragqa/internal/retrieval"
	"github.com/pangpangai/ragqa/internal/vectorstore"
	"github.com/pangpangai/ragqa/llm"
)

// Event is one element of a query stream. The metadata event precedes
// all content events; done (or error) is last.
type Event struct {
	Type           string   `json:"type"` // metadata, content, done, error
	ConversationID string   `json:"conversation_id,omitempty"`
	Sources        []Source `json:"sources,omitempty"`
	Content        string   `json:"content,omitempty"`
	Iterations     int      `json:"iterations,omitempty"`
	Route          string   `json:"route,omitempty"`
}

// Source is one retrieved chunk as surfaced to the client, in final
// post-rerank order.
type Source struct {
	Preview    string `json:"preview"`
	Content    string `json:"content"`
	Source     string `json:"source"`
	ChunkID    string `json:"chunk_id"`
	Section    string `json:"section"`
	SourceRole string `json:"source_role"`
}

// Answer is a non-streaming query result.
type Answer struct {
	Answer         string   `json:"answer"`
	Sources        []Source `json:"sources"`
	ConversationID string   `json:"conversation_id"`
	Iterations     int      `json:"iterations,omitempty"`
	Route          string   `json:"route,omitempty"`
}

// Query answers with the linear pipeline: retrieve, expand parents,
// generate.
func (e *Engine) Query(ctx context.Context, question, convID string) (*Answer, error) {
	convID = e.ensureConversation(ctx, convID, question)

	docs, prompt, err := e.prepareLinear(ctx, question)
	if err != nil {
		return nil, err
	}

	resp, err := e.chatLLM.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLLMRequestFailed, err)
	}

	answer := &Answer{
		Answer:         resp.Content,
		Sources:        e.formatSources(docs, resp.Content),
		ConversationID: convID,
	}
	e.recordAnswer(ctx, convID, question, answer.Answer, answer.Sources, "linear", 0)
	return answer, nil
}

// QueryAgentic answers by stepping the agentic controller.
func (e *Engine) QueryAgentic(ctx context.Context, question, convID string) (*Answer, error) {
	convID = e.ensureConversation(ctx, convID, question)

	state, err := e.controller.Run(ctx, question, false)
	if err != nil {
		return nil, err
	}

	answer := &Answer{
		Answer:         state.Generation,
		Sources:        e.formatSources(state.Documents, state.Generation),
		ConversationID: convID,
		Iterations:     state.Iteration,
		Route:          state.RouteDecision,
	}
	e.recordAnswer(ctx, convID, question, answer.Answer, answer.Sources, "agentic", state.Iteration)
	return answer, nil
}

// QueryStream runs the linear pipeline and streams generation. Event
// order: metadata, content*, done (or error, which terminates).
func (e *Engine) QueryStream(ctx context.Context, question, convID string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)

		convID := e.ensureConversation(ctx, convID, question)

		docs, prompt, err := e.prepareLinear(ctx, question)
		if err != nil {
			out <- Event{Type: "error", Content: err.Error()}
			return
		}

		sources := e.formatSources(docs, "")
		out <- Event{Type: "metadata", ConversationID: convID, Sources: sources}

		e.streamGeneration(ctx, out, prompt, convID, question, sources, "linear", 0)
	}()
	return out
}

// QueryAgenticStream routes/retrieves/grades/rewrites with generation
// skipped, then streams the generation itself.
func (e *Engine) QueryAgenticStream(ctx context.Context, question, convID string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)

		convID := e.ensureConversation(ctx, convID, question)

		state, err := e.controller.Run(ctx, question, true)
		if err != nil {
			out <- Event{Type: "error", Content: err.Error()}
			return
		}

		sources := e.formatSources(state.Documents, "")
		out <- Event{
			Type:           "metadata",
			ConversationID: convID,
			Sources:        sources,
			Iterations:     state.Iteration,
			Route:          state.RouteDecision,
		}

		e.streamGeneration(ctx, out, e.controller.GenerationPrompt(state), convID, question, sources, "agentic", state.Iteration)
	}()
	return out
}

// streamGeneration forwards LLM deltas as content events, then logs
// the assembled answer and emits done.
func (e *Engine) streamGeneration(ctx context.Context, out chan<- Event, prompt, convID, question string, sources []Source, method string, iterations int) {
	deltas, err := e.chatLLM.Stream(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		out <- Event{Type: "error", Content: err.Error()}
		return
	}

	var answer []byte
	for d := range deltas {
		if d.Err != nil {
			out <- Event{Type: "error", Content: d.Err.Error()}
			return
		}
		if d.Content != "" {
			answer = append(answer, d.Content...)
			out <- Event{Type: "content", Content: d.Content}
		}
		if d.Done {
			break
		}
	}

	e.recordAnswer(ctx, convID, question, string(answer), sources, method, iterations)
	out <- Event{Type: "done"}
}

// prepareLinear runs retrieval stages 1-5 then parent expansion, and
// builds the generation prompt.
func (e *Engine) prepareLinear(ctx context.Context, question string) ([]retrieval.Document, string, error) {
	docs, err := e.retriever.Search(ctx, question, question)
	if err != nil {
		return nil, "", fmt.Errorf("retrieval: %w", err)
	}
	parents := e.retriever.ExpandParents(docs)
	prompt := fmt.Sprintf(
		"Answer the question using only the documentation context below. Cite the source file for claims drawn from it. If the context does not cover the question, say so.\n\nContext:\n%s\n\nQuestion: %s",
		agent.FormatContext(parents), question)
	return docs, prompt, nil
}

// ensureConversation assigns a conversation id when absent and logs
// the user message.
func (e *Engine) ensureConversation(ctx context.Context, convID, question string) string {
	if convID == "" {
		convID = uuid.NewString()
	}
	if err := e.history.Append(ctx, convID, "user", question, nil); err != nil {
		slog.Warn("history: recording user message failed", "error", err)
	}
	return convID
}

// recordAnswer logs the assistant message with its source list and
// writes the query audit row.
func (e *Engine) recordAnswer(ctx context.Context, convID, question, answer string, sources []Source, method string, iterations int) {
	if err := e.history.Append(ctx, convID, "assistant", answer, sources); err != nil {
		slog.Warn("history: recording assistant message failed", "error", err)
	}
	if err := e.store.LogQuery(ctx, vectorstore.QueryLog{
		Query:           question,
		Answer:          answer,
		Sources:         sources,
		RetrievalMethod: method,
		ModelUsed:       e.cfg.Chat.Model,
		Iterations:      iterations,
	}); err != nil {
		slog.Warn("query log write failed", "error", err)
	}
}

// formatSources converts retrieved children into client-facing source
// payloads. When the answer text is known, the preview is the most
// answer-relevant run of consecutive sentences; otherwise the content's
// head.
func (e *Engine) formatSources(docs []retrieval.Document, answer string) []Source {
	out := make([]Source, len(docs))
	for i, d := range docs {
		out[i] = Source{
			Preview:    buildPreview(d.Content, answer),
			Content:    d.Content,
			Source:     d.Source,
			ChunkID:    d.ChunkKey,
			Section:    d.Section,
			SourceRole: d.SourceRole,
		}
	}
	return out
}
