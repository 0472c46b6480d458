package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/pangpangai/ragqa/internal/retrieval"
	"github.com/pangpangai/ragqa/llm"
)

// scriptedChat answers each call by matching the prompt against a
// routing table of substring -> response.
type scriptedChat struct {
	responses map[string]string // prompt substring -> reply
	calls     []string
}

func (s *scriptedChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	s.calls = append(s.calls, prompt)
	for marker, reply := range s.responses {
		if strings.Contains(prompt, marker) {
			return &llm.ChatResponse{Content: reply}, nil
		}
	}
	return nil, fmt.Errorf("no scripted response for prompt %q", prompt[:min(len(prompt), 60)])
}

func (s *scriptedChat) Stream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamDelta, error) {
	return nil, fmt.Errorf("not scripted")
}

func (s *scriptedChat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("not scripted")
}

// fakeSearcher returns a fixed document set and counts invocations.
type fakeSearcher struct {
	docs     []retrieval.Document
	searches int
	queries  []string
}

func (f *fakeSearcher) Search(ctx context.Context, query, original string) ([]retrieval.Document, error) {
	f.searches++
	f.queries = append(f.queries, query)
	return f.docs, nil
}

func (f *fakeSearcher) ExpandParents(docs []retrieval.Document) []retrieval.ParentDocument {
	var out []retrieval.ParentDocument
	for _, d := range docs {
		out = append(out, retrieval.ParentDocument{
			ParentID: d.ParentID, Source: d.Source, Section: d.Section, Content: "parent of " + d.ChunkKey,
		})
	}
	return out
}

func someDocs() []retrieval.Document {
	return []retrieval.Document{
		{Key: "f_c1", ChunkKey: "c1", ParentID: "p1", Source: "f.pdf", Content: "chunk one"},
		{Key: "f_c2", ChunkKey: "c2", ParentID: "p2", Source: "f.pdf", Content: "chunk two"},
	}
}

func TestRunRelevantFirstPass(t *testing.T) {
	chat := &scriptedChat{responses: map[string]string{
		"Answer with exactly one word": "retrieve",
		"Respond with JSON only":       `{"score": "yes", "reason": "covers the topic"}`,
		"chip-design tooling": "The answer, per f.pdf.",
	}}
	searcher := &fakeSearcher{docs: someDocs()}

	state, err := New(searcher, chat).Run(context.Background(), "how do I fix hold violations", false)
	if err != nil {
		t.Fatal(err)
	}
	if state.Iteration != 1 {
		t.Fatalf("iteration = %d, want 1", state.Iteration)
	}
	if state.GradeDecision != "relevant" {
		t.Fatalf("grade = %s", state.GradeDecision)
	}
	if state.Generation == "" {
		t.Fatal("expected a generation")
	}
	if len(state.Documents) != 2 {
		t.Fatalf("grading must not filter documents: %d", len(state.Documents))
	}
}

func TestRunTerminatesAtMaxIterations(t *testing.T) {
	chat := &scriptedChat{responses: map[string]string{
		"Answer with exactly one word": "retrieve",
		"Respond with JSON only":       `{"score": "no", "reason": "off topic"}`,
		"Output only the rewritten":    "rewritten query",
		"chip-design tooling": "Best-effort answer from the last retrieved set.",
	}}
	searcher := &fakeSearcher{docs: someDocs()}

	state, err := New(searcher, chat).Run(context.Background(), "unanswerable question", false)
	if err != nil {
		t.Fatal(err)
	}
	if state.Iteration != MaxIterations {
		t.Fatalf("iteration = %d, want %d", state.Iteration, MaxIterations)
	}
	if searcher.searches != MaxIterations {
		t.Fatalf("searches = %d, want %d", searcher.searches, MaxIterations)
	}
	if state.GradeDecision != "not_relevant" {
		t.Fatalf("grade = %s", state.GradeDecision)
	}
	// Generation still runs with the last retrieved set.
	if state.Generation == "" {
		t.Fatal("expected generation despite exhausted iterations")
	}
	// The rewrite must feed the next retrieve.
	if searcher.queries[1] != "rewritten query" {
		t.Fatalf("second query = %q", searcher.queries[1])
	}
}

func TestRunNoRetrievalRoute(t *testing.T) {
	chat := &scriptedChat{responses: map[string]string{
		"Answer with exactly one word": "no_retrieval",
		"chip-design tooling": "Hello! How can I help?",
	}}
	searcher := &fakeSearcher{}

	state, err := New(searcher, chat).Run(context.Background(), "hello there", false)
	if err != nil {
		t.Fatal(err)
	}
	if searcher.searches != 0 {
		t.Fatal("no_retrieval route must not search")
	}
	if state.Iteration != 0 {
		t.Fatalf("iteration = %d", state.Iteration)
	}
	if state.Generation == "" {
		t.Fatal("expected direct generation")
	}
}

func TestRunSkipGenerateLeavesGenerationEmpty(t *testing.T) {
	chat := &scriptedChat{responses: map[string]string{
		"Answer with exactly one word": "retrieve",
		"Respond with JSON only":       `{"score": "yes", "reason": "ok"}`,
	}}
	searcher := &fakeSearcher{docs: someDocs()}

	ctl := New(searcher, chat)
	state, err := ctl.Run(context.Background(), "question", true)
	if err != nil {
		t.Fatal(err)
	}
	if state.Generation != "" {
		t.Fatal("skip_generate must leave generation to the caller")
	}
	prompt := ctl.GenerationPrompt(state)
	if !strings.Contains(prompt, "parent of c1") {
		t.Fatalf("generation prompt missing expanded parents: %q", prompt)
	}
}

func TestParseGradeVariants(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{`{"score": "yes", "reason": "direct hit"}`, true},
		{`{"score": "no", "reason": "unrelated"}`, false},
		{"```json\n{\"score\": \"yes\", \"reason\": \"fenced\"}\n```", true},
		{"```json\n{\"score\": \"no\", \"reason\": \"fenced\"}\n```", false},
		{"I think the answer is yes, it is relevant", true},  // substring fallback
		{"not relevant at all", false},
	}
	for _, tt := range tests {
		if got := parseGrade(tt.in); got != tt.want {
			t.Errorf("parseGrade(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatContextHeaders(t *testing.T) {
	parents := []retrieval.ParentDocument{
		{Source: "pt_ug.pdf", Section: "Timing", Content: "body one", ToolLabel: "PrimeTime", SourceRole: "primary"},
		{Source: "fc_ug.pdf", Section: "Clocks", Content: "body two", SourceRole: "supplementary", IsWindowed: true},
	}
	out := FormatContext(parents)
	for _, want := range []string{"[PrimeTime] pt_ug.pdf / Timing", "fc_ug.pdf / Clocks (supplementary) (excerpt)", "body one", "body two"} {
		if !strings.Contains(out, want) {
			t.Fatalf("context missing %q:\n%s", want, out)
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
