package ragqa

import (
	"strings"
	"testing"
)

func TestBuildPreviewStripsBreadcrumb(t *testing.T) {
	content := "[Source: pt_ug.pdf] > Timing > Constraints\n\nThe set_delay command applies a delay."
	got := buildPreview(content, "")
	if strings.Contains(got, "[Source:") {
		t.Fatalf("breadcrumb leaked into preview: %q", got)
	}
	if !strings.HasPrefix(got, "The set_delay command") {
		t.Fatalf("preview = %q", got)
	}
}

func TestBuildPreviewPrefersIdentifierMatches(t *testing.T) {
	// The sentence naming the exact command must win over sentences
	// that merely share common vocabulary with the answer.
	content := "Timing constraints describe the timing behavior of paths. " +
		"Use set_false_path to exclude a path from analysis. " +
		"Paths can also describe clock domains and timing groups."
	answer := "You exclude the path with set_false_path before timing analysis."

	got := buildPreview(content, answer)
	if !strings.Contains(got, "set_false_path") {
		t.Fatalf("identifier-bearing sentence not chosen: %q", got)
	}
}

func TestBuildPreviewExtendsForwardWithinBudget(t *testing.T) {
	content := "The report_timing command prints path reports. " +
		"Its -delay_type option selects max or min analysis. " +
		"Unrelated closing remark about licensing."
	answer := "Run report_timing with -delay_type max."

	got := buildPreview(content, answer)
	if !strings.Contains(got, "report_timing command") || !strings.Contains(got, "-delay_type option") {
		t.Fatalf("span did not extend across contributing sentences: %q", got)
	}
	if strings.Contains(got, "licensing") {
		t.Fatalf("non-contributing sentence included: %q", got)
	}
}

func TestBuildPreviewFallsBackToHeadWithoutOverlap(t *testing.T) {
	content := "Completely unrelated chapter about packaging and shipping."
	got := buildPreview(content, "how do I constrain a clock?")
	if got != content {
		t.Fatalf("expected head fallback, got %q", got)
	}
}

func TestBuildPreviewTruncatesOnWordBoundary(t *testing.T) {
	content := strings.Repeat("lengthy documentation prose ", 30) // ~840 chars
	got := buildPreview(content, "")
	if len(got) > previewMaxLen {
		t.Fatalf("preview over budget: %d chars", len(got))
	}
	if strings.HasSuffix(got, " ") || strings.Contains(got[len(got)-10:], "documenta ") {
		t.Fatalf("cut mid-word: %q", got[len(got)-20:])
	}
}

func TestSplitSentencesTreatsNewlinesAsBoundaries(t *testing.T) {
	text := "-delay_type max\n-delay_type min\nSelects the analysis type."
	got := splitSentences(text)
	if len(got) != 3 {
		t.Fatalf("sentences = %v", got)
	}
}

func TestAnswerTermsWeighting(t *testing.T) {
	terms := answerTerms("Use set_delay on the CLK2 pin with care.")
	if terms["set_delay"] != 3 {
		t.Fatalf("command token weight = %d", terms["set_delay"])
	}
	if terms["clk2"] != 3 {
		t.Fatalf("signal token weight = %d", terms["clk2"])
	}
	if terms["care"] != 1 {
		t.Fatalf("prose word weight = %d", terms["care"])
	}
	if _, ok := terms["the"]; ok {
		t.Fatal("short/stop words must not score")
	}
}
