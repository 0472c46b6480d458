package ragqa

import (
	"regexp"
	"strings"
	"unicode"
)

// previewMaxLen is the character budget for a source preview.
const previewMaxLen = 300

// identifierToken matches command and signal names like set_delay,
// report_timing, or CLK_DIV2: the tokens a reader scans a source
// preview for. They carry more weight than prose words when choosing
// which part of a chunk to show.
var identifierToken = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*(?:_[A-Za-z0-9]+)+$|^[A-Z]{2,}[0-9]*$`)

// buildPreview produces the preview text for a source payload. The
// breadcrumb header the indexer prefixes to every chunk is stripped
// first; with a known answer the preview is the span of the chunk most
// relevant to it, otherwise (streaming, answer not yet generated) the
// chunk's head.
func buildPreview(content, answer string) string {
	body := stripBreadcrumb(content)
	if answer != "" {
		if span := relevantSpan(body, answer); span != "" {
			return span
		}
	}
	return headOf(body)
}

// stripBreadcrumb removes the leading "[Source: file] > ..." context
// line so the preview shows document text, not index metadata.
func stripBreadcrumb(content string) string {
	if !strings.HasPrefix(content, "[Source: ") {
		return content
	}
	idx := strings.IndexByte(content, '\n')
	if idx < 0 {
		return content
	}
	return strings.TrimLeft(content[idx+1:], "\n ")
}

// relevantSpan picks the sentence of body scoring highest against the
// answer's terms and extends it forward while following sentences
// still contribute and the budget holds. Identifier tokens (command
// names, signal names) count triple: a preview that shows the exact
// command the answer cites is worth more than one sharing generic
// vocabulary. Returns "" when nothing overlaps.
func relevantSpan(body, answer string) string {
	terms := answerTerms(answer)
	if len(terms) == 0 {
		return ""
	}

	sentences := splitSentences(body)
	if len(sentences) == 0 {
		return ""
	}

	scores := make([]int, len(sentences))
	best := 0
	for i, s := range sentences {
		scores[i] = scoreSentence(s, terms)
		if scores[i] > scores[best] {
			best = i
		}
	}
	if scores[best] == 0 {
		return ""
	}

	span := sentences[best]
	for next := best + 1; next < len(sentences) && scores[next] > 0; next++ {
		extended := span + " " + sentences[next]
		if len(extended) > previewMaxLen {
			break
		}
		span = extended
	}
	if len(span) > previewMaxLen {
		span = headOf(span)
	}
	return span
}

// answerTerms extracts weighted terms from the answer text:
// identifier-shaped tokens weigh 3, ordinary words of 4+ characters
// weigh 1, stop words and short words weigh nothing.
func answerTerms(answer string) map[string]int {
	terms := make(map[string]int)
	for _, field := range strings.Fields(answer) {
		token := strings.Trim(field, ".,;:!?\"'`()[]")
		if token == "" {
			continue
		}
		if identifierToken.MatchString(token) {
			terms[strings.ToLower(token)] = 3
			continue
		}
		lower := strings.ToLower(token)
		if len(lower) >= 4 && !previewStopWords[lower] {
			if terms[lower] < 1 {
				terms[lower] = 1
			}
		}
	}
	return terms
}

// scoreSentence sums the weights of the distinct answer terms the
// sentence contains.
func scoreSentence(sentence string, terms map[string]int) int {
	seen := make(map[string]bool)
	score := 0
	for _, field := range strings.Fields(strings.ToLower(sentence)) {
		token := strings.Trim(field, ".,;:!?\"'`()[]")
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		score += terms[token]
	}
	return score
}

// splitSentences breaks text at sentence punctuation and at newlines.
// Manuals carry a lot of line-structured text (tables, option lists)
// where a newline is the only boundary available.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			sentences = append(sentences, s)
		}
		cur.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			flush()
			continue
		}
		cur.WriteRune(r)
		if r == '.' || r == '?' || r == '!' {
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		}
	}
	flush()
	return sentences
}

// headOf truncates text to the preview budget on a word boundary.
func headOf(text string) string {
	if len(text) <= previewMaxLen {
		return text
	}
	cut := strings.LastIndexByte(text[:previewMaxLen], ' ')
	if cut <= 0 {
		cut = previewMaxLen
	}
	return text[:cut]
}

// previewStopWords are common words excluded from preview scoring.
var previewStopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true,
	"have": true, "been": true, "were": true, "they": true,
	"their": true, "will": true, "would": true, "could": true,
	"should": true, "about": true, "which": true, "there": true,
	"these": true, "those": true, "then": true, "than": true,
	"them": true, "what": true, "when": true, "where": true,
	"your": true, "more": true, "some": true, "such": true,
	"only": true, "also": true, "very": true, "just": true,
	"into": true, "over": true, "each": true, "does": true,
	"most": true, "after": true, "before": true, "other": true,
	"being": true, "same": true, "both": true, "between": true,
	"using": true, "used": true,
}
