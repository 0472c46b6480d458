// Package chunk implements the recursive character splitter shared by
// the PDF and Markdown parsers: split on paragraph boundaries first,
// falling back to line, then space, then raw character, while
// carrying a fixed-size overlap of trailing text into the next
// fragment. Sizes are byte lengths of the UTF-8 text (len), not
// character counts; only the last-resort cut in hardSplit counts runes.
package chunk

import "strings"

// separators tried in order, most-preferred first. The splitter keeps
// recursing into the next separator only for fragments still larger
// than size.
var separators = []string{"\n\n", "\n", " "}

// Split breaks text into pieces no longer than size, then prefixes each
// piece after the first with up to overlap bytes of trailing context
// from the piece before it, so a fragment can reach size+overlap. A
// section already within size is returned whole.
func Split(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	pieces := recursiveSplit(text, size, 0)
	return withOverlap(pieces, size, overlap)
}

// recursiveSplit splits text on the first separator that yields pieces
// all <= size; any still-oversized piece is split again on the next
// separator in the list, down to a raw-character cut as the last
// resort.
func recursiveSplit(text string, size int, sepIdx int) []string {
	if len(text) <= size {
		return []string{text}
	}
	if sepIdx >= len(separators) {
		return hardSplit(text, size)
	}

	sep := separators[sepIdx]
	parts := strings.Split(text, sep)
	if len(parts) == 1 {
		// Separator not present at all; try the next one.
		return recursiveSplit(text, size, sepIdx+1)
	}

	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		piece := strings.TrimSpace(cur.String())
		if piece != "" {
			out = append(out, piece)
		}
		cur.Reset()
	}

	for _, p := range parts {
		if p == "" {
			continue
		}
		candidateLen := cur.Len() + len(sep) + len(p)
		if cur.Len() > 0 && candidateLen > size {
			flush()
		}
		if len(p) > size {
			flush()
			out = append(out, recursiveSplit(p, size, sepIdx+1)...)
			continue
		}
		if cur.Len() > 0 {
			cur.WriteString(sep)
		}
		cur.WriteString(p)
	}
	flush()
	return out
}

// hardSplit is the last-resort raw-character cut when no separator
// can bring a fragment under size.
func hardSplit(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, strings.TrimSpace(string(runes[i:end])))
	}
	return out
}

// withOverlap prepends up to overlap trailing bytes of the previous
// fragment to each subsequent fragment. Where the combined fragment
// would exceed size+overlap, the fragment is kept without the overlap.
func withOverlap(pieces []string, size, overlap int) []string {
	if overlap == 0 || len(pieces) <= 1 {
		return pieces
	}
	out := make([]string, len(pieces))
	out[0] = pieces[0]
	for i := 1; i < len(pieces); i++ {
		prev := pieces[i-1]
		tail := prev
		if len(tail) > overlap {
			tail = tail[len(tail)-overlap:]
			// Avoid splitting mid-word where possible.
			if idx := strings.IndexByte(tail, ' '); idx >= 0 {
				tail = tail[idx+1:]
			}
		}
		combined := strings.TrimSpace(tail + " " + pieces[i])
		if len(combined) > size+overlap {
			combined = pieces[i]
		}
		out[i] = combined
	}
	return out
}
