package retrieval

import (
	"log/slog"
	"strings"
)

const (
	// maxParents caps how many parent documents feed generation.
	maxParents = 8

	// windowThreshold: parents longer than this are windowed rather
	// than passed whole.
	windowThreshold = 8000

	// windowSize is the length of the sliding window carved out of an
	// oversized parent, centered on the retrieved child.
	windowSize = 2000

	// childProbeLen is how much of the child's text (after the context
	// header) is used to locate it inside the parent.
	childProbeLen = 200

	ellipsis = "…"
)

// ExpandParents maps retrieved children to their parent sections
// (stage 6), deduplicating by parent_id and stopping at maxParents.
// Oversized parents are reduced to a window centered on the child.
func (r *Retriever) ExpandParents(docs []Document) []ParentDocument {
	seen := make(map[string]bool)
	var parents []ParentDocument

	for _, d := range docs {
		if seen[d.ParentID] {
			continue
		}
		if len(parents) >= maxParents {
			break
		}

		text, ok := r.parents.Get(d.Source, d.ParentID)
		if !ok {
			slog.Warn("retrieval: parent not found for chunk",
				"parent_id", d.ParentID, "source", d.Source)
			continue
		}
		seen[d.ParentID] = true

		content, windowed := windowParent(text, d)
		parents = append(parents, ParentDocument{
			ParentID:   d.ParentID,
			Source:     d.Source,
			Section:    d.Section,
			Content:    content,
			IsWindowed: windowed,
			SourceRole: d.SourceRole,
			ToolLabel:  d.ToolLabel,
		})
	}
	return parents
}

// windowParent returns the parent text unchanged when it is within the
// threshold; otherwise it locates the child inside the parent (by the
// first ~200 chars of the child's text minus its context header) and
// centers a window there with ellipsis markers. When the child cannot
// be located, the window is the parent's head.
func windowParent(parent string, child Document) (string, bool) {
	if len(parent) <= windowThreshold {
		return parent, false
	}

	probe := childProbe(child)
	center := strings.Index(parent, probe)
	if center < 0 {
		head := parent[:windowSize]
		return head + ellipsis, true
	}
	center += len(probe) / 2

	start := center - windowSize/2
	if start < 0 {
		start = 0
	}
	end := start + windowSize
	if end > len(parent) {
		end = len(parent)
		start = end - windowSize
		if start < 0 {
			start = 0
		}
	}

	window := parent[start:end]
	if start > 0 {
		window = ellipsis + window
	}
	if end < len(parent) {
		window = window + ellipsis
	}
	return window, true
}

// childProbe strips the breadcrumb header off the child's content and
// returns the leading slice used to find the child inside its parent.
func childProbe(child Document) string {
	text := child.Content
	if child.Context != "" {
		text = strings.TrimPrefix(text, child.Context)
		text = strings.TrimLeft(text, "\n ")
	}
	if len(text) > childProbeLen {
		text = text[:childProbeLen]
	}
	return text
}
