// Package toolregistry maps product/tool names to documentation
// files. A query mentioning a tool promotes that tool's documents to
// primary sources; auto-discovery proposes entries for ingested files
// no existing tool claims. The registry file is rewritten atomically.
package toolregistry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Entry describes one tool: its id, display name, the filename
// substrings that claim documents for it, and the query keywords that
// activate it.
type Entry struct {
	ID               string   `json:"id"`
	DisplayName      string   `json:"display_name"`
	FilenamePatterns []string `json:"filename_patterns"`
	QueryKeywords    []string `json:"query_keywords"`
}

// defaultEntries seed the registry for the EDA documentation corpus
// this service was built around. The file is created from these when
// missing.
var defaultEntries = []Entry{
	{
		ID:               "primetime",
		DisplayName:      "PrimeTime",
		FilenamePatterns: []string{"pt_", "primetime"},
		QueryKeywords:    []string{"pt", "primetime", "timing signoff"},
	},
	{
		ID:               "fusion_compiler",
		DisplayName:      "Fusion Compiler",
		FilenamePatterns: []string{"fc_", "fusion"},
		QueryKeywords:    []string{"fc", "fusion compiler"},
	},
	{
		ID:               "icc2",
		DisplayName:      "IC Compiler II",
		FilenamePatterns: []string{"icc2"},
		QueryKeywords:    []string{"icc2", "ic compiler"},
	},
	{
		ID:               "vcs",
		DisplayName:      "VCS",
		FilenamePatterns: []string{"vcs"},
		QueryKeywords:    []string{"vcs", "simulation"},
	},
}

// Registry holds the tool entries in memory, backed by a JSON file.
type Registry struct {
	mu      sync.RWMutex
	path    string
	entries []Entry

	keywordRes map[string]*regexp.Regexp // keyword -> word-boundary matcher
}

// Open loads the registry from path, creating it with the default
// seed entries if the file does not exist.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, keywordRes: make(map[string]*regexp.Regexp)}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		r.entries = append([]Entry(nil), defaultEntries...)
		if err := r.save(); err != nil {
			return nil, fmt.Errorf("seeding tool registry: %w", err)
		}
		slog.Info("toolregistry: created registry with default entries",
			"path", path, "entries", len(r.entries))
	case err != nil:
		return nil, fmt.Errorf("reading tool registry: %w", err)
	default:
		if err := json.Unmarshal(raw, &r.entries); err != nil {
			return nil, fmt.Errorf("decoding tool registry: %w", err)
		}
	}

	r.compileKeywords()
	return r, nil
}

func (r *Registry) compileKeywords() {
	for _, e := range r.entries {
		for _, kw := range e.QueryKeywords {
			if _, ok := r.keywordRes[kw]; ok {
				continue
			}
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
			if err != nil {
				continue
			}
			r.keywordRes[kw] = re
		}
	}
}

// Entries returns a copy of the current entries.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry(nil), r.entries...)
}

// Match scans the query against every entry's keywords with
// word-boundary matching and returns the first matching tool.
func (r *Registry) Match(query string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		for _, kw := range e.QueryKeywords {
			re := r.keywordRes[kw]
			if re != nil && re.MatchString(query) {
				return e, true
			}
		}
	}
	return Entry{}, false
}

// MatchesFilename reports whether the entry claims the given source
// file via its filename patterns (case-insensitive substring).
func (e Entry) MatchesFilename(filename string) bool {
	lower := strings.ToLower(filename)
	for _, p := range e.FilenamePatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// ToolFor returns the tool claiming the given source file, if any.
func (r *Registry) ToolFor(filename string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.MatchesFilename(filename) {
			return e, true
		}
	}
	return Entry{}, false
}

var tokenSplitRe = regexp.MustCompile(`[_\-\s]+`)

// Discover scans the ingested source names and proposes a new tool for
// each file no existing entry claims: the file name's first `[_-\s]`
// token (if longer than two characters) becomes the tool id. The
// heuristic is deliberately coarse; the rewritten file is meant to be
// reviewed. Returns the newly added entries.
func (r *Registry) Discover(sources []string) ([]Entry, error) {
	r.mu.Lock()

	var added []Entry
	for _, source := range sources {
		if r.claimed(source) {
			continue
		}
		name := strings.TrimSuffix(source, filepath.Ext(source))
		tokens := tokenSplitRe.Split(name, -1)
		if len(tokens) == 0 {
			continue
		}
		token := strings.ToLower(tokens[0])
		if len(token) <= 2 || r.hasID(token) {
			continue
		}
		entry := Entry{
			ID:               token,
			DisplayName:      strings.ToUpper(token),
			FilenamePatterns: []string{token},
			QueryKeywords:    []string{token},
		}
		r.entries = append(r.entries, entry)
		added = append(added, entry)
		slog.Info("toolregistry: discovered tool from unclaimed source",
			"tool", token, "source", source)
	}

	if len(added) == 0 {
		r.mu.Unlock()
		return nil, nil
	}

	r.compileKeywords()
	err := r.save()
	r.mu.Unlock()
	if err != nil {
		return added, fmt.Errorf("persisting discovered tools: %w", err)
	}
	return added, nil
}

func (r *Registry) claimed(source string) bool {
	for _, e := range r.entries {
		if e.MatchesFilename(source) {
			return true
		}
	}
	return false
}

func (r *Registry) hasID(id string) bool {
	for _, e := range r.entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

// save writes the registry atomically (temp file + rename). Callers
// hold the lock or have exclusive access during Open.
func (r *Registry) save() error {
	raw, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(dir, ".tools_config-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, r.path)
}
