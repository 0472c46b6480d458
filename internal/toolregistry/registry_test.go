package toolregistry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesFileWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools_config.json")
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Entries()) == 0 {
		t.Fatal("expected default seed entries")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("registry file not created: %v", err)
	}
}

func TestMatchUsesWordBoundaries(t *testing.T) {
	r := mustOpen(t)

	if e, ok := r.Match("pt timing analysis"); !ok || e.ID != "primetime" {
		t.Fatalf("expected primetime match, got %+v ok=%v", e, ok)
	}
	// "pt" inside a longer word must not match.
	if _, ok := r.Match("adopt a scripting style"); ok {
		t.Fatal("substring inside a word must not activate a tool")
	}
	if _, ok := r.Match("generic synthesis question"); ok {
		t.Fatal("unrelated query must not match")
	}
}

func TestToolForMatchesFilenamePatterns(t *testing.T) {
	r := mustOpen(t)
	if e, ok := r.ToolFor("pt_user_guide.pdf"); !ok || e.ID != "primetime" {
		t.Fatalf("got %+v ok=%v", e, ok)
	}
	if _, ok := r.ToolFor("random_notes.pdf"); ok {
		t.Fatal("unclaimed file must not match")
	}
}

func TestDiscoverAddsUnclaimedSources(t *testing.T) {
	r := mustOpen(t)

	added, err := r.Discover([]string{
		"pt_user_guide.pdf",   // claimed by primetime, skipped
		"spyglass-lint.pdf",   // new: first token "spyglass"
		"dc_shell_manual.pdf", // token "dc" too short, skipped
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 || added[0].ID != "spyglass" {
		t.Fatalf("added = %+v", added)
	}

	// Discovered entries become active immediately.
	if e, ok := r.Match("spyglass setup question"); !ok || e.ID != "spyglass" {
		t.Fatalf("discovered tool not matchable: %+v ok=%v", e, ok)
	}

	// And idempotent on a second scan.
	again, err := r.Discover([]string{"spyglass-lint.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("second discovery must add nothing, got %+v", again)
	}
}

func TestDiscoverPersistsAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools_config.json")
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Discover([]string{"verdi_debug.pdf"}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("registry file not valid JSON after rewrite: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.ID == "verdi" {
			found = true
		}
	}
	if !found {
		t.Fatalf("discovered tool missing from persisted file: %+v", entries)
	}
}

func mustOpen(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "tools_config.json"))
	if err != nil {
		t.Fatal(err)
	}
	return r
}
