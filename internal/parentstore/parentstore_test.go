package parentstore

import (
	"path/filepath"
	"testing"
)

func TestPutAllThenGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parent_docs.json")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.PutAll("spec.pdf", map[string]string{
		"spec.pdf_sec_000_intro": "full section text",
	}); err != nil {
		t.Fatal(err)
	}

	text, ok := s.Get("spec.pdf", "spec.pdf_sec_000_intro")
	if !ok || text != "full section text" {
		t.Fatalf("got (%q, %v), want (%q, true)", text, ok, "full section text")
	}
}

func TestReopenReloadsPersistedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parent_docs.json")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutAll("a.md", map[string]string{"a.md::intro": "text"}); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if text, ok := reopened.Get("a.md", "a.md::intro"); !ok || text != "text" {
		t.Fatalf("reopened store missing data: got (%q, %v)", text, ok)
	}
}

func TestDeleteSourceRemovesAllItsParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parent_docs.json")
	s, _ := Open(path)
	_ = s.PutAll("doc.pdf", map[string]string{"doc.pdf_sec_000_a": "x", "doc.pdf_sec_001_b": "y"})
	_ = s.PutAll("other.pdf", map[string]string{"other.pdf_sec_000_c": "z"})

	if err := s.DeleteSource("doc.pdf"); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Get("doc.pdf", "doc.pdf_sec_000_a"); ok {
		t.Fatal("expected doc.pdf parents to be gone")
	}
	if _, ok := s.Get("other.pdf", "other.pdf_sec_000_c"); !ok {
		t.Fatal("expected other.pdf parents to survive")
	}
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Count() != 0 {
		t.Fatalf("expected empty store, got count=%d", s.Count())
	}
}
