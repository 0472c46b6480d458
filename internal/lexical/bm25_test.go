package lexical

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSearchRanksExactTermHigher(t *testing.T) {
	ix := New(nil)
	ix.Add([]Doc{
		{ID: "a_1", Content: "the quick brown fox jumps over the lazy dog"},
		{ID: "a_2", Content: "completely unrelated text about sqlite and vectors"},
	})

	results := ix.Search("fox", 10)
	if len(results) == 0 || results[0].ID != "a_1" {
		t.Fatalf("expected a_1 to rank first, got %+v", results)
	}
}

func TestTokenizeDropsWhitespaceOnlyTokens(t *testing.T) {
	tok, err := NewTokenizer("")
	if err != nil {
		t.Fatal(err)
	}
	tokens := tok.Tokenize("   ")
	if len(tokens) != 0 {
		t.Fatalf("expected no tokens for whitespace-only input, got %v", tokens)
	}
}

func TestTokenizeSegmentsCJKPerCharacterWithoutDict(t *testing.T) {
	tok, err := NewTokenizer("")
	if err != nil {
		t.Fatal(err)
	}
	tokens := tok.Tokenize("示波器")
	if len(tokens) != 3 {
		t.Fatalf("expected 3 single-character tokens, got %v", tokens)
	}
}

func TestSaveLoadRoundTripIsConsistent(t *testing.T) {
	ix := New(nil)
	ix.Add([]Doc{
		{ID: "doc_1", Content: "signal generator calibration procedure"},
		{ID: "doc_2", Content: "power supply voltage regulation notes"},
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "bm25_index.gob")
	if err := ix.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, ok, err := Load(context.Background(), path, nil, constCounter(2))
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}

	want := ix.Search("voltage", 5)
	got := reloaded.Search("voltage", 5)
	if len(want) != len(got) || len(want) == 0 || want[0].ID != got[0].ID {
		t.Fatalf("reloaded index diverged: want %+v got %+v", want, got)
	}
}

func TestLoadDiscardsCacheOnCountMismatch(t *testing.T) {
	ix := New(nil)
	ix.Add([]Doc{{ID: "doc_1", Content: "one document only"}})

	dir := t.TempDir()
	path := filepath.Join(dir, "bm25_index.gob")
	if err := ix.Save(path); err != nil {
		t.Fatal(err)
	}

	_, ok, err := Load(context.Background(), path, nil, constCounter(5))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected cache to be discarded on count mismatch")
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	_, ok, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.gob"), nil, constCounter(0))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok=false for missing cache file")
	}
}

func TestRemoveMissingFileIsNotAnError(t *testing.T) {
	if err := Remove(filepath.Join(t.TempDir(), "absent.gob")); err != nil {
		t.Fatalf("expected no error removing a missing file, got %v", err)
	}
}

func TestSampleOffsetsWindows(t *testing.T) {
	tests := []struct {
		n    int
		want []int
	}{
		{0, []int{0, 0, 0}},
		{5, []int{0, 0, 0}},   // windows overlap on tiny corpora
		{30, []int{0, 10, 20}},
		{101, []int{0, 45, 91}},
	}
	for _, tt := range tests {
		got := SampleOffsets(tt.n)
		if len(got) != 3 || got[0] != tt.want[0] || got[1] != tt.want[1] || got[2] != tt.want[2] {
			t.Errorf("SampleOffsets(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestSampleIDsTakesTenPerWindow(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = string(rune('a'+i%26)) + "_" + string(rune('0'+i%10))
	}
	sampled := sampleIDs(ids)
	if len(sampled) != 30 {
		t.Fatalf("expected 10 ids per window, got %d total", len(sampled))
	}
	if sampled[0] != ids[0] || sampled[10] != ids[45] || sampled[20] != ids[90] {
		t.Fatalf("windows misplaced: %v", sampled)
	}
}

func TestLoadChecksSampleHashWithoutGating(t *testing.T) {
	ix := New(nil)
	var docs []Doc
	for i := 0; i < 40; i++ {
		docs = append(docs, Doc{ID: "doc_" + string(rune('a'+i%26)) + string(rune('0'+i/26)), Content: "text"})
	}
	ix.Add(docs)

	path := filepath.Join(t.TempDir(), "bm25_index.gob")
	if err := ix.Save(path); err != nil {
		t.Fatal(err)
	}

	// Matching sample: loads cleanly.
	matching := samplingCounter{count: 40, ids: sampleIDsForTest(docs)}
	if _, ok, err := Load(context.Background(), path, nil, matching); err != nil || !ok {
		t.Fatalf("matching sample must load: ok=%v err=%v", ok, err)
	}

	// Diverging sample: the hash check is a warning signal only, the
	// cache still loads because the counts agree.
	diverging := samplingCounter{count: 40, ids: []string{"totally", "different", "ids"}}
	if _, ok, err := Load(context.Background(), path, nil, diverging); err != nil || !ok {
		t.Fatalf("sample mismatch must not gate loading: ok=%v err=%v", ok, err)
	}
}

func sampleIDsForTest(docs []Doc) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return sampleIDs(ids)
}

type constCounter int

func (c constCounter) Count(ctx context.Context) (int, error) { return int(c), nil }

// samplingCounter implements both Counter and IDSampler.
type samplingCounter struct {
	count int
	ids   []string
}

func (s samplingCounter) Count(ctx context.Context) (int, error) { return s.count, nil }

func (s samplingCounter) SampleChunkIDs(ctx context.Context) ([]string, error) {
	return s.ids, nil
}
