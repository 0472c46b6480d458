//go:build cgo

package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "dir", "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

func TestSerializeFloat32RoundTrip(t *testing.T) {
	in := []float32{0, 1, -1, 3.5, -0.125}
	buf := serializeFloat32(in)
	if len(buf) != len(in)*4 {
		t.Fatalf("got %d bytes, want %d", len(buf), len(in)*4)
	}
	for i, want := range in {
		got := math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		if got != want {
			t.Fatalf("element %d: got %v, want %v", i, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Document CRUD
// ---------------------------------------------------------------------------

func sampleDoc(path string) Document {
	return Document{
		Path:        path,
		Filename:    filepath.Base(path),
		Format:      "pdf",
		ContentHash: "abc123",
		ParseMethod: "pdf-outline",
		Status:      "processing",
	}
}

func TestUpsertAndGetDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertDocument(ctx, sampleDoc("/tmp/pt_ug.pdf"))
	if err != nil {
		t.Fatalf("upserting document: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero document id")
	}

	got, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("getting document by id: %v", err)
	}
	if got.Path != "/tmp/pt_ug.pdf" || got.Filename != "pt_ug.pdf" || got.Status != "processing" {
		t.Fatalf("got %+v", got)
	}
}

func TestGetDocumentByPathNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetDocumentByPath(context.Background(), "/nonexistent"); err != sql.ErrNoRows {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestUpsertDocumentUpdateKeepsID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := sampleDoc("/tmp/fc_ug.pdf")
	id1, err := s.UpsertDocument(ctx, doc)
	if err != nil {
		t.Fatal(err)
	}

	doc.ContentHash = "def456"
	doc.Status = "ready"
	id2, err := s.UpsertDocument(ctx, doc)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("re-upserting the same path must keep the id: %d vs %d", id1, id2)
	}

	got, err := s.GetDocument(ctx, id1)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContentHash != "def456" || got.Status != "ready" {
		t.Fatalf("update not applied: %+v", got)
	}
}

func TestUpdateDocumentStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertDocument(ctx, sampleDoc("/tmp/doc.pdf"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateDocumentStatus(ctx, id, "ready"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "ready" {
		t.Fatalf("status = %q", got.Status)
	}
}

// ---------------------------------------------------------------------------
// Chunks, embeddings, search
// ---------------------------------------------------------------------------

func sampleChunks(docID int64, source string, n int) []Chunk {
	chunks := make([]Chunk, n)
	for i := range chunks {
		ordinal := string(rune('0' + i))
		chunks[i] = Chunk{
			DocumentID: docID,
			ChunkID:    source + "_sec_000_Intro_" + ordinal,
			ParentID:   source + "_sec_000_Intro",
			Source:     source,
			Section:    "Intro",
			Context:    "[Source: " + source + "] > Intro",
			Content:    "timing analysis content number " + ordinal,
			ChildIndex: i,
		}
	}
	return chunks
}

func insertDocWithChunks(t *testing.T, s *Store, path string, n int) (int64, []int64, []Chunk) {
	t.Helper()
	ctx := context.Background()
	docID, err := s.UpsertDocument(ctx, sampleDoc(path))
	if err != nil {
		t.Fatal(err)
	}
	chunks := sampleChunks(docID, filepath.Base(path), n)
	rowIDs, err := s.InsertChunks(ctx, chunks)
	if err != nil {
		t.Fatal(err)
	}
	for i, rowID := range rowIDs {
		emb := []float32{float32(i), 1, 0, 0}
		if err := s.InsertEmbedding(ctx, rowID, emb); err != nil {
			t.Fatal(err)
		}
	}
	return docID, rowIDs, chunks
}

func TestInsertAndGetChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, rowIDs, chunks := insertDocWithChunks(t, s, "/tmp/pt_ug.pdf", 3)
	if len(rowIDs) != 3 {
		t.Fatalf("row ids: %v", rowIDs)
	}

	got, err := s.GetChunksByDocument(ctx, docID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].ChunkID != chunks[0].ChunkID || got[0].ParentID != chunks[0].ParentID {
		t.Fatalf("first chunk = %+v", got[0])
	}
	if got[0].ContentHash == "" {
		t.Fatal("content hash must be computed on insert")
	}
}

func TestChunksByKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, chunks := insertDocWithChunks(t, s, "/tmp/pt_ug.pdf", 3)

	rows, err := s.ChunksByKeys(ctx, []string{chunks[1].ChunkID, "no_such_key"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("len = %d", len(rows))
	}
	row, ok := rows[chunks[1].ChunkID]
	if !ok || row.Source != "pt_ug.pdf" || row.ParentID != chunks[1].ParentID {
		t.Fatalf("row = %+v ok=%v", row, ok)
	}
}

func TestInsertEmbeddingAndVectorSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, chunks := insertDocWithChunks(t, s, "/tmp/pt_ug.pdf", 3)

	// Query vector closest to the first chunk's {0,1,0,0}.
	results, err := s.VectorSearch(ctx, []float32{0, 1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("len = %d", len(results))
	}
	if results[0].ChunkKey != chunks[0].ChunkID {
		t.Fatalf("nearest = %+v", results[0])
	}
	if results[0].Source != "pt_ug.pdf" || results[0].ParentID == "" || results[0].Content == "" {
		t.Fatalf("metadata missing: %+v", results[0])
	}
}

func TestFTSSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertDocWithChunks(t, s, "/tmp/pt_ug.pdf", 3)

	results, err := s.FTSSearch(ctx, "timing", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected FTS hits for indexed content")
	}
	if results[0].ChunkKey == "" || results[0].Source != "pt_ug.pdf" {
		t.Fatalf("metadata missing: %+v", results[0])
	}

	none, err := s.FTSSearch(ctx, "zzzyyyxxx", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no hits, got %d", len(none))
	}
}

func TestSampleChunkIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, chunks := insertDocWithChunks(t, s, "/tmp/pt_ug.pdf", 5)

	ids, err := s.SampleChunkIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Three overlapping windows over a 5-chunk corpus.
	if len(ids) != 15 {
		t.Fatalf("len = %d, want 15", len(ids))
	}
	if ids[0] != chunks[0].ChunkID {
		t.Fatalf("first sampled id = %q", ids[0])
	}
}

// ---------------------------------------------------------------------------
// Deletion round-trip
// ---------------------------------------------------------------------------

// Ingesting a document and then deleting it must return the corpus to
// its prior chunk count and id-set, with no embedding left behind.
func TestDeleteDocumentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A pre-existing document that must survive untouched.
	insertDocWithChunks(t, s, "/tmp/fc_ug.pdf", 2)
	before, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	beforeIDs := allChunkIDs(t, s)

	docID, _, _ := insertDocWithChunks(t, s, "/tmp/pt_ug.pdf", 3)
	mid, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if mid != before+3 {
		t.Fatalf("count after ingest = %d, want %d", mid, before+3)
	}

	if err := s.DeleteDocument(ctx, docID); err != nil {
		t.Fatal(err)
	}

	after, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Fatalf("count after delete = %d, want %d", after, before)
	}
	afterIDs := allChunkIDs(t, s)
	if strings.Join(afterIDs, ",") != strings.Join(beforeIDs, ",") {
		t.Fatalf("id-set changed: before=%v after=%v", beforeIDs, afterIDs)
	}

	// No chunk, embedding, or document row survives for the source.
	var embeddings int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM vec_chunks").Scan(&embeddings); err != nil {
		t.Fatal(err)
	}
	if embeddings != before {
		t.Fatalf("embeddings after delete = %d, want %d", embeddings, before)
	}
	if _, err := s.GetDocument(ctx, docID); err != sql.ErrNoRows {
		t.Fatalf("document row survived: %v", err)
	}
}

func TestDeleteDocumentDataKeepsDocumentRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _, _ := insertDocWithChunks(t, s, "/tmp/pt_ug.pdf", 3)
	if err := s.DeleteDocumentData(ctx, docID); err != nil {
		t.Fatal(err)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("chunks after data delete = %d", n)
	}
	if _, err := s.GetDocument(ctx, docID); err != nil {
		t.Fatalf("document row must survive for re-ingestion: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Query log
// ---------------------------------------------------------------------------

func TestLogQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.LogQuery(ctx, QueryLog{
		Query:           "what is setup time",
		Answer:          "setup time is...",
		Sources:         []string{"pt_ug.pdf"},
		RetrievalMethod: "linear",
		ModelUsed:       "llama3.1:8b",
	})
	if err != nil {
		t.Fatal(err)
	}

	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM query_log").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("query_log rows = %d", n)
	}
}

func allChunkIDs(t *testing.T, s *Store) []string {
	t.Helper()
	docs, err := s.AllChunkDocs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ChunkID
	}
	return ids
}
