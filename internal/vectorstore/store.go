// Package vectorstore wraps the SQLite database that backs the vector
// and lexical child-chunk indices. It is a thin adapter: add,
// similarity_search, get/delete, count, exactly as spec'd, plus the
// document registry and query audit log the orchestrator writes
// through.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pangpangai/ragqa/internal/lexical"
)

func init() {
	sqlite_vec.Auto()
}

// Document represents a row in the documents table.
type Document struct {
	ID          int64
	Path        string
	Filename    string
	Format      string
	ContentHash string
	ParseMethod string
	Status      string
	Metadata    string
	CreatedAt   string
	UpdatedAt   string
}

// Chunk is a child chunk: the unit of indexing and
// retrieval. ParentID resolves in internal/parentstore, not in this
// table — chunks never reference each other directly.
type Chunk struct {
	ID          int64
	DocumentID  int64
	ChunkID     string // stable "<parent_id>_<ordinal>", unique across the corpus
	ParentID    string
	Source      string // originating filename
	Section     string // leaf section title
	Context     string // full breadcrumb path "[Source: file] > H1 > H2"
	Content     string // text to embed/tokenize, already prefixed with Context
	PageNumber  int
	ChildIndex  int
	TokenCount  int
	Metadata    string
	ContentHash string
}

// RetrievalResult is a scored chunk returned by a search, joined with
// enough document metadata for source formatting. SourceRole is not
// persisted and the store leaves it empty; the hybrid retriever's
// source-priority filter assigns roles on its own documents.
type RetrievalResult struct {
	ChunkID     int64
	ChunkKey    string
	DocumentID  int64
	ParentID    string
	Source      string
	Section     string
	Context     string
	Content     string
	PageNumber  int
	Score       float64
	SourceRole  string
}

// ChunkDoc is the minimal (chunk_id, content) pair the lexical index
// rebuild consumes.
type ChunkDoc struct {
	ChunkID string
	Content string
}

// QueryLog represents a row in the query_log table.
type QueryLog struct {
	Query            string
	Answer           string
	Sources          any
	RetrievalMethod  string
	ModelUsed        string
	Iterations       int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Store wraps the SQLite database used for child-chunk storage,
// dense search (sqlite-vec) and the FTS5 half of the lexical index.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema, including the sqlite-vec and FTS5 virtual
// tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB { return s.db }

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int { return s.embeddingDim }

// --- Document operations ---

// UpsertDocument inserts or updates a document record. Returns the document ID.
func (s *Store) UpsertDocument(ctx context.Context, doc Document) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (path, filename, format, content_hash, parse_method, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			filename = excluded.filename,
			format = excluded.format,
			content_hash = excluded.content_hash,
			parse_method = excluded.parse_method,
			status = excluded.status,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`, doc.Path, doc.Filename, doc.Format, doc.ContentHash, doc.ParseMethod, doc.Status, doc.Metadata)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		row := s.db.QueryRowContext(ctx, "SELECT id FROM documents WHERE path = ?", doc.Path)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// GetDocumentByPath retrieves a document by its file path.
func (s *Store) GetDocumentByPath(ctx context.Context, path string) (*Document, error) {
	doc := &Document{}
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, filename, format, content_hash, parse_method, status, metadata, created_at, updated_at
		FROM documents WHERE path = ?
	`, path).Scan(&doc.ID, &doc.Path, &doc.Filename, &doc.Format,
		&doc.ContentHash, &doc.ParseMethod, &doc.Status,
		&metadata, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.Metadata = metadata.String
	return doc, nil
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	doc := &Document{}
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, filename, format, content_hash, parse_method, status, metadata, created_at, updated_at
		FROM documents WHERE id = ?
	`, id).Scan(&doc.ID, &doc.Path, &doc.Filename, &doc.Format,
		&doc.ContentHash, &doc.ParseMethod, &doc.Status,
		&metadata, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.Metadata = metadata.String
	return doc, nil
}

// ListDocuments returns all documents ordered by creation time, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, filename, format, content_hash, parse_method, status, metadata, created_at, updated_at
		FROM documents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var metadata sql.NullString
		if err := rows.Scan(&d.ID, &d.Path, &d.Filename, &d.Format,
			&d.ContentHash, &d.ParseMethod, &d.Status,
			&metadata, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Metadata = metadata.String
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus updates just the status field.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		status, id)
	return err
}

// UpdateDocumentParseMethod updates just the parse_method field.
func (s *Store) UpdateDocumentParseMethod(ctx context.Context, id int64, method string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET parse_method = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		method, id)
	return err
}

// DeleteDocument removes a document and cascades to its chunks and
// embeddings. After this call no chunk and no
// lexical-index document survives with that source; the caller is
// responsible for also clearing the parent map and lexical index for
// the same source.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM documents WHERE id = ?", id); err != nil {
			return err
		}
		return nil
	})
}

// DeleteDocumentData removes all chunks and embeddings for a document
// but keeps the document record itself, for re-ingestion.
func (s *Store) DeleteDocumentData(ctx context.Context, docID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, docID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", docID); err != nil {
			return err
		}
		return nil
	})
}

// --- Chunk operations ---

// InsertChunks inserts a batch of child chunks and returns their
// database-internal ids (used to key embeddings), in input order.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) ([]int64, error) {
	ids := make([]int64, len(chunks))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, chunk_id, parent_id, source, section, context,
				content, page_number, child_index, token_count, metadata, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			hash := sha256.Sum256([]byte(c.Content))
			contentHash := hex.EncodeToString(hash[:])

			res, err := stmt.ExecContext(ctx,
				c.DocumentID, c.ChunkID, c.ParentID, c.Source, c.Section, c.Context,
				c.Content, c.PageNumber, c.ChildIndex, c.TokenCount, c.Metadata, contentHash)
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
		}
		return nil
	})

	return ids, err
}

// GetChunksByDocument returns all chunks for a given document.
func (s *Store) GetChunksByDocument(ctx context.Context, docID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_id, parent_id, source, section, context,
			content, page_number, child_index, token_count, metadata, content_hash
		FROM chunks WHERE document_id = ? ORDER BY child_index
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var metadata sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkID, &c.ParentID, &c.Source, &c.Section,
			&c.Context, &c.Content, &c.PageNumber, &c.ChildIndex, &c.TokenCount, &metadata, &c.ContentHash); err != nil {
			return nil, err
		}
		c.Metadata = metadata.String
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ChunksByKeys resolves stable chunk_ids to full retrieval rows, used
// by the sparse branch of the hybrid search to join BM25 hits (which
// carry only the chunk_id) back to their content and metadata.
func (s *Store) ChunksByKeys(ctx context.Context, keys []string) (map[string]RetrievalResult, error) {
	out := make(map[string]RetrievalResult, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(keys))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chunk_id, parent_id, source, section, context, content, page_number, document_id
		FROM chunks WHERE chunk_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r RetrievalResult
		if err := rows.Scan(&r.ChunkID, &r.ChunkKey, &r.ParentID, &r.Source, &r.Section,
			&r.Context, &r.Content, &r.PageNumber, &r.DocumentID); err != nil {
			return nil, err
		}
		out[r.ChunkKey] = r
	}
	return out, rows.Err()
}

// AllChunkDocs streams every chunk's id and content, used to rebuild
// the lexical index when its cache diverges from this store.
func (s *Store) AllChunkDocs(ctx context.Context) ([]ChunkDoc, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT chunk_id, content FROM chunks ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []ChunkDoc
	for rows.Next() {
		var d ChunkDoc
		if err := rows.Scan(&d.ChunkID, &d.Content); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Count returns the number of indexed chunks, used by the lexical
// index's load-time consistency check.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n)
	return n, err
}

// SampleChunkIDs returns up to 10 chunk ids from each of the head,
// middle, and tail of the corpus in insertion order, implementing the
// lexical cache's integrity-check sampler. The window offsets mirror
// lexical.SampleOffsets so the two sides hash comparable sequences.
func (s *Store) SampleChunkIDs(ctx context.Context) ([]string, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	var out []string
	for _, offset := range lexical.SampleOffsets(n) {
		rows, err := s.db.QueryContext(ctx,
			"SELECT chunk_id FROM chunks ORDER BY id LIMIT 10 OFFSET ?", offset)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// --- Embedding operations ---

// InsertEmbedding stores a vector embedding for a chunk.
func (s *Store) InsertEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)",
		chunkID, serializeFloat32(embedding))
	return err
}

// VectorSearch performs a KNN search returning the top-k nearest
// chunks: the dense branch of the hybrid search.
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, k int) ([]RetrievalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.chunk_id, v.distance,
			c.chunk_id, c.parent_id, c.source, c.section, c.context, c.content, c.page_number, c.document_id
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var distance float64
		if err := rows.Scan(&r.ChunkID, &distance,
			&r.ChunkKey, &r.ParentID, &r.Source, &r.Section, &r.Context, &r.Content, &r.PageNumber, &r.DocumentID); err != nil {
			return nil, err
		}
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// FTSSearch performs a full-text search over the FTS5 table. It is
// the fallback sparse ranking; internal/lexical's domain BM25 index
// is the primary one and handles Chinese+English segmentation.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int) ([]RetrievalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rowid, f.rank,
			c.chunk_id, c.parent_id, c.source, c.section, c.context, c.content, c.page_number, c.document_id
		FROM chunks_fts f
		JOIN chunks c ON c.id = f.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY f.rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var rank float64
		if err := rows.Scan(&r.ChunkID, &rank,
			&r.ChunkKey, &r.ParentID, &r.Source, &r.Section, &r.Context, &r.Content, &r.PageNumber, &r.DocumentID); err != nil {
			return nil, err
		}
		r.Score = -rank
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Query log ---

// LogQuery writes an entry to the query audit log.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	sourcesJSON, _ := json.Marshal(q.Sources)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (query, answer, sources, retrieval_method, model_used, iterations, prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.Query, q.Answer, string(sourcesJSON), q.RetrievalMethod, q.ModelUsed, q.Iterations,
		q.PromptTokens, q.CompletionTokens, q.TotalTokens)
	return err
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
