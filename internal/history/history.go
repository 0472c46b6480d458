// Package history is the conversation log collaborator: an append-only
// message store in SQLite with a best-effort in-memory cache per
// process. Durable truth is the database; the cache only accelerates
// repeated reads of hot conversations.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Message is one logged chat turn. Sources is the serialized source
// list attached to assistant messages.
type Message struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Sources   json.RawMessage `json:"sources,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// Conversation summarizes one conversation for listing.
type Conversation struct {
	ID        string `json:"conversation_id"`
	Preview   string `json:"preview"`
	Messages  int    `json:"messages"`
	UpdatedAt string `json:"updated_at"`
}

// Store is the SQLite-backed message log.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	cache map[string][]Message
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    sources JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
`

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}

	return &Store{db: db, cache: make(map[string][]Message)}, nil
}

// Append logs one message and refreshes the conversation's cache entry.
func (s *Store) Append(ctx context.Context, convID, role, content string, sources any) error {
	var sourcesJSON []byte
	if sources != nil {
		var err error
		sourcesJSON, err = json.Marshal(sources)
		if err != nil {
			return fmt.Errorf("encoding sources: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, sources) VALUES (?, ?, ?, ?)
	`, convID, role, content, nullableString(sourcesJSON))
	if err != nil {
		return err
	}

	s.mu.Lock()
	if cached, ok := s.cache[convID]; ok {
		s.cache[convID] = append(cached, Message{
			Role:      role,
			Content:   content,
			Sources:   sourcesJSON,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		})
	}
	s.mu.Unlock()
	return nil
}

// Get returns the conversation's messages in order, serving from the
// cache when warm.
func (s *Store) Get(ctx context.Context, convID string) ([]Message, error) {
	s.mu.Lock()
	if cached, ok := s.cache[convID]; ok {
		out := append([]Message(nil), cached...)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, sources, created_at FROM messages
		WHERE conversation_id = ? ORDER BY id
	`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var sources sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &sources, &m.CreatedAt); err != nil {
			return nil, err
		}
		if sources.Valid {
			m.Sources = json.RawMessage(sources.String)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[convID] = append([]Message(nil), messages...)
	s.mu.Unlock()
	return messages, nil
}

// List summarizes all conversations, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id,
		       (SELECT content FROM messages m2 WHERE m2.conversation_id = m.conversation_id AND m2.role = 'user' ORDER BY m2.id LIMIT 1),
		       COUNT(*),
		       MAX(created_at)
		FROM messages m
		GROUP BY conversation_id
		ORDER BY MAX(created_at) DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var preview sql.NullString
		if err := rows.Scan(&c.ID, &preview, &c.Messages, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Preview = truncatePreview(preview.String)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Delete removes a conversation and evicts its cache entry. Returns
// ok=false when nothing was deleted.
func (s *Store) Delete(ctx context.Context, convID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", convID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	delete(s.cache, convID)
	s.mu.Unlock()

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func truncatePreview(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
