package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cellscribe/cellscribe/internal/chat"
)

// SQLiteStore keeps conversations and messages in relational tables with a
// full-text index over message content and a secondary index on tags.
// Aggregate statistics are computed in SQL rather than by iterating
// conversations in the application.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			name TEXT,
			created_at DATETIME,
			updated_at DATETIME,
			metadata TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME,
			tokens_in INTEGER DEFAULT 0,
			tokens_out INTEGER DEFAULT 0,
			cost_usd REAL DEFAULT 0,
			latency_ns INTEGER DEFAULT 0,
			model TEXT,
			source TEXT,
			FOREIGN KEY(conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, position);`,
		`CREATE TABLE IF NOT EXISTS tags (
			conversation_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			PRIMARY KEY (conversation_id, tag)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			content,
			conversation_id UNINDEXED
		);`,
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(conv *chat.Conversation) (string, error) {
	if conv.ID == "" {
		return "", &WriteError{Err: fmt.Errorf("conversation has no id")}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", &WriteError{ID: conv.ID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	metaJSON, err := json.Marshal(conv.Metadata)
	if err != nil {
		return "", &WriteError{ID: conv.ID, Err: err}
	}

	_, err = tx.Exec(
		`INSERT INTO conversations (id, name, created_at, updated_at, metadata)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at,
			metadata = excluded.metadata`,
		conv.ID, conv.Name, conv.CreatedAt, conv.UpdatedAt, string(metaJSON),
	)
	if err != nil {
		return "", &WriteError{ID: conv.ID, Err: err}
	}

	// Replace the message rows wholesale. Saves are whole-conversation
	// writes, so this keeps positions dense after rollback operations.
	for _, stmt := range []string{
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM messages_fts WHERE conversation_id = ?`,
		`DELETE FROM tags WHERE conversation_id = ?`,
	} {
		if _, err := tx.Exec(stmt, conv.ID); err != nil {
			return "", &WriteError{ID: conv.ID, Err: err}
		}
	}

	for i, m := range conv.Messages {
		_, err = tx.Exec(
			`INSERT INTO messages
				(id, conversation_id, position, role, content, created_at,
				 tokens_in, tokens_out, cost_usd, latency_ns, model, source)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, conv.ID, i, string(m.Role), m.Content, m.CreatedAt,
			m.Metadata.TokensIn, m.Metadata.TokensOut, m.Metadata.CostUSD,
			int64(m.Metadata.Latency), m.Metadata.Model, m.Metadata.Source,
		)
		if err != nil {
			return "", &WriteError{ID: conv.ID, Err: err}
		}
		if _, err := tx.Exec(
			`INSERT INTO messages_fts (content, conversation_id) VALUES (?, ?)`,
			m.Content, conv.ID,
		); err != nil {
			return "", &WriteError{ID: conv.ID, Err: err}
		}
	}

	for _, tag := range conv.Tags {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO tags (conversation_id, tag) VALUES (?, ?)`,
			conv.ID, tag,
		); err != nil {
			return "", &WriteError{ID: conv.ID, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", &WriteError{ID: conv.ID, Err: err}
	}
	return conv.ID, nil
}

func (s *SQLiteStore) Load(identifier string) (*chat.Conversation, error) {
	id, err := s.resolveID(identifier)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRow(
		`SELECT id, name, created_at, updated_at, metadata FROM conversations WHERE id = ?`, id)

	conv := &chat.Conversation{}
	var metaJSON string
	if err := row.Scan(&conv.ID, &conv.Name, &conv.CreatedAt, &conv.UpdatedAt, &metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
		}
		return nil, err
	}
	if metaJSON != "" && metaJSON != "null" {
		if err := json.Unmarshal([]byte(metaJSON), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation metadata: %w", err)
		}
	}

	tagRows, err := s.db.Query(`SELECT tag FROM tags WHERE conversation_id = ? ORDER BY tag`, id)
	if err != nil {
		return nil, err
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var tag string
		if err := tagRows.Scan(&tag); err != nil {
			return nil, err
		}
		conv.Tags = append(conv.Tags, tag)
	}
	if err := tagRows.Err(); err != nil {
		return nil, err
	}

	msgRows, err := s.db.Query(
		`SELECT id, role, content, created_at, tokens_in, tokens_out, cost_usd, latency_ns, model, source
		 FROM messages WHERE conversation_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var (
			m         chat.Message
			role      string
			latencyNS int64
		)
		if err := msgRows.Scan(&m.ID, &role, &m.Content, &m.CreatedAt,
			&m.Metadata.TokensIn, &m.Metadata.TokensOut, &m.Metadata.CostUSD,
			&latencyNS, &m.Metadata.Model, &m.Metadata.Source); err != nil {
			return nil, err
		}
		m.Role = chat.Role(role)
		m.Metadata.Latency = time.Duration(latencyNS)
		msg := m
		conv.Messages = append(conv.Messages, &msg)
	}
	if err := msgRows.Err(); err != nil {
		return nil, err
	}
	return conv, nil
}

// escapeLike quotes LIKE wildcards so identifier characters match
// literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func (s *SQLiteStore) resolveID(identifier string) (string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM conversations WHERE id = ? OR id LIKE ? ESCAPE '\' LIMIT 3`,
		identifier, escapeLike(identifier)+"%")
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(ids) == 0 {
		// Fall back to an exact name match, like the markdown backend.
		row := s.db.QueryRow(
			`SELECT id FROM conversations WHERE name = ? ORDER BY updated_at DESC LIMIT 1`, identifier)
		var id string
		if err := row.Scan(&id); err == nil {
			return id, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}
	return resolvePrefix(identifier, ids)
}

func (s *SQLiteStore) List() ([]Summary, error) {
	return s.querySummaries(
		`SELECT c.id, c.name, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id),
			(SELECT COALESCE(SUM(m.tokens_in + m.tokens_out), 0) FROM messages m WHERE m.conversation_id = c.id)
		 FROM conversations c
		 ORDER BY c.updated_at DESC`)
}

func (s *SQLiteStore) Delete(id string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	for _, stmt := range []string{
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM messages_fts WHERE conversation_id = ?`,
		`DELETE FROM tags WHERE conversation_id = ?`,
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// Search issues an indexed full-text query. Queries containing FTS syntax
// characters fall back to a LIKE scan so user input never produces a
// syntax error.
func (s *SQLiteStore) Search(query string) ([]Summary, error) {
	if isPlainFTSQuery(query) {
		summaries, err := s.querySummaries(
			`SELECT c.id, c.name, c.updated_at,
				(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id),
				(SELECT COALESCE(SUM(m.tokens_in + m.tokens_out), 0) FROM messages m WHERE m.conversation_id = c.id)
			 FROM conversations c
			 WHERE c.id IN (SELECT DISTINCT conversation_id FROM messages_fts WHERE messages_fts MATCH ?)
				OR c.name LIKE ?
				OR c.id IN (SELECT conversation_id FROM tags WHERE tag LIKE ?)
			 ORDER BY c.updated_at DESC`,
			query, "%"+query+"%", "%"+query+"%")
		if err == nil {
			return summaries, nil
		}
	}
	return s.querySummaries(
		`SELECT c.id, c.name, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id),
			(SELECT COALESCE(SUM(m.tokens_in + m.tokens_out), 0) FROM messages m WHERE m.conversation_id = c.id)
		 FROM conversations c
		 WHERE c.id IN (SELECT DISTINCT conversation_id FROM messages WHERE content LIKE ?)
			OR c.name LIKE ?
			OR c.id IN (SELECT conversation_id FROM tags WHERE tag LIKE ?)
		 ORDER BY c.updated_at DESC`,
		"%"+query+"%", "%"+query+"%", "%"+query+"%")
}

// ListByTag returns summaries of conversations carrying the tag, via the
// tag index.
func (s *SQLiteStore) ListByTag(tag string) ([]Summary, error) {
	return s.querySummaries(
		`SELECT c.id, c.name, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id),
			(SELECT COALESCE(SUM(m.tokens_in + m.tokens_out), 0) FROM messages m WHERE m.conversation_id = c.id)
		 FROM conversations c
		 JOIN tags t ON t.conversation_id = c.id
		 WHERE t.tag = ?
		 ORDER BY c.updated_at DESC`, tag)
}

func (s *SQLiteStore) querySummaries(query string, args ...interface{}) ([]Summary, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.ID, &sm.Name, &sm.UpdatedAt, &sm.Messages, &sm.TotalTokens); err != nil {
			return nil, err
		}
		tagRows, err := s.db.Query(`SELECT tag FROM tags WHERE conversation_id = ? ORDER BY tag`, sm.ID)
		if err != nil {
			return nil, err
		}
		for tagRows.Next() {
			var tag string
			if err := tagRows.Scan(&tag); err != nil {
				tagRows.Close()
				return nil, err
			}
			sm.Tags = append(sm.Tags, tag)
		}
		tagRows.Close()
		summaries = append(summaries, sm)
	}
	return summaries, rows.Err()
}

// Stats aggregates counts and usage sums across all stored conversations.
type Stats struct {
	Conversations int
	Messages      int
	TotalTokens   int
	TotalCostUSD  float64
}

func (s *SQLiteStore) Stats() (Stats, error) {
	var st Stats
	row := s.db.QueryRow(
		`SELECT
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM messages),
			(SELECT COALESCE(SUM(tokens_in + tokens_out), 0) FROM messages),
			(SELECT COALESCE(SUM(cost_usd), 0) FROM messages)`)
	if err := row.Scan(&st.Conversations, &st.Messages, &st.TotalTokens, &st.TotalCostUSD); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// SetConfig stores a configuration value, e.g. an encrypted API key.
func (s *SQLiteStore) SetConfig(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO configuration (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetConfig returns a configuration value, or empty string if unset.
func (s *SQLiteStore) GetConfig(key string) (string, error) {
	row := s.db.QueryRow(`SELECT value FROM configuration WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func isPlainFTSQuery(query string) bool {
	return !strings.ContainsAny(query, `"*():^-`)
}
