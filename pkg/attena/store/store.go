// Package store implements SQLite persistence for Attena: user profiles
// with rolling summaries, the append-only chat log, and the knowledge
// chunk collection used by retrieval.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Chat log roles. The voice variant is preserved in storage for
// analytics; callers map it to a plain user turn when building context.
const (
	RoleUser      = "user"
	RoleUserVoice = "user_voice"
	RoleModel     = "model"
)

// User is a contact profile keyed by phone number.
type User struct {
	ID      int64
	Phone   string
	Name    string
	Role    string
	Summary string

	// MessageCountSinceSummary counts chat log rows written since the
	// last successful summarization. Reset to zero when the summary is
	// replaced.
	MessageCountSinceSummary int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatLogEntry is one persisted message. Rows are append-only.
type ChatLogEntry struct {
	ID        int64
	Phone     string
	Role      string
	Content   string
	CreatedAt time.Time
}

// KnowledgeChunk is a piece of ingested reference text with its source
// attribution and embedding vector.
type KnowledgeChunk struct {
	ID        int64
	Source    string
	Position  int
	Content   string
	Embedding []float32
}

// Store wraps the SQLite database. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// chunkMu guards the in-memory chunk cache. Chunks are loaded once
	// at open and refreshed on every upsert, so vector search never
	// touches the database on the hot path.
	chunkMu sync.RWMutex
	chunks  []KnowledgeChunk
}

// Open opens (creating if needed) the database at dbPath and runs the
// schema migration.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.loadChunkCache(context.Background()); err != nil {
		s.logger.Warn("failed to warm knowledge cache", "error", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phone TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user',
		summary TEXT NOT NULL DEFAULT '',
		message_count_since_summary INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS chat_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phone TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chat_log_phone_time
		ON chat_log(phone, created_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS knowledge_chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		position INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding TEXT NOT NULL DEFAULT '',
		UNIQUE(source, position)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetOrCreateUser returns the user for phone, creating a fresh profile
// (empty summary, zero counter) on first contact. A non-empty name on an
// existing user refreshes the stored display name.
func (s *Store) GetOrCreateUser(ctx context.Context, phone, name string) (*User, error) {
	u, err := s.getUser(ctx, phone)
	if err == nil {
		if name != "" && name != u.Name {
			_, uerr := s.db.ExecContext(ctx,
				`UPDATE users SET name = ?, updated_at = CURRENT_TIMESTAMP WHERE phone = ?`,
				name, phone)
			if uerr != nil {
				s.logger.Warn("failed to refresh user name", "phone", phone, "error", uerr)
			} else {
				u.Name = name
			}
		}
		return u, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (phone, name) VALUES (?, ?)
		 ON CONFLICT(phone) DO NOTHING`,
		phone, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	u, err = s.getUser(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to read back user: %w", err)
	}
	s.logger.Info("new user created", "phone", phone)
	return u, nil
}

func (s *Store) getUser(ctx context.Context, phone string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, phone, name, role, summary, message_count_since_summary, created_at, updated_at
		 FROM users WHERE phone = ?`, phone)

	var u User
	err := row.Scan(&u.ID, &u.Phone, &u.Name, &u.Role, &u.Summary,
		&u.MessageCountSinceSummary, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser returns the user for phone, or an error when absent.
func (s *Store) GetUser(ctx context.Context, phone string) (*User, error) {
	u, err := s.getUser(ctx, phone)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s not found", phone)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

// IncrementMessageCount bumps the since-summary counter by n.
func (s *Store) IncrementMessageCount(ctx context.Context, phone string, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users
		 SET message_count_since_summary = message_count_since_summary + ?,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE phone = ?`, n, phone)
	if err != nil {
		return fmt.Errorf("failed to increment message count: %w", err)
	}
	return nil
}

// ReplaceSummary overwrites the rolling summary and resets the counter
// to zero in one statement. The previous summary is fully superseded.
func (s *Store) ReplaceSummary(ctx context.Context, phone, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users
		 SET summary = ?, message_count_since_summary = 0,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE phone = ?`, summary, phone)
	if err != nil {
		return fmt.Errorf("failed to replace summary: %w", err)
	}
	return nil
}

// UsersOverThreshold returns users whose since-summary counter has
// reached threshold. Used by the maintenance sweep to catch users whose
// turn-time summarization failed.
func (s *Store) UsersOverThreshold(ctx context.Context, threshold int) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phone, name, role, summary, message_count_since_summary, created_at, updated_at
		 FROM users WHERE message_count_since_summary >= ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Phone, &u.Name, &u.Role, &u.Summary,
			&u.MessageCountSinceSummary, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveMessage appends one chat log row.
func (s *Store) SaveMessage(ctx context.Context, phone, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_log (phone, role, content) VALUES (?, ?, ?)`,
		phone, role, content)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// RecentHistory returns the most recent limit entries for phone, ordered
// oldest-first. The query runs newest-first for the index, then the
// slice is reversed.
func (s *Store) RecentHistory(ctx context.Context, phone string, limit int) ([]ChatLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phone, role, content, created_at
		 FROM chat_log
		 WHERE phone = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, phone, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []ChatLogEntry
	for rows.Next() {
		var e ChatLogEntry
		if err := rows.Scan(&e.ID, &e.Phone, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// UpsertKnowledgeChunk inserts or replaces a chunk identified by
// (source, position) and refreshes the in-memory cache.
func (s *Store) UpsertKnowledgeChunk(ctx context.Context, c KnowledgeChunk) error {
	emb, err := json.Marshal(c.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO knowledge_chunks (source, position, content, embedding)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(source, position) DO UPDATE SET
		     content = excluded.content,
		     embedding = excluded.embedding`,
		c.Source, c.Position, c.Content, string(emb))
	if err != nil {
		return fmt.Errorf("failed to upsert knowledge chunk: %w", err)
	}

	return s.loadChunkCache(ctx)
}

func (s *Store) loadChunkCache(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, position, content, embedding FROM knowledge_chunks`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var chunks []KnowledgeChunk
	for rows.Next() {
		var c KnowledgeChunk
		var emb string
		if err := rows.Scan(&c.ID, &c.Source, &c.Position, &c.Content, &emb); err != nil {
			return err
		}
		if emb != "" {
			if err := json.Unmarshal([]byte(emb), &c.Embedding); err != nil {
				s.logger.Warn("skipping chunk with bad embedding", "id", c.ID, "error", err)
				continue
			}
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.chunkMu.Lock()
	s.chunks = chunks
	s.chunkMu.Unlock()
	return nil
}

// AllChunks returns a snapshot of the cached knowledge chunks.
func (s *Store) AllChunks(ctx context.Context) ([]KnowledgeChunk, error) {
	s.chunkMu.RLock()
	defer s.chunkMu.RUnlock()

	out := make([]KnowledgeChunk, len(s.chunks))
	copy(out, s.chunks)
	return out, nil
}
