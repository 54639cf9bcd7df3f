package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go driver, no cgo

	"github.com/blufio/blufio/internal/blufioerr"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the single-writer embedded SQL store. All access funnels
// through the standard library's *sql.DB connection pool, but the pool
// is pinned to a single connection (SetMaxOpenConns(1)) so that there
// is exactly one writer at any time, without needing a hand-rolled
// background-worker channel.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// runs migrations. WAL mode is applied first and standalone, then the
// remaining pragmas batched together, then schema migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &blufioerr.StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, &blufioerr.StorageError{Op: "set journal_mode", Err: err}
	}
	if _, err := db.ExecContext(ctx, `
		PRAGMA synchronous=NORMAL;
		PRAGMA busy_timeout=5000;
		PRAGMA foreign_keys=ON;
		PRAGMA cache_size=-16000;
		PRAGMA temp_store=MEMORY;
	`); err != nil {
		db.Close()
		return nil, &blufioerr.StorageError{Op: "set pragmas", Err: err}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL (truncating) so that a backup becomes a
// plain file copy, then closes the connection.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		_ = err // best-effort; still attempt close
	}
	return s.db.Close()
}

// DB exposes the underlying handle for callers (the Cost Ledger, the
// doctor command) that need direct SQL access within the same
// single-writer connection pool.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			user_tag TEXT,
			state TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_channel_user ON sessions(channel, user_tag)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			output_tokens INTEGER,
			metadata TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue_name TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			locked_until DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_name_status ON queue(queue_name, status)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding BLOB,
			source TEXT NOT NULL,
			confidence REAL NOT NULL,
			status TEXT NOT NULL,
			superseded_by TEXT,
			session_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(status)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content, content='memories', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE OF content ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TABLE IF NOT EXISTS cost_ledger (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			model TEXT NOT NULL,
			feature_type TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_read_tokens INTEGER NOT NULL,
			cache_creation_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_ledger_created ON cost_ledger(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_ledger_session ON cost_ledger(session_id)`,
		`CREATE TABLE IF NOT EXISTS vault_entries (
			name TEXT PRIMARY KEY,
			ciphertext BLOB NOT NULL,
			nonce BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vault_meta (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS installed_skills (
			name TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			description TEXT,
			author TEXT,
			wasm_path TEXT NOT NULL,
			manifest_json TEXT NOT NULL,
			capabilities TEXT NOT NULL,
			verified INTEGER NOT NULL DEFAULT 0,
			installed_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &blufioerr.StorageError{Op: "migrate", Err: fmt.Errorf("%s: %w", stmt, err)}
		}
	}
	return nil
}

// --- Sessions ---

// FindActiveSession returns the Active session for (channel, userTag), if any.
func (s *Store) FindActiveSession(ctx context.Context, channel, userTag string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, user_tag, state, created_at, updated_at
		FROM sessions WHERE channel = ? AND user_tag = ? AND state = ?
		ORDER BY created_at DESC LIMIT 1`, channel, userTag, SessionActive)
	return scanSession(row)
}

// CreateSession inserts a new Active session row.
func (s *Store) CreateSession(ctx context.Context, channel, userTag string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.New().String(),
		Channel:   channel,
		UserTag:   userTag,
		State:     SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, channel, user_tag, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Channel, sess.UserTag, sess.State, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, &blufioerr.StorageError{Op: "create session", Err: err}
	}
	return sess, nil
}

// SetSessionState updates a session's state.
func (s *Store) SetSessionState(ctx context.Context, id string, state SessionState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UTC(), id)
	if err != nil {
		return &blufioerr.StorageError{Op: "set session state", Err: err}
	}
	return nil
}

// InterruptDanglingSessions transitions every session left "active" by
// a prior crashed run to "interrupted". Call once at daemon start.
func (s *Store) InterruptDanglingSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = ?, updated_at = ? WHERE state = ?`,
		SessionInterrupted, time.Now().UTC(), SessionActive)
	if err != nil {
		return 0, &blufioerr.StorageError{Op: "interrupt dangling sessions", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListActiveSessions returns every session currently in the Active
// state, most recently updated first, capped at limit rows. Used by
// the Heartbeat Runner to pick the sessions it runs a check-in for.
func (s *Store) ListActiveSessions(ctx context.Context, limit int) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, user_tag, state, created_at, updated_at
		FROM sessions WHERE state = ? ORDER BY updated_at DESC LIMIT ?`, SessionActive, limit)
	if err != nil {
		return nil, &blufioerr.StorageError{Op: "list active sessions", Err: err}
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var userTag sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Channel, &userTag, &sess.State, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, &blufioerr.StorageError{Op: "scan active session", Err: err}
		}
		sess.UserTag = userTag.String
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var userTag sql.NullString
	if err := row.Scan(&sess.ID, &sess.Channel, &userTag, &sess.State, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &blufioerr.StorageError{Op: "scan session", Err: err}
	}
	sess.UserTag = userTag.String
	return &sess, nil
}

// --- Messages ---

// AppendMessage persists a new immutable message row.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role MessageRole, content string, outputTokens *int, metadata string) (*Message, error) {
	msg := &Message{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Role:        role,
		Content:     content,
		OutputToken: outputTokens,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, output_tokens, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.OutputToken, msg.Metadata, msg.CreatedAt)
	if err != nil {
		return nil, &blufioerr.StorageError{Op: "append message", Err: err}
	}
	return msg, nil
}

// SessionMessages returns all messages for a session ordered by creation time.
func (s *Store) SessionMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, output_tokens, metadata, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, &blufioerr.StorageError{Op: "list session messages", Err: err}
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var outputTokens sql.NullInt64
		var metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &outputTokens, &metadata, &m.CreatedAt); err != nil {
			return nil, &blufioerr.StorageError{Op: "scan message", Err: err}
		}
		if outputTokens.Valid {
			v := int(outputTokens.Int64)
			m.OutputToken = &v
		}
		m.Metadata = metadata.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CountMessagesByRole counts messages of a given role for a session.
func (s *Store) CountMessagesByRole(ctx context.Context, sessionID string, role MessageRole) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ? AND role = ?`, sessionID, role).Scan(&n)
	if err != nil {
		return 0, &blufioerr.StorageError{Op: "count messages", Err: err}
	}
	return n, nil
}
