package store

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/blufio/blufio/internal/blufioerr"
)

// encodeEmbedding packs a []float32 into little-endian bytes for BLOB
// storage.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// InsertMemory inserts a new memory row and returns the assigned id.
// The FTS index mirrors content via the memories_fts_* triggers.
func (s *Store) InsertMemory(ctx context.Context, m *Memory) (string, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, embedding, source, confidence, status, superseded_by, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Content, encodeEmbedding(m.Embedding), m.Source, m.Confidence, m.Status,
		nullableString(m.SupersededBy), nullString(m.SessionID), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return "", &blufioerr.StorageError{Op: "insert memory", Err: err}
	}
	return m.ID, nil
}

// ActiveMemories returns every memory row with status=Active.
func (s *Store) ActiveMemories(ctx context.Context) ([]*Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, embedding, source, confidence, status, superseded_by, session_id, created_at, updated_at
		FROM memories WHERE status = ?`, MemoryActive)
	if err != nil {
		return nil, &blufioerr.StorageError{Op: "list active memories", Err: err}
	}
	defer rows.Close()
	return scanMemories(rows)
}

// MemoriesByIDs fetches a set of memory rows by id, preserving no
// particular order.
func (s *Store) MemoriesByIDs(ctx context.Context, ids []string) ([]*Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT id, content, embedding, source, confidence, status, superseded_by, session_id, created_at, updated_at FROM memories WHERE id IN (`
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, id)
	}
	query += ")"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &blufioerr.StorageError{Op: "fetch memories by ids", Err: err}
	}
	defer rows.Close()
	return scanMemories(rows)
}

// KeywordSearch runs a BM25 full-text query, returning (id, score)
// pairs sorted by relevance (best first), capped at limit. FTS5's
// native `rank` is already best-first (most negative = best); we
// negate it so the returned score behaves like an ordinary similarity
// score where higher is better, matching the vector list's convention.
func (s *Store) KeywordSearch(ctx context.Context, query string, limit int) ([]IDScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, -memories_fts.rank AS score
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ? AND m.status = ?
		ORDER BY memories_fts.rank
		LIMIT ?`, query, MemoryActive, limit)
	if err != nil {
		return nil, &blufioerr.StorageError{Op: "keyword search", Err: err}
	}
	defer rows.Close()

	var out []IDScore
	for rows.Next() {
		var is IDScore
		if err := rows.Scan(&is.ID, &is.Score); err != nil {
			return nil, &blufioerr.StorageError{Op: "scan keyword result", Err: err}
		}
		out = append(out, is)
	}
	return out, rows.Err()
}

// IDScore pairs a memory id with a relevance score.
type IDScore struct {
	ID    string
	Score float64
}

// SoftDeleteMemory marks a memory row Forgotten.
func (s *Store) SoftDeleteMemory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memories SET status = ?, updated_at = ? WHERE id = ?`,
		MemoryForgotten, time.Now().UTC(), id)
	if err != nil {
		return &blufioerr.StorageError{Op: "soft delete memory", Err: err}
	}
	return nil
}

// SupersedeMemory marks oldID Superseded with a link to newID.
func (s *Store) SupersedeMemory(ctx context.Context, oldID, newID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET status = ?, superseded_by = ?, updated_at = ? WHERE id = ?`,
		MemorySuperseded, newID, time.Now().UTC(), oldID)
	if err != nil {
		return &blufioerr.StorageError{Op: "supersede memory", Err: err}
	}
	return nil
}

func scanMemories(rows *sql.Rows) ([]*Memory, error) {
	var out []*Memory
	for rows.Next() {
		var m Memory
		var embedding []byte
		var supersededBy, sessionID sql.NullString
		if err := rows.Scan(&m.ID, &m.Content, &embedding, &m.Source, &m.Confidence, &m.Status,
			&supersededBy, &sessionID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, &blufioerr.StorageError{Op: "scan memory", Err: err}
		}
		m.Embedding = decodeEmbedding(embedding)
		if supersededBy.Valid {
			v := supersededBy.String
			m.SupersededBy = &v
		}
		m.SessionID = sessionID.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(*s)
}
