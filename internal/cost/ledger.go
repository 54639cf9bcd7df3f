// Package cost implements the append-only cost ledger, the pricing
// table, and the in-memory budget trackers.
package cost

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/blufio/blufio/internal/blufioerr"
	"github.com/blufio/blufio/internal/store"
)

// Ledger appends immutable cost records and answers daily/monthly/
// per-session totals, backed by the Store's single-writer connection.
type Ledger struct {
	db *sql.DB
}

// NewLedger wraps a Store's database handle.
func NewLedger(s *store.Store) *Ledger {
	return &Ledger{db: s.DB()}
}

// Record persists one cost entry.
func (l *Ledger) Record(ctx context.Context, sessionID, model string, feature store.FeatureType, usage store.TokenUsage, costUSD float64) (*store.CostRecord, error) {
	rec := &store.CostRecord{
		ID:                  uuid.New().String(),
		SessionID:           sessionID,
		Model:               model,
		FeatureType:         feature,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		CostUSD:             costUSD,
		CreatedAt:           time.Now().UTC(),
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO cost_ledger (id, session_id, model, feature_type, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Model, rec.FeatureType, rec.InputTokens, rec.OutputTokens,
		rec.CacheReadTokens, rec.CacheCreationTokens, rec.CostUSD, rec.CreatedAt)
	if err != nil {
		return nil, &blufioerr.StorageError{Op: "record cost", Err: err}
	}
	return rec, nil
}

// DailyTotal sums cost_usd for all records created on the UTC calendar
// day containing t.
func (l *Ledger) DailyTotal(ctx context.Context, t time.Time) (float64, error) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	return l.sumBetween(ctx, start, end, "")
}

// MonthlyTotal sums cost_usd for all records created in the UTC
// calendar month containing t.
func (l *Ledger) MonthlyTotal(ctx context.Context, t time.Time) (float64, error) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return l.sumBetween(ctx, start, end, "")
}

// SessionTotal sums cost_usd for all records belonging to sessionID.
func (l *Ledger) SessionTotal(ctx context.Context, sessionID string) (float64, error) {
	var total sql.NullFloat64
	err := l.db.QueryRowContext(ctx, `SELECT SUM(cost_usd) FROM cost_ledger WHERE session_id = ?`, sessionID).Scan(&total)
	if err != nil {
		return 0, &blufioerr.StorageError{Op: "session total", Err: err}
	}
	return total.Float64, nil
}

func (l *Ledger) sumBetween(ctx context.Context, start, end time.Time, sessionID string) (float64, error) {
	var total sql.NullFloat64
	var err error
	if sessionID == "" {
		err = l.db.QueryRowContext(ctx, `SELECT SUM(cost_usd) FROM cost_ledger WHERE created_at >= ? AND created_at < ?`,
			start, end).Scan(&total)
	} else {
		err = l.db.QueryRowContext(ctx, `SELECT SUM(cost_usd) FROM cost_ledger WHERE created_at >= ? AND created_at < ? AND session_id = ?`,
			start, end, sessionID).Scan(&total)
	}
	if err != nil {
		return 0, &blufioerr.StorageError{Op: "sum cost ledger", Err: err}
	}
	return total.Float64, nil
}
