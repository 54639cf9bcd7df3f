package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/blufio/blufio/internal/blufioerr"
)

const defaultMaxAttempts = 3
const lockDuration = 5 * time.Minute

// Enqueue adds a new item to the named queue and returns its id.
func (s *Store) Enqueue(ctx context.Context, queueName, payload string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO queue (queue_name, payload, max_attempts) VALUES (?, ?, ?)`,
		queueName, payload, defaultMaxAttempts)
	if err != nil {
		return 0, &blufioerr.StorageError{Op: "enqueue", Err: err}
	}
	return res.LastInsertId()
}

// Dequeue atomically claims the next eligible entry in the named queue.
//
// Eligible means: status='pending', OR status='processing' with a
// locked_until timestamp that has already passed — a worker that died
// mid-item loses its claim once the lock expires.
func (s *Store) Dequeue(ctx context.Context, queueName string) (*QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &blufioerr.StorageError{Op: "dequeue begin tx", Err: err}
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			_ = rerr
		}
	}()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		SELECT id, queue_name, payload, status, attempts, max_attempts, created_at, updated_at, locked_until
		FROM queue
		WHERE queue_name = ? AND (status = ? OR (status = ? AND locked_until < ?))
		ORDER BY id ASC LIMIT 1`,
		queueName, QueuePending, QueueProcessing, now)

	entry, err := scanQueueEntry(row)
	if errors.Is(err, ErrNotFound) {
		if cerr := tx.Commit(); cerr != nil {
			return nil, &blufioerr.StorageError{Op: "dequeue commit empty", Err: cerr}
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	lockedUntil := now.Add(lockDuration)
	if _, err := tx.ExecContext(ctx, `
		UPDATE queue SET status = ?, locked_until = ?, updated_at = ? WHERE id = ?`,
		QueueProcessing, lockedUntil, now, entry.ID); err != nil {
		return nil, &blufioerr.StorageError{Op: "dequeue update", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &blufioerr.StorageError{Op: "dequeue commit", Err: err}
	}

	entry.Status = QueueProcessing
	entry.LockedUntil = &lockedUntil
	entry.UpdatedAt = now
	return entry, nil
}

// Ack marks a queue entry as completed.
func (s *Store) Ack(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queue SET status = ?, updated_at = ? WHERE id = ?`,
		QueueCompleted, time.Now().UTC(), id)
	if err != nil {
		return &blufioerr.StorageError{Op: "ack", Err: err}
	}
	return nil
}

// Fail increments the attempt count for id. If attempts reach
// max_attempts the entry is marked permanently failed; otherwise it is
// returned to pending with its lock cleared for retry.
func (s *Store) Fail(ctx context.Context, id int64) error {
	var attempts, maxAttempts int
	err := s.db.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM queue WHERE id = ?`, id).
		Scan(&attempts, &maxAttempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return &blufioerr.StorageError{Op: "fail lookup", Err: err}
	}

	newAttempts := attempts + 1
	status := QueuePending
	if newAttempts >= maxAttempts {
		status = QueueFailed
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE queue SET status = ?, attempts = ?, locked_until = NULL, updated_at = ? WHERE id = ?`,
		status, newAttempts, time.Now().UTC(), id)
	if err != nil {
		return &blufioerr.StorageError{Op: "fail update", Err: err}
	}
	return nil
}

func scanQueueEntry(row *sql.Row) (*QueueEntry, error) {
	var e QueueEntry
	var lockedUntil sql.NullTime
	if err := row.Scan(&e.ID, &e.QueueName, &e.Payload, &e.Status, &e.Attempts, &e.MaxAttempts,
		&e.CreatedAt, &e.UpdatedAt, &lockedUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &blufioerr.StorageError{Op: "scan queue entry", Err: err}
	}
	if lockedUntil.Valid {
		e.LockedUntil = &lockedUntil.Time
	}
	return &e, nil
}
