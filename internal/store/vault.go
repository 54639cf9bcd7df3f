package store

import (
	"context"
	"database/sql"

	"github.com/blufio/blufio/internal/blufioerr"
)

// VaultMetaExists reports whether vault_meta already holds a wrapped
// master key, i.e. whether the vault has been created.
func (s *Store) VaultMetaExists(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vault_meta WHERE key = 'wrapped_master_key'`).Scan(&count)
	if err != nil {
		return false, &blufioerr.StorageError{Op: "check vault meta exists", Err: err}
	}
	return count > 0, nil
}

// GetVaultMeta reads one vault_meta key/value row.
func (s *Store) GetVaultMeta(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM vault_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &blufioerr.StorageError{Op: "get vault meta " + key, Err: err}
	}
	return value, true, nil
}

// SetVaultMetaBatch atomically upserts a set of vault_meta key/value
// rows, used by both Create (4 fresh rows) and ChangePassphrase (the
// same 4 keys re-written after a re-wrap).
func (s *Store) SetVaultMetaBatch(ctx context.Context, kv map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &blufioerr.StorageError{Op: "set vault meta begin", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for k, v := range kv {
		if _, err := tx.ExecContext(ctx, `INSERT INTO vault_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return &blufioerr.StorageError{Op: "set vault meta " + k, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &blufioerr.StorageError{Op: "set vault meta commit", Err: err}
	}
	return nil
}

// UpsertVaultEntry stores or overwrites a sealed secret.
func (s *Store) UpsertVaultEntry(ctx context.Context, name string, ciphertext, nonce []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO vault_entries (name, ciphertext, nonce) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET ciphertext = excluded.ciphertext, nonce = excluded.nonce`,
		name, ciphertext, nonce)
	if err != nil {
		return &blufioerr.StorageError{Op: "upsert vault entry", Err: err}
	}
	return nil
}

// GetVaultEntry fetches one sealed secret by name.
func (s *Store) GetVaultEntry(ctx context.Context, name string) (ciphertext, nonce []byte, found bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT ciphertext, nonce FROM vault_entries WHERE name = ?`, name)
	if err := row.Scan(&ciphertext, &nonce); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, false, nil
		}
		return nil, nil, false, &blufioerr.StorageError{Op: "get vault entry", Err: err}
	}
	return ciphertext, nonce, true, nil
}

// ListVaultEntryNames returns every secret name, sorted.
func (s *Store) ListVaultEntryNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM vault_entries ORDER BY name`)
	if err != nil {
		return nil, &blufioerr.StorageError{Op: "list vault entries", Err: err}
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &blufioerr.StorageError{Op: "scan vault entry name", Err: err}
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteVaultEntry removes a secret by name. Deleting a name that does
// not exist is not an error.
func (s *Store) DeleteVaultEntry(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vault_entries WHERE name = ?`, name); err != nil {
		return &blufioerr.StorageError{Op: "delete vault entry", Err: err}
	}
	return nil
}
