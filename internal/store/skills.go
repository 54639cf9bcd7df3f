package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/blufio/blufio/internal/blufioerr"
)

// UpsertSkill installs a skill or overwrites an existing row of the
// same name: an install of an already-installed name is an update,
// not an error.
func (s *Store) UpsertSkill(ctx context.Context, sk *InstalledSkill) error {
	now := time.Now().UTC()
	if sk.InstalledAt.IsZero() {
		sk.InstalledAt = now
	}
	sk.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO installed_skills (name, version, description, author, wasm_path, manifest_json, capabilities, verified, installed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			version=excluded.version, description=excluded.description, author=excluded.author,
			wasm_path=excluded.wasm_path, manifest_json=excluded.manifest_json, capabilities=excluded.capabilities,
			verified=excluded.verified, updated_at=excluded.updated_at`,
		sk.Name, sk.Version, sk.Description, sk.Author, sk.WasmPath, sk.ManifestJSON, sk.Capabilities, sk.Verified, sk.InstalledAt, sk.UpdatedAt)
	if err != nil {
		return &blufioerr.StorageError{Op: "upsert skill", Err: err}
	}
	return nil
}

// GetSkill returns one installed skill by name.
func (s *Store) GetSkill(ctx context.Context, name string) (*InstalledSkill, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, version, description, author, wasm_path, manifest_json, capabilities, verified, installed_at, updated_at
		FROM installed_skills WHERE name = ?`, name)
	return scanSkill(row)
}

// ListSkills returns every installed skill, ordered by name.
func (s *Store) ListSkills(ctx context.Context) ([]*InstalledSkill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, version, description, author, wasm_path, manifest_json, capabilities, verified, installed_at, updated_at
		FROM installed_skills ORDER BY name ASC`)
	if err != nil {
		return nil, &blufioerr.StorageError{Op: "list skills", Err: err}
	}
	defer rows.Close()

	var out []*InstalledSkill
	for rows.Next() {
		var sk InstalledSkill
		if err := rows.Scan(&sk.Name, &sk.Version, &sk.Description, &sk.Author, &sk.WasmPath,
			&sk.ManifestJSON, &sk.Capabilities, &sk.Verified, &sk.InstalledAt, &sk.UpdatedAt); err != nil {
			return nil, &blufioerr.StorageError{Op: "scan skill", Err: err}
		}
		out = append(out, &sk)
	}
	return out, rows.Err()
}

// RemoveSkill deletes an installed skill by name. Removing a name that
// does not exist is not an error.
func (s *Store) RemoveSkill(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM installed_skills WHERE name = ?`, name); err != nil {
		return &blufioerr.StorageError{Op: "remove skill", Err: err}
	}
	return nil
}

func scanSkill(row *sql.Row) (*InstalledSkill, error) {
	var sk InstalledSkill
	if err := row.Scan(&sk.Name, &sk.Version, &sk.Description, &sk.Author, &sk.WasmPath,
		&sk.ManifestJSON, &sk.Capabilities, &sk.Verified, &sk.InstalledAt, &sk.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &blufioerr.StorageError{Op: "scan skill", Err: err}
	}
	return &sk, nil
}
