package store

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/blufio/blufio/internal/blufioerr"
)

// Backup writes a consistent single-file snapshot of the database to
// path using VACUUM INTO, which copies committed pages without
// blocking the live connection. The destination must not exist.
func (s *Store) Backup(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return &blufioerr.StorageError{Op: "backup", Err: fmt.Errorf("destination %q already exists", path)}
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return &blufioerr.StorageError{Op: "backup", Err: err}
	}
	return nil
}

// Restore replaces the database file at dbPath with the backup at
// backupPath, removing any stale WAL/SHM sidecars so the restored file
// opens clean. The store must not be open on dbPath while this runs.
func Restore(dbPath, backupPath string) error {
	src, err := os.Open(backupPath)
	if err != nil {
		return &blufioerr.StorageError{Op: "restore open backup", Err: err}
	}
	defer src.Close()

	tmp := dbPath + ".restore-tmp"
	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return &blufioerr.StorageError{Op: "restore create", Err: err}
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return &blufioerr.StorageError{Op: "restore copy", Err: err}
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return &blufioerr.StorageError{Op: "restore close", Err: err}
	}

	for _, sidecar := range []string{dbPath + "-wal", dbPath + "-shm"} {
		os.Remove(sidecar)
	}
	if err := os.Rename(tmp, dbPath); err != nil {
		os.Remove(tmp)
		return &blufioerr.StorageError{Op: "restore rename", Err: err}
	}
	return nil
}
