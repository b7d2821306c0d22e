package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"stateguard/internal/fsutil"
	"stateguard/internal/logging"
)

// EmbeddedFileAdapter backs up single-file engines by copying the file
type EmbeddedFileAdapter struct {
	path   string
	verify bool
	openDB func(driver, dsn string) (*sql.DB, error)
	logger *logging.Logger
}

// Kind implements DatabaseAdapter
func (a *EmbeddedFileAdapter) Kind() string { return AdapterEmbeddedFile }

// Dump copies the database file into dir
func (a *EmbeddedFileAdapter) Dump(ctx context.Context, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if _, err := os.Stat(a.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", NewNotFoundError(fmt.Sprintf("database file %s does not exist", a.path), err)
		}
		return "", NewStorageError("failed to stat database file", err)
	}

	base := filepath.Base(a.path)
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	if ext == "" {
		ext = "db"
	}
	dest := filepath.Join(dir, artifactName(strings.TrimSuffix(base, filepath.Ext(base)), ext))

	if err := fsutil.CopyFile(a.path, dest); err != nil {
		return "", NewStorageError("failed to copy database file", err)
	}
	return dest, nil
}

// Restore atomically replaces the database file with the artifact
func (a *EmbeddedFileAdapter) Restore(ctx context.Context, artifact string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Copy next to the target first so the final step is a rename
	staged := a.path + ".restoring"
	if err := fsutil.CopyFile(artifact, staged); err != nil {
		os.Remove(staged)
		return NewRestoreError("failed to stage database file", err)
	}

	// Journal files belong to the old database
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		if err := os.Remove(a.path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			a.logger.Warnf("Failed to remove %s%s: %v", a.path, suffix, err)
		}
	}

	if err := os.Rename(staged, a.path); err != nil {
		os.Remove(staged)
		return NewRestoreError("failed to replace database file", err)
	}

	if a.verify {
		return a.verifyIntegrity(ctx)
	}
	return nil
}

// verifyIntegrity runs PRAGMA integrity_check against the restored file
func (a *EmbeddedFileAdapter) verifyIntegrity(ctx context.Context) error {
	db, err := a.openDB("sqlite3", fmt.Sprintf("file:%s?mode=ro", a.path))
	if err != nil {
		return NewRestoreError("failed to open restored database", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return NewRestoreError("integrity check failed to run", err)
	}
	if result != "ok" {
		return NewRestoreError(fmt.Sprintf("integrity check reported: %s", result), nil)
	}
	return nil
}
