package backup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"stateguard/internal/archive"
)

// ListBackups returns every backup in the archive directory, newest first.
// Backups without a manifest are synthesized from their layout and flagged
// legacy. Entries whose manifest or archive cannot be read are skipped.
func (e *Engine) ListBackups(ctx context.Context) ([]*Backup, error) {
	entries, err := os.ReadDir(e.cfg.ArchiveDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []*Backup{}, nil
	}
	if err != nil {
		return nil, NewStorageError("failed to read archive directory", err)
	}

	backups := make([]*Backup, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if isHiddenEntry(entry.Name()) {
			continue
		}

		path := filepath.Join(e.cfg.ArchiveDir, entry.Name())
		var (
			backup *Backup
			err    error
		)
		switch {
		case entry.IsDir():
			backup, err = e.loadDirBackup(path)
		case entry.Type().IsRegular():
			if _, ok := archive.DetectCompression(entry.Name()); !ok {
				continue
			}
			backup, err = e.loadArchiveBackup(path)
		default:
			continue
		}
		if err != nil {
			e.logger.WithFields(map[string]interface{}{"entry": entry.Name(), "error": err.Error()}).
				Warn("Skipping unreadable backup")
			continue
		}

		backup.Path = path
		backup.ArchiveSize = pathSize(path)
		backup.Mirror = e.mirrorLocation(filepath.Base(path))
		backups = append(backups, backup)
	}

	sort.SliceStable(backups, func(i, j int) bool {
		if backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].Name > backups[j].Name
		}
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

func (e *Engine) loadDirBackup(dir string) (*Backup, error) {
	backup, err := readDirManifest(dir)
	if err == nil {
		return backup, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	legacy := e.legacyBackup(filepath.Base(dir), dir, false)
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		legacy.addEntry(filepath.ToSlash(rel), info.Size())
		return nil
	}); err != nil {
		return nil, err
	}
	return legacy.finish(), nil
}

func (e *Engine) loadArchiveBackup(path string) (*Backup, error) {
	backup, err := readArchiveManifest(path)
	if err == nil {
		return backup, nil
	}
	if !errors.Is(err, archive.ErrEntryNotFound) {
		return nil, err
	}

	entries, err := archive.List(path)
	if err != nil {
		return nil, err
	}
	compression, _ := archive.DetectCompression(path)
	legacy := e.legacyBackup(archive.TrimExtension(filepath.Base(path)), path, compression.Compressed())
	for _, entry := range entries {
		if !entry.IsDir {
			legacy.addEntry(entry.Name, entry.Size)
		}
	}
	return legacy.finish(), nil
}

// legacyLayout accumulates component sizes from the file layout of a backup
// that has no manifest
type legacyLayout struct {
	backup *Backup
}

func (e *Engine) legacyBackup(name, path string, compressed bool) *legacyLayout {
	createdAt, ok := parseNameTime(name)
	if !ok {
		if info, err := os.Stat(path); err == nil {
			createdAt = info.ModTime().UTC()
		}
	}
	return &legacyLayout{backup: &Backup{
		Name:       name,
		CreatedAt:  createdAt,
		Components: make(map[ComponentKind]*ComponentResult),
		Compressed: compressed,
		Legacy:     true,
	}}
}

// addEntry classifies one file of the backup by its top-level path
func (l *legacyLayout) addEntry(rel string, size int64) {
	rel = strings.TrimPrefix(rel, "./")
	top, _, nested := strings.Cut(rel, "/")

	var kind ComponentKind
	switch {
	case !nested && isArtifact(top):
		kind = ComponentDatabase
	case nested && top == mediaDir:
		kind = ComponentMedia
	case nested && top == configurationDir:
		kind = ComponentConfiguration
	default:
		return
	}

	result := l.backup.Component(kind)
	result.Success = true
	result.Size += size
	if kind == ComponentDatabase {
		result.File = top
	}
}

func (l *legacyLayout) finish() *Backup {
	l.backup.Finalize()
	return l.backup
}
