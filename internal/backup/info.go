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

// GetBackupRestorationInfo inventories a backup without extracting it
func (e *Engine) GetBackupRestorationInfo(ctx context.Context, name string) (*RestorationInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, isDir, err := e.locate(name)
	if err != nil {
		return nil, err
	}

	var (
		manifest *Backup
		entries  []archive.Entry
	)
	if isDir {
		manifest, err = readDirManifest(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, NewStorageError("failed to read manifest", err).WithContext("backup", name)
		}
		entries, err = dirEntries(path)
	} else {
		manifest, err = readArchiveManifest(path)
		if err != nil && !errors.Is(err, archive.ErrEntryNotFound) {
			return nil, NewExtractionError("failed to read archive", err).WithContext("backup", name)
		}
		entries, err = archive.List(path)
	}
	if err != nil {
		return nil, NewExtractionError("failed to inventory backup", err).WithContext("backup", name)
	}

	info := &RestorationInfo{Name: archive.TrimExtension(filepath.Base(path))}
	if manifest != nil {
		info.Name = manifest.Name
		info.CreatedAt = manifest.CreatedAt
		info.Description = manifest.Description
		info.Compressed = manifest.Compressed
	} else {
		info.Legacy = true
		if compression, ok := archive.DetectCompression(path); ok && !isDir {
			info.Compressed = compression.Compressed()
		}
		if t, ok := parseNameTime(info.Name); ok {
			info.CreatedAt = t
		} else if stat, err := os.Stat(path); err == nil {
			info.CreatedAt = stat.ModTime().UTC()
		}
	}

	for _, entry := range entries {
		if entry.IsDir {
			continue
		}
		rel := strings.TrimPrefix(entry.Name, "./")
		top, rest, nested := strings.Cut(rel, "/")
		switch {
		case !nested && isArtifact(top):
			info.HasDatabase = true
			info.DatabaseFile = top
			info.DatabaseSize = entry.Size
		case nested && top == mediaDir:
			info.HasMedia = true
			info.MediaFiles++
			info.MediaSize += entry.Size
		case nested && top == configurationDir:
			info.HasConfiguration = true
			info.ConfigFiles = append(info.ConfigFiles, rest)
		default:
			continue
		}
		info.TotalSize += entry.Size
	}
	sort.Strings(info.ConfigFiles)

	return info, nil
}

// dirEntries lists the files of an uncompressed backup like archive.List
func dirEntries(root string) ([]archive.Entry, error) {
	var entries []archive.Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root || !(d.IsDir() || d.Type().IsRegular()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entry := archive.Entry{Name: filepath.ToSlash(rel), IsDir: d.IsDir()}
		if !d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
		return nil
	})
	return entries, err
}
