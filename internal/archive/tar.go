package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultMaxFileSize limits a single extracted entry (decompression bomb guard)
const DefaultMaxFileSize int64 = 8 << 30

// ErrEntryNotFound is returned when a named entry is not present in an archive
var ErrEntryNotFound = errors.New("archive entry not found")

// Entry describes one member of an archive
type Entry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// CreateOptions controls archive creation
type CreateOptions struct {
	Compression Compression
	Level       int
	// First lists paths relative to the source directory that are written
	// before everything else, so readers can find them without a full scan.
	First []string
}

// Reader is an open tar stream with its decoder chain
type Reader struct {
	*tar.Reader
	closers []io.Closer
}

// Close closes the decoder chain in reverse order
func (r *Reader) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Open opens an archive, choosing the decoder from its extension
func Open(archivePath string) (*Reader, error) {
	compression, ok := DetectCompression(archivePath)
	if !ok {
		return nil, fmt.Errorf("unrecognized archive format: %s", filepath.Base(archivePath))
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	decoder, err := NewReader(file, compression)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Reader{
		Reader:  tar.NewReader(decoder),
		closers: []io.Closer{file, decoder},
	}, nil
}

// Create writes the contents of srcDir into a tar archive at dest.
// The archive is written to a temporary name and renamed into place on success.
func Create(ctx context.Context, srcDir, dest string, opts CreateOptions) (err error) {
	partial := dest + ".partial"

	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(partial)
		}
	}()

	encoder, err := NewWriter(out, opts.Compression, opts.Level)
	if err != nil {
		out.Close()
		return err
	}
	tw := tar.NewWriter(encoder)

	// Close tar, codec and file in that order
	closeAll := func() error {
		var firstErr error
		for _, c := range []io.Closer{tw, encoder} {
			if cerr := c.Close(); cerr != nil && firstErr == nil {
				firstErr = cerr
			}
		}
		if serr := out.Sync(); serr != nil && firstErr == nil {
			firstErr = serr
		}
		if cerr := out.Close(); cerr != nil && firstErr == nil {
			firstErr = cerr
		}
		return firstErr
	}

	if err = writeTree(ctx, tw, srcDir, opts.First); err != nil {
		closeAll()
		return err
	}
	if err = closeAll(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}

	if err = os.Rename(partial, dest); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}

func writeTree(ctx context.Context, tw *tar.Writer, srcDir string, first []string) error {
	written := make(map[string]bool, len(first))
	for _, rel := range first {
		rel = filepath.ToSlash(filepath.Clean(rel))
		full := filepath.Join(srcDir, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", rel, err)
		}
		if err := addFile(tw, full, rel, info); err != nil {
			return err
		}
		written[rel] = true
	}

	return filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if written[rel] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return fmt.Errorf("failed to create tar header for %s: %w", rel, err)
			}
			header.Name = rel + "/"
			return tw.WriteHeader(header)
		case info.Mode().IsRegular():
			return addFile(tw, p, rel, info)
		default:
			// Symlinks, sockets and devices are not archived
			return nil
		}
	})
}

func addFile(tw *tar.Writer, srcPath, name string, info fs.FileInfo) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", srcPath, err)
	}
	defer file.Close()

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", name, err)
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("failed to copy %s to archive: %w", name, err)
	}
	return nil
}

// Extract unpacks an archive into destDir. Entries escaping destDir and
// entries larger than maxFileSize are rejected. A zero maxFileSize selects
// DefaultMaxFileSize.
func Extract(ctx context.Context, archivePath, destDir string, maxFileSize int64) error {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}

	reader, err := Open(archivePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		destPath, err := SafeJoin(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0o750); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if header.Size > maxFileSize {
				return fmt.Errorf("entry %s too large: %d bytes (max %d)", header.Name, header.Size, maxFileSize)
			}
			if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", header.Name, err)
			}
			if err := extractFile(reader, destPath, header); err != nil {
				return fmt.Errorf("failed to extract %s: %w", header.Name, err)
			}
		default:
			// Links and special files are skipped
		}
	}
}

func extractFile(r io.Reader, destPath string, header *tar.Header) error {
	mode := header.FileInfo().Mode().Perm()
	if mode == 0 {
		mode = 0o640
	}

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, io.LimitReader(r, header.Size))
	closeErr := out.Close()
	if err != nil {
		os.Remove(destPath)
		return err
	}
	if closeErr != nil {
		os.Remove(destPath)
		return closeErr
	}

	if !header.ModTime.IsZero() {
		os.Chtimes(destPath, header.ModTime, header.ModTime)
	}
	return nil
}

// SafeJoin joins name onto base and rejects results outside base
func SafeJoin(base, name string) (string, error) {
	cleanBase := filepath.Clean(base)
	destPath := filepath.Join(cleanBase, filepath.FromSlash(name))

	if destPath != cleanBase && !strings.HasPrefix(destPath, cleanBase+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid file path in archive: %s", name)
	}
	return destPath, nil
}

// ReadEntry returns the contents of a single archive member without
// extracting anything to disk. ErrEntryNotFound is returned when the
// archive has no such member.
func ReadEntry(archivePath, name string, limit int64) ([]byte, error) {
	reader, err := Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	want := normalizeName(name)
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil, ErrEntryNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg || normalizeName(header.Name) != want {
			continue
		}
		if limit > 0 && header.Size > limit {
			return nil, fmt.Errorf("entry %s too large: %d bytes (max %d)", name, header.Size, limit)
		}
		return io.ReadAll(io.LimitReader(reader, header.Size))
	}
}

// List returns every member of an archive from its headers
func List(archivePath string) ([]Entry, error) {
	reader, err := Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var entries []Entry
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, fmt.Errorf("failed to read tar entry: %w", err)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			entries = append(entries, Entry{Name: normalizeName(header.Name), IsDir: true})
		case tar.TypeReg:
			entries = append(entries, Entry{Name: normalizeName(header.Name), Size: header.Size})
		}
	}
}

func normalizeName(name string) string {
	return strings.TrimSuffix(path.Clean(strings.TrimPrefix(name, "./")), "/")
}
