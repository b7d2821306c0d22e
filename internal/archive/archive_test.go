package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "media", "avatars"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backup_manifest.json"), []byte(`{"name":"b"}`), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "database_app.sql"), []byte("CREATE TABLE x;"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "media", "avatars", "a.png"), []byte{0x89, 0x50, 0x4e, 0x47}, 0o640))
	return dir
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		input   string
		want    Compression
		wantErr bool
	}{
		{"", CompressionGzip, false},
		{"GZIP", CompressionGzip, false},
		{"none", CompressionNone, false},
		{"zst", CompressionZstd, false},
		{"lz4", CompressionLZ4, false},
		{"bzip2", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCompression(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectCompression(t *testing.T) {
	tests := []struct {
		name string
		want Compression
		ok   bool
	}{
		{"backup_20240101_020000.tar.gz", CompressionGzip, true},
		{"release.tgz", CompressionGzip, true},
		{"backup.tar.zst", CompressionZstd, true},
		{"backup.tar.lz4", CompressionLZ4, true},
		{"backup.tar", CompressionNone, true},
		{"backup_20240101_020000", "", false},
		{"notes.txt", "", false},
	}

	for _, tt := range tests {
		got, ok := DetectCompression(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}

	assert.Equal(t, "backup_1", TrimExtension("backup_1.tar.gz"))
	assert.Equal(t, "backup_1", TrimExtension("backup_1"))
}

func TestCreateExtractRoundTrip(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionGzip, CompressionZstd, CompressionLZ4} {
		t.Run(string(compression), func(t *testing.T) {
			src := writeTestTree(t)
			dest := filepath.Join(t.TempDir(), "backup"+compression.Extension())

			err := Create(context.Background(), src, dest, CreateOptions{Compression: compression})
			require.NoError(t, err)

			_, err = os.Stat(dest + ".partial")
			assert.True(t, os.IsNotExist(err), "partial file should be renamed")

			out := t.TempDir()
			require.NoError(t, Extract(context.Background(), dest, out, 0))

			data, err := os.ReadFile(filepath.Join(out, "media", "avatars", "a.png"))
			require.NoError(t, err)
			assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, data)

			data, err = os.ReadFile(filepath.Join(out, "database_app.sql"))
			require.NoError(t, err)
			assert.Equal(t, "CREATE TABLE x;", string(data))
		})
	}
}

func TestCreateWritesFirstEntriesFirst(t *testing.T) {
	src := writeTestTree(t)
	dest := filepath.Join(t.TempDir(), "b.tar.gz")

	require.NoError(t, Create(context.Background(), src, dest, CreateOptions{
		Compression: CompressionGzip,
		First:       []string{"backup_manifest.json", "missing.json"},
	}))

	entries, err := List(dest)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "backup_manifest.json", entries[0].Name)

	count := 0
	for _, e := range entries {
		if e.Name == "backup_manifest.json" {
			count++
		}
	}
	assert.Equal(t, 1, count, "manifest must not be duplicated")
}

func TestReadEntry(t *testing.T) {
	src := writeTestTree(t)
	dest := filepath.Join(t.TempDir(), "b.tar.zst")
	require.NoError(t, Create(context.Background(), src, dest, CreateOptions{Compression: CompressionZstd}))

	data, err := ReadEntry(dest, "backup_manifest.json", 1024)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"b"}`, string(data))

	_, err = ReadEntry(dest, "nope.json", 1024)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	_, err = ReadEntry(dest, "backup_manifest.json", 2)
	assert.Error(t, err)
}

func TestExtractRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../../escape.txt", Mode: 0o640, Size: int64(len(content)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	archivePath := filepath.Join(t.TempDir(), "evil.tar")
	require.NoError(t, os.WriteFile(archivePath, buf.Bytes(), 0o640))

	err = Extract(context.Background(), archivePath, filepath.Join(t.TempDir(), "out"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid file path")
}

func TestExtractRejectsOversizedEntry(t *testing.T) {
	src := writeTestTree(t)
	dest := filepath.Join(t.TempDir(), "b.tar")
	require.NoError(t, Create(context.Background(), src, dest, CreateOptions{Compression: CompressionNone}))

	err := Extract(context.Background(), dest, t.TempDir(), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestExtractCorruptArchive(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "broken.tar.gz")
	require.NoError(t, os.WriteFile(archivePath, []byte("not a gzip stream"), 0o640))

	assert.Error(t, Extract(context.Background(), archivePath, t.TempDir(), 0))
}

func TestOpenUnknownFormat(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "file.zip"))
	assert.Error(t, err)
}

func TestSafeJoin(t *testing.T) {
	base := t.TempDir()

	p, err := SafeJoin(base, "database/app.sql")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "database", "app.sql"), p)

	_, err = SafeJoin(base, "../outside")
	assert.Error(t, err)
}

func TestNewWriterReaderStream(t *testing.T) {
	payload := bytes.Repeat([]byte("stateguard "), 1000)

	for _, compression := range []Compression{CompressionGzip, CompressionZstd, CompressionLZ4} {
		var buf bytes.Buffer
		w, err := NewWriter(&buf, compression, 9)
		require.NoError(t, err)
		_, err = w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		assert.Less(t, buf.Len(), len(payload), string(compression))

		r, err := NewReader(&buf, compression)
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, payload, got)
	}
}
