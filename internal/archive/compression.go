package archive

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the stream codec wrapped around a tar archive
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression converts a configuration value into a Compression.
// An empty value selects gzip.
func ParseCompression(value string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "gzip", "gz":
		return CompressionGzip, nil
	case "none", "off", "false":
		return CompressionNone, nil
	case "zstd", "zst":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return "", fmt.Errorf("unsupported compression %q", value)
	}
}

// Extension returns the archive file extension for the codec
func (c Compression) Extension() string {
	switch c {
	case CompressionGzip:
		return ".tar.gz"
	case CompressionZstd:
		return ".tar.zst"
	case CompressionLZ4:
		return ".tar.lz4"
	default:
		return ".tar"
	}
}

// Compressed reports whether the codec actually compresses
func (c Compression) Compressed() bool {
	return c == CompressionGzip || c == CompressionZstd || c == CompressionLZ4
}

// archiveSuffixes is ordered so that longer suffixes win
var archiveSuffixes = []struct {
	suffix      string
	compression Compression
}{
	{".tar.gz", CompressionGzip},
	{".tgz", CompressionGzip},
	{".tar.zst", CompressionZstd},
	{".tar.lz4", CompressionLZ4},
	{".tar", CompressionNone},
}

// DetectCompression infers the codec from an archive file name.
// The second result is false when the name is not a recognized archive.
func DetectCompression(path string) (Compression, bool) {
	name := strings.ToLower(filepath.Base(path))
	for _, s := range archiveSuffixes {
		if strings.HasSuffix(name, s.suffix) {
			return s.compression, true
		}
	}
	return "", false
}

// TrimExtension strips a recognized archive extension from a file name
func TrimExtension(name string) string {
	lower := strings.ToLower(name)
	for _, s := range archiveSuffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return name[:len(name)-len(s.suffix)]
		}
	}
	return name
}

// NewWriter wraps w with the codec. Closing the returned writer flushes the
// codec but does not close w. Level 0 selects the codec default.
func NewWriter(w io.Writer, c Compression, level int) (io.WriteCloser, error) {
	switch c {
	case CompressionNone, "":
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		gw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return gw, nil
	case CompressionZstd:
		opts := []zstd.EOption{}
		if level != 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		}
		zw, err := zstd.NewWriter(w, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		// lz4 only distinguishes fast and high compression
		if level > 6 {
			if err := lw.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
				return nil, fmt.Errorf("failed to set lz4 compression level: %w", err)
			}
		}
		return lw, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", c)
	}
}

// NewReader wraps r with the codec decoder. Closing the returned reader
// releases decoder resources but does not close r.
func NewReader(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone, "":
		return io.NopCloser(r), nil
	case CompressionGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gr, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", c)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
