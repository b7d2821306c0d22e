package backup

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"stateguard/internal/archive"
)

const gzipExtension = ".gz"

// sealArtifact applies the configured artifact compression and encryption
// in place and returns the final path
func (e *Engine) sealArtifact(path string) (string, error) {
	if e.cfg.CompressDatabase {
		compressed := path + gzipExtension
		err := transformFile(path, compressed, func(w io.Writer, r io.Reader) error {
			zw, err := archive.NewWriter(w, archive.CompressionGzip, e.cfg.CompressionLevel)
			if err != nil {
				return err
			}
			if _, err := io.Copy(zw, r); err != nil {
				zw.Close()
				return err
			}
			return zw.Close()
		})
		if err != nil {
			return "", NewCompressionError("failed to compress database artifact", err)
		}
		if err := os.Remove(path); err != nil {
			return "", NewStorageError("failed to remove uncompressed artifact", err)
		}
		path = compressed
	}

	if e.cfg.Encryption.Enabled {
		passphrase, err := e.cfg.Encryption.ResolvePassphrase()
		if err != nil {
			return "", err
		}
		encrypted, err := encryptFile(path, passphrase)
		if err != nil {
			return "", err
		}
		path = encrypted
	}

	return path, nil
}

// openArtifact reverses sealArtifact into workDir and returns the plain
// artifact path. Suffixes are peeled from the outside in.
func (e *Engine) openArtifact(path, workDir string) (string, error) {
	current := path

	if strings.HasSuffix(current, encryptedExtension) {
		passphrase, err := e.cfg.Encryption.ResolvePassphrase()
		if err != nil {
			return "", NewEncryptionError("artifact is encrypted but no passphrase is available", err)
		}
		plain := filepath.Join(workDir, strings.TrimSuffix(filepath.Base(current), encryptedExtension))
		if err := decryptFile(current, plain, passphrase); err != nil {
			return "", err
		}
		current = plain
	}

	if strings.HasSuffix(current, gzipExtension) {
		plain := filepath.Join(workDir, strings.TrimSuffix(filepath.Base(current), gzipExtension))
		err := transformFile(current, plain, func(w io.Writer, r io.Reader) error {
			zr, err := archive.NewReader(r, archive.CompressionGzip)
			if err != nil {
				return err
			}
			defer zr.Close()
			_, err = io.Copy(w, zr)
			return err
		})
		if err != nil {
			return "", NewCompressionError("failed to decompress database artifact", err)
		}
		current = plain
	}

	return current, nil
}

// findArtifact locates the database artifact at the root of an extracted backup
func findArtifact(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() && isArtifact(entry.Name()) {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", nil
}
