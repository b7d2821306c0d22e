package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"stateguard/internal/metrics"
)

// Mirror keeps an offsite copy of finished archives
type Mirror interface {
	// Upload copies the local archive and returns its remote location
	Upload(ctx context.Context, localPath, name string) (string, error)
	// Delete removes the remote copy. A missing object is not an error.
	Delete(ctx context.Context, name string) error
	// Location returns the remote URL for name
	Location(name string) string
}

// NewMirror creates the mirror provider named in the configuration. It
// returns nil when no provider is configured.
func NewMirror(ctx context.Context, cfg MirrorConfig) (Mirror, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case MirrorProviderS3:
		return NewS3Mirror(cfg.S3, cfg.Prefix)
	case MirrorProviderGCS:
		return NewGCSMirror(ctx, cfg.GCS, cfg.Prefix)
	case MirrorProviderAzure:
		return NewAzureMirror(cfg.Azure, cfg.Prefix)
	default:
		return nil, NewValidationError(fmt.Sprintf("unsupported mirror provider: %s", cfg.Provider), nil)
	}
}

// objectKey joins the configured prefix and a sanitized archive name
func objectKey(prefix, name string) string {
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, " ", "_")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + name
}

// Mirror markers live in <archive>/.mirror/<file> and hold the remote location

func (e *Engine) mirrorMarker(file string) string {
	return filepath.Join(e.cfg.ArchiveDir, ".mirror", file)
}

func (e *Engine) recordMirror(file, location string) error {
	if err := os.MkdirAll(filepath.Dir(e.mirrorMarker(file)), 0o750); err != nil {
		return err
	}
	return os.WriteFile(e.mirrorMarker(file), []byte(location), 0o640)
}

func (e *Engine) mirrorLocation(file string) string {
	data, err := os.ReadFile(e.mirrorMarker(file))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (e *Engine) clearMirror(file string) {
	if err := os.Remove(e.mirrorMarker(file)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.logger.Warnf("Failed to remove mirror marker for %s: %v", file, err)
	}
}

// uploadToMirror copies a finished archive offsite. Failures are recorded as
// warnings on the backup and never fail it.
func (e *Engine) uploadToMirror(ctx context.Context, backup *Backup) {
	if e.mirror == nil || backup.Path == "" {
		return
	}

	info, err := os.Stat(backup.Path)
	if err != nil || info.IsDir() {
		return
	}

	file := filepath.Base(backup.Path)
	location, err := e.mirror.Upload(ctx, backup.Path, file)
	if err != nil {
		e.logger.WithFields(map[string]interface{}{"backup": backup.Name, "error": err.Error()}).
			Warn("Failed to upload backup to mirror")
		metrics.RecordMirrorFailure()
		return
	}
	if err := e.recordMirror(file, location); err != nil {
		e.logger.Warnf("Failed to record mirror location for %s: %v", backup.Name, err)
	}
	backup.Mirror = location
}
