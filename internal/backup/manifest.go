package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"stateguard/internal/archive"
)

const (
	namePrefix     = "backup_"
	nameTimeLayout = "20060102_150405"

	// maxManifestSize bounds manifest reads from untrusted archives
	maxManifestSize = 16 << 20
)

var backupNamePattern = regexp.MustCompile(`^backup_(\d{8}_\d{6})(?:_\d+)?$`)

// writeManifest stores the manifest at the root of dir
func writeManifest(dir string, backup *Backup) error {
	data, err := json.MarshalIndent(manifestView(backup), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o640)
}

// manifestView strips the listing-only fields
func manifestView(backup *Backup) *Backup {
	view := *backup
	view.Path = ""
	view.ArchiveSize = 0
	view.Legacy = false
	view.Mirror = ""
	return &view
}

func decodeManifest(data []byte) (*Backup, error) {
	var backup Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if backup.Name == "" {
		return nil, fmt.Errorf("invalid manifest: missing name")
	}
	if backup.Components == nil {
		backup.Components = make(map[ComponentKind]*ComponentResult)
	}
	return &backup, nil
}

// readDirManifest reads the manifest of an uncompressed backup directory
func readDirManifest(dir string) (*Backup, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	return decodeManifest(data)
}

// readArchiveManifest reads the manifest straight from the archive stream
func readArchiveManifest(path string) (*Backup, error) {
	data, err := archive.ReadEntry(path, ManifestFile, maxManifestSize)
	if err != nil {
		return nil, err
	}
	return decodeManifest(data)
}

// formatName derives a backup name from its creation time
func formatName(t time.Time) string {
	return namePrefix + t.UTC().Format(nameTimeLayout)
}

// parseNameTime recovers the creation time encoded in a backup name
func parseNameTime(name string) (time.Time, bool) {
	match := backupNamePattern.FindStringSubmatch(name)
	if match == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(nameTimeLayout, match[1])
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// validateName rejects names that could escape the archive directory
func validateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return NewValidationError("backup name is required", nil)
	case strings.ContainsAny(name, `/\`), name == "..", strings.HasPrefix(name, "."):
		return NewValidationError(fmt.Sprintf("invalid backup name %q", name), nil)
	}
	return nil
}
