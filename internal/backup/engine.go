package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stateguard/internal/archive"
	"stateguard/internal/fsutil"
	"stateguard/internal/logging"
	"stateguard/internal/metrics"
)

// ConnectionCloser drains live database connections before a destructive restore
type ConnectionCloser interface {
	CloseConnections(ctx context.Context) error
}

// Engine orchestrates backup creation, listing, retention and restore
type Engine struct {
	cfg         Config
	adapter     DatabaseAdapter
	connections ConnectionCloser
	locks       *LockManager
	mirror      Mirror
	settings    SettingsSource
	environ     func() []string
	copyDir     func(src, dst string, skip fsutil.SkipFunc) (int64, error)
	now         func() time.Time
	logger      *logging.Logger
	appVersion  string
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithConnectionCloser sets what drains connections before a database restore
func WithConnectionCloser(closer ConnectionCloser) Option {
	return func(e *Engine) { e.connections = closer }
}

// WithMirror sets the offsite mirror
func WithMirror(mirror Mirror) Option {
	return func(e *Engine) { e.mirror = mirror }
}

// WithSettings sets the runtime settings captured by the configuration step
func WithSettings(source SettingsSource) Option {
	return func(e *Engine) { e.settings = source }
}

// WithEnviron overrides the environment source
func WithEnviron(environ func() []string) Option {
	return func(e *Engine) { e.environ = environ }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAppVersion records the running application version in manifests
func WithAppVersion(version string) Option {
	return func(e *Engine) { e.appVersion = version }
}

// NewEngine creates an engine around a database adapter
func NewEngine(cfg Config, adapter DatabaseAdapter, opts ...Option) (*Engine, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, NewValidationError("invalid backup configuration", err)
	}
	if adapter == nil {
		return nil, NewValidationError("a database adapter is required", nil)
	}

	e := &Engine{
		cfg:     cfg,
		adapter: adapter,
		environ: os.Environ,
		copyDir: fsutil.CopyDir,
		now:     time.Now,
		logger:  logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.locks = NewLockManager(cfg.lockDir(), cfg.LockStaleAfter)
	e.locks.now = e.now

	if err := os.MkdirAll(cfg.ArchiveDir, 0o750); err != nil {
		return nil, NewStorageError("failed to create archive directory", err)
	}
	return e, nil
}

// Config returns the engine configuration with defaults applied
func (e *Engine) Config() Config {
	return e.cfg
}

// CreateFullBackup snapshots the database, optionally media, and the
// sanitized configuration. Component failures are recorded in the manifest
// and do not abort the backup; fatal failures remove the staging area and
// return the failed backup with a typed error.
func (e *Engine) CreateFullBackup(ctx context.Context, opts CreateOptions) (*Backup, error) {
	release, err := e.locks.Acquire(LockCreate)
	if err != nil {
		return e.rejectedBackup(opts, err), err
	}
	defer release()

	startTime := time.Now()
	done := e.logger.LogOperationStart("create_backup", map[string]interface{}{
		"include_media": opts.IncludeMedia,
	})

	backup, err := e.createFullBackup(ctx, opts)
	done(err)

	if backup != nil {
		var failed []string
		for _, kind := range backup.ComponentNames() {
			if !backup.Components[ComponentKind(kind)].Success {
				failed = append(failed, kind)
			}
		}
		metrics.RecordBackup(time.Since(startTime), backup.TotalSize, backup.Success, failed)
	}
	return backup, err
}

func (e *Engine) createFullBackup(ctx context.Context, opts CreateOptions) (*Backup, error) {
	createdAt := e.now().UTC()
	name := e.uniqueName(createdAt)

	backup := &Backup{
		Name:        name,
		CreatedAt:   createdAt,
		Description: opts.Description,
		AppVersion:  e.appVersion,
		Engine:      e.adapter.Kind(),
		Components:  make(map[ComponentKind]*ComponentResult),
	}

	stagingDir := filepath.Join(e.cfg.stagingDir(), name)
	if err := os.MkdirAll(stagingDir, 0o750); err != nil {
		return e.failBackup(backup, stagingDir, NewStorageError("failed to create staging directory", err))
	}

	// Each step records its own outcome; none aborts the others
	if !opts.SkipDatabase {
		e.backupDatabase(ctx, stagingDir, backup.Component(ComponentDatabase))
		e.logComponent(backup, ComponentDatabase)
	}
	if opts.IncludeMedia {
		e.backupMedia(ctx, stagingDir, backup.Component(ComponentMedia))
		e.logComponent(backup, ComponentMedia)
	}
	e.backupConfiguration(stagingDir, backup.Component(ComponentConfiguration))
	e.logComponent(backup, ComponentConfiguration)

	if err := ctx.Err(); err != nil {
		return e.failBackup(backup, stagingDir, NewStorageError("backup cancelled", err))
	}

	compression := e.cfg.CompressionType()
	backup.Compressed = compression.Compressed()
	backup.Finalize()

	if err := writeManifest(stagingDir, backup); err != nil {
		return e.failBackup(backup, stagingDir, NewStorageError("failed to write manifest", err))
	}

	if backup.Compressed {
		archivePath := filepath.Join(e.cfg.ArchiveDir, name+compression.Extension())
		err := archive.Create(ctx, stagingDir, archivePath, archive.CreateOptions{
			Compression: compression,
			Level:       e.cfg.CompressionLevel,
			First:       []string{ManifestFile},
		})
		if err != nil {
			return e.failBackup(backup, stagingDir, NewCompressionError("failed to create archive", err))
		}
		if err := os.RemoveAll(stagingDir); err != nil {
			e.logger.Warnf("Failed to remove staging directory %s: %v", stagingDir, err)
		}
		backup.Path = archivePath
	} else {
		finalDir := filepath.Join(e.cfg.ArchiveDir, name)
		if err := os.Rename(stagingDir, finalDir); err != nil {
			return e.failBackup(backup, stagingDir, NewStorageError("failed to move backup into place", err))
		}
		backup.Path = finalDir
	}

	backup.ArchiveSize = pathSize(backup.Path)
	e.uploadToMirror(ctx, backup)

	e.logger.WithFields(map[string]interface{}{
		"backup":     backup.Name,
		"total_size": backup.TotalSize,
		"success":    backup.Success,
		"path":       backup.Path,
	}).Info("Backup created")

	return backup, nil
}

// rejectedBackup is the result for a backup that never started
func (e *Engine) rejectedBackup(opts CreateOptions, err error) *Backup {
	return &Backup{
		CreatedAt:   e.now().UTC(),
		Description: opts.Description,
		AppVersion:  e.appVersion,
		Engine:      e.adapter.Kind(),
		Components:  make(map[ComponentKind]*ComponentResult),
		Error:       err.Error(),
	}
}

// failBackup removes the staging area and marks the backup failed
func (e *Engine) failBackup(backup *Backup, stagingDir string, err *BackupError) (*Backup, error) {
	if rmErr := os.RemoveAll(stagingDir); rmErr != nil {
		e.logger.Warnf("Failed to remove staging directory %s: %v", stagingDir, rmErr)
	}
	backup.Error = err.Error()
	backup.Finalize()
	backup.Success = false
	return backup, err.WithContext("backup", backup.Name)
}

// backupDatabase runs the adapter dump and seals the artifact
func (e *Engine) backupDatabase(ctx context.Context, stagingDir string, result *ComponentResult) {
	artifact, err := e.adapter.Dump(ctx, stagingDir)
	if err != nil {
		result.AddError(err.Error())
		return
	}

	artifact, err = e.sealArtifact(artifact)
	if err != nil {
		result.AddError(err.Error())
		return
	}

	info, err := os.Stat(artifact)
	if err != nil {
		result.AddError(fmt.Sprintf("failed to stat database artifact: %v", err))
		return
	}

	result.Success = true
	result.Size = info.Size()
	result.File = filepath.Base(artifact)
}

func (e *Engine) logComponent(backup *Backup, kind ComponentKind) {
	result := backup.Components[kind]
	e.logger.LogComponentResult("create_backup", backup.Name, string(kind), result.Size, result.Errors)
}

// uniqueName returns the timestamp name, suffixed when already taken
func (e *Engine) uniqueName(createdAt time.Time) string {
	base := formatName(createdAt)
	name := base
	for i := 2; e.nameTaken(name); i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	return name
}

func (e *Engine) nameTaken(name string) bool {
	if fsutil.Exists(filepath.Join(e.cfg.ArchiveDir, name)) || fsutil.Exists(filepath.Join(e.cfg.stagingDir(), name)) {
		return true
	}
	for _, c := range []archive.Compression{archive.CompressionGzip, archive.CompressionZstd, archive.CompressionLZ4, archive.CompressionNone} {
		if fsutil.Exists(filepath.Join(e.cfg.ArchiveDir, name+c.Extension())) {
			return true
		}
	}
	return false
}

// locate resolves a backup name to its archive file or directory
func (e *Engine) locate(name string) (string, bool, error) {
	if err := validateName(name); err != nil {
		return "", false, err
	}

	dir := filepath.Join(e.cfg.ArchiveDir, name)
	if info, err := os.Stat(dir); err == nil {
		if info.IsDir() {
			return dir, true, nil
		}
		if _, ok := archive.DetectCompression(name); ok {
			return dir, false, nil
		}
	}

	base := archive.TrimExtension(name)
	for _, c := range []archive.Compression{archive.CompressionGzip, archive.CompressionZstd, archive.CompressionLZ4, archive.CompressionNone} {
		candidate := filepath.Join(e.cfg.ArchiveDir, base+c.Extension())
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, false, nil
		}
	}
	if alt := filepath.Join(e.cfg.ArchiveDir, base+".tgz"); fsutil.Exists(alt) {
		return alt, false, nil
	}

	return "", false, NewNotFoundError(fmt.Sprintf("backup %s not found", name), nil).WithContext("backup", name)
}

// pathSize is the on-disk size of an archive file or backup directory
func pathSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	size, _ := fsutil.DirSize(path)
	return size
}

// isHiddenEntry reports engine bookkeeping entries in the archive directory
func isHiddenEntry(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".partial")
}
