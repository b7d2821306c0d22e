package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stateguard/internal/archive"
	"stateguard/internal/metrics"
)

// RestoreBackup restores the selected components of a backup. Database
// restores require a non-empty confirmation token and take a safety backup
// first. Component failures do not stop the remaining components; the
// result is returned alongside a partial failure error.
func (e *Engine) RestoreBackup(ctx context.Context, name string, opts RestoreOptions) (*RestoreResult, error) {
	if !opts.Database && !opts.Media && !opts.Configuration {
		return nil, NewValidationError("at least one component must be selected for restore", nil)
	}
	if opts.Database && strings.TrimSpace(opts.ConfirmationToken) == "" {
		return nil, NewPreconditionError("a confirmation token is required to restore the database", nil).
			WithContext("backup", name)
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	release, err := e.locks.Acquire(LockRestore)
	if err != nil {
		return nil, err
	}
	defer release()

	path, isDir, err := e.locate(name)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	done := e.logger.LogOperationStart("restore_backup", map[string]interface{}{
		"backup":        name,
		"database":      opts.Database,
		"media":         opts.Media,
		"configuration": opts.Configuration,
	})

	result, err := e.restore(ctx, name, path, isDir, opts)
	done(err)

	metrics.RecordRestore(time.Since(startTime), err == nil && result != nil && result.Success)
	return result, err
}

func (e *Engine) restore(ctx context.Context, name, path string, isDir bool, opts RestoreOptions) (*RestoreResult, error) {
	result := &RestoreResult{
		Backup:     name,
		StartedAt:  e.now().UTC(),
		Components: make(map[ComponentKind]*ComponentResult),
	}

	if err := os.MkdirAll(e.cfg.stagingDir(), 0o750); err != nil {
		return nil, NewStorageError("failed to create staging directory", err)
	}
	workDir, err := os.MkdirTemp(e.cfg.stagingDir(), "restore-")
	if err != nil {
		return nil, NewStorageError("failed to create restore work directory", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			e.logger.Warnf("Failed to remove restore work directory %s: %v", workDir, err)
		}
	}()

	source := path
	if !isDir {
		source = filepath.Join(workDir, "extract")
		if err := archive.Extract(ctx, path, source, e.cfg.MaxExtractSize); err != nil {
			return nil, NewExtractionError(fmt.Sprintf("failed to extract backup %s", name), err).
				WithContext("archive", path)
		}
	}

	if opts.Database {
		e.restoreDatabase(ctx, name, source, workDir, opts, result)
	}
	if opts.Media {
		e.restoreMedia(source, result.Component(ComponentMedia))
	}
	if opts.Configuration {
		e.inspectConfiguration(source, result.Component(ComponentConfiguration))
	}

	for kind, component := range result.Components {
		e.logger.LogComponentResult("restore_backup", name, string(kind), component.Size, component.Errors)
	}

	result.CompletedAt = e.now().UTC()
	failed := result.FailedComponents()
	result.Success = len(failed) == 0

	switch {
	case len(failed) == 0:
		return result, nil
	case len(failed) == len(result.Components):
		return result, NewRestoreError(fmt.Sprintf("restore of %s failed: %s", name, strings.Join(failed, ", ")), nil).
			WithContext("backup", name)
	default:
		return result, NewPartialFailureError(fmt.Sprintf("restore of %s partially failed: %s", name, strings.Join(failed, ", ")), nil).
			WithContext("backup", name).
			WithContext("failed_components", failed)
	}
}

// restoreDatabase takes the safety backup, drains connections and hands the
// artifact to the adapter
func (e *Engine) restoreDatabase(ctx context.Context, name, source, workDir string, opts RestoreOptions, result *RestoreResult) {
	component := result.Component(ComponentDatabase)

	artifact, err := findArtifact(source)
	if err != nil {
		component.AddError(fmt.Sprintf("failed to read backup contents: %v", err))
		return
	}
	if artifact == "" {
		component.AddError("backup does not contain a database artifact")
		return
	}

	if !opts.SkipSafetyBackup {
		e.takeSafetyBackup(ctx, name, result)
	}

	plain, err := e.openArtifact(artifact, workDir)
	if err != nil {
		component.AddError(err.Error())
		return
	}

	if e.connections != nil {
		if err := e.connections.CloseConnections(ctx); err != nil {
			component.AddError(fmt.Sprintf("failed to close database connections: %v", err))
			return
		}
	}

	if err := e.adapter.Restore(ctx, plain); err != nil {
		component.AddError(err.Error())
		return
	}

	if info, err := os.Stat(plain); err == nil {
		component.Size = info.Size()
	}
	component.File = filepath.Base(artifact)
}

// takeSafetyBackup snapshots the current database before it is replaced.
// Its failure is reported as a warning.
func (e *Engine) takeSafetyBackup(ctx context.Context, name string, result *RestoreResult) {
	safety, err := e.CreateFullBackup(ctx, CreateOptions{
		Description: fmt.Sprintf("Safety backup before restoring %s", name),
	})
	switch {
	case err != nil:
		result.Warnings = append(result.Warnings, fmt.Sprintf("safety backup failed: %v", err))
	case !safety.Success:
		result.SafetyBackup = safety.Name
		result.Warnings = append(result.Warnings, fmt.Sprintf("safety backup %s completed with errors", safety.Name))
	default:
		result.SafetyBackup = safety.Name
	}
	if err != nil || !safety.Success {
		e.logger.Warnf("Safety backup before restoring %s did not complete cleanly", name)
	}
}

// inspectConfiguration lists the captured configuration files. Configuration
// is never applied automatically.
func (e *Engine) inspectConfiguration(source string, component *ComponentResult) {
	dir := filepath.Join(source, configurationDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		component.AddError("backup does not contain configuration")
		return
	}

	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		files = append(files, entry.Name())
		if info, err := entry.Info(); err == nil {
			component.Size += info.Size()
		}
	}
	component.File = configurationDir
	component.AddWarning(fmt.Sprintf("configuration is informational only; review %s and apply changes manually",
		strings.Join(files, ", ")))
}
