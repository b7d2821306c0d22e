package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stateguard/internal/metrics"
)

// Deletion reasons reported in metrics
const (
	DeleteReasonManual    = "manual"
	DeleteReasonRetention = "retention"
	DeleteReasonSchedule  = "schedule"
)

// DeleteBackup removes a backup and its mirror copy. Deleting a backup that
// does not exist succeeds with Deleted=false.
func (e *Engine) DeleteBackup(ctx context.Context, name string) (*DeleteResult, error) {
	return e.deleteBackup(ctx, name, DeleteReasonManual)
}

// DeleteBackupFor removes a backup and attributes the deletion to reason
func (e *Engine) DeleteBackupFor(ctx context.Context, name, reason string) (*DeleteResult, error) {
	return e.deleteBackup(ctx, name, reason)
}

func (e *Engine) deleteBackup(ctx context.Context, name, reason string) (*DeleteResult, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	release, err := e.locks.Acquire(deleteLockName(name))
	if err != nil {
		return nil, err
	}
	defer release()

	result := &DeleteResult{Name: name}

	path, _, err := e.locate(name)
	if IsType(err, BackupErrorTypeNotFound) {
		e.logger.Debugf("Backup %s already absent", name)
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to delete backup %s", name), err).WithContext("path", path)
	}
	result.Deleted = true

	file := filepath.Base(path)
	if e.mirror != nil && e.mirrorLocation(file) != "" {
		if err := e.mirror.Delete(ctx, file); err != nil {
			result.Warning = fmt.Sprintf("failed to delete mirror copy: %v", err)
			e.logger.Warnf("Failed to delete mirror copy of %s: %v", name, err)
		} else {
			result.MirrorDeleted = true
		}
	}
	e.clearMirror(file)

	metrics.RecordBackupDeleted(reason)
	e.logger.WithFields(map[string]interface{}{"backup": name, "reason": reason}).Info("Backup deleted")
	return result, nil
}

// CleanupOldBackups deletes every backup created before now minus the
// retention period. A retention of zero days keeps everything.
func (e *Engine) CleanupOldBackups(ctx context.Context) (*CleanupResult, error) {
	result := &CleanupResult{Deleted: []string{}, Errors: []string{}}
	if e.cfg.RetentionDays <= 0 {
		return result, nil
	}
	result.Cutoff = e.now().UTC().Add(-time.Duration(e.cfg.RetentionDays) * 24 * time.Hour)

	backups, err := e.ListBackups(ctx)
	if err != nil {
		return nil, err
	}

	for _, backup := range backups {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err.Error())
			break
		}
		if !backup.CreatedAt.Before(result.Cutoff) {
			continue
		}

		deleted, err := e.deleteBackup(ctx, filepath.Base(backup.Path), DeleteReasonRetention)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", backup.Name, err))
			continue
		}
		if deleted.Deleted {
			result.Deleted = append(result.Deleted, backup.Name)
		}
	}

	e.logger.WithFields(map[string]interface{}{
		"cutoff":  result.Cutoff,
		"deleted": len(result.Deleted),
		"errors":  len(result.Errors),
	}).Info("Retention cleanup finished")
	return result, nil
}
