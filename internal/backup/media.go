package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const mediaDir = "media"

// backupMedia copies the media root into the staging area. A missing media
// root is not an error.
func (e *Engine) backupMedia(ctx context.Context, stagingDir string, result *ComponentResult) {
	if e.cfg.MediaRoot == "" {
		result.Success = true
		result.AddWarning("media root is not configured")
		return
	}

	info, err := os.Stat(e.cfg.MediaRoot)
	if errors.Is(err, fs.ErrNotExist) {
		result.Success = true
		result.AddWarning(fmt.Sprintf("media root %s does not exist", e.cfg.MediaRoot))
		return
	}
	if err != nil {
		result.AddError(fmt.Sprintf("failed to stat media root: %v", err))
		return
	}
	if !info.IsDir() {
		result.AddError(fmt.Sprintf("media root %s is not a directory", e.cfg.MediaRoot))
		return
	}

	if err := ctx.Err(); err != nil {
		result.AddError(err.Error())
		return
	}

	size, err := e.copyDir(e.cfg.MediaRoot, filepath.Join(stagingDir, mediaDir), nil)
	if err != nil {
		result.AddError(fmt.Sprintf("failed to copy media: %v", err))
		return
	}

	result.Success = true
	result.Size = size
	result.File = mediaDir
}

// restoreMedia moves the live media root aside and replaces it with the
// extracted copy. A failed copy is removed and the previous media put back.
func (e *Engine) restoreMedia(extractDir string, result *ComponentResult) {
	if e.cfg.MediaRoot == "" {
		result.AddError("media root is not configured")
		return
	}

	source := filepath.Join(extractDir, mediaDir)
	if info, err := os.Stat(source); err != nil || !info.IsDir() {
		result.AddError("backup does not contain media")
		return
	}

	var aside string
	if _, err := os.Stat(e.cfg.MediaRoot); err == nil {
		aside = fmt.Sprintf("%s.pre-restore-%s", filepath.Clean(e.cfg.MediaRoot), e.now().Format("20060102_150405"))
		if err := os.Rename(e.cfg.MediaRoot, aside); err != nil {
			result.AddError(fmt.Sprintf("failed to move current media aside: %v", err))
			return
		}
	}

	size, err := e.copyDir(source, e.cfg.MediaRoot, nil)
	if err != nil {
		result.AddError(e.undoMediaRestore(aside, fmt.Sprintf("failed to restore media: %v", err)))
		return
	}

	if aside != "" {
		result.AddWarning(fmt.Sprintf("previous media kept at %s", aside))
	}
	result.Size = size
	result.File = mediaDir
}

// undoMediaRestore drops a partial media copy and moves the previous media
// back, describing where things were left
func (e *Engine) undoMediaRestore(aside, msg string) string {
	if err := os.RemoveAll(e.cfg.MediaRoot); err != nil {
		msg = fmt.Sprintf("%s; partial copy left at %s: %v", msg, e.cfg.MediaRoot, err)
		if aside != "" {
			msg = fmt.Sprintf("%s; previous media kept at %s", msg, aside)
		}
		return msg
	}
	if aside == "" {
		return msg + "; partial copy removed"
	}
	if err := os.Rename(aside, e.cfg.MediaRoot); err != nil {
		return fmt.Sprintf("%s; previous media kept at %s: %v", msg, aside, err)
	}
	return msg + "; previous media put back"
}
