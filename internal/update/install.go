package update

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"stateguard/internal/fsutil"
)

const rollbackManifestFile = "rollback.json"

// excluder matches slash separated paths relative to the install root
type excluder struct {
	patterns []string
}

func newExcluder(cfg Config) *excluder {
	patterns := make([]string, 0, len(DefaultExclusions)+len(cfg.Exclude)+len(cfg.Protected)+1)
	patterns = append(patterns, DefaultExclusions...)
	for _, p := range cfg.Exclude {
		patterns = append(patterns, strings.Trim(filepath.ToSlash(p), "/"))
	}

	root, err := filepath.Abs(cfg.InstallDir)
	if err == nil {
		for _, p := range append([]string{cfg.WorkDir}, cfg.Protected...) {
			if p == "" {
				continue
			}
			abs, err := filepath.Abs(p)
			if err != nil {
				continue
			}
			rel, err := filepath.Rel(root, abs)
			if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
				continue
			}
			patterns = append(patterns, filepath.ToSlash(rel))
		}
	}
	return &excluder{patterns: patterns}
}

func (e *excluder) match(rel string) bool {
	base := path.Base(rel)
	for _, p := range e.patterns {
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, "*?[") {
			if ok, _ := path.Match(p, base); ok {
				return true
			}
			if ok, _ := path.Match(p, rel); ok {
				return true
			}
			continue
		}
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// rollbackManifest lists what an install changed
type rollbackManifest struct {
	Saved   []string `json:"saved"`
	Created []string `json:"created"`
}

// installFiles copies the staged tree over installDir. Files about to be
// overwritten are saved under rollbackDir first; the manifest is written even
// when the copy stops halfway.
func installFiles(ctx context.Context, stagedDir, installDir, rollbackDir string, ex *excluder) (changed int, err error) {
	manifest := rollbackManifest{Saved: []string{}, Created: []string{}}
	if err := os.MkdirAll(rollbackDir, 0o750); err != nil {
		return 0, fmt.Errorf("failed to create rollback directory: %w", err)
	}
	defer func() {
		data, marshalErr := json.MarshalIndent(manifest, "", "  ")
		if marshalErr == nil {
			marshalErr = fsutil.WriteFileAtomic(filepath.Join(rollbackDir, rollbackManifestFile), data, 0o640)
		}
		if marshalErr != nil && err == nil {
			err = fmt.Errorf("failed to write rollback manifest: %w", marshalErr)
		}
	}()

	err = filepath.WalkDir(stagedDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(stagedDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		slashRel := filepath.ToSlash(rel)
		if ex.match(slashRel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		target := filepath.Join(installDir, rel)
		if info, statErr := os.Stat(target); statErr == nil {
			if info.IsDir() {
				return fmt.Errorf("cannot replace directory %s with a file", slashRel)
			}
			if err := fsutil.CopyFile(target, filepath.Join(rollbackDir, "files", rel)); err != nil {
				return fmt.Errorf("failed to save %s for rollback: %w", slashRel, err)
			}
			manifest.Saved = append(manifest.Saved, slashRel)
		} else {
			manifest.Created = append(manifest.Created, slashRel)
		}

		if err := fsutil.CopyFile(p, target); err != nil {
			return fmt.Errorf("failed to install %s: %w", slashRel, err)
		}
		changed++
		return nil
	})
	return changed, err
}

// restoreFiles puts saved files back and removes files the update added
func restoreFiles(rollbackDir, installDir string) (restored, removed int, errs []string) {
	data, err := os.ReadFile(filepath.Join(rollbackDir, rollbackManifestFile))
	if err != nil {
		return 0, 0, []string{fmt.Sprintf("failed to read rollback manifest: %v", err)}
	}
	var manifest rollbackManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return 0, 0, []string{fmt.Sprintf("failed to parse rollback manifest: %v", err)}
	}

	for _, rel := range manifest.Saved {
		src := filepath.Join(rollbackDir, "files", filepath.FromSlash(rel))
		if err := fsutil.CopyFile(src, filepath.Join(installDir, filepath.FromSlash(rel))); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", rel, err))
			continue
		}
		restored++
	}
	for _, rel := range manifest.Created {
		err := os.Remove(filepath.Join(installDir, filepath.FromSlash(rel)))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Sprintf("%s: %v", rel, err))
			continue
		}
		removed++
	}
	return restored, removed, errs
}

// payloadRoot unwraps a single top-level directory, as produced by source
// tarballs
func payloadRoot(extracted string) (string, error) {
	entries, err := os.ReadDir(extracted)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("update archive is empty")
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(extracted, entries[0].Name()), nil
	}
	return extracted, nil
}
