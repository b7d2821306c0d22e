// Package update checks a release endpoint for new application versions,
// stages the artifact and installs it over the live tree with a file level
// rollback and an optional safety backup.
package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"stateguard/internal/archive"
	"stateguard/internal/backup"
	"stateguard/internal/execution"
	"stateguard/internal/fsutil"
	"stateguard/internal/logging"
	"stateguard/internal/metrics"
)

// Status is a step of the update state machine
type Status string

const (
	StatusIdle        Status = "idle"
	StatusChecking    Status = "checking"
	StatusUpToDate    Status = "up_to_date"
	StatusAvailable   Status = "available"
	StatusDownloading Status = "downloading"
	StatusReady       Status = "ready"
	StatusInstalling  Status = "installing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRolledBack  Status = "rolled_back"
)

var allStatuses = []string{
	string(StatusIdle), string(StatusChecking), string(StatusUpToDate), string(StatusAvailable),
	string(StatusDownloading), string(StatusReady), string(StatusInstalling),
	string(StatusCompleted), string(StatusFailed), string(StatusRolledBack),
}

var (
	ErrRecordNotFound = errors.New("update record not found")
	ErrNoUpdate       = errors.New("no update available")
	ErrNotReady       = errors.New("no staged update ready to install")
	ErrBusy           = errors.New("another update operation is in progress")
)

// State is the persisted view of the update state machine
type State struct {
	Status         Status     `json:"status" yaml:"status"`
	CurrentVersion string     `json:"current_version" yaml:"current_version"`
	Latest         *Release   `json:"latest,omitempty" yaml:"latest,omitempty"`
	Progress       int        `json:"progress" yaml:"progress"`
	Error          string     `json:"error,omitempty" yaml:"error,omitempty"`
	StagedDir      string     `json:"staged_dir,omitempty" yaml:"staged_dir,omitempty"`
	CheckedAt      *time.Time `json:"checked_at,omitempty" yaml:"checked_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at" yaml:"updated_at"`
}

// BackupEngine is the part of the backup engine used for safety snapshots
type BackupEngine interface {
	CreateFullBackup(ctx context.Context, opts backup.CreateOptions) (*backup.Backup, error)
	RestoreBackup(ctx context.Context, name string, opts backup.RestoreOptions) (*backup.RestoreResult, error)
}

// InstallOptions controls Install
type InstallOptions struct {
	BackupBeforeUpdate bool
}

// RollbackOptions controls Rollback
type RollbackOptions struct {
	ConfirmationToken string
	// RestoreData also restores the database from the safety backup
	RestoreData bool
}

// RollbackResult reports what a rollback put back
type RollbackResult struct {
	Record        *UpdateRecord         `json:"record"`
	RestoredFiles int                   `json:"restored_files"`
	RemovedFiles  int                   `json:"removed_files"`
	Restore       *backup.RestoreResult `json:"restore,omitempty"`
	Errors        []string              `json:"errors,omitempty"`
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator drives check, download, install and rollback
type Coordinator struct {
	cfg     Config
	engine  BackupEngine
	runner  execution.Runner
	client  *ReleaseClient
	history *historyStore
	logger  *logging.Logger
	now     func() time.Time

	mu    sync.Mutex
	state State
	busy  bool
	// persistedProgress is the last download percentage written to disk
	persistedProgress int
}

// NewCoordinator creates a coordinator. engine may be nil, in which case
// safety backups and data restores are skipped with a warning.
func NewCoordinator(cfg Config, engine BackupEngine, runner execution.Runner, opts ...Option) (*Coordinator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:    cfg,
		engine: engine,
		runner: runner,
		logger: logging.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.runner == nil {
		c.runner = execution.NewExecutor(c.logger, 0)
	}
	c.client = NewReleaseClient(c.cfg, c.logger)
	c.history = &historyStore{path: cfg.historyFile()}

	if err := os.MkdirAll(cfg.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create update work directory: %w", err)
	}
	if err := c.loadState(); err != nil {
		return nil, err
	}
	return c, nil
}

// State returns a snapshot of the current state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// History returns update records, newest first
func (c *Coordinator) History() ([]*UpdateRecord, error) {
	return c.history.list()
}

// Check queries the release endpoint. Failures are reported through the
// returned state.
func (c *Coordinator) Check(ctx context.Context) State {
	c.mu.Lock()
	if c.busy {
		defer c.mu.Unlock()
		return c.snapshotLocked()
	}
	c.busy = true
	c.transitionLocked(StatusChecking)
	c.mu.Unlock()

	release, err := c.client.Latest(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false

	now := c.now()
	c.state.CheckedAt = &now
	c.state.Progress = 0
	c.state.StagedDir = ""
	switch {
	case err != nil:
		c.state.Latest = nil
		c.state.Error = err.Error()
		c.logger.WithField("error", err.Error()).Warn("Update check failed")
		c.transitionLocked(StatusFailed)
	case isNewer(release.Version, c.state.CurrentVersion):
		c.state.Latest = release
		c.state.Error = ""
		c.logger.WithFields(map[string]interface{}{
			"current": c.state.CurrentVersion,
			"latest":  release.Version,
		}).Info("Update available")
		c.transitionLocked(StatusAvailable)
	default:
		c.state.Latest = nil
		c.state.Error = ""
		c.transitionLocked(StatusUpToDate)
	}
	return c.snapshotLocked()
}

// Download fetches and extracts the release found by Check
func (c *Coordinator) Download(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.busy {
		defer c.mu.Unlock()
		return c.snapshotLocked(), ErrBusy
	}
	release := c.state.Latest
	if release == nil || release.DownloadURL == "" {
		defer c.mu.Unlock()
		return c.snapshotLocked(), ErrNoUpdate
	}
	c.busy = true
	c.state.Progress = 0
	c.persistedProgress = 0
	c.state.Error = ""
	c.state.StagedDir = ""
	c.transitionLocked(StatusDownloading)
	c.mu.Unlock()
	metrics.SetDownloadProgress(0)

	done := c.logger.LogOperationStart("update_download", map[string]interface{}{
		"version": release.Version,
		"asset":   release.AssetName,
	})
	staged, err := c.fetch(ctx, release)
	done(err)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if err != nil {
		os.RemoveAll(c.cfg.stagingDir())
		c.state.Error = err.Error()
		c.transitionLocked(StatusFailed)
		return c.snapshotLocked(), err
	}
	c.state.StagedDir = staged
	c.state.Progress = 100
	c.transitionLocked(StatusReady)
	return c.snapshotLocked(), nil
}

func (c *Coordinator) fetch(ctx context.Context, release *Release) (string, error) {
	name := filepath.Base(release.AssetName)
	if _, ok := archive.DetectCompression(name); !ok {
		return "", fmt.Errorf("unsupported release artifact %q", release.AssetName)
	}

	staging := c.cfg.stagingDir()
	if err := os.RemoveAll(staging); err != nil {
		return "", fmt.Errorf("failed to clear staging area: %w", err)
	}
	downloadDir := filepath.Join(staging, "download")
	if err := os.MkdirAll(downloadDir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create staging area: %w", err)
	}

	resp, err := c.client.Open(ctx, release.DownloadURL)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", release.AssetName, err)
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if total <= 0 {
		total = release.AssetSize
	}
	if total > c.cfg.MaxDownloadSize {
		return "", fmt.Errorf("release artifact is %d bytes, limit is %d", total, c.cfg.MaxDownloadSize)
	}

	artifact := filepath.Join(downloadDir, name)
	if err := c.saveArtifact(resp, artifact, total); err != nil {
		return "", err
	}

	extracted := filepath.Join(staging, "extracted")
	if err := archive.Extract(ctx, artifact, extracted, archive.DefaultMaxFileSize); err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", release.AssetName, err)
	}
	return payloadRoot(extracted)
}

func (c *Coordinator) saveArtifact(resp *http.Response, dest string, total int64) error {
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create artifact file: %w", err)
	}

	progress := &progressWriter{total: total, report: c.setProgress}
	limit := c.cfg.MaxDownloadSize
	n, err := io.Copy(io.MultiWriter(file, progress), io.LimitReader(resp.Body, limit+1))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to download release artifact: %w", err)
	}
	if n > limit {
		return fmt.Errorf("release artifact exceeds the %d byte limit", limit)
	}
	return nil
}

// progressPersistStep is how far progress moves between state file writes
const progressPersistStep = 5

// setProgress records download progress. The state file is rewritten every
// progressPersistStep percent so other processes can follow the download.
func (c *Coordinator) setProgress(percent int) {
	c.mu.Lock()
	c.state.Progress = percent
	if percent == 100 || percent-c.persistedProgress >= progressPersistStep {
		c.persistedProgress = percent
		c.state.UpdatedAt = c.now()
		if err := c.saveStateLocked(); err != nil {
			c.logger.WithField("error", err.Error()).Warn("Failed to persist download progress")
		}
	}
	c.mu.Unlock()
	metrics.SetDownloadProgress(percent)
}

// Install copies the staged release over the install directory. The record
// is persisted when the attempt starts and again when it is finalized.
func (c *Coordinator) Install(ctx context.Context, opts InstallOptions) (*UpdateRecord, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	if c.state.Status != StatusReady || c.state.StagedDir == "" || c.state.Latest == nil {
		c.mu.Unlock()
		return nil, ErrNotReady
	}
	if !fsutil.Exists(c.state.StagedDir) {
		c.state.Error = "staged files are missing"
		c.transitionLocked(StatusFailed)
		c.mu.Unlock()
		return nil, ErrNotReady
	}
	c.busy = true
	staged := c.state.StagedDir
	release := c.state.Latest
	record := &UpdateRecord{
		ID:          uuid.NewString(),
		FromVersion: c.state.CurrentVersion,
		ToVersion:   release.Version,
		StartedAt:   c.now(),
	}
	record.RollbackDir = filepath.Join(c.cfg.rollbackDir(), record.ID)
	c.transitionLocked(StatusInstalling)
	c.mu.Unlock()

	if err := c.history.put(record); err != nil {
		c.logger.WithField("error", err.Error()).Warn("Failed to record update start")
	}

	done := c.logger.LogOperationStart("update_install", map[string]interface{}{
		"record": record.ID,
		"from":   record.FromVersion,
		"to":     record.ToVersion,
	})

	if opts.BackupBeforeUpdate {
		c.safetyBackup(ctx, record)
	}

	changed, err := installFiles(ctx, staged, c.cfg.InstallDir, record.RollbackDir, newExcluder(c.cfg))
	record.FilesChanged = changed
	if err == nil {
		err = c.runPostSteps(ctx)
	}

	c.finalize(ctx, record, err)
	done(err)
	if err != nil {
		return record, fmt.Errorf("update to %s failed: %w", record.ToVersion, err)
	}
	return record, nil
}

func (c *Coordinator) safetyBackup(ctx context.Context, record *UpdateRecord) {
	if c.engine == nil {
		c.logger.Warn("No backup engine configured, installing without a safety backup")
		return
	}

	b, err := c.engine.CreateFullBackup(ctx, backup.CreateOptions{
		Description: fmt.Sprintf("Safety backup before update to %s", record.ToVersion),
	})
	if err != nil || b == nil {
		msg := "no backup returned"
		if err != nil {
			msg = err.Error()
		}
		c.logger.WithField("error", msg).Warn("Safety backup failed, continuing with update")
		return
	}

	record.BackupName = b.Name
	record.BackupCreated = b.Success
	if !b.Success {
		c.logger.WithField("backup", b.Name).Warn("Safety backup completed with errors, continuing with update")
	}
}

func (c *Coordinator) runPostSteps(ctx context.Context) error {
	for _, step := range c.cfg.PostInstall {
		name := step.Name
		if name == "" {
			name = step.Command
		}
		c.logger.WithField("step", name).Info("Running post-install step")
		err := c.runner.Run(ctx, execution.Command{
			Name: step.Command,
			Args: step.Args,
			Dir:  c.cfg.InstallDir,
		})
		if err != nil {
			return fmt.Errorf("post-install step %s: %w", name, err)
		}
	}
	return nil
}

// finalize sets the record result once, persists it and clears staging
func (c *Coordinator) finalize(ctx context.Context, record *UpdateRecord, err error) {
	if record.finalized() {
		return
	}

	completed := c.now()
	record.CompletedAt = &completed
	switch {
	case err == nil:
		record.Result = ResultSuccess
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		record.Result = ResultCancelled
		record.Error = err.Error()
	default:
		record.Result = ResultFailed
		record.Error = err.Error()
	}

	if putErr := c.history.put(record); putErr != nil {
		c.logger.WithField("error", putErr.Error()).Error("Failed to persist update record")
	}
	metrics.RecordUpdateInstall(string(record.Result))

	if rmErr := os.RemoveAll(c.cfg.stagingDir()); rmErr != nil {
		c.logger.WithField("error", rmErr.Error()).Warn("Failed to clear staging area")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	c.state.StagedDir = ""
	c.state.Progress = 0
	if record.Result == ResultSuccess {
		c.state.CurrentVersion = record.ToVersion
		c.state.Latest = nil
		c.state.Error = ""
		c.transitionLocked(StatusCompleted)
		return
	}
	c.state.Error = record.Error
	c.transitionLocked(StatusFailed)
}

// Rollback restores the files an install overwrote and removes the ones it
// added. With RestoreData the safety backup is restored as well.
func (c *Coordinator) Rollback(ctx context.Context, recordID string, opts RollbackOptions) (*RollbackResult, error) {
	if strings.TrimSpace(opts.ConfirmationToken) == "" {
		return nil, backup.NewPreconditionError("rollback requires a confirmation token", nil)
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	record, err := c.history.get(recordID)
	if err != nil {
		return nil, err
	}
	if !record.finalized() {
		return nil, backup.NewConflictError(fmt.Sprintf("update %s has not finished", record.ID), nil)
	}
	if record.RolledBackAt != nil {
		return nil, backup.NewConflictError(fmt.Sprintf("update %s was already rolled back", record.ID), nil)
	}

	done := c.logger.LogOperationStart("update_rollback", map[string]interface{}{
		"record":       record.ID,
		"restore_data": opts.RestoreData,
	})

	result := &RollbackResult{Record: record}
	result.RestoredFiles, result.RemovedFiles, result.Errors = restoreFiles(record.RollbackDir, c.cfg.InstallDir)

	if opts.RestoreData {
		result.Restore, err = c.restoreData(ctx, record, opts.ConfirmationToken)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	rolledBack := c.now()
	record.RolledBackAt = &rolledBack
	if err := c.history.put(record); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("history: %v", err))
	}

	c.mu.Lock()
	c.state.CurrentVersion = record.FromVersion
	c.state.Error = strings.Join(result.Errors, "; ")
	c.transitionLocked(StatusRolledBack)
	c.mu.Unlock()

	if len(result.Errors) > 0 {
		err = backup.NewPartialFailureError(
			fmt.Sprintf("rollback of %s finished with %d errors", record.ID, len(result.Errors)), nil)
		done(err)
		return result, err
	}
	done(nil)
	return result, nil
}

func (c *Coordinator) restoreData(ctx context.Context, record *UpdateRecord, token string) (*backup.RestoreResult, error) {
	if c.engine == nil {
		return nil, fmt.Errorf("no backup engine configured")
	}
	if !record.BackupCreated || record.BackupName == "" {
		return nil, fmt.Errorf("update %s has no safety backup", record.ID)
	}
	restore, err := c.engine.RestoreBackup(ctx, record.BackupName, backup.RestoreOptions{
		Database:          true,
		ConfirmationToken: token,
	})
	if err != nil {
		return restore, fmt.Errorf("restore of %s failed: %w", record.BackupName, err)
	}
	if restore != nil && !restore.Success {
		return restore, fmt.Errorf("restore of %s reported component errors", record.BackupName)
	}
	return restore, nil
}

func (c *Coordinator) snapshotLocked() State {
	s := c.state
	if s.Latest != nil {
		latest := *s.Latest
		s.Latest = &latest
	}
	if s.CheckedAt != nil {
		checked := *s.CheckedAt
		s.CheckedAt = &checked
	}
	return s
}

func (c *Coordinator) transitionLocked(status Status) {
	c.state.Status = status
	c.state.UpdatedAt = c.now()
	metrics.SetUpdateState(string(status), allStatuses)
	if err := c.saveStateLocked(); err != nil {
		c.logger.WithField("error", err.Error()).Warn("Failed to persist update state")
	}
}

func (c *Coordinator) saveStateLocked() error {
	data, err := json.MarshalIndent(c.state, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(c.cfg.stateFile(), data, 0o640)
}

// loadState restores the state left by an earlier process. An operation cut
// off mid-flight is reported as failed.
func (c *Coordinator) loadState() error {
	c.state = State{Status: StatusIdle, CurrentVersion: c.cfg.CurrentVersion, UpdatedAt: c.now()}

	data, err := os.ReadFile(c.cfg.stateFile())
	if errors.Is(err, fs.ErrNotExist) {
		metrics.SetUpdateState(string(StatusIdle), allStatuses)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read update state: %w", err)
	}

	var saved State
	if err := json.Unmarshal(data, &saved); err != nil {
		c.logger.WithField("error", err.Error()).Warn("Ignoring unreadable update state")
		metrics.SetUpdateState(string(StatusIdle), allStatuses)
		return nil
	}
	if saved.CurrentVersion == "" {
		saved.CurrentVersion = c.cfg.CurrentVersion
	}
	c.state = saved

	switch saved.Status {
	case StatusChecking, StatusDownloading, StatusInstalling:
		c.state.Error = fmt.Sprintf("interrupted while %s", saved.Status)
		c.state.StagedDir = ""
		c.transitionLocked(StatusFailed)
	default:
		metrics.SetUpdateState(string(saved.Status), allStatuses)
	}
	return nil
}

// progressWriter reports whole percent changes of a transfer
type progressWriter struct {
	total   int64
	written int64
	last    int
	report  func(int)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total > 0 {
		percent := int(p.written * 100 / p.total)
		if percent > 100 {
			percent = 100
		}
		if percent != p.last {
			p.last = percent
			p.report(percent)
		}
	}
	return len(b), nil
}

// normalizeVersion adds the v prefix semver expects to numeric tags
func normalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && v[0] >= '0' && v[0] <= '9' {
		return "v" + v
	}
	return v
}

// isNewer reports whether latest should replace current. A current version
// that is not semver, such as a dev build, is always replaced.
func isNewer(latest, current string) bool {
	latest, current = normalizeVersion(latest), normalizeVersion(current)
	if !semver.IsValid(latest) {
		return latest != "" && latest != current
	}
	if !semver.IsValid(current) {
		return true
	}
	return semver.Compare(latest, current) > 0
}
