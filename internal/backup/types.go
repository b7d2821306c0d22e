package backup

import (
	"sort"
	"time"
)

// ComponentKind names one part of a backup
type ComponentKind string

const (
	ComponentDatabase      ComponentKind = "database"
	ComponentMedia         ComponentKind = "media"
	ComponentConfiguration ComponentKind = "configuration"
)

// ManifestFile is the name of the manifest at the root of every backup
const ManifestFile = "backup_manifest.json"

// ComponentResult is the outcome of one backup or restore step
type ComponentResult struct {
	Success  bool     `json:"success"`
	Size     int64    `json:"size"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings,omitempty"`
	File     string   `json:"file,omitempty"`
}

// AddError records a failure and marks the component unsuccessful
func (r *ComponentResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Success = false
}

// AddWarning records a non-fatal problem
func (r *ComponentResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Backup is the manifest of a single backup, plus listing-only fields
type Backup struct {
	Name        string                             `json:"name"`
	CreatedAt   time.Time                          `json:"created_at"`
	Description string                             `json:"description"`
	AppVersion  string                             `json:"app_version,omitempty"`
	Engine      string                             `json:"engine,omitempty"`
	Components  map[ComponentKind]*ComponentResult `json:"components"`
	TotalSize   int64                              `json:"total_size"`
	Compressed  bool                               `json:"compressed"`
	Success     bool                               `json:"success"`
	Error       string                             `json:"error,omitempty"`

	// Not persisted in the manifest
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	ArchiveSize int64  `json:"archive_size,omitempty" yaml:"archive_size,omitempty"`
	Legacy      bool   `json:"legacy,omitempty" yaml:"legacy,omitempty"`
	Mirror      string `json:"mirror,omitempty" yaml:"mirror,omitempty"`
}

// Component returns the named component result, creating it if needed
func (b *Backup) Component(kind ComponentKind) *ComponentResult {
	if b.Components == nil {
		b.Components = make(map[ComponentKind]*ComponentResult)
	}
	result, ok := b.Components[kind]
	if !ok {
		result = &ComponentResult{Errors: []string{}}
		b.Components[kind] = result
	}
	return result
}

// Finalize recomputes total_size and success from the component results
func (b *Backup) Finalize() {
	var total int64
	success := b.Error == ""
	for _, result := range b.Components {
		total += result.Size
		if !result.Success || len(result.Errors) > 0 {
			success = false
		}
	}
	b.TotalSize = total
	b.Success = success
}

// ComponentNames returns the component kinds present, sorted
func (b *Backup) ComponentNames() []string {
	names := make([]string, 0, len(b.Components))
	for kind := range b.Components {
		names = append(names, string(kind))
	}
	sort.Strings(names)
	return names
}

// CreateOptions controls CreateFullBackup
type CreateOptions struct {
	IncludeMedia bool
	Description  string
	// SkipDatabase leaves the database step out. Used by schedules that only
	// want configuration snapshots.
	SkipDatabase bool
}

// RestoreOptions selects which components to restore
type RestoreOptions struct {
	Database          bool
	Media             bool
	Configuration     bool
	ConfirmationToken string
	// SkipSafetyBackup disables the pre-restore safety backup
	SkipSafetyBackup bool
}

// RestoreResult reports the outcome of a restore, per component
type RestoreResult struct {
	Backup       string                             `json:"backup"`
	StartedAt    time.Time                          `json:"started_at"`
	CompletedAt  time.Time                          `json:"completed_at"`
	Components   map[ComponentKind]*ComponentResult `json:"components"`
	SafetyBackup string                             `json:"safety_backup,omitempty"`
	Warnings     []string                           `json:"warnings,omitempty"`
	Success      bool                               `json:"success"`
}

// Component returns the named component result, creating it if needed
func (r *RestoreResult) Component(kind ComponentKind) *ComponentResult {
	if r.Components == nil {
		r.Components = make(map[ComponentKind]*ComponentResult)
	}
	result, ok := r.Components[kind]
	if !ok {
		result = &ComponentResult{Success: true, Errors: []string{}}
		r.Components[kind] = result
	}
	return result
}

// FailedComponents lists the components that reported errors
func (r *RestoreResult) FailedComponents() []string {
	var failed []string
	for kind, result := range r.Components {
		if !result.Success {
			failed = append(failed, string(kind))
		}
	}
	sort.Strings(failed)
	return failed
}

// DeleteResult reports what DeleteBackup removed
type DeleteResult struct {
	Name          string `json:"name"`
	Deleted       bool   `json:"deleted"`
	MirrorDeleted bool   `json:"mirror_deleted,omitempty"`
	Warning       string `json:"warning,omitempty"`
}

// CleanupResult reports the outcome of retention cleanup
type CleanupResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Deleted []string  `json:"deleted"`
	Errors  []string  `json:"errors"`
}

// RestorationInfo is a non-destructive inventory of a backup
type RestorationInfo struct {
	Name             string    `json:"name"`
	CreatedAt        time.Time `json:"created_at"`
	Description      string    `json:"description"`
	Compressed       bool      `json:"compressed"`
	Legacy           bool      `json:"legacy"`
	HasDatabase      bool      `json:"has_database"`
	DatabaseFile     string    `json:"database_file,omitempty"`
	DatabaseSize     int64     `json:"database_size"`
	HasMedia         bool      `json:"has_media"`
	MediaFiles       int       `json:"media_files"`
	MediaSize        int64     `json:"media_size"`
	HasConfiguration bool      `json:"has_configuration"`
	ConfigFiles      []string  `json:"config_files,omitempty"`
	TotalSize        int64     `json:"total_size"`
}
