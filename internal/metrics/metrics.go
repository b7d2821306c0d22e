// Package metrics exposes Prometheus collectors for backups, restores,
// schedules and self-updates.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Backup Metrics
	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stateguard_backups_total",
			Help: "Total number of backups created, by result",
		},
		[]string{"result"}, // "success", "partial", "failed"
	)

	BackupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stateguard_backup_duration_seconds",
			Help:    "Duration of full backup creation in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	BackupSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stateguard_backup_last_size_bytes",
			Help: "Total component size of the most recent backup",
		},
	)

	BackupLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stateguard_backup_last_success_timestamp",
			Help: "Unix timestamp of the last successful backup",
		},
	)

	BackupComponentErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stateguard_backup_component_errors_total",
			Help: "Total number of backup component failures",
		},
		[]string{"component"},
	)

	BackupsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stateguard_backups_deleted_total",
			Help: "Total number of backups deleted, by reason",
		},
		[]string{"reason"}, // "manual", "retention", "schedule"
	)

	MirrorUploadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stateguard_mirror_upload_failures_total",
			Help: "Total number of failed offsite mirror uploads",
		},
	)

	// Restore Metrics
	RestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stateguard_restores_total",
			Help: "Total number of restores, by result",
		},
		[]string{"result"},
	)

	RestoreDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stateguard_restore_duration_seconds",
			Help:    "Duration of restores in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// Schedule Metrics
	ScheduleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stateguard_schedule_runs_total",
			Help: "Total number of scheduled backup runs",
		},
		[]string{"schedule", "result"},
	)

	ScheduleConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stateguard_schedule_consecutive_failures",
			Help: "Current consecutive failure count per schedule",
		},
		[]string{"schedule"},
	)

	// Update Metrics
	UpdateState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stateguard_update_state",
			Help: "1 for the current self-update state, 0 otherwise",
		},
		[]string{"state"},
	)

	UpdateDownloadProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stateguard_update_download_progress_percent",
			Help: "Progress of the current update download (0-100)",
		},
	)

	UpdateInstalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stateguard_update_installs_total",
			Help: "Total number of update installations, by result",
		},
		[]string{"result"},
	)
)

// RecordBackup records the outcome of a full backup
func RecordBackup(duration time.Duration, size int64, success bool, failedComponents []string) {
	BackupDuration.Observe(duration.Seconds())
	for _, component := range failedComponents {
		BackupComponentErrors.WithLabelValues(component).Inc()
	}

	switch {
	case success:
		BackupsTotal.WithLabelValues("success").Inc()
		BackupSizeBytes.Set(float64(size))
		BackupLastSuccess.Set(float64(time.Now().Unix()))
	case len(failedComponents) > 0:
		BackupsTotal.WithLabelValues("partial").Inc()
	default:
		BackupsTotal.WithLabelValues("failed").Inc()
	}
}

// RecordBackupDeleted records a removed backup
func RecordBackupDeleted(reason string) {
	BackupsDeleted.WithLabelValues(reason).Inc()
}

// RecordMirrorFailure records a failed offsite upload
func RecordMirrorFailure() {
	MirrorUploadFailures.Inc()
}

// RecordRestore records the outcome of a restore
func RecordRestore(duration time.Duration, success bool) {
	RestoreDuration.Observe(duration.Seconds())
	if success {
		RestoresTotal.WithLabelValues("success").Inc()
	} else {
		RestoresTotal.WithLabelValues("failed").Inc()
	}
}

// RecordScheduleRun records a scheduled run and the schedule's failure streak
func RecordScheduleRun(schedule string, success bool, consecutiveFailures int) {
	result := "success"
	if !success {
		result = "failed"
	}
	ScheduleRuns.WithLabelValues(schedule, result).Inc()
	ScheduleConsecutiveFailures.WithLabelValues(schedule).Set(float64(consecutiveFailures))
}

// ForgetSchedule drops the per-schedule series of a removed schedule
func ForgetSchedule(schedule string) {
	ScheduleConsecutiveFailures.DeleteLabelValues(schedule)
}

// SetUpdateState marks state as the current update state
func SetUpdateState(state string, all []string) {
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		UpdateState.WithLabelValues(s).Set(value)
	}
}

// SetDownloadProgress records update download progress
func SetDownloadProgress(percent int) {
	UpdateDownloadProgress.Set(float64(percent))
}

// RecordUpdateInstall records an installation result
func RecordUpdateInstall(result string) {
	UpdateInstalls.WithLabelValues(result).Inc()
}
