package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordBackup(t *testing.T) {
	successBefore := testutil.ToFloat64(BackupsTotal.WithLabelValues("success"))
	partialBefore := testutil.ToFloat64(BackupsTotal.WithLabelValues("partial"))
	mediaBefore := testutil.ToFloat64(BackupComponentErrors.WithLabelValues("media"))

	RecordBackup(2*time.Second, 4096, true, nil)
	assert.Equal(t, successBefore+1, testutil.ToFloat64(BackupsTotal.WithLabelValues("success")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(BackupSizeBytes))
	assert.Greater(t, testutil.ToFloat64(BackupLastSuccess), 0.0)

	RecordBackup(time.Second, 10, false, []string{"media"})
	assert.Equal(t, partialBefore+1, testutil.ToFloat64(BackupsTotal.WithLabelValues("partial")))
	assert.Equal(t, mediaBefore+1, testutil.ToFloat64(BackupComponentErrors.WithLabelValues("media")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(BackupSizeBytes), "failed backups do not update the size gauge")
}

func TestRecordRestore(t *testing.T) {
	before := testutil.ToFloat64(RestoresTotal.WithLabelValues("failed"))
	RecordRestore(time.Second, false)
	assert.Equal(t, before+1, testutil.ToFloat64(RestoresTotal.WithLabelValues("failed")))
}

func TestRecordScheduleRun(t *testing.T) {
	RecordScheduleRun("nightly", false, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(ScheduleConsecutiveFailures.WithLabelValues("nightly")))

	RecordScheduleRun("nightly", true, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(ScheduleConsecutiveFailures.WithLabelValues("nightly")))

	series := testutil.CollectAndCount(ScheduleConsecutiveFailures)
	ForgetSchedule("nightly")
	assert.Equal(t, series-1, testutil.CollectAndCount(ScheduleConsecutiveFailures))
}

func TestSetUpdateState(t *testing.T) {
	states := []string{"idle", "checking", "available"}

	SetUpdateState("checking", states)
	assert.Equal(t, 1.0, testutil.ToFloat64(UpdateState.WithLabelValues("checking")))
	assert.Equal(t, 0.0, testutil.ToFloat64(UpdateState.WithLabelValues("idle")))

	SetUpdateState("available", states)
	assert.Equal(t, 0.0, testutil.ToFloat64(UpdateState.WithLabelValues("checking")))
	assert.Equal(t, 1.0, testutil.ToFloat64(UpdateState.WithLabelValues("available")))
}

func TestSetDownloadProgress(t *testing.T) {
	SetDownloadProgress(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(UpdateDownloadProgress))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(MirrorUploadFailures)
	RecordMirrorFailure()
	assert.Equal(t, before+1, testutil.ToFloat64(MirrorUploadFailures))

	deletedBefore := testutil.ToFloat64(BackupsDeleted.WithLabelValues("retention"))
	RecordBackupDeleted("retention")
	assert.Equal(t, deletedBefore+1, testutil.ToFloat64(BackupsDeleted.WithLabelValues("retention")))

	installBefore := testutil.ToFloat64(UpdateInstalls.WithLabelValues("success"))
	RecordUpdateInstall("success")
	assert.Equal(t, installBefore+1, testutil.ToFloat64(UpdateInstalls.WithLabelValues("success")))
}
