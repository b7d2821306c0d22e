package backup

import (
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManager_ExclusiveWithinProcess(t *testing.T) {
	locks := NewLockManager(t.TempDir(), time.Hour)

	release, err := locks.Acquire(LockCreate)
	require.NoError(t, err)

	_, err = locks.Acquire(LockCreate)
	require.Error(t, err)
	assert.True(t, IsType(err, BackupErrorTypeConflict))

	// other names are independent
	releaseRestore, err := locks.Acquire(LockRestore)
	require.NoError(t, err)
	releaseRestore()

	release()
	release() // releasing twice is harmless

	again, err := locks.Acquire(LockCreate)
	require.NoError(t, err)
	again()
}

func TestLockManager_ExclusiveAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	first := NewLockManager(dir, time.Hour)
	second := NewLockManager(dir, time.Hour)

	release, err := first.Acquire(deleteLockName("backup_20240101_000000"))
	require.NoError(t, err)
	assert.FileExists(t, first.lockPath("delete:backup_20240101_000000"))

	_, err = second.Acquire(deleteLockName("backup_20240101_000000"))
	assert.True(t, IsType(err, BackupErrorTypeConflict))

	release()
	assert.NoFileExists(t, first.lockPath("delete:backup_20240101_000000"))

	release, err = second.Acquire(deleteLockName("backup_20240101_000000"))
	require.NoError(t, err)
	release()
}

func TestLockManager_TakesOverStaleLock(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	crashed := NewLockManager(dir, time.Hour)
	crashed.now = func() time.Time { return now.Add(-2 * time.Hour) }
	_, err := crashed.Acquire(LockRestore)
	require.NoError(t, err)

	survivor := NewLockManager(dir, time.Hour)
	survivor.now = func() time.Time { return now }
	release, err := survivor.Acquire(LockRestore)
	require.NoError(t, err)

	data, err := os.ReadFile(survivor.lockPath(LockRestore))
	require.NoError(t, err)
	var info lockInfo
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, survivor.owner, info.Owner)

	release()
	assert.NoFileExists(t, survivor.lockPath(LockRestore))
}

func TestLockManager_FreshLockIsRespected(t *testing.T) {
	dir := t.TempDir()
	holder := NewLockManager(dir, time.Hour)
	_, err := holder.Acquire(LockCreate)
	require.NoError(t, err)

	contender := NewLockManager(dir, time.Hour)
	_, err = contender.Acquire(LockCreate)
	assert.True(t, IsType(err, BackupErrorTypeConflict))
}
