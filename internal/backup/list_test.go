package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stateguard/internal/archive"
)

func writeLegacyDir(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "media", "docs"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configuration"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "database_app.sql"), []byte("CREATE TABLE t;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "media", "docs", "a.txt"), []byte("abc"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configuration", "settings.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
}

func TestListBackups_EmptyArchiveDir(t *testing.T) {
	env := newTestEnv(t, nil)
	backups, err := env.engine.ListBackups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestListBackups_LegacyDirectory(t *testing.T) {
	env := newTestEnv(t, nil)
	writeLegacyDir(t, filepath.Join(env.archive, "backup_20230102_030405"))

	backups, err := env.engine.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 1)

	b := backups[0]
	assert.True(t, b.Legacy)
	assert.False(t, b.Compressed)
	assert.Equal(t, "backup_20230102_030405", b.Name)
	assert.Equal(t, time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC), b.CreatedAt)
	assert.Equal(t, int64(len("CREATE TABLE t;")), b.Components[ComponentDatabase].Size)
	assert.Equal(t, "database_app.sql", b.Components[ComponentDatabase].File)
	assert.Equal(t, int64(3), b.Components[ComponentMedia].Size)
	assert.Equal(t, int64(2), b.Components[ComponentConfiguration].Size)
	assert.Equal(t, int64(len("CREATE TABLE t;")+3+2), b.TotalSize)
}

func TestListBackups_LegacyArchive(t *testing.T) {
	env := newTestEnv(t, nil)
	src := filepath.Join(t.TempDir(), "legacy")
	writeLegacyDir(t, src)
	dest := filepath.Join(env.archive, "backup_20230102_030405.tar.gz")
	require.NoError(t, archive.Create(context.Background(), src, dest, archive.CreateOptions{Compression: archive.CompressionGzip}))

	backups, err := env.engine.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.True(t, backups[0].Legacy)
	assert.True(t, backups[0].Compressed)
	assert.Equal(t, dest, backups[0].Path)
	assert.Equal(t, int64(len("CREATE TABLE t;")+3+2), backups[0].TotalSize)
}

func TestListBackups_SkipsCorruptAndHidden(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	good, err := env.engine.CreateFullBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(env.archive, "backup_20200101_000000.tar.gz"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env.archive, "backup_20200101_000001.tar.gz.partial"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env.archive, "readme.md"), []byte("not a backup"), 0o644))

	badManifest := filepath.Join(env.archive, "backup_20200101_000002")
	require.NoError(t, os.MkdirAll(badManifest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(badManifest, ManifestFile), []byte("{not json"), 0o644))

	backups, err := env.engine.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, good.Name, backups[0].Name)
	assert.Greater(t, backups[0].ArchiveSize, int64(0))
}

func TestListBackups_NewestFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, name := range []string{"backup_20240101_000000", "backup_20240301_000000", "backup_20240201_000000"} {
		writeLegacyDir(t, filepath.Join(env.archive, name))
	}

	backups, err := env.engine.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, "backup_20240301_000000", backups[0].Name)
	assert.Equal(t, "backup_20240201_000000", backups[1].Name)
	assert.Equal(t, "backup_20240101_000000", backups[2].Name)
}

func TestDeleteBackup_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	backup, err := env.engine.CreateFullBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	result, err := env.engine.DeleteBackup(ctx, backup.Name)
	require.NoError(t, err)
	assert.True(t, result.Deleted)
	assert.NoFileExists(t, backup.Path)

	result, err = env.engine.DeleteBackup(ctx, backup.Name)
	require.NoError(t, err)
	assert.False(t, result.Deleted)
}

func TestDeleteBackup_RejectsTraversal(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, name := range []string{"", "../etc", ".staging", "a/b"} {
		_, err := env.engine.DeleteBackup(context.Background(), name)
		require.Error(t, err, name)
		assert.True(t, IsType(err, BackupErrorTypeValidation), name)
	}
}

func TestCleanupOldBackups(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RetentionDays = 7 })
	ctx := context.Background()

	// testNow is 2024-03-15; cutoff is 2024-03-08 10:30
	writeLegacyDir(t, filepath.Join(env.archive, "backup_20240301_000000"))
	writeLegacyDir(t, filepath.Join(env.archive, "backup_20240308_102959"))
	writeLegacyDir(t, filepath.Join(env.archive, "backup_20240310_000000"))
	recent, err := env.engine.CreateFullBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	result, err := env.engine.CleanupOldBackups(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"backup_20240301_000000", "backup_20240308_102959"}, result.Deleted)
	assert.Empty(t, result.Errors)
	assert.Equal(t, time.Date(2024, 3, 8, 10, 30, 0, 0, time.UTC), result.Cutoff)

	again, err := env.engine.CleanupOldBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Deleted)

	backups, err := env.engine.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, recent.Name, backups[0].Name)
}

func TestGetBackupRestorationInfo(t *testing.T) {
	env := newTestEnv(t, nil)

	backup, err := env.engine.CreateFullBackup(context.Background(), CreateOptions{IncludeMedia: true, Description: "before upgrade"})
	require.NoError(t, err)

	info, err := env.engine.GetBackupRestorationInfo(context.Background(), backup.Name)
	require.NoError(t, err)
	assert.Equal(t, backup.Name, info.Name)
	assert.Equal(t, "before upgrade", info.Description)
	assert.True(t, info.Compressed)
	assert.False(t, info.Legacy)
	assert.True(t, info.HasDatabase)
	assert.Equal(t, "database_app.db", info.DatabaseFile)
	assert.True(t, info.HasMedia)
	assert.Equal(t, 2, info.MediaFiles)
	assert.Equal(t, int64(len("png-bytes")+len("hello")), info.MediaSize)
	assert.True(t, info.HasConfiguration)
	assert.Equal(t, []string{environmentFile, settingsFile}, info.ConfigFiles)
	assert.Equal(t, backup.TotalSize, info.TotalSize)
}

func TestGetBackupRestorationInfo_LegacyDirectory(t *testing.T) {
	env := newTestEnv(t, nil)
	writeLegacyDir(t, filepath.Join(env.archive, "backup_20230102_030405"))

	info, err := env.engine.GetBackupRestorationInfo(context.Background(), "backup_20230102_030405")
	require.NoError(t, err)
	assert.True(t, info.Legacy)
	assert.True(t, info.HasMedia)
	assert.Equal(t, 1, info.MediaFiles)
	assert.Equal(t, []string{"settings.json"}, info.ConfigFiles)
}

func TestGetBackupRestorationInfo_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.engine.GetBackupRestorationInfo(context.Background(), "backup_20000101_000000")
	assert.True(t, IsType(err, BackupErrorTypeNotFound))
}
