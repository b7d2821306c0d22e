package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stateguard/internal/database"
	"stateguard/internal/display"
	"stateguard/internal/notify"
)

func newViper(t *testing.T, content string) *viper.Viper {
	t.Helper()
	v := viper.New()
	RegisterDefaults(v)
	ConfigureEnv(v)
	if content != "" {
		path := filepath.Join(t.TempDir(), "stateguard.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		v.SetConfigFile(path)
		require.NoError(t, v.ReadInConfig())
	}
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newViper(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "normal", cfg.Logging.Level)
	assert.Equal(t, database.EngineSQLite, cfg.Database.Engine)
	assert.Equal(t, "./backups", cfg.Backup.ArchiveDir)
	assert.Equal(t, 30, cfg.Backup.RetentionDays)
	assert.Equal(t, 2*time.Hour, cfg.Backup.DumpTimeout)
	assert.Equal(t, time.Minute, cfg.Schedule.Interval)
	assert.Equal(t, "UTC", cfg.Schedule.Timezone)
	assert.Equal(t, "https://api.github.com", cfg.Update.APIURL)
	assert.Equal(t, display.FormatTable, cfg.Display.OutputFormat)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	t.Setenv("STATEGUARD_BACKUP_RETENTION_DAYS", "7")
	t.Setenv("STATEGUARD_DATABASE_PASSWORD", "from-env")

	v := newViper(t, `
database:
  engine: mysql
  host: db.internal
  username: app
  database: shop
backup:
  archive_dir: /var/backups/shop
  compression: zstd
  dump_timeout: 45m
schedule:
  timezone: Europe/Istanbul
notify:
  enabled: true
  webhook:
    url: https://hooks.example.com/backup
update:
  repository: acme/shop
  post_install:
    - name: migrate
      command: ./manage
      args: [migrate]
`)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, database.EngineMySQL, cfg.Database.Engine)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, "/var/backups/shop", cfg.Backup.ArchiveDir)
	assert.Equal(t, "zstd", cfg.Backup.Compression)
	assert.Equal(t, 45*time.Minute, cfg.Backup.DumpTimeout)
	assert.Equal(t, 7, cfg.Backup.RetentionDays)
	assert.Equal(t, "Europe/Istanbul", cfg.Schedule.Timezone)
	require.NotNil(t, cfg.Notify.Webhook)
	assert.Equal(t, "https://hooks.example.com/backup", cfg.Notify.Webhook.URL)
	require.Len(t, cfg.Update.PostInstall, 1)
	assert.Equal(t, []string{"migrate"}, cfg.Update.PostInstall[0].Args)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"log level", "logging:\n  level: loud\n", "logging.level"},
		{"compression", "backup:\n  compression: rar\n", "compression"},
		{"timezone", "schedule:\n  timezone: Mars/Olympus\n", "schedule.timezone"},
		{"repository", "update:\n  repository: not-a-repo\n", "owner/name"},
		{"database host", "database:\n  engine: postgres\n", "host is required"},
		{"display format", "display:\n  output_format: xml\n", "invalid output format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(newViper(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".stateguard.yaml")

	cfg := DefaultConfig()
	cfg.Backup.ArchiveDir = "/srv/backups"
	previous, err := WriteFile(path, cfg, false)
	require.NoError(t, err)
	assert.Empty(t, previous)

	loaded, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/backups", loaded.Backup.ArchiveDir)
	assert.Equal(t, cfg.Backup.LockStaleAfter, loaded.Backup.LockStaleAfter)
	assert.Equal(t, cfg.Schedule.Interval, loaded.Schedule.Interval)

	_, err = WriteFile(path, cfg, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	previous, err = WriteFile(path, DefaultConfig(), true)
	require.NoError(t, err)
	assert.Equal(t, path+".backup", previous)
	saved, err := ReadFile(previous)
	require.NoError(t, err)
	assert.Equal(t, "/srv/backups", saved.Backup.ArchiveDir)
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Password = "hunter2"
	cfg.Update.Token = "ghp_secret"
	cfg.Notify.Email = &notify.EmailConfig{Username: "ops", Password: "smtp-pass"}
	cfg.Notify.Webhook = &notify.WebhookConfig{URL: "https://hooks", Headers: map[string]string{"Authorization": "Bearer x"}}

	out := cfg.Redacted()
	assert.Equal(t, redacted, out.Database.Password)
	assert.Equal(t, redacted, out.Update.Token)
	assert.Equal(t, redacted, out.Notify.Email.Password)
	assert.Equal(t, "ops", out.Notify.Email.Username)
	assert.Equal(t, redacted, out.Notify.Webhook.Headers["Authorization"])
	assert.Empty(t, out.Backup.Mirror.S3.SecretKey)

	assert.Equal(t, "hunter2", cfg.Database.Password)
	assert.Equal(t, "smtp-pass", cfg.Notify.Email.Password)
	assert.Equal(t, "Bearer x", cfg.Notify.Webhook.Headers["Authorization"])
}

func testCheckConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Backup.ArchiveDir = filepath.Join(root, "backups")
	cfg.Schedule.StorePath = filepath.Join(root, "state", "schedules.yaml")
	cfg.Database.Path = filepath.Join(root, "db.sqlite3")
	return cfg
}

func TestChecker_Run(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		cfg := testCheckConfig(t)
		result := NewChecker(cfg).Run()

		assert.True(t, result.Success)
		assert.True(t, result.StorageReady)
		assert.Empty(t, result.Errors)
		assert.DirExists(t, cfg.Backup.ArchiveDir)
		assert.NoFileExists(t, filepath.Join(cfg.Backup.ArchiveDir, ".stateguard_write_test"))
	})

	t.Run("missing dump tools degrade to a warning", func(t *testing.T) {
		cfg := testCheckConfig(t)
		cfg.Database = database.DatabaseConfig{Engine: "mysql", Host: "db", Port: 3306, Username: "app", Database: "shop"}

		checker := NewChecker(cfg)
		checker.lookPath = func(string) (string, error) { return "", errors.New("not found") }
		result := checker.Run()

		assert.True(t, result.Success)
		assert.False(t, result.ToolsAvailable)
		require.Len(t, result.Warnings, 2)
		assert.Contains(t, result.Warnings[0], "mysqldump")
	})

	t.Run("missing passphrase", func(t *testing.T) {
		cfg := testCheckConfig(t)
		cfg.Backup.Encryption.Enabled = true
		cfg.Backup.Encryption.PassphraseEnv = "STATEGUARD_TEST_PASSPHRASE"

		checker := NewChecker(cfg)
		checker.getenv = func(string) string { return "" }
		result := checker.Run()

		assert.False(t, result.Success)
		assert.Contains(t, result.Errors[0], "STATEGUARD_TEST_PASSPHRASE")
	})

	t.Run("invalid configuration", func(t *testing.T) {
		cfg := testCheckConfig(t)
		cfg.Logging.Level = "loud"
		result := NewChecker(cfg).Run()

		assert.False(t, result.Success)
		assert.False(t, result.ConfigValid)
	})
}
