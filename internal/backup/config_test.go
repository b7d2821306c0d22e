package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stateguard/internal/archive"
)

func TestConfig_SetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()

	assert.Equal(t, "./backups", cfg.ArchiveDir)
	assert.Equal(t, "gzip", cfg.Compression)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, DefaultEnvPrefixes, cfg.EnvPrefixes)
	assert.Equal(t, DefaultRedactPatterns, cfg.RedactPatterns)
	assert.Equal(t, int64(archive.DefaultMaxFileSize), cfg.MaxExtractSize)
	assert.Equal(t, 6*time.Hour, cfg.LockStaleAfter)
	assert.Equal(t, DatabaseModeAuto, cfg.DatabaseMode)
	assert.Equal(t, "mysqldump", cfg.Tools.MySQLDump)
	assert.Equal(t, "psql", cfg.Tools.PSQL)
	assert.Equal(t, "backups/", cfg.Mirror.Prefix)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "unknown compression", mutate: func(c *Config) { c.Compression = "brotli" }, wantErr: "compression"},
		{name: "negative retention", mutate: func(c *Config) { c.RetentionDays = -1 }, wantErr: "retention_days"},
		{name: "unknown database mode", mutate: func(c *Config) { c.DatabaseMode = "logical" }, wantErr: "database_mode"},
		{name: "encryption without passphrase", mutate: func(c *Config) { c.Encryption.Enabled = true }, wantErr: "encryption"},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Mirror.Provider = MirrorProviderS3 }, wantErr: "mirror.s3.bucket"},
		{name: "azure without credentials", mutate: func(c *Config) {
			c.Mirror.Provider = MirrorProviderAzure
			c.Mirror.Azure.ContainerName = "backups"
		}, wantErr: "mirror.azure"},
		{name: "unknown mirror", mutate: func(c *Config) { c.Mirror.Provider = "ftp" }, wantErr: "mirror.provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_CompressionType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compression = "zstd"
	assert.Equal(t, archive.CompressionZstd, cfg.CompressionType())

	cfg.Compression = "none"
	assert.False(t, cfg.CompressionType().Compressed())
}

func TestEncryptionConfig_ResolvePassphrase(t *testing.T) {
	t.Run("inline", func(t *testing.T) {
		got, err := EncryptionConfig{Passphrase: "inline"}.ResolvePassphrase()
		require.NoError(t, err)
		assert.Equal(t, "inline", got)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("STATEGUARD_TEST_PASSPHRASE", "from-env")
		got, err := EncryptionConfig{PassphraseEnv: "STATEGUARD_TEST_PASSPHRASE"}.ResolvePassphrase()
		require.NoError(t, err)
		assert.Equal(t, "from-env", got)
	})

	t.Run("missing environment", func(t *testing.T) {
		_, err := EncryptionConfig{PassphraseEnv: "STATEGUARD_TEST_UNSET_PASSPHRASE"}.ResolvePassphrase()
		assert.True(t, IsType(err, BackupErrorTypeEncryption))
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "passphrase")
		require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
		got, err := EncryptionConfig{PassphraseFile: path}.ResolvePassphrase()
		require.NoError(t, err)
		assert.Equal(t, "from-file", got)
	})

	t.Run("none", func(t *testing.T) {
		_, err := EncryptionConfig{}.ResolvePassphrase()
		assert.Error(t, err)
	})
}
