package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stateguard/internal/archive"
)

// Config holds the engine settings
type Config struct {
	ArchiveDir       string           `mapstructure:"archive_dir" yaml:"archive_dir"`
	MediaRoot        string           `mapstructure:"media_root" yaml:"media_root"`
	Compression      string           `mapstructure:"compression" yaml:"compression"`
	CompressionLevel int              `mapstructure:"compression_level" yaml:"compression_level"`
	CompressDatabase bool             `mapstructure:"compress_database" yaml:"compress_database"`
	RetentionDays    int              `mapstructure:"retention_days" yaml:"retention_days"`
	EnvPrefixes      []string         `mapstructure:"env_prefixes" yaml:"env_prefixes"`
	RedactPatterns   []string         `mapstructure:"redact_patterns" yaml:"redact_patterns"`
	MaxExtractSize   int64            `mapstructure:"max_extract_size" yaml:"max_extract_size"`
	LockStaleAfter   time.Duration    `mapstructure:"lock_stale_after" yaml:"lock_stale_after"`
	DumpTimeout      time.Duration    `mapstructure:"dump_timeout" yaml:"dump_timeout"`
	VerifyRestore    bool             `mapstructure:"verify_restore" yaml:"verify_restore"`
	DatabaseMode     string           `mapstructure:"database_mode" yaml:"database_mode"` // auto, export
	Tools            ToolsConfig      `mapstructure:"tools" yaml:"tools"`
	Encryption       EncryptionConfig `mapstructure:"encryption" yaml:"encryption"`
	Mirror           MirrorConfig     `mapstructure:"mirror" yaml:"mirror"`
}

// EncryptionConfig defines database artifact encryption
type EncryptionConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	Passphrase     string `mapstructure:"passphrase" yaml:"passphrase,omitempty"`
	PassphraseEnv  string `mapstructure:"passphrase_env" yaml:"passphrase_env,omitempty"`
	PassphraseFile string `mapstructure:"passphrase_file" yaml:"passphrase_file,omitempty"`
}

// ToolsConfig names the client tools used by dump-based adapters
type ToolsConfig struct {
	MySQLDump string `mapstructure:"mysqldump" yaml:"mysqldump"`
	MySQL     string `mapstructure:"mysql" yaml:"mysql"`
	PGDump    string `mapstructure:"pg_dump" yaml:"pg_dump"`
	PSQL      string `mapstructure:"psql" yaml:"psql"`
}

// Database modes
const (
	DatabaseModeAuto   = "auto"
	DatabaseModeExport = "export"
)

// MirrorConfig defines the optional offsite copy of finished archives
type MirrorConfig struct {
	Provider string      `mapstructure:"provider" yaml:"provider"` // "", s3, gcs, azure
	Prefix   string      `mapstructure:"prefix" yaml:"prefix"`
	S3       S3Config    `mapstructure:"s3" yaml:"s3"`
	GCS      GCSConfig   `mapstructure:"gcs" yaml:"gcs"`
	Azure    AzureConfig `mapstructure:"azure" yaml:"azure"`
}

// S3Config for Amazon S3 mirrors
type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
}

// GCSConfig for Google Cloud Storage mirrors
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path,omitempty"`
}

// AzureConfig for Azure Blob Storage mirrors
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key,omitempty"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
}

// Mirror providers
const (
	MirrorProviderS3    = "s3"
	MirrorProviderGCS   = "gcs"
	MirrorProviderAzure = "azure"
)

// DefaultEnvPrefixes are the environment prefixes captured by the configuration step
var DefaultEnvPrefixes = []string{"STATEGUARD_", "APP_", "DATABASE_", "MEDIA_"}

// DefaultRedactPatterns are matched case-insensitively against setting keys
var DefaultRedactPatterns = []string{
	"password",
	"passwd",
	"passphrase",
	"secret",
	"token",
	"key",
	"credential",
	"auth",
	"dsn",
}

// DefaultConfig returns a Config with defaults applied
func DefaultConfig() Config {
	cfg := Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.ArchiveDir == "" {
		c.ArchiveDir = "./backups"
	}
	if c.Compression == "" {
		c.Compression = string(archive.CompressionGzip)
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
	if len(c.EnvPrefixes) == 0 {
		c.EnvPrefixes = append([]string(nil), DefaultEnvPrefixes...)
	}
	if len(c.RedactPatterns) == 0 {
		c.RedactPatterns = append([]string(nil), DefaultRedactPatterns...)
	}
	if c.MaxExtractSize == 0 {
		c.MaxExtractSize = archive.DefaultMaxFileSize
	}
	if c.LockStaleAfter == 0 {
		c.LockStaleAfter = 6 * time.Hour
	}
	if c.DumpTimeout == 0 {
		c.DumpTimeout = 2 * time.Hour
	}
	if c.DatabaseMode == "" {
		c.DatabaseMode = DatabaseModeAuto
	}
	if c.Tools.MySQLDump == "" {
		c.Tools.MySQLDump = "mysqldump"
	}
	if c.Tools.MySQL == "" {
		c.Tools.MySQL = "mysql"
	}
	if c.Tools.PGDump == "" {
		c.Tools.PGDump = "pg_dump"
	}
	if c.Tools.PSQL == "" {
		c.Tools.PSQL = "psql"
	}
	if c.Mirror.Provider == MirrorProviderS3 && c.Mirror.S3.Region == "" {
		c.Mirror.S3.Region = "us-east-1"
	}
	if c.Mirror.Prefix == "" {
		c.Mirror.Prefix = "backups/"
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	var errs ValidationErrors

	if strings.TrimSpace(c.ArchiveDir) == "" {
		errs.Add("archive_dir", "archive directory is required", c.ArchiveDir)
	}
	if _, err := archive.ParseCompression(c.Compression); err != nil {
		errs.Add("compression", err.Error(), c.Compression)
	}
	if c.RetentionDays < 0 {
		errs.Add("retention_days", "retention days cannot be negative", c.RetentionDays)
	}
	if c.DatabaseMode != "" && c.DatabaseMode != DatabaseModeAuto && c.DatabaseMode != DatabaseModeExport {
		errs.Add("database_mode", "database mode must be auto or export", c.DatabaseMode)
	}
	if c.MaxExtractSize < 0 {
		errs.Add("max_extract_size", "max extract size cannot be negative", c.MaxExtractSize)
	}
	if c.Encryption.Enabled && c.Encryption.Passphrase == "" && c.Encryption.PassphraseEnv == "" && c.Encryption.PassphraseFile == "" {
		errs.Add("encryption", "encryption requires a passphrase, passphrase_env or passphrase_file", nil)
	}

	switch c.Mirror.Provider {
	case "":
	case MirrorProviderS3:
		if c.Mirror.S3.Bucket == "" {
			errs.Add("mirror.s3.bucket", "bucket is required", nil)
		}
	case MirrorProviderGCS:
		if c.Mirror.GCS.Bucket == "" {
			errs.Add("mirror.gcs.bucket", "bucket is required", nil)
		}
	case MirrorProviderAzure:
		if c.Mirror.Azure.AccountName == "" || c.Mirror.Azure.AccountKey == "" {
			errs.Add("mirror.azure", "account_name and account_key are required", nil)
		}
		if c.Mirror.Azure.ContainerName == "" {
			errs.Add("mirror.azure.container_name", "container name is required", nil)
		}
	default:
		errs.Add("mirror.provider", fmt.Sprintf("unsupported mirror provider %q", c.Mirror.Provider), c.Mirror.Provider)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// CompressionType returns the parsed archive codec
func (c *Config) CompressionType() archive.Compression {
	compression, err := archive.ParseCompression(c.Compression)
	if err != nil {
		return archive.CompressionGzip
	}
	return compression
}

// stagingDir is where backups are assembled before archiving
func (c *Config) stagingDir() string {
	return filepath.Join(c.ArchiveDir, ".staging")
}

// lockDir holds the cross-process advisory lock files
func (c *Config) lockDir() string {
	return filepath.Join(c.ArchiveDir, ".locks")
}

// ResolvePassphrase returns the encryption passphrase from the first
// configured source
func (e EncryptionConfig) ResolvePassphrase() (string, error) {
	switch {
	case e.Passphrase != "":
		return e.Passphrase, nil
	case e.PassphraseEnv != "":
		value := os.Getenv(e.PassphraseEnv)
		if value == "" {
			return "", NewEncryptionError(fmt.Sprintf("environment variable %s not set", e.PassphraseEnv), nil)
		}
		return value, nil
	case e.PassphraseFile != "":
		data, err := os.ReadFile(e.PassphraseFile)
		if err != nil {
			return "", NewEncryptionError("failed to read passphrase file", err)
		}
		value := strings.TrimSpace(string(data))
		if value == "" {
			return "", NewEncryptionError("passphrase file is empty", nil)
		}
		return value, nil
	default:
		return "", NewEncryptionError("no passphrase configured", nil)
	}
}
