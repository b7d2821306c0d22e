// Package config loads the stateguard configuration file through viper and
// hands each component its section.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"stateguard/internal/backup"
	"stateguard/internal/database"
	"stateguard/internal/display"
	"stateguard/internal/fsutil"
	"stateguard/internal/logging"
	"stateguard/internal/notify"
	"stateguard/internal/schedule"
	"stateguard/internal/update"
)

// EnvPrefix is prepended to environment overrides, e.g. STATEGUARD_BACKUP_ARCHIVE_DIR
const EnvPrefix = "STATEGUARD"

// DefaultFileName is looked up in $HOME and the working directory
const DefaultFileName = ".stateguard"

const redacted = "********"

// Config is the complete stateguard configuration
type Config struct {
	Logging  LoggingConfig           `mapstructure:"logging" yaml:"logging"`
	Database database.DatabaseConfig `mapstructure:"database" yaml:"database"`
	Backup   backup.Config           `mapstructure:"backup" yaml:"backup"`
	Schedule schedule.Config         `mapstructure:"schedule" yaml:"schedule"`
	Notify   notify.Config           `mapstructure:"notify" yaml:"notify"`
	Update   update.Config           `mapstructure:"update" yaml:"update"`
	Display  display.Config          `mapstructure:"display" yaml:"display"`
	Metrics  MetricsConfig           `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig selects log verbosity and destination
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"` // quiet, normal, verbose, debug
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// MetricsConfig controls the /metrics listener started by serve
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// RegisterDefaults registers every known key so environment overrides resolve
// even when the config file omits the section
func RegisterDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", string(logging.LogLevelNormal))
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	v.SetDefault("database.engine", database.EngineSQLite)
	v.SetDefault("database.path", "./db.sqlite3")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "")
	v.SetDefault("database.timeout", "30s")
	v.SetDefault("database.terminate_sessions", false)

	def := backup.DefaultConfig()
	v.SetDefault("backup.archive_dir", def.ArchiveDir)
	v.SetDefault("backup.media_root", "./media")
	v.SetDefault("backup.compression", def.Compression)
	v.SetDefault("backup.compression_level", 0)
	v.SetDefault("backup.compress_database", false)
	v.SetDefault("backup.retention_days", def.RetentionDays)
	v.SetDefault("backup.env_prefixes", def.EnvPrefixes)
	v.SetDefault("backup.redact_patterns", def.RedactPatterns)
	v.SetDefault("backup.max_extract_size", def.MaxExtractSize)
	v.SetDefault("backup.lock_stale_after", def.LockStaleAfter.String())
	v.SetDefault("backup.dump_timeout", def.DumpTimeout.String())
	v.SetDefault("backup.verify_restore", true)
	v.SetDefault("backup.database_mode", def.DatabaseMode)
	v.SetDefault("backup.tools.mysqldump", def.Tools.MySQLDump)
	v.SetDefault("backup.tools.mysql", def.Tools.MySQL)
	v.SetDefault("backup.tools.pg_dump", def.Tools.PGDump)
	v.SetDefault("backup.tools.psql", def.Tools.PSQL)
	v.SetDefault("backup.encryption.enabled", false)
	v.SetDefault("backup.encryption.passphrase_env", "STATEGUARD_BACKUP_PASSPHRASE")
	v.SetDefault("backup.mirror.provider", "")
	v.SetDefault("backup.mirror.prefix", def.Mirror.Prefix)
	v.SetDefault("backup.mirror.s3.bucket", "")
	v.SetDefault("backup.mirror.s3.region", "")
	v.SetDefault("backup.mirror.gcs.bucket", "")
	v.SetDefault("backup.mirror.azure.account_name", "")
	v.SetDefault("backup.mirror.azure.account_key", "")
	v.SetDefault("backup.mirror.azure.container_name", "")

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.store_path", "./schedules.yaml")
	v.SetDefault("schedule.interval", "1m")
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("schedule.failure_threshold", schedule.DefaultFailureThreshold)
	v.SetDefault("schedule.run_timeout", "0s")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.rate_limit.max_per_hour", 30)
	v.SetDefault("notify.rate_limit.burst", 5)

	v.SetDefault("update.repository", "")
	v.SetDefault("update.api_url", "https://api.github.com")
	v.SetDefault("update.token", "")
	v.SetDefault("update.install_dir", ".")
	v.SetDefault("update.work_dir", ".stateguard/update")
	v.SetDefault("update.timeout", "30s")
	v.SetDefault("update.retry_attempts", 3)
	v.SetDefault("update.retry_delay", "1s")
	v.SetDefault("update.max_download_size", int64(1<<30))

	dd := display.DefaultConfig()
	v.SetDefault("display.color_enabled", dd.ColorEnabled)
	v.SetDefault("display.theme", dd.Theme)
	v.SetDefault("display.output_format", dd.OutputFormat)
	v.SetDefault("display.table_style", dd.TableStyle)
	v.SetDefault("display.max_table_width", dd.MaxTableWidth)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9187")
	v.SetDefault("metrics.path", "/metrics")
}

// ConfigureEnv enables STATEGUARD_* overrides with nested keys joined by '_'
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes the viper state into a Config, fills defaults and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the configuration written by `config init`
func DefaultConfig() *Config {
	v := viper.New()
	RegisterDefaults(v)
	var cfg Config
	// Defaults are plain values, decoding them cannot fail
	_ = v.Unmarshal(&cfg)
	cfg.SetDefaults()
	return &cfg
}

// SetDefaults fills unset fields in every section
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = string(logging.LogLevelNormal)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	c.Database.SetDefaults()
	c.Backup.SetDefaults()
	c.Schedule.SetDefaults()
	c.Update.SetDefaults()
	c.Display.SetDefaults()
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9187"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	var errs []error

	switch logging.LogLevel(c.Logging.Level) {
	case logging.LogLevelQuiet, logging.LogLevelNormal, logging.LogLevelVerbose, logging.LogLevelDebug:
	default:
		errs = append(errs, fmt.Errorf("logging.level must be quiet, normal, verbose or debug, got %q", c.Logging.Level))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Backup.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backup: %w", err))
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
	}
	// Updates are optional until a repository is configured
	if c.Update.Repository != "" {
		if err := c.Update.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Display.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with '/', got %q", c.Metrics.Path))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// LoggerConfig maps the logging section onto the logger options
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:   logging.LogLevel(c.Logging.Level),
		Format:  c.Logging.Format,
		LogFile: c.Logging.File,
	}
}

// Redacted returns a copy with credentials masked, for display
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&out.Database.Password)
	mask(&out.Backup.Encryption.Passphrase)
	mask(&out.Backup.Mirror.S3.AccessKey)
	mask(&out.Backup.Mirror.S3.SecretKey)
	mask(&out.Backup.Mirror.Azure.AccountKey)
	mask(&out.Update.Token)
	if c.Notify.Email != nil {
		email := *c.Notify.Email
		mask(&email.Password)
		out.Notify.Email = &email
	}
	if c.Notify.Webhook != nil && len(c.Notify.Webhook.Headers) > 0 {
		webhook := *c.Notify.Webhook
		webhook.Headers = make(map[string]string, len(c.Notify.Webhook.Headers))
		for k := range c.Notify.Webhook.Headers {
			webhook.Headers[k] = redacted
		}
		out.Notify.Webhook = &webhook
	}
	return &out
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return data, nil
}

// WriteFile writes cfg to path. An existing file is kept unless force is set,
// in which case it is copied to <path>.backup first and that path is returned.
func WriteFile(path string, cfg *Config, force bool) (string, error) {
	data, err := cfg.Marshal()
	if err != nil {
		return "", err
	}

	var previous string
	if fsutil.Exists(path) {
		if !force {
			return "", fmt.Errorf("configuration file %s already exists, use --force to overwrite", path)
		}
		previous = path + ".backup"
		if err := fsutil.CopyFile(path, previous); err != nil {
			return "", fmt.Errorf("failed to create backup of configuration file: %w", err)
		}
	}

	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write configuration file: %w", err)
	}
	return previous, nil
}

// ReadFile loads a configuration file without environment overrides
func ReadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("configuration file not found: %w", err)
	}
	v := viper.New()
	RegisterDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Load(v)
}
