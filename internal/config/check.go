package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"stateguard/internal/backup"
	"stateguard/internal/database"
)

// CheckResult is the outcome of a readiness check
type CheckResult struct {
	Success          bool     `json:"success"`
	ConfigValid      bool     `json:"config_valid"`
	StorageReady     bool     `json:"storage_ready"`
	ToolsAvailable   bool     `json:"tools_available"`
	Warnings         []string `json:"warnings"`
	Errors           []string `json:"errors"`
	RecommendedFixes []string `json:"recommended_fixes"`
}

// Checker verifies that the host can run backups with a configuration
type Checker struct {
	cfg      *Config
	lookPath func(string) (string, error)
	getenv   func(string) string
}

// NewChecker creates a checker using the real PATH and environment
func NewChecker(cfg *Config) *Checker {
	return &Checker{cfg: cfg, lookPath: exec.LookPath, getenv: os.Getenv}
}

// Run performs every check. Errors make Success false, warnings do not.
func (c *Checker) Run() *CheckResult {
	result := &CheckResult{
		Success:          true,
		ConfigValid:      true,
		StorageReady:     true,
		ToolsAvailable:   true,
		Warnings:         []string{},
		Errors:           []string{},
		RecommendedFixes: []string{},
	}

	if err := c.cfg.Validate(); err != nil {
		result.ConfigValid = false
		result.fail(fmt.Sprintf("Configuration validation failed: %v", err))
	}

	for _, dir := range []struct{ label, path string }{
		{"archive directory", c.cfg.Backup.ArchiveDir},
		{"schedule store directory", filepath.Dir(c.cfg.Schedule.StorePath)},
	} {
		if err := checkWritable(dir.path); err != nil {
			result.StorageReady = false
			result.fail(fmt.Sprintf("%s %s is not writable: %v", dir.label, dir.path, err))
		}
	}
	if c.cfg.Update.Repository != "" {
		if err := checkWritable(c.cfg.Update.WorkDir); err != nil {
			result.StorageReady = false
			result.fail(fmt.Sprintf("update work directory %s is not writable: %v", c.cfg.Update.WorkDir, err))
		}
	}

	c.checkTools(result)
	c.checkEncryption(result)
	c.checkMirror(result)
	c.recommend(result)
	return result
}

func (r *CheckResult) fail(msg string) {
	r.Success = false
	r.Errors = append(r.Errors, msg)
}

func (r *CheckResult) warn(msg, fix string) {
	r.Warnings = append(r.Warnings, msg)
	if fix != "" {
		r.RecommendedFixes = append(r.RecommendedFixes, fix)
	}
}

// checkWritable creates dir if needed and writes a probe file into it
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".stateguard_write_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return err
	}
	return os.Remove(probe)
}

func (c *Checker) checkTools(result *CheckResult) {
	if c.cfg.Database.IsEmbedded() || c.cfg.Backup.DatabaseMode == backup.DatabaseModeExport {
		return
	}

	var tools []string
	switch database.NormalizeEngine(c.cfg.Database.Engine) {
	case database.EngineMySQL:
		tools = []string{c.cfg.Backup.Tools.MySQLDump, c.cfg.Backup.Tools.MySQL}
	case database.EnginePostgres:
		tools = []string{c.cfg.Backup.Tools.PGDump, c.cfg.Backup.Tools.PSQL}
	}
	for _, tool := range tools {
		if _, err := c.lookPath(tool); err != nil {
			result.ToolsAvailable = false
			result.warn(
				fmt.Sprintf("%s not found on PATH, database backups will fall back to generic export", tool),
				fmt.Sprintf("Install %s or set backup.tools to its location", tool),
			)
		}
	}
}

func (c *Checker) checkEncryption(result *CheckResult) {
	enc := c.cfg.Backup.Encryption
	if !enc.Enabled {
		return
	}
	switch {
	case enc.Passphrase != "":
	case enc.PassphraseEnv != "":
		if c.getenv(enc.PassphraseEnv) == "" {
			result.fail(fmt.Sprintf("Encryption passphrase environment variable %s is not set", enc.PassphraseEnv))
			result.RecommendedFixes = append(result.RecommendedFixes,
				fmt.Sprintf("Set the passphrase: export %s=your_passphrase", enc.PassphraseEnv))
		}
	case enc.PassphraseFile != "":
		if _, err := os.Stat(enc.PassphraseFile); err != nil {
			result.fail(fmt.Sprintf("Encryption passphrase file does not exist: %s", enc.PassphraseFile))
		}
	}
}

func (c *Checker) checkMirror(result *CheckResult) {
	mirror := c.cfg.Backup.Mirror
	switch mirror.Provider {
	case backup.MirrorProviderS3:
		if mirror.S3.AccessKey == "" && c.getenv("AWS_ACCESS_KEY_ID") == "" {
			result.warn("AWS credentials are not configured, the default credential chain will be used",
				"Set AWS credentials: export AWS_ACCESS_KEY_ID=... AWS_SECRET_ACCESS_KEY=...")
		}
	case backup.MirrorProviderGCS:
		if mirror.GCS.CredentialsPath == "" {
			if c.getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
				result.warn("Google Cloud credentials not configured",
					"Set GCS credentials: export GOOGLE_APPLICATION_CREDENTIALS=/path/to/credentials.json")
			}
		} else if _, err := os.Stat(mirror.GCS.CredentialsPath); err != nil {
			result.warn(fmt.Sprintf("GCS credentials file does not exist: %s", mirror.GCS.CredentialsPath), "")
		}
	}
}

func (c *Checker) recommend(result *CheckResult) {
	if !c.cfg.Backup.Encryption.Enabled {
		result.RecommendedFixes = append(result.RecommendedFixes,
			"Consider enabling backup.encryption for database artifacts")
	}
	if c.cfg.Backup.Mirror.Provider == "" {
		result.RecommendedFixes = append(result.RecommendedFixes,
			"Configure backup.mirror to keep an off-site copy of each archive")
	}
	if _, err := os.Stat(c.cfg.Schedule.StorePath); os.IsNotExist(err) {
		result.RecommendedFixes = append(result.RecommendedFixes,
			"Add a recurring backup with `stateguard schedule add`")
	}
}
