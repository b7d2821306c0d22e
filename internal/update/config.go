package update

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config holds self-update settings
type Config struct {
	Repository      string        `mapstructure:"repository" yaml:"repository"`
	APIURL          string        `mapstructure:"api_url" yaml:"api_url"`
	Token           string        `mapstructure:"token" yaml:"token,omitempty"`
	InstallDir      string        `mapstructure:"install_dir" yaml:"install_dir"`
	WorkDir         string        `mapstructure:"work_dir" yaml:"work_dir"`
	Exclude         []string      `mapstructure:"exclude" yaml:"exclude"`
	PostInstall     []PostStep    `mapstructure:"post_install" yaml:"post_install"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxDownloadSize int64         `mapstructure:"max_download_size" yaml:"max_download_size"`

	// Set by the caller, not read from configuration
	CurrentVersion string   `mapstructure:"-" yaml:"-"`
	Protected      []string `mapstructure:"-" yaml:"-"`
}

// PostStep is a command run in the install directory after files are copied,
// such as a schema migration or static asset build
type PostStep struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
}

// DefaultExclusions are never overwritten by an update
var DefaultExclusions = []string{
	".git",
	".hg",
	".svn",
	".cache",
	"__pycache__",
	"node_modules/.cache",
	"media",
	"logs",
	"*.log",
	"*.db",
	"*.sqlite",
	"*.sqlite3",
	".env",
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.APIURL == "" {
		c.APIURL = "https://api.github.com"
	}
	if c.InstallDir == "" {
		c.InstallDir = "."
	}
	if c.WorkDir == "" {
		c.WorkDir = ".stateguard/update"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxDownloadSize <= 0 {
		c.MaxDownloadSize = 1 << 30
	}
}

// Validate checks the settings needed to talk to the release endpoint
func (c *Config) Validate() error {
	parts := strings.Split(c.Repository, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("update.repository must be owner/name, got %q", c.Repository)
	}
	for _, step := range c.PostInstall {
		if step.Command == "" {
			return fmt.Errorf("update.post_install step %q has no command", step.Name)
		}
	}
	return nil
}

func (c *Config) stagingDir() string  { return filepath.Join(c.WorkDir, "staging") }
func (c *Config) rollbackDir() string { return filepath.Join(c.WorkDir, "rollback") }
func (c *Config) historyFile() string { return filepath.Join(c.WorkDir, "history.json") }
func (c *Config) stateFile() string   { return filepath.Join(c.WorkDir, "state.json") }
