package display

import (
	"fmt"
	"strings"
)

// Output formats
const (
	FormatTable   = "table"
	FormatJSON    = "json"
	FormatYAML    = "yaml"
	FormatCompact = "compact"
)

// Themes
const (
	ThemeDark         = "dark"
	ThemeLight        = "light"
	ThemeHighContrast = "high-contrast"
	ThemeAuto         = "auto"
)

// Table styles
const (
	TableStyleDefault = "default"
	TableStyleRounded = "rounded"
	TableStyleMinimal = "minimal"
)

// Config holds display options
type Config struct {
	ColorEnabled  bool   `mapstructure:"color_enabled" yaml:"color_enabled"`
	Theme         string `mapstructure:"theme" yaml:"theme"`
	OutputFormat  string `mapstructure:"output_format" yaml:"output_format"`
	TableStyle    string `mapstructure:"table_style" yaml:"table_style"`
	MaxTableWidth int    `mapstructure:"max_table_width" yaml:"max_table_width"`
}

// DefaultConfig returns the default display options
func DefaultConfig() Config {
	return Config{
		ColorEnabled:  true,
		Theme:         ThemeDark,
		OutputFormat:  FormatTable,
		TableStyle:    TableStyleDefault,
		MaxTableWidth: 120,
	}
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Theme == "" {
		c.Theme = ThemeDark
	}
	if c.OutputFormat == "" {
		c.OutputFormat = FormatTable
	}
	if c.TableStyle == "" {
		c.TableStyle = TableStyleDefault
	}
	if c.MaxTableWidth == 0 {
		c.MaxTableWidth = 120
	}
}

// Validate checks the display options
func (c *Config) Validate() error {
	var errs []string

	if !contains([]string{ThemeDark, ThemeLight, ThemeHighContrast, ThemeAuto}, c.Theme) {
		errs = append(errs, fmt.Sprintf("invalid theme '%s'", c.Theme))
	}
	if !contains([]string{FormatTable, FormatJSON, FormatYAML, FormatCompact}, c.OutputFormat) {
		errs = append(errs, fmt.Sprintf("invalid output format '%s', must be one of: table, json, yaml, compact", c.OutputFormat))
	}
	if !contains([]string{TableStyleDefault, TableStyleRounded, TableStyleMinimal}, c.TableStyle) {
		errs = append(errs, fmt.Sprintf("invalid table style '%s'", c.TableStyle))
	}
	if c.MaxTableWidth < 40 || c.MaxTableWidth > 300 {
		errs = append(errs, fmt.Sprintf("max table width must be between 40 and 300, got %d", c.MaxTableWidth))
	}

	if len(errs) > 0 {
		return fmt.Errorf("display configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
