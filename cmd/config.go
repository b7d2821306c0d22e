package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"stateguard/internal/config"
)

var (
	configInitPath  string
	configInitForce bool
)

// configCmd groups configuration helpers
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create, show and check the configuration",
	Long: `Create, show and check the configuration.

Settings are read from the file given by --config, or from .stateguard.yaml in
$HOME or the working directory. Every key can be overridden by an environment
variable with the STATEGUARD_ prefix and dots replaced by underscores:

  STATEGUARD_DATABASE_PASSWORD=secret
  STATEGUARD_BACKUP_ARCHIVE_DIR=/var/backups/app
  STATEGUARD_DISPLAY_OUTPUT_FORMAT=json

Examples:
  # Write a default configuration file
  stateguard config init --path ./stateguard.yaml

  # Show the effective configuration with secrets masked
  stateguard config show

  # Check directories, tools and credentials
  stateguard config check`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Long: `Print the effective configuration as YAML, after merging the file, the
environment and flags. Passwords, tokens and webhook headers are masked.`,
	Args: cobra.NoArgs,
	RunE:  runConfigShow,
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the host is ready to run backups",
	Args:  cobra.NoArgs,
	RunE:  runConfigCheck,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configCheckCmd)

	configInitCmd.Flags().StringVar(&configInitPath, "path", "", "file to write (default $HOME/.stateguard.yaml)")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file, keeping a .backup copy")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configInitPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to find home directory: %w", err)
		}
		path = filepath.Join(home, config.DefaultFileName+".yaml")
	}

	previous, err := config.WriteFile(path, config.DefaultConfig(), configInitForce)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if previous != "" {
		fmt.Fprintf(out, "Previous configuration saved to %s\n", previous)
	}
	fmt.Fprintf(out, "Configuration written to %s\n", path)
	fmt.Fprintln(out, "Keep credentials out of the file with STATEGUARD_* environment variables, e.g. STATEGUARD_DATABASE_PASSWORD")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	data, err := a.cfg.Redacted().Marshal()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	result := config.NewChecker(a.cfg).Run()
	if a.printer.Structured() {
		if err := a.printer.Value(result); err != nil {
			return err
		}
	} else {
		for _, e := range result.Errors {
			a.printer.Error("%s", e)
		}
		for _, w := range result.Warnings {
			a.printer.Warning("%s", w)
		}
		for _, fix := range result.RecommendedFixes {
			a.printer.Info("%s", fix)
		}
		if result.Success {
			a.printer.Success("stateguard is ready")
		}
	}
	if !result.Success {
		return fmt.Errorf("configuration check found %d errors", len(result.Errors))
	}
	return nil
}
