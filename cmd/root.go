package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stateguard/internal/config"
)

var cfgFile string

// Global flag variables
var (
	verbose      bool
	quiet        bool
	noColor      bool
	outputFormat string
	logFile      string
	confirmToken string
)

// configReadErr keeps the error from reading an explicitly named config file
var configReadErr error

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stateguard",
	Short: "Backup, restore, scheduling and self-update for a self-hosted application",
	Long: `stateguard protects the state of a self-hosted application: its database,
its uploaded media files and its runtime configuration.

It creates full backups into a local archive directory, restores them with a
safety backup taken first, runs recurring backup schedules with retention, and
installs application updates published as releases with file-level rollback.

Examples:
  # Create a full backup including media
  stateguard backup create --media --description "before migration"

  # Restore only the database from a backup
  stateguard backup restore backup_20240501_020000 --database

  # Add a nightly schedule keeping 14 backups
  stateguard schedule add nightly --frequency daily --time 02:00 --max-backups 14

  # Run the scheduler and the metrics endpoint in the foreground
  stateguard serve

  # Check for and install an application update
  stateguard update check
  stateguard update download
  stateguard update install --backup`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose && quiet {
			return fmt.Errorf("--verbose and --quiet flags are mutually exclusive")
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stateguard.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress non-error logging")
	flags.BoolVar(&noColor, "no-color", false, "disable color output")
	flags.StringVar(&outputFormat, "format", "table", "output format (table, json, yaml, compact)")
	flags.StringVar(&logFile, "log-file", "", "also write logs to this file")

	viper.BindPFlag("display.output_format", flags.Lookup("format"))
	viper.BindPFlag("logging.file", flags.Lookup("log-file"))

	rootCmd.AddCommand(createVersionCommand())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	v := viper.GetViper()
	config.RegisterDefaults(v)

	if cfgFile != "" {
		// Use config file from the flag.
		v.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		v.AddConfigPath(home)
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(config.DefaultFileName)
	}

	config.ConfigureEnv(v)

	configReadErr = nil
	if err := v.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
		}
	} else if cfgFile != "" {
		configReadErr = fmt.Errorf("error reading config file %s: %w", cfgFile, err)
	}
}

// loadConfig decodes the merged flags, environment and file settings
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if configReadErr != nil {
		return nil, configReadErr
	}
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	if noColor {
		cfg.Display.ColorEnabled = false
	}
	switch {
	case verbose:
		cfg.Logging.Level = "verbose"
	case quiet:
		cfg.Logging.Level = "quiet"
	}
	return cfg, nil
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Long:  "Print the version information for stateguard",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stateguard version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}
