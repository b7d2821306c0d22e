package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"stateguard/internal/backup"
)

var (
	// Backup creation flags
	backupDescription string
	backupMedia       bool
	backupNoDatabase  bool

	// Restore flags
	restoreDatabase      bool
	restoreMedia         bool
	restoreConfiguration bool
	restoreSkipSafety    bool
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list, restore and delete backups",
	Long: `Create, list, restore and delete full backups.

A full backup holds up to three components: a database artifact, a copy of
the media directory, and a sanitized snapshot of the runtime configuration.
Each component is recorded independently, so one failed component does not
discard the others.

Examples:
  # Create a database and configuration backup
  stateguard backup create

  # Include media files and a description
  stateguard backup create --media --description "Pre-migration backup"

  # List backups in JSON format
  stateguard backup list --format json

  # Show what a backup contains
  stateguard backup info backup_20240501_020000`,
}

// backupCreateCmd creates a new backup
var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new full backup",
	Long: `Create a new full backup in the archive directory.

The command exits with a non-zero status when any component failed, after
printing the per-component results.`,
	Args: cobra.NoArgs,
	RunE: runBackupCreate,
}

// backupListCmd lists existing backups
var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List existing backups, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

// backupInfoCmd shows the contents of a backup
var backupInfoCmd = &cobra.Command{
	Use:   "info <backup-name>",
	Short: "Show what a backup can restore",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupInfo,
}

// backupDeleteCmd deletes a backup
var backupDeleteCmd = &cobra.Command{
	Use:   "delete <backup-name>",
	Short: "Delete a backup and its mirrored copy",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupDelete,
}

// backupCleanupCmd applies the retention policy
var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete backups older than backup.retention_days",
	Args:  cobra.NoArgs,
	RunE:  runBackupCleanup,
}

// backupRestoreCmd restores a backup
var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-name>",
	Short: "Restore components from a backup",
	Long: `Restore selected components from a backup.

A safety backup of the current state is created first unless --skip-safety-backup
is given. Restoring the database replaces the live data store and needs a
confirmation token: pass --confirm or type the backup name when prompted.

Examples:
  # Restore the database, prompting for confirmation
  stateguard backup restore backup_20240501_020000 --database

  # Restore everything from a script
  stateguard backup restore backup_20240501_020000 --database --media --configuration \
    --confirm backup_20240501_020000`,
	Args: cobra.ExactArgs(1),
	RunE: runBackupRestore,
}

func init() {
	// Add backup command to root
	rootCmd.AddCommand(backupCmd)

	// Add subcommands
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupInfoCmd)
	backupCmd.AddCommand(backupDeleteCmd)
	backupCmd.AddCommand(backupCleanupCmd)
	backupCmd.AddCommand(backupRestoreCmd)

	// Backup creation flags
	backupCreateCmd.Flags().StringVar(&backupDescription, "description", "", "backup description")
	backupCreateCmd.Flags().BoolVar(&backupMedia, "media", false, "include the media directory")
	backupCreateCmd.Flags().BoolVar(&backupNoDatabase, "no-database", false, "skip the database component")

	// Restore flags
	backupRestoreCmd.Flags().BoolVar(&restoreDatabase, "database", false, "restore the database")
	backupRestoreCmd.Flags().BoolVar(&restoreMedia, "media", false, "restore media files")
	backupRestoreCmd.Flags().BoolVar(&restoreConfiguration, "configuration", false, "report the configuration snapshot")
	backupRestoreCmd.Flags().BoolVar(&restoreSkipSafety, "skip-safety-backup", false, "do not back up the current state first")
	backupRestoreCmd.Flags().StringVar(&confirmToken, "confirm", "", "confirmation token for destructive restores")
}

// runBackupCreate creates a new backup
func runBackupCreate(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	engine, err := a.backupEngine(ctx)
	if err != nil {
		return err
	}

	a.printer.Info("Creating backup...")
	created, err := engine.CreateFullBackup(ctx, backup.CreateOptions{
		IncludeMedia: backupMedia,
		Description:  backupDescription,
		SkipDatabase: backupNoDatabase,
	})
	if created != nil {
		if printErr := a.printer.Backup(created); printErr != nil {
			return printErr
		}
	}
	if err != nil {
		return fmt.Errorf("backup creation failed: %w", err)
	}
	if !created.Success {
		return fmt.Errorf("backup %s completed with failed components", created.Name)
	}
	return nil
}

// runBackupList lists existing backups
func runBackupList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.backupEngine(cmd.Context())
	if err != nil {
		return err
	}
	backups, err := engine.ListBackups(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	return a.printer.Backups(backups)
}

// runBackupInfo shows the restoration info of one backup
func runBackupInfo(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.backupEngine(cmd.Context())
	if err != nil {
		return err
	}
	info, err := engine.GetBackupRestorationInfo(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return a.printer.RestorationInfo(info)
}

// runBackupDelete deletes a backup
func runBackupDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.backupEngine(cmd.Context())
	if err != nil {
		return err
	}
	result, err := engine.DeleteBackup(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return a.printer.Delete(result)
}

// runBackupCleanup removes backups past the retention period
func runBackupCleanup(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.backupEngine(cmd.Context())
	if err != nil {
		return err
	}
	result, err := engine.CleanupOldBackups(cmd.Context())
	if result != nil {
		if printErr := a.printer.Cleanup(result); printErr != nil {
			return printErr
		}
	}
	if err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("cleanup finished with %d errors", len(result.Errors))
	}
	return nil
}

// runBackupRestore restores the selected components
func runBackupRestore(cmd *cobra.Command, args []string) error {
	name := args[0]
	if !restoreDatabase && !restoreMedia && !restoreConfiguration {
		return fmt.Errorf("select at least one of --database, --media or --configuration")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.backupEngine(cmd.Context())
	if err != nil {
		return err
	}

	opts := backup.RestoreOptions{
		Database:         restoreDatabase,
		Media:            restoreMedia,
		Configuration:    restoreConfiguration,
		SkipSafetyBackup: restoreSkipSafety,
	}
	if restoreDatabase {
		token, err := a.confirmation("restore database from "+name, name,
			fmt.Sprintf("The live %s database will be replaced.", a.cfg.Database.Engine),
			"Open connections will be closed before the restore.",
		)
		if err != nil {
			return err
		}
		opts.ConfirmationToken = token
	}

	result, err := engine.RestoreBackup(cmd.Context(), name, opts)
	if result != nil {
		if printErr := a.printer.Restore(result); printErr != nil {
			return printErr
		}
	}
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("restore of %s completed with failed components", name)
	}
	return nil
}
