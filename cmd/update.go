package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"stateguard/internal/update"
)

var (
	updateBackup      bool
	updateRestoreData bool
)

// updateCmd represents the update command
var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Check for, download and install application updates",
	Long: `Check for, download and install application updates.

Updates are published as releases of update.repository. An update moves
through check, download and install; the state is kept in update.work_dir so
each step can run as a separate command. Local state such as media, logs,
databases and .env files is never overwritten.

Examples:
  stateguard update check
  stateguard update download
  stateguard update install --backup

  # Undo an installed update, restoring the database from its safety backup
  stateguard update history
  stateguard update rollback 3f2c9a1e-... --restore-data`,
}

var updateCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the release endpoint for a newer version",
	Args:  cobra.NoArgs,
	RunE:  runUpdateCheck,
}

var updateDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download and stage the available update",
	Args:  cobra.NoArgs,
	RunE:  runUpdateDownload,
}

var updateInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the staged update",
	Long: `Install the staged update into update.install_dir.

Replaced files are saved so the installation can be rolled back. With --backup
a full backup is taken first; a failed safety backup is reported but does not
block the installation.`,
	Args: cobra.NoArgs,
	RunE: runUpdateInstall,
}

var updateRollbackCmd = &cobra.Command{
	Use:   "rollback <record-id>",
	Short: "Restore the files replaced by an installed update",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdateRollback,
}

var updateHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List update installations",
	Args:  cobra.NoArgs,
	RunE:  runUpdateHistory,
}

func init() {
	rootCmd.AddCommand(updateCmd)

	updateCmd.AddCommand(updateCheckCmd)
	updateCmd.AddCommand(updateDownloadCmd)
	updateCmd.AddCommand(updateInstallCmd)
	updateCmd.AddCommand(updateRollbackCmd)
	updateCmd.AddCommand(updateHistoryCmd)

	updateInstallCmd.Flags().BoolVar(&updateBackup, "backup", false, "create a full backup before installing")
	updateRollbackCmd.Flags().BoolVar(&updateRestoreData, "restore-data", false, "also restore the database from the update's safety backup")
	updateRollbackCmd.Flags().StringVar(&confirmToken, "confirm", "", "confirmation token for the rollback")
}

func runUpdateCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	coordinator, err := a.updateCoordinator(cmd.Context())
	if err != nil {
		return err
	}
	state := coordinator.Check(cmd.Context())
	if err := a.printer.UpdateState(state); err != nil {
		return err
	}
	switch state.Status {
	case update.StatusAvailable:
		a.printer.Info("Run 'stateguard update download' to stage %s", state.Latest.Version)
	case update.StatusFailed:
		return fmt.Errorf("update check failed: %s", state.Error)
	}
	return nil
}

func runUpdateDownload(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	coordinator, err := a.updateCoordinator(cmd.Context())
	if err != nil {
		return err
	}
	state, err := coordinator.Download(cmd.Context())
	if errors.Is(err, update.ErrNoUpdate) {
		return fmt.Errorf("%w, run 'stateguard update check' first", err)
	}
	if printErr := a.printer.UpdateState(state); printErr != nil {
		return printErr
	}
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	return nil
}

func runUpdateInstall(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	coordinator, err := a.updateCoordinator(cmd.Context())
	if err != nil {
		return err
	}
	record, err := coordinator.Install(cmd.Context(), update.InstallOptions{BackupBeforeUpdate: updateBackup})
	if record != nil {
		if printErr := a.printer.UpdateRecord(record); printErr != nil {
			return printErr
		}
	}
	if err != nil {
		if record != nil {
			a.printer.Info("Roll back with 'stateguard update rollback %s'", record.ID)
		}
		return err
	}
	if updateBackup && !record.BackupCreated {
		a.printer.Warning("The safety backup failed; the update was installed without one")
	}
	a.printer.Success("Updated to %s", record.ToVersion)
	return nil
}

func runUpdateRollback(cmd *cobra.Command, args []string) error {
	id := args[0]
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	coordinator, err := a.updateCoordinator(cmd.Context())
	if err != nil {
		return err
	}

	details := []string{"Files replaced by this update will be restored."}
	if updateRestoreData {
		details = append(details, "The live database will be replaced by the update's safety backup.")
	}
	token, err := a.confirmation("roll back update "+id, id, details...)
	if err != nil {
		return err
	}

	result, err := coordinator.Rollback(cmd.Context(), id, update.RollbackOptions{
		ConfirmationToken: token,
		RestoreData:       updateRestoreData,
	})
	if result != nil {
		if printErr := a.printer.Rollback(result); printErr != nil {
			return printErr
		}
	}
	if err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	a.printer.Success("Rolled back to %s", result.Record.FromVersion)
	return nil
}

func runUpdateHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	coordinator, err := a.updateCoordinator(cmd.Context())
	if err != nil {
		return err
	}
	records, err := coordinator.History()
	if err != nil {
		return err
	}
	return a.printer.UpdateRecords(records)
}
