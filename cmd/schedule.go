package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"stateguard/internal/schedule"
)

var (
	scheduleFrequency     string
	scheduleTime          string
	scheduleDayOfWeek     int
	scheduleDayOfMonth    int
	scheduleNoDatabase    bool
	scheduleMedia         bool
	scheduleMaxBackups    int
	scheduleRetentionDays int
	scheduleNotifyEmail   string
	scheduleDisabled      bool
)

// scheduleCmd represents the schedule command
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring backup schedules",
	Long: `Manage recurring backup schedules.

Schedules are stored in schedule.store_path and evaluated in schedule.timezone.
They run while 'stateguard serve' or 'stateguard schedule start' is active.

Examples:
  # Nightly backup at 02:00 keeping 14 archives
  stateguard schedule add nightly --frequency daily --time 02:00 --max-backups 14

  # Weekly backup with media on Sunday, kept for 90 days
  stateguard schedule add weekly-media --frequency weekly --day-of-week 0 --media --retention-days 90

  # Run a schedule now
  stateguard schedule run nightly`,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules with their next run",
	Args:  cobra.NoArgs,
	RunE:  runScheduleList,
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create or replace a schedule",
	Long: `Create a schedule, or replace the policy of an existing one.

Replacing a schedule keeps its run history. A schedule without the database
component that includes media is run as a database backup instead, because
media-only backups are not supported.`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleAdd,
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRemove,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(cmd, args[0], true)
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a schedule without removing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(cmd, args[0], false)
	},
}

var scheduleStatusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show schedule health and run history",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runScheduleStatus,
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a schedule immediately",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRun,
}

var scheduleStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the scheduler in the foreground until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runScheduleStart,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleRemoveCmd)
	scheduleCmd.AddCommand(scheduleEnableCmd)
	scheduleCmd.AddCommand(scheduleDisableCmd)
	scheduleCmd.AddCommand(scheduleStatusCmd)
	scheduleCmd.AddCommand(scheduleRunCmd)
	scheduleCmd.AddCommand(scheduleStartCmd)

	flags := scheduleAddCmd.Flags()
	flags.StringVar(&scheduleFrequency, "frequency", string(schedule.FrequencyDaily), "daily, weekly, monthly or disabled")
	flags.StringVar(&scheduleTime, "time", "02:00", "time of day as HH:MM in the schedule timezone")
	flags.IntVar(&scheduleDayOfWeek, "day-of-week", 0, "day of week for weekly schedules (0 = Sunday)")
	flags.IntVar(&scheduleDayOfMonth, "day-of-month", 1, "day of month for monthly schedules, clamped to the month length")
	flags.BoolVar(&scheduleNoDatabase, "no-database", false, "leave the database out of the backup")
	flags.BoolVar(&scheduleMedia, "media", false, "include the media directory")
	flags.IntVar(&scheduleMaxBackups, "max-backups", 0, "keep at most this many backups of this schedule (0 = unlimited)")
	flags.IntVar(&scheduleRetentionDays, "retention-days", 0, "delete this schedule's backups older than this (0 = keep)")
	flags.StringVar(&scheduleNotifyEmail, "notify-email", "", "address notified when a run fails")
	flags.BoolVar(&scheduleDisabled, "disabled", false, "create the schedule disabled")
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := a.backupScheduler(cmd.Context())
	if err != nil {
		return err
	}
	return a.printer.Schedules(manager.Status())
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := a.backupScheduler(cmd.Context())
	if err != nil {
		return err
	}

	saved, err := manager.Upsert(&schedule.Schedule{
		Name:            args[0],
		Enabled:         !scheduleDisabled,
		Frequency:       schedule.Frequency(scheduleFrequency),
		Time:            scheduleTime,
		DayOfWeek:       scheduleDayOfWeek,
		DayOfMonth:      scheduleDayOfMonth,
		IncludeDatabase: !scheduleNoDatabase,
		IncludeMedia:    scheduleMedia,
		MaxBackups:      scheduleMaxBackups,
		RetentionDays:   scheduleRetentionDays,
		NotifyEmail:     scheduleNotifyEmail,
	})
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	a.printer.Success("Schedule %s saved", saved.Name)
	return printSchedule(a, manager, saved.Name)
}

func runScheduleRemove(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := a.backupScheduler(cmd.Context())
	if err != nil {
		return err
	}
	if err := manager.Remove(args[0]); err != nil {
		return err
	}
	a.printer.Success("Schedule %s removed", args[0])
	if a.printer.Structured() {
		return a.printer.Value(map[string]interface{}{"removed": args[0]})
	}
	return nil
}

func setScheduleEnabled(cmd *cobra.Command, name string, enabled bool) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := a.backupScheduler(cmd.Context())
	if err != nil {
		return err
	}
	if _, err := manager.SetEnabled(name, enabled); err != nil {
		return err
	}
	if enabled {
		a.printer.Success("Schedule %s enabled", name)
	} else {
		a.printer.Success("Schedule %s disabled", name)
	}
	return printSchedule(a, manager, name)
}

func runScheduleStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := a.backupScheduler(cmd.Context())
	if err != nil {
		return err
	}
	if len(args) == 1 {
		return printSchedule(a, manager, args[0])
	}

	statuses := manager.Status()
	unhealthy := 0
	for _, s := range statuses {
		if !s.Healthy {
			unhealthy++
		}
	}
	if !a.cfg.Schedule.Enabled {
		a.printer.Warning("The scheduler is disabled in the configuration (schedule.enabled)")
	}
	if unhealthy > 0 {
		a.printer.Warning("%d of %d schedules are failing", unhealthy, len(statuses))
	}
	return a.printer.Schedules(statuses)
}

func printSchedule(a *app, manager *schedule.Manager, name string) error {
	for _, s := range manager.Status() {
		if s.Name == name {
			if s.LastError != "" && !a.printer.Structured() {
				defer a.printer.Error("Last error: %s", s.LastError)
			}
			return a.printer.Schedules([]schedule.Status{s})
		}
	}
	return fmt.Errorf("%w: %s", schedule.ErrNotFound, name)
}

func runScheduleRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := a.backupScheduler(cmd.Context())
	if err != nil {
		return err
	}

	result, err := manager.RunNow(cmd.Context(), args[0])
	if err != nil {
		if errors.Is(err, schedule.ErrAlreadyRunning) {
			return fmt.Errorf("%w, try again later", err)
		}
		return err
	}
	if printErr := a.printer.RunResult(result); printErr != nil {
		return printErr
	}
	if !result.Success {
		return fmt.Errorf("schedule %s failed", args[0])
	}
	return nil
}

func runScheduleStart(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.cfg.Schedule.Enabled {
		return fmt.Errorf("the scheduler is disabled, set schedule.enabled to true")
	}
	manager, err := a.backupScheduler(cmd.Context())
	if err != nil {
		return err
	}

	a.printer.Info("Scheduler running with %d schedules every %s, press Ctrl+C to stop",
		len(manager.List()), a.cfg.Schedule.Interval.Round(time.Second))
	if err := manager.Serve(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
