// Package schedule runs recurring full backups.
//
// A Schedule is a persisted policy (frequency, time of day, optional
// weekday or day of month) evaluated by the Manager on a single ticker.
// Due schedules run sequentially through the backup engine; each run is
// recorded back onto the schedule and the schedule's own backups are
// pruned according to its retention settings.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"stateguard/internal/backup"
)

// Frequency of a schedule
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyDisabled Frequency = "disabled"
)

// DefaultFailureThreshold is the number of consecutive failures after which a
// schedule is reported unhealthy
const DefaultFailureThreshold = 3

// Schedule is a recurring backup policy and its run history
type Schedule struct {
	Name            string    `yaml:"name" json:"name"`
	Enabled         bool      `yaml:"enabled" json:"enabled"`
	Frequency       Frequency `yaml:"frequency" json:"frequency"`
	Time            string    `yaml:"time" json:"time"`
	DayOfWeek       int       `yaml:"day_of_week" json:"day_of_week"`
	DayOfMonth      int       `yaml:"day_of_month" json:"day_of_month"`
	IncludeDatabase bool      `yaml:"include_database" json:"include_database"`
	IncludeMedia    bool      `yaml:"include_media" json:"include_media"`
	MaxBackups      int       `yaml:"max_backups" json:"max_backups"`
	RetentionDays   int       `yaml:"retention_days" json:"retention_days"`
	NotifyEmail     string    `yaml:"notify_email,omitempty" json:"notify_email,omitempty"`
	CreatedAt       time.Time `yaml:"created_at" json:"created_at"`

	LastRun             *time.Time `yaml:"last_run,omitempty" json:"last_run,omitempty"`
	LastSuccess         *time.Time `yaml:"last_success,omitempty" json:"last_success,omitempty"`
	LastError           string     `yaml:"last_error,omitempty" json:"last_error,omitempty"`
	LastBackup          string     `yaml:"last_backup,omitempty" json:"last_backup,omitempty"`
	ConsecutiveFailures int        `yaml:"consecutive_failures" json:"consecutive_failures"`
}

// Validate checks the policy fields
func (s *Schedule) Validate() error {
	var errs backup.ValidationErrors

	if strings.TrimSpace(s.Name) == "" {
		errs.Add("name", "is required", s.Name)
	} else if strings.ContainsAny(s.Name, "[]/\\") {
		errs.Add("name", "must not contain brackets or path separators", s.Name)
	}

	switch s.Frequency {
	case FrequencyDaily, FrequencyDisabled:
	case FrequencyWeekly:
		if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
			errs.Add("day_of_week", "must be between 0 (Sunday) and 6", s.DayOfWeek)
		}
	case FrequencyMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			errs.Add("day_of_month", "must be between 1 and 31", s.DayOfMonth)
		}
	default:
		errs.Add("frequency", "must be one of daily, weekly, monthly, disabled", s.Frequency)
	}

	if _, _, err := parseClock(s.Time); err != nil {
		errs.Add("time", err.Error(), s.Time)
	}
	if s.MaxBackups < 0 {
		errs.Add("max_backups", "must not be negative", s.MaxBackups)
	}
	if s.RetentionDays < 0 {
		errs.Add("retention_days", "must not be negative", s.RetentionDays)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Active reports whether the schedule can ever become due
func (s *Schedule) Active() bool {
	return s.Enabled && s.Frequency != FrequencyDisabled && s.Frequency != ""
}

// cronParser reads the five-field specs built by CronSpec
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronSpec returns the cron expression for the policy. Monthly days past the
// 28th match the whole month tail; NextRun picks the clamped day from it.
func (s *Schedule) CronSpec() (string, error) {
	hour, minute, err := parseClock(s.Time)
	if err != nil {
		return "", err
	}
	switch s.Frequency {
	case FrequencyDaily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case FrequencyWeekly:
		return fmt.Sprintf("%d %d * * %d", minute, hour, s.DayOfWeek), nil
	case FrequencyMonthly:
		if s.DayOfMonth > 28 {
			return fmt.Sprintf("%d %d 28-31 * *", minute, hour), nil
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, s.DayOfMonth), nil
	}
	return "", fmt.Errorf("frequency %q has no trigger", s.Frequency)
}

// NextRun returns the first occurrence strictly after after, evaluated in
// loc. Inactive schedules have no next run.
func (s *Schedule) NextRun(after time.Time, loc *time.Location) (time.Time, bool) {
	if !s.Active() {
		return time.Time{}, false
	}
	spec, err := s.CronSpec()
	if err != nil {
		return time.Time{}, false
	}
	trigger, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}

	next := trigger.Next(after.In(loc))
	if s.Frequency != FrequencyMonthly || s.DayOfMonth <= 28 {
		return next, !next.IsZero()
	}

	// Plain cron skips months shorter than the configured day; run on the
	// last day of those months instead.
	for i := 0; i < 8 && !next.IsZero(); i++ {
		if next.Day() == clampDay(s.DayOfMonth, next.Year(), next.Month(), loc) {
			return next, true
		}
		next = trigger.Next(next)
	}
	return time.Time{}, false
}

// clampDay limits day to the length of the month
func clampDay(day, year int, month time.Month, loc *time.Location) int {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	if day > lastDay {
		return lastDay
	}
	return day
}

// anchor is the reference point for the next occurrence: the last run, or
// the creation time for schedules that never ran
func (s *Schedule) anchor() time.Time {
	if s.LastRun != nil {
		return *s.LastRun
	}
	return s.CreatedAt
}

// ShouldRunNow reports whether the occurrence following the last run has
// been reached. It depends only on the policy and run history.
func (s *Schedule) ShouldRunNow(now time.Time, loc *time.Location) bool {
	next, ok := s.NextRun(s.anchor(), loc)
	if !ok {
		return false
	}
	return !now.Before(next)
}

// IsHealthy reports whether the failure streak is below threshold
func (s *Schedule) IsHealthy(threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return s.ConsecutiveFailures < threshold
}

// CreateOptions maps the component selection onto a backup request. Media
// without database is not supported and runs as a database-only backup.
func (s *Schedule) CreateOptions() (backup.CreateOptions, bool) {
	opts := backup.CreateOptions{
		Description: DescriptionPrefix(s.Name) + " scheduled backup",
	}
	degraded := false
	switch {
	case s.IncludeDatabase:
		opts.IncludeMedia = s.IncludeMedia
	case s.IncludeMedia:
		degraded = true
	default:
		opts.SkipDatabase = true
	}
	return opts, degraded
}

// DescriptionPrefix marks backups created by the named schedule
func DescriptionPrefix(name string) string {
	return "[schedule:" + name + "]"
}

func (s *Schedule) clone() *Schedule {
	c := *s
	if s.LastRun != nil {
		t := *s.LastRun
		c.LastRun = &t
	}
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

// parseClock parses HH:MM
func parseClock(value string) (int, int, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("must be HH:MM")
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("hour must be between 00 and 23")
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("minute must be between 00 and 59")
	}
	return hour, minute, nil
}
