package display

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"stateguard/internal/backup"
	"stateguard/internal/schedule"
	"stateguard/internal/update"
)

const timeLayout = "2006-01-02 15:04:05"

// Printer renders command results in the configured output format
type Printer struct {
	out    io.Writer
	cfg    Config
	colors *ColorSystem
}

// NewPrinter creates a printer writing to out
func NewPrinter(out io.Writer, cfg Config) *Printer {
	cfg.SetDefaults()
	enabled := cfg.ColorEnabled && cfg.OutputFormat != FormatCompact && !structured(cfg.OutputFormat)
	return &Printer{
		out:    out,
		cfg:    cfg,
		colors: NewColorSystem(GetThemeByName(cfg.Theme), enabled),
	}
}

func structured(format string) bool {
	return format == FormatJSON || format == FormatYAML
}

// Structured reports whether results are printed as json or yaml
func (p *Printer) Structured() bool {
	return structured(p.cfg.OutputFormat)
}

// Value prints v as json or yaml. Table formats fall back to yaml.
func (p *Printer) Value(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if p.cfg.OutputFormat == FormatJSON {
		_, err = fmt.Fprintln(p.out, string(data))
		return err
	}

	// Round trip through json so yaml keys follow the json tags
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = p.out.Write(out)
	return err
}

// Success prints a success line
func (p *Printer) Success(format string, args ...interface{}) {
	p.status("✓", p.colors.Theme().Success, format, args...)
}

// Warning prints a warning line
func (p *Printer) Warning(format string, args ...interface{}) {
	p.status("!", p.colors.Theme().Warning, format, args...)
}

// Error prints an error line
func (p *Printer) Error(format string, args ...interface{}) {
	p.status("✗", p.colors.Theme().Error, format, args...)
}

// Info prints an informational line
func (p *Printer) Info(format string, args ...interface{}) {
	p.status("i", p.colors.Theme().Info, format, args...)
}

func (p *Printer) status(icon string, clr Color, format string, args ...interface{}) {
	if p.Structured() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if p.cfg.OutputFormat == FormatCompact {
		fmt.Fprintln(p.out, msg)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.colors.Colorize(icon, clr), msg)
}

func (p *Printer) table(headers []string, rows [][]string) {
	if p.cfg.OutputFormat == FormatCompact {
		for _, row := range rows {
			fmt.Fprintln(p.out, strings.Join(row, "\t"))
		}
		return
	}
	t := NewTable(p.cfg.TableStyle, p.cfg.MaxTableWidth, p.colors)
	t.SetHeaders(headers...)
	for _, row := range rows {
		t.AddRow(row...)
	}
	t.RenderTo(p.out)
}

// fields prints label/value pairs
func (p *Printer) fields(pairs [][2]string) {
	width := 0
	for _, pair := range pairs {
		if len(pair[0]) > width {
			width = len(pair[0])
		}
	}
	for _, pair := range pairs {
		label := p.colors.Colorize(fmt.Sprintf("%-*s", width+1, pair[0]+":"), p.colors.Theme().Muted)
		fmt.Fprintf(p.out, "%s %s\n", label, pair[1])
	}
}

// Backups prints a backup listing
func (p *Printer) Backups(backups []*backup.Backup) error {
	if p.Structured() {
		return p.Value(backups)
	}
	if len(backups) == 0 {
		p.Info("No backups found")
		return nil
	}

	rows := make([][]string, 0, len(backups))
	for _, b := range backups {
		size := b.ArchiveSize
		if size == 0 {
			size = b.TotalSize
		}
		rows = append(rows, []string{
			b.Name,
			b.CreatedAt.Local().Format(timeLayout),
			FormatSize(size),
			strings.Join(b.ComponentNames(), ","),
			p.result(b.Success),
			b.Description,
		})
	}
	p.table([]string{"NAME", "CREATED", "SIZE", "COMPONENTS", "STATUS", "DESCRIPTION"}, rows)
	return nil
}

// Backup prints one created backup with its component results
func (p *Printer) Backup(b *backup.Backup) error {
	if p.Structured() {
		return p.Value(b)
	}
	p.fields([][2]string{
		{"Name", b.Name},
		{"Created", b.CreatedAt.Local().Format(timeLayout)},
		{"Description", b.Description},
		{"Total size", FormatSize(b.TotalSize)},
		{"Compressed", strconv.FormatBool(b.Compressed)},
		{"Status", p.result(b.Success)},
	})
	if b.Mirror != "" {
		p.fields([][2]string{{"Mirror", b.Mirror}})
	}
	if b.Error != "" {
		p.Error("%s", b.Error)
	}
	p.components(b.Components)
	return nil
}

// Restore prints a restore result with per-component detail
func (p *Printer) Restore(r *backup.RestoreResult) error {
	if p.Structured() {
		return p.Value(r)
	}
	p.fields([][2]string{
		{"Backup", r.Backup},
		{"Duration", r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()},
		{"Status", p.result(r.Success)},
	})
	if r.SafetyBackup != "" {
		p.fields([][2]string{{"Safety backup", r.SafetyBackup}})
	}
	p.components(r.Components)
	for _, w := range r.Warnings {
		p.Warning("%s", w)
	}
	return nil
}

func (p *Printer) components(components map[backup.ComponentKind]*backup.ComponentResult) {
	if len(components) == 0 {
		return
	}
	kinds := make([]string, 0, len(components))
	for kind := range components {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	rows := make([][]string, 0, len(kinds))
	for _, kind := range kinds {
		c := components[backup.ComponentKind(kind)]
		rows = append(rows, []string{kind, p.result(c.Success), FormatSize(c.Size), strings.Join(c.Errors, "; ")})
	}
	p.table([]string{"COMPONENT", "STATUS", "SIZE", "ERRORS"}, rows)
	for _, kind := range kinds {
		for _, w := range components[backup.ComponentKind(kind)].Warnings {
			p.Warning("%s: %s", kind, w)
		}
	}
}

// RestorationInfo prints what a backup contains
func (p *Printer) RestorationInfo(info *backup.RestorationInfo) error {
	if p.Structured() {
		return p.Value(info)
	}
	database := "no"
	if info.HasDatabase {
		database = fmt.Sprintf("%s (%s)", info.DatabaseFile, FormatSize(info.DatabaseSize))
	}
	media := "no"
	if info.HasMedia {
		media = fmt.Sprintf("%d files (%s)", info.MediaFiles, FormatSize(info.MediaSize))
	}
	configuration := "no"
	if info.HasConfiguration {
		configuration = strings.Join(info.ConfigFiles, ", ")
	}
	p.fields([][2]string{
		{"Name", info.Name},
		{"Created", info.CreatedAt.Local().Format(timeLayout)},
		{"Description", info.Description},
		{"Compressed", strconv.FormatBool(info.Compressed)},
		{"Legacy layout", strconv.FormatBool(info.Legacy)},
		{"Database", database},
		{"Media", media},
		{"Configuration", configuration},
		{"Total size", FormatSize(info.TotalSize)},
	})
	return nil
}

// Delete prints a delete result
func (p *Printer) Delete(r *backup.DeleteResult) error {
	if p.Structured() {
		return p.Value(r)
	}
	p.Success("Deleted backup %s", r.Name)
	if r.MirrorDeleted {
		p.Info("Removed mirrored copy")
	}
	if r.Warning != "" {
		p.Warning("%s", r.Warning)
	}
	return nil
}

// Cleanup prints a retention cleanup result
func (p *Printer) Cleanup(r *backup.CleanupResult) error {
	if p.Structured() {
		return p.Value(r)
	}
	if len(r.Deleted) == 0 {
		p.Info("No backups older than %s", r.Cutoff.Local().Format(timeLayout))
	}
	for _, name := range r.Deleted {
		p.Success("Deleted %s", name)
	}
	for _, e := range r.Errors {
		p.Error("%s", e)
	}
	return nil
}

// Schedules prints schedule status rows
func (p *Printer) Schedules(statuses []schedule.Status) error {
	if p.Structured() {
		return p.Value(statuses)
	}
	if len(statuses) == 0 {
		p.Info("No schedules configured")
		return nil
	}

	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		next := "-"
		if s.NextRun != nil {
			next = s.NextRun.Local().Format(timeLayout)
		}
		last := "-"
		if s.LastRun != nil {
			last = s.LastRun.Local().Format(timeLayout)
		}
		health := p.colors.Colorize("healthy", p.colors.Theme().Success)
		if !s.Healthy {
			health = p.colors.Colorize(fmt.Sprintf("%d failures", s.ConsecutiveFailures), p.colors.Theme().Error)
		}
		state := "enabled"
		switch {
		case s.Running:
			state = "running"
		case !s.Enabled:
			state = "disabled"
		}
		rows = append(rows, []string{s.Name, describeSchedule(&s.Schedule), state, next, last, health})
	}
	p.table([]string{"NAME", "WHEN", "STATE", "NEXT RUN", "LAST RUN", "HEALTH"}, rows)
	return nil
}

func describeSchedule(s *schedule.Schedule) string {
	days := []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}
	switch s.Frequency {
	case schedule.FrequencyDaily:
		return "daily " + s.Time
	case schedule.FrequencyWeekly:
		if s.DayOfWeek >= 0 && s.DayOfWeek < len(days) {
			return fmt.Sprintf("weekly %s %s", days[s.DayOfWeek], s.Time)
		}
		return "weekly " + s.Time
	case schedule.FrequencyMonthly:
		return fmt.Sprintf("monthly day %d %s", s.DayOfMonth, s.Time)
	default:
		return string(s.Frequency)
	}
}

// RunResult prints the outcome of a schedule run
func (p *Printer) RunResult(r *schedule.RunResult) error {
	if p.Structured() {
		return p.Value(r)
	}
	if r.Success {
		p.Success("Schedule %s created %s in %s", r.Schedule, r.Backup,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	} else {
		p.Error("Schedule %s failed: %s", r.Schedule, r.Error)
	}
	for _, name := range r.Pruned {
		p.Info("Pruned %s", name)
	}
	for _, w := range r.Warnings {
		p.Warning("%s", w)
	}
	return nil
}

// UpdateState prints the update state machine
func (p *Printer) UpdateState(s update.State) error {
	if p.Structured() {
		return p.Value(s)
	}
	pairs := [][2]string{
		{"Status", string(s.Status)},
		{"Current version", s.CurrentVersion},
	}
	if s.Latest != nil {
		pairs = append(pairs,
			[2]string{"Latest version", s.Latest.Version},
			[2]string{"Published", s.Latest.PublishedAt.Local().Format(timeLayout)},
			[2]string{"Artifact", s.Latest.AssetName},
		)
	}
	if s.Status == update.StatusDownloading || s.Status == update.StatusReady {
		pairs = append(pairs, [2]string{"Progress", fmt.Sprintf("%d%%", s.Progress)})
	}
	if s.CheckedAt != nil {
		pairs = append(pairs, [2]string{"Checked", s.CheckedAt.Local().Format(timeLayout)})
	}
	p.fields(pairs)
	if s.Error != "" {
		p.Error("%s", s.Error)
	}
	return nil
}

// UpdateRecords prints the update history
func (p *Printer) UpdateRecords(records []*update.UpdateRecord) error {
	if p.Structured() {
		return p.Value(records)
	}
	if len(records) == 0 {
		p.Info("No updates installed")
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		result := string(r.Result)
		if r.RolledBackAt != nil {
			result += " (rolled back)"
		}
		backupName := "-"
		if r.BackupCreated {
			backupName = r.BackupName
		}
		rows = append(rows, []string{
			r.ID, r.StartedAt.Local().Format(timeLayout), r.FromVersion, r.ToVersion, result, backupName, r.Error,
		})
	}
	p.table([]string{"ID", "STARTED", "FROM", "TO", "RESULT", "SAFETY BACKUP", "ERROR"}, rows)
	return nil
}

// UpdateRecord prints one install attempt
func (p *Printer) UpdateRecord(r *update.UpdateRecord) error {
	if p.Structured() {
		return p.Value(r)
	}
	pairs := [][2]string{
		{"Record", r.ID},
		{"From", r.FromVersion},
		{"To", r.ToVersion},
		{"Result", string(r.Result)},
		{"Files changed", strconv.Itoa(r.FilesChanged)},
	}
	if r.BackupCreated {
		pairs = append(pairs, [2]string{"Safety backup", r.BackupName})
	}
	p.fields(pairs)
	if r.Error != "" {
		p.Error("%s", r.Error)
	}
	return nil
}

// Rollback prints a rollback result
func (p *Printer) Rollback(r *update.RollbackResult) error {
	if p.Structured() {
		return p.Value(r)
	}
	p.fields([][2]string{
		{"Record", r.Record.ID},
		{"Restored files", strconv.Itoa(r.RestoredFiles)},
		{"Removed files", strconv.Itoa(r.RemovedFiles)},
		{"Version", r.Record.FromVersion},
	})
	if r.Restore != nil {
		p.components(r.Restore.Components)
	}
	for _, e := range r.Errors {
		p.Error("%s", e)
	}
	return nil
}

func (p *Printer) result(success bool) string {
	if success {
		return p.colors.Colorize("ok", p.colors.Theme().Success)
	}
	return p.colors.Colorize("failed", p.colors.Theme().Error)
}

// FormatSize renders a byte count with a binary unit
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
