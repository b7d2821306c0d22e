package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stateguard/internal/backup"
	"stateguard/internal/logging"
	"stateguard/internal/metrics"
	"stateguard/internal/notify"
)

var (
	// ErrNotFound is returned for unknown schedule names
	ErrNotFound = errors.New("schedule not found")
	// ErrAlreadyRunning is returned when a schedule is triggered while a
	// previous run of it is still executing
	ErrAlreadyRunning = errors.New("schedule is already running")
)

// BackupEngine is the part of the backup engine the scheduler drives
type BackupEngine interface {
	CreateFullBackup(ctx context.Context, opts backup.CreateOptions) (*backup.Backup, error)
	ListBackups(ctx context.Context) ([]*backup.Backup, error)
	DeleteBackupFor(ctx context.Context, name, reason string) (*backup.DeleteResult, error)
}

// Config holds scheduler settings
type Config struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	StorePath        string        `mapstructure:"store_path" yaml:"store_path"`
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	Timezone         string        `mapstructure:"timezone" yaml:"timezone"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	RunTimeout       time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.StorePath == "" {
		c.StorePath = "./schedules.yaml"
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
}

// RunResult describes one execution of a schedule
type RunResult struct {
	Schedule   string    `json:"schedule" yaml:"schedule"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	Backup     string    `json:"backup,omitempty" yaml:"backup,omitempty"`
	Success    bool      `json:"success" yaml:"success"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	Degraded   bool      `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	Pruned     []string  `json:"pruned,omitempty" yaml:"pruned,omitempty"`
	Warnings   []string  `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Status is a schedule with its evaluated runtime state
type Status struct {
	Schedule `yaml:",inline"`
	NextRun  *time.Time `json:"next_run,omitempty" yaml:"next_run,omitempty"`
	Running  bool       `json:"running" yaml:"running"`
	Healthy  bool       `json:"healthy" yaml:"healthy"`
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithNotifier sets the failure notifier
func WithNotifier(notifier notify.Notifier) Option {
	return func(m *Manager) { m.notifier = notifier }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the schedule policies and runs due schedules
type Manager struct {
	engine   BackupEngine
	store    Store
	notifier notify.Notifier
	logger   *logging.Logger
	cfg      Config
	loc      *time.Location
	now      func() time.Time

	mu        sync.Mutex
	schedules map[string]*Schedule
	triggers  map[string]time.Time
	running   map[string]bool

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	doneCh    chan struct{}
}

// NewManager loads the stored schedules and registers their triggers
func NewManager(engine BackupEngine, store Store, cfg Config, opts ...Option) (*Manager, error) {
	if engine == nil {
		return nil, fmt.Errorf("schedule manager requires a backup engine")
	}
	if store == nil {
		return nil, fmt.Errorf("schedule manager requires a store")
	}
	cfg.SetDefaults()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule timezone %q: %w", cfg.Timezone, err)
	}

	m := &Manager{
		engine:    engine,
		store:     store,
		cfg:       cfg,
		loc:       loc,
		now:       time.Now,
		schedules: make(map[string]*Schedule),
		triggers:  make(map[string]time.Time),
		running:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.NewNopLogger()
	}

	loaded, err := store.Load()
	if err != nil {
		return nil, err
	}
	for _, sched := range loaded {
		if err := sched.Validate(); err != nil {
			m.logger.WithFields(map[string]interface{}{"schedule": sched.Name, "error": err.Error()}).
				Warn("Ignoring invalid schedule")
			continue
		}
		m.schedules[sched.Name] = sched
		m.registerTrigger(sched)
	}
	return m, nil
}

// Location returns the timezone schedules are evaluated in
func (m *Manager) Location() *time.Location {
	return m.loc
}

// Start runs the ticker loop in the background until Stop or ctx ends
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("scheduler already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.doneCh = make(chan struct{})

	m.logger.WithFields(map[string]interface{}{
		"interval":  m.cfg.Interval.String(),
		"timezone":  m.loc.String(),
		"schedules": len(m.List()),
	}).Info("Starting backup scheduler")

	go m.loop(runCtx, m.doneCh)
	return nil
}

// Stop cancels the loop and any run in progress, and waits for it to exit
func (m *Manager) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.cancel == nil {
		return nil
	}

	m.cancel()
	<-m.doneCh
	m.cancel = nil
	m.doneCh = nil

	m.logger.Info("Backup scheduler stopped")
	return nil
}

// Serve implements suture.Service
func (m *Manager) Serve(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("backup scheduler start failed: %w", err)
	}
	<-ctx.Done()
	if err := m.Stop(); err != nil {
		return fmt.Errorf("backup scheduler stop failed: %w", err)
	}
	return ctx.Err()
}

// String names the service in supervisor logs
func (m *Manager) String() string {
	return "backup-scheduler"
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			m.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs every due schedule, one after another in name order
func (m *Manager) Tick(ctx context.Context) []*RunResult {
	now := m.now()

	m.mu.Lock()
	var due []string
	for name, next := range m.triggers {
		if !now.Before(next) && !m.running[name] {
			due = append(due, name)
		}
	}
	m.mu.Unlock()

	if len(due) == 0 {
		m.logger.Debug("No schedules due")
		return nil
	}
	sort.Strings(due)

	var results []*RunResult
	for _, name := range due {
		if ctx.Err() != nil {
			break
		}
		result, err := m.run(ctx, name, false)
		if err != nil {
			if !errors.Is(err, ErrAlreadyRunning) {
				m.logger.WithFields(map[string]interface{}{"schedule": name, "error": err.Error()}).
					Error("Scheduled run failed")
			}
			continue
		}
		if result != nil {
			results = append(results, result)
		}
	}
	return results
}

// RunNow runs a schedule immediately regardless of its policy
func (m *Manager) RunNow(ctx context.Context, name string) (*RunResult, error) {
	return m.run(ctx, name, true)
}

func (m *Manager) run(ctx context.Context, name string, manual bool) (*RunResult, error) {
	m.mu.Lock()
	current, ok := m.schedules[name]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if m.running[name] {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	if !manual && !current.ShouldRunNow(m.now(), m.loc) {
		m.mu.Unlock()
		return nil, nil
	}
	m.running[name] = true
	sched := current.clone()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.running, name)
		m.mu.Unlock()
	}()

	if m.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RunTimeout)
		defer cancel()
	}
	ctx = logging.ContextWithCorrelationID(ctx, uuid.NewString())

	result := &RunResult{Schedule: name, StartedAt: m.now().UTC()}
	done := m.logger.LogOperationStart("scheduled_backup", map[string]interface{}{
		"schedule": name,
		"manual":   manual,
	})

	opts, degraded := sched.CreateOptions()
	if degraded {
		result.Degraded = true
		result.Warnings = append(result.Warnings, "media-only schedules are not supported; running a database backup instead")
		m.logger.WithFields(map[string]interface{}{"schedule": name}).
			Warn("Media-only schedule degraded to a database backup")
	}

	created, err := m.engine.CreateFullBackup(ctx, opts)
	if created != nil {
		result.Backup = created.Name
	}
	switch {
	case err != nil:
		result.Error = err.Error()
	case created == nil:
		result.Error = "backup engine returned no backup"
	case !created.Success:
		result.Error = failureSummary(created)
	default:
		result.Success = true
	}
	result.FinishedAt = m.now().UTC()

	updated, recordErr := m.RecordRun(result)
	if recordErr != nil {
		result.Warnings = append(result.Warnings, recordErr.Error())
	}

	if result.Success {
		pruned, errs := m.applyRetention(ctx, sched)
		result.Pruned = pruned
		result.Warnings = append(result.Warnings, errs...)
	} else if updated != nil {
		m.notifyFailure(ctx, updated, result)
	}

	if result.Success {
		done(nil)
	} else {
		done(errors.New(result.Error))
	}
	return result, nil
}

// RecordRun stores the outcome of a run on its schedule and persists the
// change. The next trigger is recomputed from the new run time.
func (m *Manager) RecordRun(result *RunResult) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sched, ok := m.schedules[result.Schedule]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, result.Schedule)
	}

	ranAt := result.StartedAt
	sched.LastRun = &ranAt
	sched.LastBackup = result.Backup
	if result.Success {
		sched.LastSuccess = &ranAt
		sched.LastError = ""
		sched.ConsecutiveFailures = 0
	} else {
		sched.LastError = result.Error
		sched.ConsecutiveFailures++
	}
	m.registerTrigger(sched)

	metrics.RecordScheduleRun(sched.Name, result.Success, sched.ConsecutiveFailures)
	if !sched.IsHealthy(m.cfg.FailureThreshold) {
		m.logger.WithFields(map[string]interface{}{
			"schedule":             sched.Name,
			"consecutive_failures": sched.ConsecutiveFailures,
		}).Warn("Schedule is unhealthy")
	}

	snapshot := sched.clone()
	if err := m.saveLocked(); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// applyRetention deletes this schedule's backups beyond max_backups or
// older than retention_days
func (m *Manager) applyRetention(ctx context.Context, sched *Schedule) ([]string, []string) {
	if sched.MaxBackups <= 0 && sched.RetentionDays <= 0 {
		return nil, nil
	}

	all, err := m.engine.ListBackups(ctx)
	if err != nil {
		return nil, []string{fmt.Sprintf("retention: failed to list backups: %v", err)}
	}

	prefix := DescriptionPrefix(sched.Name)
	var cutoff time.Time
	if sched.RetentionDays > 0 {
		cutoff = m.now().UTC().Add(-time.Duration(sched.RetentionDays) * 24 * time.Hour)
	}

	var (
		pruned []string
		errs   []string
		kept   int
	)
	for _, b := range all {
		if !strings.HasPrefix(b.Description, prefix) {
			continue
		}
		expired := !cutoff.IsZero() && b.CreatedAt.Before(cutoff)
		overflow := sched.MaxBackups > 0 && kept >= sched.MaxBackups
		if !expired && !overflow {
			kept++
			continue
		}

		if _, err := m.engine.DeleteBackupFor(ctx, b.Name, backup.DeleteReasonSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("retention: failed to delete %s: %v", b.Name, err))
			continue
		}
		pruned = append(pruned, b.Name)
	}

	if len(pruned) > 0 {
		m.logger.WithFields(map[string]interface{}{
			"schedule": sched.Name,
			"deleted":  pruned,
		}).Info("Pruned scheduled backups")
	}
	return pruned, errs
}

func (m *Manager) notifyFailure(ctx context.Context, sched *Schedule, result *RunResult) {
	if m.notifier == nil || sched.NotifyEmail == "" {
		return
	}

	body := fmt.Sprintf("Scheduled backup %q failed at %s.\n\nError: %s\nConsecutive failures: %d",
		sched.Name, result.StartedAt.Format(time.RFC3339), result.Error, sched.ConsecutiveFailures)
	if result.Backup != "" {
		body += "\nBackup: " + result.Backup
	}

	severity := notify.SeverityWarning
	if !sched.IsHealthy(m.cfg.FailureThreshold) {
		severity = notify.SeverityCritical
	}

	err := m.notifier.Notify(ctx, notify.Message{
		Subject:    fmt.Sprintf("Scheduled backup %s failed", sched.Name),
		Body:       body,
		Severity:   severity,
		Recipients: []string{sched.NotifyEmail},
		Metadata: map[string]interface{}{
			"schedule":             sched.Name,
			"consecutive_failures": sched.ConsecutiveFailures,
		},
	})
	if err != nil {
		m.logger.WithFields(map[string]interface{}{"schedule": sched.Name, "error": err.Error()}).
			Warn("Failed to send schedule failure notification")
	}
}

// Upsert creates or replaces a schedule policy. Run history of an existing
// schedule is kept; its trigger is recomputed.
func (m *Manager) Upsert(sched *Schedule) (*Schedule, error) {
	if sched == nil {
		return nil, fmt.Errorf("schedule is required")
	}
	if err := sched.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := sched.clone()
	if existing, ok := m.schedules[sched.Name]; ok {
		next.CreatedAt = existing.CreatedAt
		next.LastRun = existing.LastRun
		next.LastSuccess = existing.LastSuccess
		next.LastError = existing.LastError
		next.LastBackup = existing.LastBackup
		next.ConsecutiveFailures = existing.ConsecutiveFailures
	} else {
		next.CreatedAt = m.now().UTC()
		next.LastRun = nil
		next.LastSuccess = nil
		next.LastError = ""
		next.LastBackup = ""
		next.ConsecutiveFailures = 0
	}

	previous, existed := m.schedules[sched.Name]
	m.schedules[sched.Name] = next
	if err := m.saveLocked(); err != nil {
		if existed {
			m.schedules[sched.Name] = previous
		} else {
			delete(m.schedules, sched.Name)
		}
		return nil, err
	}
	m.registerTrigger(next)

	m.logger.WithFields(map[string]interface{}{
		"schedule":  next.Name,
		"frequency": next.Frequency,
		"time":      next.Time,
		"enabled":   next.Enabled,
	}).Info("Schedule saved")
	return next.clone(), nil
}

// Remove deletes a schedule and its trigger
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous, ok := m.schedules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(m.schedules, name)
	if err := m.saveLocked(); err != nil {
		m.schedules[name] = previous
		return err
	}
	delete(m.triggers, name)
	metrics.ForgetSchedule(name)

	m.logger.WithField("schedule", name).Info("Schedule removed")
	return nil
}

// SetEnabled enables or disables a schedule
func (m *Manager) SetEnabled(name string, enabled bool) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sched, ok := m.schedules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	previous := sched.Enabled
	sched.Enabled = enabled
	if err := m.saveLocked(); err != nil {
		sched.Enabled = previous
		return nil, err
	}
	m.registerTrigger(sched)
	return sched.clone(), nil
}

// List returns all schedules ordered by name
func (m *Manager) List() []*Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

// Get returns one schedule
func (m *Manager) Get(name string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return sched.clone(), nil
}

// Status reports every schedule with its next trigger, running flag and health
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	schedules := m.sortedLocked()
	statuses := make([]Status, 0, len(schedules))
	for _, sched := range schedules {
		status := Status{
			Schedule: *sched,
			Running:  m.running[sched.Name],
			Healthy:  sched.IsHealthy(m.cfg.FailureThreshold),
		}
		if next, ok := m.triggers[sched.Name]; ok {
			status.NextRun = &next
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// registerTrigger replaces the trigger of sched. Caller holds m.mu.
func (m *Manager) registerTrigger(sched *Schedule) {
	next, ok := sched.NextRun(sched.anchor(), m.loc)
	if !ok {
		delete(m.triggers, sched.Name)
		return
	}
	m.triggers[sched.Name] = next
}

func (m *Manager) sortedLocked() []*Schedule {
	out := make([]*Schedule, 0, len(m.schedules))
	for _, sched := range m.schedules {
		out = append(out, sched.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) saveLocked() error {
	schedules := make([]*Schedule, 0, len(m.schedules))
	for _, sched := range m.schedules {
		schedules = append(schedules, sched)
	}
	return m.store.Save(schedules)
}

// failureSummary lists the component errors of an unsuccessful backup
func failureSummary(b *backup.Backup) string {
	if b.Error != "" {
		return b.Error
	}
	var parts []string
	for _, kind := range b.ComponentNames() {
		result := b.Components[backup.ComponentKind(kind)]
		if len(result.Errors) > 0 {
			parts = append(parts, fmt.Sprintf("%s: %s", kind, strings.Join(result.Errors, "; ")))
		}
	}
	if len(parts) == 0 {
		return "backup reported failure"
	}
	return strings.Join(parts, " | ")
}
