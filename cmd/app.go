package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stateguard/internal/backup"
	"stateguard/internal/config"
	"stateguard/internal/database"
	"stateguard/internal/display"
	"stateguard/internal/logging"
	"stateguard/internal/notify"
	"stateguard/internal/schedule"
	"stateguard/internal/update"
)

// app holds the components a command needs, built on first use
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	printer *display.Printer

	connections *database.ConnectionManager
	engine      *backup.Engine
	scheduler   *schedule.Manager
	updater     *update.Coordinator
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logCfg := cfg.LoggerConfig()
	logCfg.Output = cmd.ErrOrStderr()
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		printer: display.NewPrinter(cmd.OutOrStdout(), cfg.Display),
	}, nil
}

// Close releases the database pool
func (a *app) Close() {
	if a.connections == nil {
		return
	}
	if err := a.connections.Close(); err != nil {
		a.logger.Warnf("Failed to close database connections: %v", err)
	}
}

func (a *app) backupEngine(ctx context.Context) (*backup.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}

	a.connections = database.NewConnectionManager(database.NewService(a.logger), a.cfg.Database, a.logger)
	adapter, err := backup.NewAdapter(a.cfg.Database, a.cfg.Backup, backup.AdapterDeps{
		Logger:      a.logger,
		Connections: a.connections,
	})
	if err != nil {
		return nil, err
	}

	opts := []backup.Option{
		backup.WithLogger(a.logger),
		backup.WithConnectionCloser(a.connections),
		backup.WithSettings(viper.AllSettings),
		backup.WithAppVersion(version),
	}
	mirror, err := backup.NewMirror(ctx, a.cfg.Backup.Mirror)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize backup mirror: %w", err)
	}
	if mirror != nil {
		opts = append(opts, backup.WithMirror(mirror))
	}

	engine, err := backup.NewEngine(a.cfg.Backup, adapter, opts...)
	if err != nil {
		return nil, err
	}
	a.engine = engine
	return engine, nil
}

func (a *app) backupScheduler(ctx context.Context) (*schedule.Manager, error) {
	if a.scheduler != nil {
		return a.scheduler, nil
	}
	engine, err := a.backupEngine(ctx)
	if err != nil {
		return nil, err
	}

	manager, err := schedule.NewManager(engine, schedule.NewFileStore(a.cfg.Schedule.StorePath), a.cfg.Schedule,
		schedule.WithLogger(a.logger),
		schedule.WithNotifier(notify.NewManager(a.logger, a.cfg.Notify)),
	)
	if err != nil {
		return nil, err
	}
	a.scheduler = manager
	return manager, nil
}

func (a *app) updateCoordinator(ctx context.Context) (*update.Coordinator, error) {
	if a.updater != nil {
		return a.updater, nil
	}
	if a.cfg.Update.Repository == "" {
		return nil, fmt.Errorf("update.repository is not configured")
	}
	engine, err := a.backupEngine(ctx)
	if err != nil {
		return nil, err
	}

	cfg := a.cfg.Update
	cfg.CurrentVersion = version
	cfg.Protected = a.protectedPaths()

	coordinator, err := update.NewCoordinator(cfg, engine, nil, update.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	a.updater = coordinator
	return coordinator, nil
}

// protectedPaths are state locations an update must never overwrite
func (a *app) protectedPaths() []string {
	paths := []string{
		a.cfg.Backup.ArchiveDir,
		a.cfg.Schedule.StorePath,
	}
	if a.cfg.Backup.MediaRoot != "" {
		paths = append(paths, a.cfg.Backup.MediaRoot)
	}
	if a.cfg.Database.IsEmbedded() {
		paths = append(paths, a.cfg.Database.Path)
	}
	if used := viper.ConfigFileUsed(); used != "" {
		paths = append(paths, used)
	}
	for i, p := range paths {
		paths[i] = filepath.Clean(p)
	}
	return paths
}

// confirmation returns the --confirm token, or asks the operator to type
// phrase when the flag is empty
func (a *app) confirmation(title, phrase string, details ...string) (string, error) {
	if confirmToken != "" {
		return confirmToken, nil
	}
	return a.printer.NewConfirmationDialog(title, phrase).AddDetails(details...).Confirm()
}
