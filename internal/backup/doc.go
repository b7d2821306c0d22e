// Package backup provides full-state backup and restore for the application.
//
// A backup captures up to three components:
//
// - database: an engine-specific artifact produced by a DatabaseAdapter
// (file copy for embedded engines, mysqldump/pg_dump for server engines,
// or a JSON Lines export through database/sql)
// - media: a copy of the media root
// - configuration: sanitized environment and settings snapshots
//
// Every backup carries a backup_manifest.json at its root recording the
// per-component outcome. Compressed backups are single tar archives named
// backup_YYYYMMDD_HHMMSS.tar.{gz,zst,lz4} with the manifest as the first
// entry, so listing never extracts the whole archive. With compression set
// to "none" the backup is kept as a plain directory.
//
// Component failures never abort a backup; they are recorded in the manifest
// and the backup is marked unsuccessful. Restores are per component and
// report a partial failure when some components fail. Database restores
// require a confirmation token and take a safety backup first.
//
// Example usage:
//
//	adapter, err := backup.NewAdapter(dbConfig, cfg, backup.AdapterDeps{Runner: executor})
//	if err != nil {
//		return err
//	}
//	engine, err := backup.NewEngine(cfg, adapter, backup.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//
//	b, err := engine.CreateFullBackup(ctx, backup.CreateOptions{IncludeMedia: true})
//	if err != nil {
//		return fmt.Errorf("backup creation failed: %w", err)
//	}
//
//	result, err := engine.RestoreBackup(ctx, b.Name, backup.RestoreOptions{
//		Database:          true,
//		ConfirmationToken: token,
//	})
package backup
