package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"stateguard/internal/logging"
)

// ConnectionManager owns the application's pooled connection to the data store
// and knows how to drain it before a destructive restore.
type ConnectionManager struct {
	service DatabaseService
	config  DatabaseConfig
	logger  *logging.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewConnectionManager creates a connection manager that connects lazily
func NewConnectionManager(service DatabaseService, config DatabaseConfig, logger *logging.Logger) *ConnectionManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	config.SetDefaults()
	return &ConnectionManager{
		service: service,
		config:  config,
		logger:  logger,
	}
}

// NewConnectionManagerWithDB wraps an already opened pool
func NewConnectionManagerWithDB(db *sql.DB, config DatabaseConfig, logger *logging.Logger) *ConnectionManager {
	cm := NewConnectionManager(nil, config, logger)
	cm.db = db
	return cm
}

// Config returns the data store configuration
func (cm *ConnectionManager) Config() DatabaseConfig {
	return cm.config
}

// DB returns the open pool, connecting on first use
func (cm *ConnectionManager) DB(ctx context.Context) (*sql.DB, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.db != nil {
		return cm.db, nil
	}
	if cm.service == nil {
		return nil, fmt.Errorf("no database service configured for %s", cm.config.Target())
	}

	db, err := cm.service.Connect(ctx, cm.config)
	if err != nil {
		return nil, err
	}
	cm.db = db
	return db, nil
}

// CloseConnections ends other sessions when configured to and closes the
// manager's own pool. A later call to DB reconnects.
func (cm *ConnectionManager) CloseConnections(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.db == nil {
		return nil
	}

	if cm.config.TerminateSessions {
		terminated, err := cm.terminateSessions(ctx)
		if err != nil {
			cm.logger.Warnf("Failed to terminate sessions on %s: %v", cm.config.Target(), err)
		} else if terminated > 0 {
			cm.logger.Infof("Terminated %d session(s) on %s", terminated, cm.config.Target())
		}
	}

	err := cm.db.Close()
	cm.db = nil
	if err != nil {
		return fmt.Errorf("failed to close database pool: %w", err)
	}
	cm.logger.Debug("Database pool closed for restore")
	return nil
}

// Close releases the pool
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.db == nil {
		return nil
	}
	err := cm.db.Close()
	cm.db = nil
	return err
}

func (cm *ConnectionManager) terminateSessions(ctx context.Context) (int, error) {
	switch NormalizeEngine(cm.config.Engine) {
	case EngineMySQL:
		return cm.terminateMySQLSessions(ctx)
	case EnginePostgres:
		return cm.terminatePostgresSessions(ctx)
	default:
		return 0, nil
	}
}

func (cm *ConnectionManager) terminateMySQLSessions(ctx context.Context) (int, error) {
	rows, err := cm.db.QueryContext(ctx,
		"SELECT ID FROM information_schema.PROCESSLIST WHERE DB = ? AND ID <> CONNECTION_ID()",
		cm.config.Database)
	if err != nil {
		return 0, err
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	terminated := 0
	for _, id := range ids {
		if _, err := cm.db.ExecContext(ctx, fmt.Sprintf("KILL %d", id)); err != nil {
			cm.logger.Debugf("Could not kill session %d: %v", id, err)
			continue
		}
		terminated++
	}
	return terminated, nil
}

func (cm *ConnectionManager) terminatePostgresSessions(ctx context.Context) (int, error) {
	result, err := cm.db.ExecContext(ctx,
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()",
		cm.config.Database)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}
