package database

import (
	"context"
	"database/sql"
	"time"

	"stateguard/internal/errors"
	"stateguard/internal/logging"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver registered as "pgx"
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

// DatabaseService defines the interface for database connection handling
type DatabaseService interface {
	Connect(ctx context.Context, config DatabaseConfig) (*sql.DB, error)
	TestConnection(ctx context.Context, db *sql.DB) error
	Close(db *sql.DB) error
}

// Service implements the DatabaseService interface
type Service struct {
	connectionTimeout time.Duration
	logger            *logging.Logger
	retryHandler      *errors.RetryHandler
	open              func(driver, dsn string) (*sql.DB, error)
}

// NewService creates a new database service with default settings
func NewService(logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Service{
		connectionTimeout: 30 * time.Second,
		logger:            logger,
		retryHandler:      errors.NewDefaultRetryHandler(),
		open:              sql.Open,
	}
}

// NewServiceWithOptions creates a new database service with custom retry options
func NewServiceWithOptions(logger *logging.Logger, timeout time.Duration, maxRetries int, retryDelay time.Duration) *Service {
	s := NewService(logger)
	s.connectionTimeout = timeout
	s.retryHandler = errors.NewRetryHandler(errors.RetryConfig{
		MaxAttempts: maxRetries,
		BaseDelay:   retryDelay,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	})
	return s
}

// Connect opens a pooled connection to the configured engine with retry logic
func (s *Service) Connect(ctx context.Context, config DatabaseConfig) (*sql.DB, error) {
	startTime := time.Now()
	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "invalid database configuration", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"engine": config.Engine,
		"target": config.Target(),
	}).Debug("Attempting database connection")

	ctx, cancel := context.WithTimeout(ctx, s.connectionTimeout)
	defer cancel()

	var db *sql.DB
	err := s.retryHandler.Retry(ctx, func() error {
		var openErr error
		db, openErr = s.open(config.DriverName(), config.DSN())
		if openErr != nil {
			return errors.WrapError(openErr, "failed to open database connection")
		}

		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)

		if testErr := s.TestConnection(ctx, db); testErr != nil {
			db.Close()
			return testErr
		}
		return nil
	})

	s.logger.LogDatabaseConnection(config.Engine, config.Target(), err == nil, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// TestConnection verifies that the database connection is working
func (s *Service) TestConnection(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.connectionTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		return errors.WrapError(err, "failed to ping database")
	}
	return nil
}

// Close gracefully closes the database connection
func (s *Service) Close(db *sql.DB) error {
	if db == nil {
		return nil
	}

	if err := db.Close(); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to close database connection")
		return errors.WrapError(err, "failed to close database connection")
	}

	s.logger.Debug("Database connection closed")
	return nil
}
