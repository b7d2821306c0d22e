package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	apperrors "stateguard/internal/errors"
	"stateguard/internal/logging"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	service := NewService(nil)
	require.NotNil(t, service)
	assert.Equal(t, 30*time.Second, service.connectionTimeout)
	assert.NotNil(t, service.logger)
}

func TestConnect_InvalidConfig(t *testing.T) {
	service := NewService(logging.NewNopLogger())

	_, err := service.Connect(context.Background(), DatabaseConfig{Engine: "mysql"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.GetErrorType(err))
}

func TestConnect_UsesDriverAndPings(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()

	service := NewServiceWithOptions(logging.NewNopLogger(), time.Second, 1, time.Millisecond)
	var gotDriver, gotDSN string
	service.open = func(driver, dsn string) (*sql.DB, error) {
		gotDriver, gotDSN = driver, dsn
		return db, nil
	}

	conn, err := service.Connect(context.Background(), DatabaseConfig{
		Engine:   "postgresql",
		Host:     "pg",
		Username: "app",
		Database: "booking",
	})
	require.NoError(t, err)
	assert.Same(t, db, conn)
	assert.Equal(t, "pgx", gotDriver)
	assert.Contains(t, gotDSN, "pg:5432/booking")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnect_PingFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	mock.ExpectPing().WillReturnError(errors.New("access denied"))
	mock.ExpectClose()

	service := NewServiceWithOptions(logging.NewNopLogger(), time.Second, 1, time.Millisecond)
	service.open = func(driver, dsn string) (*sql.DB, error) { return db, nil }

	_, err = service.Connect(context.Background(), DatabaseConfig{Engine: "sqlite", Path: "app.db"})
	assert.Error(t, err)
}

func TestTestConnection_NilDB(t *testing.T) {
	service := NewService(nil)
	err := service.TestConnection(context.Background(), nil)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.GetErrorType(err))
}

func TestClose_NilDB(t *testing.T) {
	assert.NoError(t, NewService(nil).Close(nil))
}
