package database

import (
	"context"
	"testing"

	"stateguard/internal/logging"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionManager_CloseConnectionsWithoutPool(t *testing.T) {
	cm := NewConnectionManager(nil, DatabaseConfig{Engine: "sqlite", Path: "app.db"}, nil)
	assert.NoError(t, cm.CloseConnections(context.Background()))
}

func TestConnectionManager_DBWithoutService(t *testing.T) {
	cm := NewConnectionManager(nil, DatabaseConfig{Engine: "sqlite", Path: "app.db"}, nil)
	_, err := cm.DB(context.Background())
	assert.Error(t, err)
}

func TestConnectionManager_CloseConnectionsMySQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery("SELECT ID FROM information_schema.PROCESSLIST").
		WithArgs("booking").
		WillReturnRows(sqlmock.NewRows([]string{"ID"}).AddRow(11).AddRow(12))
	mock.ExpectExec("KILL 11").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("KILL 12").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	cm := NewConnectionManagerWithDB(db, DatabaseConfig{
		Engine:            "mysql",
		Host:              "db",
		Username:          "app",
		Database:          "booking",
		TerminateSessions: true,
	}, logging.NewNopLogger())

	require.NoError(t, cm.CloseConnections(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())

	// pool is gone, closing again is a no-op
	assert.NoError(t, cm.CloseConnections(context.Background()))
}

func TestConnectionManager_CloseConnectionsPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("SELECT pg_terminate_backend").
		WithArgs("booking").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectClose()

	cm := NewConnectionManagerWithDB(db, DatabaseConfig{
		Engine:            "postgres",
		Host:              "pg",
		Username:          "app",
		Database:          "booking",
		TerminateSessions: true,
	}, nil)

	require.NoError(t, cm.CloseConnections(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionManager_CloseConnectionsSkipsTerminationByDefault(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()

	cm := NewConnectionManagerWithDB(db, DatabaseConfig{Engine: "mysql", Host: "db", Username: "app", Database: "booking"}, nil)

	require.NoError(t, cm.CloseConnections(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
