package backup

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stateguard/internal/database"
	"stateguard/internal/execution"
	"stateguard/internal/logging"
)

// fakeRunner records commands and lets each test decide what they do
type fakeRunner struct {
	commands []execution.Command
	stdin    []string
	run      func(cmd execution.Command) error
}

func (r *fakeRunner) Run(_ context.Context, cmd execution.Command) error {
	r.commands = append(r.commands, cmd)
	if cmd.Stdin != nil {
		data, _ := io.ReadAll(cmd.Stdin)
		r.stdin = append(r.stdin, string(data))
	}
	if r.run != nil {
		return r.run(cmd)
	}
	return nil
}

func writeResultFile(contents string) func(cmd execution.Command) error {
	return func(cmd execution.Command) error {
		for i, arg := range cmd.Args {
			if dest, ok := strings.CutPrefix(arg, "--result-file="); ok {
				return os.WriteFile(dest, []byte(contents), 0o600)
			}
			if arg == "--file" && i+1 < len(cmd.Args) {
				return os.WriteFile(cmd.Args[i+1], []byte(contents), 0o600)
			}
		}
		return errors.New("no output flag")
	}
}

func serverConfig(engine string) database.DatabaseConfig {
	cfg := database.DatabaseConfig{
		Engine:   engine,
		Host:     "db.internal",
		Username: "app",
		Password: "s3cret",
		Database: "shop",
	}
	cfg.SetDefaults()
	return cfg
}

func TestNewAdapter_Selection(t *testing.T) {
	runner := &fakeRunner{}
	tests := []struct {
		name string
		db   database.DatabaseConfig
		mode string
		want string
	}{
		{"sqlite", database.DatabaseConfig{Engine: "sqlite", Path: "/tmp/app.db"}, "", AdapterEmbeddedFile},
		{"mysql", serverConfig("mysql"), "", AdapterDump},
		{"mariadb alias", serverConfig("mariadb"), "", AdapterDump},
		{"postgres", serverConfig("postgresql"), "", AdapterDump},
		{"postgres export", serverConfig("postgres"), DatabaseModeExport, AdapterExport},
		{"sqlite ignores export", database.DatabaseConfig{Engine: "sqlite3", Path: "/tmp/app.db"}, DatabaseModeExport, AdapterEmbeddedFile},
		{"other engine", database.DatabaseConfig{Engine: "cockroach", Params: map[string]string{"dsn": "postgres://x"}}, "", AdapterExport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.mode != "" {
				cfg.DatabaseMode = tt.mode
			}
			adapter, err := NewAdapter(tt.db, cfg, AdapterDeps{Runner: runner})
			require.NoError(t, err)
			assert.Equal(t, tt.want, adapter.Kind())
		})
	}
}

func TestNewAdapter_InvalidConfig(t *testing.T) {
	_, err := NewAdapter(database.DatabaseConfig{Engine: "mysql"}, DefaultConfig(), AdapterDeps{})
	require.Error(t, err)
	assert.True(t, IsType(err, BackupErrorTypeValidation))
}

func TestEmbeddedFileAdapter_DumpMissingFile(t *testing.T) {
	adapter := &EmbeddedFileAdapter{path: filepath.Join(t.TempDir(), "absent.db"), logger: logging.NewNopLogger()}
	_, err := adapter.Dump(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.True(t, IsType(err, BackupErrorTypeNotFound))
}

func TestEmbeddedFileAdapter_RestoreRemovesJournals(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "app.sqlite")
	require.NoError(t, os.WriteFile(live, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(live+"-shm", []byte("shm"), 0o644))
	require.NoError(t, os.WriteFile(live+"-journal", []byte("journal"), 0o644))

	artifact := filepath.Join(dir, "database_app.sqlite")
	require.NoError(t, os.WriteFile(artifact, []byte("new"), 0o644))

	adapter := &EmbeddedFileAdapter{path: live, logger: logging.NewNopLogger()}
	require.NoError(t, adapter.Restore(context.Background(), artifact))

	data, err := os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.NoFileExists(t, live+"-shm")
	assert.NoFileExists(t, live+"-journal")
	assert.NoFileExists(t, live+".restoring")
}

func TestDumpAdapter_MySQL(t *testing.T) {
	runner := &fakeRunner{run: writeResultFile("-- dump\nCREATE TABLE orders;")}
	adapter := newDumpAdapter(serverConfig("mysql"), DefaultConfig().Tools, runner)
	dir := t.TempDir()

	artifact, err := adapter.Dump(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "database_shop.sql"), artifact)

	require.Len(t, runner.commands, 1)
	cmd := runner.commands[0]
	assert.Equal(t, "mysqldump", cmd.Name)
	assert.Contains(t, cmd.Args, "--single-transaction")
	assert.Contains(t, cmd.Args, "3306")
	assert.Equal(t, "shop", cmd.Args[len(cmd.Args)-1])
	assert.Equal(t, []string{"MYSQL_PWD=s3cret"}, cmd.Env)
	assert.NotContains(t, strings.Join(cmd.Args, " "), "s3cret")

	runner.run = nil
	require.NoError(t, adapter.Restore(context.Background(), artifact))
	restore := runner.commands[1]
	assert.Equal(t, "mysql", restore.Name)
	assert.Equal(t, []string{"-- dump\nCREATE TABLE orders;"}, runner.stdin)
}

func TestDumpAdapter_Postgres(t *testing.T) {
	runner := &fakeRunner{run: writeResultFile("SELECT 1;")}
	adapter := newDumpAdapter(serverConfig("postgres"), DefaultConfig().Tools, runner)

	artifact, err := adapter.Dump(context.Background(), t.TempDir())
	require.NoError(t, err)

	cmd := runner.commands[0]
	assert.Equal(t, "pg_dump", cmd.Name)
	assert.Contains(t, cmd.Args, "--no-password")
	assert.Contains(t, cmd.Args, "5432")
	assert.Equal(t, []string{"PGPASSWORD=s3cret"}, cmd.Env)

	runner.run = nil
	require.NoError(t, adapter.Restore(context.Background(), artifact))
	restore := runner.commands[1]
	assert.Equal(t, "psql", restore.Name)
	assert.Contains(t, restore.Args, "ON_ERROR_STOP=1")
	assert.Contains(t, restore.Args, artifact)
	assert.Nil(t, restore.Stdin)
}

func TestDumpAdapter_EmptyDump(t *testing.T) {
	runner := &fakeRunner{run: writeResultFile("")}
	adapter := newDumpAdapter(serverConfig("mysql"), DefaultConfig().Tools, runner)
	dir := t.TempDir()

	_, err := adapter.Dump(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, IsType(err, BackupErrorTypeSubprocessFailed))
	assert.NoFileExists(t, filepath.Join(dir, "database_shop.sql"))
}

func TestDumpAdapter_ToolFailureCarriesStderr(t *testing.T) {
	runner := &fakeRunner{run: func(cmd execution.Command) error {
		return &execution.CommandError{Command: cmd.Name, ExitCode: 2, Stderr: "Access denied for user 'app'"}
	}}
	adapter := newDumpAdapter(serverConfig("mysql"), DefaultConfig().Tools, runner)

	_, err := adapter.Dump(context.Background(), t.TempDir())
	require.Error(t, err)

	var backupErr *BackupError
	require.True(t, errors.As(err, &backupErr))
	assert.Equal(t, BackupErrorTypeSubprocessFailed, backupErr.Type)
	assert.Equal(t, "Access denied for user 'app'", backupErr.Context["stderr"])
	assert.Equal(t, 2, backupErr.Context["exit_code"])
	assert.Contains(t, err.Error(), "Access denied")
}

func newMockExportAdapter(t *testing.T, cfg database.DatabaseConfig) (*ExportAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := newSQLRecordStore(db, dialectFor(cfg), splitList(cfg.Params["tables"]))
	return NewExportAdapterWithStore("shop", store), mock
}

func TestExportAdapter_DumpAndRestore(t *testing.T) {
	cfg := database.DatabaseConfig{Engine: "sqlite3", Path: "/tmp/app.db"}
	adapter, mock := newMockExportAdapter(t, cfg)
	dir := t.TempDir()

	mock.ExpectQuery("SELECT name FROM sqlite_master").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("users").AddRow("bad name;"))
	mock.ExpectQuery(`SELECT \* FROM "users"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "avatar"}).
			AddRow(int64(1), []byte("alice"), []byte{0xff, 0x00, 0xfe}))

	artifact, err := adapter.Dump(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "database_shop.jsonl"), artifact)

	file, err := os.Open(artifact)
	require.NoError(t, err)
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	file.Close()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"table":"users"`)
	assert.Contains(t, lines[0], `"$base64":"/wD+"`)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "users"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "users" \("avatar", "id", "name"\) VALUES \(\?, \?, \?\)`).
		WithArgs([]byte{0xff, 0x00, 0xfe}, int64(1), "alice").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, adapter.Restore(context.Background(), artifact))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportAdapter_RestoreRollsBackOnError(t *testing.T) {
	cfg := serverConfig("postgres")
	adapter, mock := newMockExportAdapter(t, cfg)

	artifact := filepath.Join(t.TempDir(), "database_shop.jsonl")
	require.NoError(t, os.WriteFile(artifact, []byte(`{"table":"orders","row":{"id":7}}`+"\n"), 0o600))

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "orders"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "orders" \("id"\) VALUES \(\$1\)`).
		WithArgs(int64(7)).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := adapter.Restore(context.Background(), artifact)
	require.Error(t, err)
	assert.True(t, IsType(err, BackupErrorTypeRestore))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportAdapter_ConfiguredTables(t *testing.T) {
	cfg := serverConfig("mysql")
	cfg.Params = map[string]string{"tables": "orders, customers"}
	adapter, mock := newMockExportAdapter(t, cfg)

	mock.ExpectQuery("SELECT \\* FROM `orders`").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT \\* FROM `customers`").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	_, err := adapter.Dump(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDialectFor_Placeholders(t *testing.T) {
	assert.Equal(t, "?", dialectFor(serverConfig("mysql")).placeholder(1))
	assert.Equal(t, "$2", dialectFor(serverConfig("postgres")).placeholder(2))

	other := database.DatabaseConfig{Engine: "cockroach", Params: map[string]string{"driver": "pgx"}}
	assert.Equal(t, "$1", dialectFor(other).placeholder(1))
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "database_shop.sql", artifactName("shop", "sql"))
	assert.Equal(t, "database_my_shop_.jsonl", artifactName("my shop?", ".jsonl"))
	assert.Equal(t, "database_data.db", artifactName("", "db"))
	assert.True(t, isArtifact("database_shop.sql.gz.enc"))
	assert.False(t, isArtifact("backup_manifest.json"))
}
