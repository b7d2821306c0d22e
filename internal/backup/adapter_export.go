package backup

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"stateguard/internal/database"
)

// Record is one exported row keyed by column name
type Record map[string]interface{}

// RecordStore is the minimal contract generic export needs from a data store
type RecordStore interface {
	// Tables lists the tables to export, in a stable order
	Tables(ctx context.Context) ([]string, error)
	// ExportTable streams every row of table to emit
	ExportTable(ctx context.Context, table string, emit func(Record) error) error
	// ReplaceTables empties each table and inserts the given rows in one transaction
	ReplaceTables(ctx context.Context, tables []string, rows map[string][]Record) error
}

// exportLine is one line of a generic export artifact
type exportLine struct {
	Table string `json:"table"`
	Row   Record `json:"row"`
}

// bytesKey marks binary column values in exported JSON
const bytesKey = "$base64"

// ExportAdapter exports every table as JSON lines through a RecordStore
type ExportAdapter struct {
	name  string
	store func(ctx context.Context) (RecordStore, func(), error)
}

func newExportAdapter(cfg database.DatabaseConfig, deps AdapterDeps) *ExportAdapter {
	dialect := dialectFor(cfg)
	tables := splitList(cfg.Params["tables"])

	return &ExportAdapter{
		name: cfg.Database,
		store: func(ctx context.Context) (RecordStore, func(), error) {
			if deps.Connections == nil {
				db, err := deps.OpenDB(cfg.DriverName(), cfg.DSN())
				if err != nil {
					return nil, nil, err
				}
				return newSQLRecordStore(db, dialect, tables), func() { db.Close() }, nil
			}
			// The shared pool stays open
			db, err := deps.Connections.DB(ctx)
			if err != nil {
				return nil, nil, err
			}
			return newSQLRecordStore(db, dialect, tables), func() {}, nil
		},
	}
}

// NewExportAdapterWithStore builds an export adapter over an existing store
func NewExportAdapterWithStore(name string, store RecordStore) *ExportAdapter {
	return &ExportAdapter{
		name:  name,
		store: func(context.Context) (RecordStore, func(), error) { return store, func() {}, nil },
	}
}

// Kind implements DatabaseAdapter
func (a *ExportAdapter) Kind() string { return AdapterExport }

// Dump writes one JSON line per row
func (a *ExportAdapter) Dump(ctx context.Context, dir string) (string, error) {
	store, release, err := a.store(ctx)
	if err != nil {
		return "", NewStorageError("failed to open record store", err)
	}
	defer release()

	tables, err := store.Tables(ctx)
	if err != nil {
		return "", NewStorageError("failed to list tables", err)
	}

	dest := filepath.Join(dir, artifactName(a.name, "jsonl"))
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", NewStorageError("failed to create export file", err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, table := range tables {
		err := store.ExportTable(ctx, table, func(row Record) error {
			return enc.Encode(exportLine{Table: table, Row: encodeRecord(row)})
		})
		if err != nil {
			file.Close()
			os.Remove(dest)
			return "", NewStorageError(fmt.Sprintf("failed to export table %s", table), err)
		}
	}

	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(dest)
		return "", NewStorageError("failed to write export file", err)
	}
	if err := file.Close(); err != nil {
		return "", NewStorageError("failed to close export file", err)
	}
	return dest, nil
}

// Restore reads the JSON lines back and replaces table contents
func (a *ExportAdapter) Restore(ctx context.Context, artifact string) error {
	file, err := os.Open(artifact)
	if err != nil {
		return NewRestoreError("failed to open export file", err)
	}
	defer file.Close()

	var tables []string
	rows := make(map[string][]Record)

	dec := json.NewDecoder(bufio.NewReader(file))
	dec.UseNumber()
	for dec.More() {
		var line exportLine
		if err := dec.Decode(&line); err != nil {
			return NewRestoreError("failed to parse export file", err)
		}
		if _, seen := rows[line.Table]; !seen {
			tables = append(tables, line.Table)
			rows[line.Table] = nil
		}
		rows[line.Table] = append(rows[line.Table], decodeRecord(line.Row))
	}

	store, release, err := a.store(ctx)
	if err != nil {
		return NewRestoreError("failed to open record store", err)
	}
	defer release()
	if err := store.ReplaceTables(ctx, tables, rows); err != nil {
		return NewRestoreError("failed to import records", err)
	}
	return nil
}

func encodeRecord(row Record) Record {
	out := make(Record, len(row))
	for col, value := range row {
		if b, ok := value.([]byte); ok {
			if utf8.Valid(b) {
				out[col] = string(b)
			} else {
				out[col] = map[string]string{bytesKey: base64.StdEncoding.EncodeToString(b)}
			}
			continue
		}
		out[col] = value
	}
	return out
}

func decodeRecord(row Record) Record {
	out := make(Record, len(row))
	for col, value := range row {
		switch v := value.(type) {
		case json.Number:
			if i, err := v.Int64(); err == nil {
				out[col] = i
			} else if f, err := v.Float64(); err == nil {
				out[col] = f
			} else {
				out[col] = v.String()
			}
		case map[string]interface{}:
			if encoded, ok := v[bytesKey].(string); ok && len(v) == 1 {
				if b, err := base64.StdEncoding.DecodeString(encoded); err == nil {
					out[col] = b
					continue
				}
			}
			out[col] = value
		default:
			out[col] = value
		}
	}
	return out
}

// sqlDialect captures the differences SQLRecordStore cares about
type sqlDialect struct {
	tablesQuery string
	quote       func(string) string
	placeholder func(n int) string
}

func dialectFor(cfg database.DatabaseConfig) sqlDialect {
	ansiQuote := func(s string) string { return `"` + s + `"` }
	question := func(int) string { return "?" }
	dollar := func(n int) string { return "$" + strconv.Itoa(n) }

	d := sqlDialect{
		tablesQuery: `SELECT table_name FROM information_schema.tables
			WHERE table_type = 'BASE TABLE'
			AND table_schema NOT IN ('information_schema', 'pg_catalog', 'mysql', 'sys', 'performance_schema')
			ORDER BY table_name`,
		quote:       ansiQuote,
		placeholder: question,
	}

	switch cfg.Engine {
	case database.EngineMySQL:
		d.tablesQuery = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name`
		d.quote = func(s string) string { return "`" + s + "`" }
	case database.EnginePostgres:
		d.tablesQuery = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`
		d.placeholder = dollar
	case database.EngineSQLite:
		d.tablesQuery = `SELECT name FROM sqlite_master
			WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	}

	if cfg.DriverName() == "pgx" || cfg.Params["placeholder"] == "dollar" {
		d.placeholder = dollar
	}
	return d
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)

// SQLRecordStore implements RecordStore on database/sql
type SQLRecordStore struct {
	db      *sql.DB
	dialect sqlDialect
	tables  []string
}

// newSQLRecordStore creates a store. A non-empty tables list replaces discovery.
func newSQLRecordStore(db *sql.DB, dialect sqlDialect, tables []string) *SQLRecordStore {
	return &SQLRecordStore{db: db, dialect: dialect, tables: tables}
}

// Tables implements RecordStore
func (s *SQLRecordStore) Tables(ctx context.Context) ([]string, error) {
	if len(s.tables) > 0 {
		for _, t := range s.tables {
			if !tableNamePattern.MatchString(t) {
				return nil, fmt.Errorf("invalid table name %q", t)
			}
		}
		return s.tables, nil
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.tablesQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if tableNamePattern.MatchString(name) {
			tables = append(tables, name)
		}
	}
	return tables, rows.Err()
}

func (s *SQLRecordStore) quoteTable(table string) (string, error) {
	if !tableNamePattern.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = s.dialect.quote(p)
	}
	return strings.Join(parts, "."), nil
}

// ExportTable implements RecordStore
func (s *SQLRecordStore) ExportTable(ctx context.Context, table string, emit func(Record) error) error {
	quoted, err := s.quoteTable(table)
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+quoted)
	if err != nil {
		return err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return err
	}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return err
		}

		record := make(Record, len(columns))
		for i, col := range columns {
			record[col] = values[i]
		}
		if err := emit(record); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ReplaceTables implements RecordStore
func (s *SQLRecordStore) ReplaceTables(ctx context.Context, tables []string, rows map[string][]Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := s.replaceInTx(ctx, tx, tables, rows); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLRecordStore) replaceInTx(ctx context.Context, tx *sql.Tx, tables []string, rows map[string][]Record) error {
	for _, table := range tables {
		quoted, err := s.quoteTable(table)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM "+quoted); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}

		for _, record := range rows[table] {
			columns := make([]string, 0, len(record))
			for col := range record {
				columns = append(columns, col)
			}
			sort.Strings(columns)

			quotedCols := make([]string, len(columns))
			marks := make([]string, len(columns))
			args := make([]interface{}, len(columns))
			for i, col := range columns {
				if !tableNamePattern.MatchString(col) {
					return fmt.Errorf("invalid column name %q in %s", col, table)
				}
				quotedCols[i] = s.dialect.quote(col)
				marks[i] = s.dialect.placeholder(i + 1)
				args[i] = record[col]
			}

			query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoted, strings.Join(quotedCols, ", "), strings.Join(marks, ", "))
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to insert into %s: %w", table, err)
			}
		}
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
