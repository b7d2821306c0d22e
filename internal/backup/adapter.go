package backup

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"stateguard/internal/database"
	"stateguard/internal/execution"
	"stateguard/internal/logging"
)

// artifactPrefix starts the file name of every database artifact
const artifactPrefix = "database_"

// DatabaseAdapter dumps and restores one database engine. The variant is
// chosen once, when the engine is constructed.
type DatabaseAdapter interface {
	// Kind names the adapter variant for logs and manifests
	Kind() string
	// Dump writes a database artifact into dir and returns its path
	Dump(ctx context.Context, dir string) (string, error)
	// Restore replaces the live database with the artifact contents
	Restore(ctx context.Context, artifact string) error
}

// Adapter variant names
const (
	AdapterEmbeddedFile = "embedded_file"
	AdapterDump         = "client_server_dump"
	AdapterExport       = "generic_export"
)

// AdapterDeps carries what adapters need beyond the database configuration
type AdapterDeps struct {
	Runner execution.Runner
	Logger *logging.Logger
	// OpenDB opens a database/sql pool; defaults to sql.Open
	OpenDB func(driver, dsn string) (*sql.DB, error)
	// Connections supplies the live pool for export-based adapters
	Connections *database.ConnectionManager
}

// NewAdapter selects the adapter variant for the configured engine
func NewAdapter(dbCfg database.DatabaseConfig, cfg Config, deps AdapterDeps) (DatabaseAdapter, error) {
	dbCfg.SetDefaults()
	if err := dbCfg.Validate(); err != nil {
		return nil, NewValidationError("invalid database configuration", err)
	}

	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Runner == nil {
		deps.Runner = execution.NewExecutor(deps.Logger, cfg.DumpTimeout)
	}
	if deps.OpenDB == nil {
		deps.OpenDB = sql.Open
	}

	if cfg.DatabaseMode == DatabaseModeExport && !dbCfg.IsEmbedded() {
		return newExportAdapter(dbCfg, deps), nil
	}

	switch dbCfg.Engine {
	case database.EngineSQLite:
		return &EmbeddedFileAdapter{
			path:   dbCfg.Path,
			verify: cfg.VerifyRestore,
			openDB: deps.OpenDB,
			logger: deps.Logger,
		}, nil
	case database.EngineMySQL, database.EnginePostgres:
		return newDumpAdapter(dbCfg, cfg.Tools, deps.Runner), nil
	default:
		return newExportAdapter(dbCfg, deps), nil
	}
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// artifactName builds database_<db>.<ext>
func artifactName(db, ext string) string {
	db = unsafeNameChars.ReplaceAllString(db, "_")
	if db == "" {
		db = "data"
	}
	return fmt.Sprintf("%s%s.%s", artifactPrefix, db, strings.TrimPrefix(ext, "."))
}

// isArtifact reports whether a file name looks like a database artifact
func isArtifact(name string) bool {
	return strings.HasPrefix(filepath.Base(name), artifactPrefix)
}
