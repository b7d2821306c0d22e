package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"stateguard/internal/database"
	"stateguard/internal/execution"
)

// DumpAdapter backs up client/server engines through their dump and
// client tools. Credentials travel in the environment, never on the
// command line.
type DumpAdapter struct {
	cfg    database.DatabaseConfig
	tools  ToolsConfig
	runner execution.Runner
}

func newDumpAdapter(cfg database.DatabaseConfig, tools ToolsConfig, runner execution.Runner) *DumpAdapter {
	return &DumpAdapter{cfg: cfg, tools: tools, runner: runner}
}

// Kind implements DatabaseAdapter
func (a *DumpAdapter) Kind() string { return AdapterDump }

// Dump runs the engine's dump tool into dir
func (a *DumpAdapter) Dump(ctx context.Context, dir string) (string, error) {
	dest := filepath.Join(dir, artifactName(a.cfg.Database, "sql"))

	cmd := a.dumpCommand(dest)
	if err := a.runner.Run(ctx, cmd); err != nil {
		os.Remove(dest)
		return "", NewSubprocessError(fmt.Sprintf("%s failed", cmd.Name), err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return "", NewSubprocessError(fmt.Sprintf("%s produced no output", cmd.Name), err)
	}
	if info.Size() == 0 {
		os.Remove(dest)
		return "", NewSubprocessError(fmt.Sprintf("%s produced an empty dump", cmd.Name), nil)
	}
	return dest, nil
}

// Restore pipes the artifact into the engine's client tool
func (a *DumpAdapter) Restore(ctx context.Context, artifact string) error {
	file, err := os.Open(artifact)
	if err != nil {
		return NewRestoreError("failed to open database artifact", err)
	}
	defer file.Close()

	cmd := a.restoreCommand(artifact)
	if a.cfg.Engine == database.EngineMySQL {
		cmd.Stdin = file
	}

	if err := a.runner.Run(ctx, cmd); err != nil {
		return NewSubprocessError(fmt.Sprintf("%s failed", cmd.Name), err)
	}
	return nil
}

func (a *DumpAdapter) dumpCommand(dest string) execution.Command {
	port := strconv.Itoa(a.cfg.Port)

	if a.cfg.Engine == database.EnginePostgres {
		return execution.Command{
			Name: a.tools.PGDump,
			Args: []string{
				"--host", a.cfg.Host,
				"--port", port,
				"--username", a.cfg.Username,
				"--no-password",
				"--format=plain",
				"--clean",
				"--if-exists",
				"--no-owner",
				"--file", dest,
				a.cfg.Database,
			},
			Env: []string{"PGPASSWORD=" + a.cfg.Password},
		}
	}

	return execution.Command{
		Name: a.tools.MySQLDump,
		Args: []string{
			"--host", a.cfg.Host,
			"--port", port,
			"--user", a.cfg.Username,
			"--single-transaction",
			"--routines",
			"--triggers",
			"--events",
			"--result-file=" + dest,
			a.cfg.Database,
		},
		Env: []string{"MYSQL_PWD=" + a.cfg.Password},
	}
}

func (a *DumpAdapter) restoreCommand(artifact string) execution.Command {
	port := strconv.Itoa(a.cfg.Port)

	if a.cfg.Engine == database.EnginePostgres {
		return execution.Command{
			Name: a.tools.PSQL,
			Args: []string{
				"--host", a.cfg.Host,
				"--port", port,
				"--username", a.cfg.Username,
				"--no-password",
				"--quiet",
				"--set", "ON_ERROR_STOP=1",
				"--dbname", a.cfg.Database,
				"--file", artifact,
			},
			Env: []string{"PGPASSWORD=" + a.cfg.Password},
		}
	}

	return execution.Command{
		Name: a.tools.MySQL,
		Args: []string{
			"--host", a.cfg.Host,
			"--port", port,
			"--user", a.cfg.Username,
			a.cfg.Database,
		},
		Env: []string{"MYSQL_PWD=" + a.cfg.Password},
	}
}
