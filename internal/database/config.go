package database

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Engine identifiers recognized by the backup adapters
const (
	EngineSQLite   = "sqlite3"
	EngineMySQL    = "mysql"
	EnginePostgres = "postgres"
)

// DatabaseConfig holds the configuration parameters for the application's data store
type DatabaseConfig struct {
	Engine   string            `mapstructure:"engine" yaml:"engine"`
	Path     string            `mapstructure:"path" yaml:"path,omitempty"`
	Host     string            `mapstructure:"host" yaml:"host,omitempty"`
	Port     int               `mapstructure:"port" yaml:"port,omitempty"`
	Username string            `mapstructure:"username" yaml:"username,omitempty"`
	Password string            `mapstructure:"password" yaml:"password,omitempty"`
	Database string            `mapstructure:"database" yaml:"database,omitempty"`
	Timeout  time.Duration     `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Params   map[string]string `mapstructure:"params" yaml:"params,omitempty"`

	// TerminateSessions makes CloseConnections also end other clients'
	// sessions on client/server engines before a destructive restore.
	TerminateSessions bool `mapstructure:"terminate_sessions" yaml:"terminate_sessions,omitempty"`
}

// NormalizeEngine maps engine aliases onto the canonical identifiers
func NormalizeEngine(engine string) string {
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "sqlite", "sqlite3":
		return EngineSQLite
	case "mysql", "mariadb":
		return EngineMySQL
	case "postgres", "postgresql", "pgsql":
		return EnginePostgres
	default:
		return strings.ToLower(strings.TrimSpace(engine))
	}
}

// IsEmbedded reports whether the engine keeps its data in a single local file
func (dc *DatabaseConfig) IsEmbedded() bool {
	return NormalizeEngine(dc.Engine) == EngineSQLite
}

// Validate checks if the database configuration has all required parameters
func (dc *DatabaseConfig) Validate() error {
	var errs []error

	engine := NormalizeEngine(dc.Engine)
	switch engine {
	case "":
		errs = append(errs, errors.New("engine is required"))
	case EngineSQLite:
		if dc.Path == "" {
			errs = append(errs, errors.New("path is required for embedded engines"))
		}
	case EngineMySQL, EnginePostgres:
		if dc.Host == "" {
			errs = append(errs, errors.New("host is required"))
		}
		if dc.Port < 0 || dc.Port > 65535 {
			errs = append(errs, errors.New("port must be between 1 and 65535"))
		}
		if dc.Username == "" {
			errs = append(errs, errors.New("username is required"))
		}
		if dc.Database == "" {
			errs = append(errs, errors.New("database name is required"))
		}
	default:
		if dc.Params["dsn"] == "" {
			errs = append(errs, fmt.Errorf("params.dsn is required for engine %q", engine))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("database configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// SetDefaults fills in ports and timeouts that were left empty
func (dc *DatabaseConfig) SetDefaults() {
	dc.Engine = NormalizeEngine(dc.Engine)
	if dc.Timeout <= 0 {
		dc.Timeout = 30 * time.Second
	}
	if dc.Port == 0 {
		switch dc.Engine {
		case EngineMySQL:
			dc.Port = 3306
		case EnginePostgres:
			dc.Port = 5432
		}
	}
}

// DriverName returns the database/sql driver registered for the engine.
// params.driver overrides the choice, e.g. "pgx" for a wire-compatible engine.
func (dc *DatabaseConfig) DriverName() string {
	if driver := dc.Params["driver"]; driver != "" {
		return driver
	}
	switch NormalizeEngine(dc.Engine) {
	case EngineSQLite:
		return "sqlite3"
	case EngineMySQL:
		return "mysql"
	case EnginePostgres:
		return "pgx"
	default:
		return NormalizeEngine(dc.Engine)
	}
}

// Address returns host:port for client/server engines
func (dc *DatabaseConfig) Address() string {
	return net.JoinHostPort(dc.Host, strconv.Itoa(dc.Port))
}

// DSN returns the data source name for the configured driver
func (dc *DatabaseConfig) DSN() string {
	switch NormalizeEngine(dc.Engine) {
	case EngineSQLite:
		return fmt.Sprintf("file:%s?_busy_timeout=%d", dc.Path, dc.Timeout.Milliseconds())
	case EngineMySQL:
		cfg := mysql.NewConfig()
		cfg.User = dc.Username
		cfg.Passwd = dc.Password
		cfg.Net = "tcp"
		cfg.Addr = dc.Address()
		cfg.DBName = dc.Database
		cfg.Timeout = dc.Timeout
		cfg.ParseTime = true
		for k, v := range dc.Params {
			if isControlParam(k) {
				continue
			}
			if cfg.Params == nil {
				cfg.Params = make(map[string]string, len(dc.Params))
			}
			cfg.Params[k] = v
		}
		return cfg.FormatDSN()
	case EnginePostgres:
		query := url.Values{}
		query.Set("connect_timeout", strconv.Itoa(int(dc.Timeout.Seconds())))
		for k, v := range dc.Params {
			if isControlParam(k) {
				continue
			}
			query.Set(k, v)
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(dc.Username, dc.Password),
			Host:     dc.Address(),
			Path:     "/" + dc.Database,
			RawQuery: query.Encode(),
		}
		return u.String()
	default:
		return dc.Params["dsn"]
	}
}

// isControlParam reports params consumed by stateguard rather than the driver
func isControlParam(key string) bool {
	switch key {
	case "driver", "dsn", "tables", "placeholder":
		return true
	}
	return false
}

// Target describes the data store for logs without exposing credentials
func (dc *DatabaseConfig) Target() string {
	switch NormalizeEngine(dc.Engine) {
	case EngineSQLite:
		return dc.Path
	case EngineMySQL, EnginePostgres:
		return fmt.Sprintf("%s/%s", dc.Address(), dc.Database)
	default:
		return NormalizeEngine(dc.Engine)
	}
}
