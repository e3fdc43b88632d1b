// Package store persists users, API keys, refresh tokens, audit entries, and
// webhook events in a SQL database through sqlx. SQLite is the default
// engine; PostgreSQL and MySQL are supported for shared deployments.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Config selects the database engine.
type Config struct {
	// Driver is "sqlite" (default), "postgres", or "mysql".
	Driver string
	// DSN is the connection string for postgres and mysql. For sqlite an
	// explicit DSN overrides DataDir.
	DSN string
	// DataDir holds akm.db for sqlite. Empty means in-memory.
	DataDir string
}

// Store is the SQL-backed implementation of registry.Registry plus the user,
// session, audit, and webhook tables.
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

// NewStore opens a SQLite store in dataDir. Pass empty string for in-memory.
func NewStore(dataDir string) (*Store, error) {
	return Open(Config{Driver: "sqlite", DataDir: dataDir})
}

// Open connects to the configured engine and applies migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Connect(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	if d.name == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

		// Enable foreign keys (off by default in SQLite).
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Dialects
// ---------------------------------------------------------------------------

type dialect struct {
	name       string
	driverName string
	timestamp  string // column type for timestamps
	key        string // column type for indexed strings
	createIdx  string
}

var dialects = map[string]dialect{
	"sqlite": {
		name:       "sqlite",
		driverName: "sqlite",
		timestamp:  "DATETIME",
		key:        "TEXT",
		createIdx:  "CREATE INDEX IF NOT EXISTS",
	},
	"postgres": {
		name:       "postgres",
		driverName: "pgx",
		timestamp:  "TIMESTAMPTZ",
		key:        "TEXT",
		createIdx:  "CREATE INDEX IF NOT EXISTS",
	},
	"mysql": {
		name:       "mysql",
		driverName: "mysql",
		timestamp:  "DATETIME(6)",
		key:        "VARCHAR(191)",
		createIdx:  "CREATE INDEX",
	},
}

func (d dialect) dsn(cfg Config) (string, error) {
	switch d.name {
	case "sqlite":
		if cfg.DSN != "" {
			return cfg.DSN, nil
		}
		if cfg.DataDir == "" {
			return ":memory:?_journal_mode=WAL&_time_format=sqlite", nil
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return "", fmt.Errorf("create data dir: %w", err)
		}
		return filepath.Join(cfg.DataDir, "akm.db") + "?_journal_mode=WAL&_busy_timeout=5000&_time_format=sqlite", nil
	case "mysql":
		if cfg.DSN == "" {
			return "", fmt.Errorf("mysql requires a DSN")
		}
		// Timestamps must come back as time.Time in UTC.
		mc, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		mc.ParseTime = true
		mc.Loc = time.UTC
		return mc.FormatDSN(), nil
	default:
		if cfg.DSN == "" {
			return "", fmt.Errorf("%s requires a DSN", d.name)
		}
		return cfg.DSN, nil
	}
}

// ddl expands the {ts}, {key}, and {index} placeholders of a migration.
func (d dialect) ddl(stmt string) string {
	return strings.NewReplacer(
		"{ts}", d.timestamp,
		"{key}", d.key,
		"{index}", d.createIdx,
	).Replace(stmt)
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

// isUniqueViolation reports whether err is a unique constraint failure on
// any of the supported engines.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}

func now() time.Time {
	return time.Now().UTC()
}
