// Package journal keeps the history of commits in a SQLite database.
//
// Every commit run gets a row in commit_runs, keyed by a ULID so runs sort by start
// time, and every executed action a row in commit_steps. The journal implements
// commit.Observer; hand it to the engine and the history builds itself.
//
// # Usage Example
//
//	j, err := journal.New(journal.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer j.Close()
//
//	engine := commit.New(storage, runner, commit.Config{Observer: j})
//	...
//	runs, err := j.Runs(ctx, 10)
//
// # Concurrency
//
// The database runs in WAL mode with a 5-second busy timeout, so the CLI can read the
// history while a commit is writing to it. A single Journal tracks one commit at a time.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver
)

// Journal wraps the history database.
type Journal struct {
	db   *sql.DB
	path string
	log  logrus.FieldLogger

	retention int

	mu      sync.Mutex
	current string // run id of the commit in progress
}

// Config holds journal configuration.
type Config struct {
	// Path to the SQLite database file
	Path string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// Retention is how many runs Prune keeps. Zero keeps everything.
	Retention int

	Logger logrus.FieldLogger
}

// DefaultConfig returns a default journal configuration.
func DefaultConfig() Config {
	return Config{
		Path:         "/var/lib/storagemgr/journal.db",
		MaxOpenConns: 4,
		Retention:    200,
	}
}

// New opens the database at cfg.Path and applies pending migrations.
func New(cfg Config) (*Journal, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = DefaultConfig().MaxOpenConns
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	j := &Journal{
		db:   db,
		path: cfg.Path,
		log:  cfg.Logger.WithField("component", "journal"),

		retention: cfg.Retention,
	}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

type migration struct {
	version     int
	description string
	sql         string
}

var migrations = []migration{
	{version: 1, description: "Initial schema with commit_runs and commit_steps", sql: initialSchema},
	{version: 2, description: "Add trace_id for OpenTelemetry correlation", sql: traceCorrelationSchema},
}

func (j *Journal) initSchema() error {
	if _, err := j.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	for _, m := range migrations {
		if err := j.runMigration(m); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
	}
	return nil
}

func (j *Journal) runMigration(m migration) error {
	var exists bool
	err := j.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if exists {
		return nil
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, description) VALUES (?, ?)", m.version, m.description); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	j.log.WithField("version", m.version).Debug("migration applied")
	return nil
}

// SchemaVersion returns the highest applied migration.
func (j *Journal) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := j.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

func millis(d time.Duration) int64 { return d.Milliseconds() }
