package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// migration upgrades a job history database to version.
type migration struct {
	version int
	name    string
	stmt    string
}

// migrations run in order against databases whose user_version is below
// their version. Databases created before user_version was tracked report 0.
var migrations = []migration{
	{
		version: 1,
		name:    "history listing index",
		stmt: `CREATE INDEX IF NOT EXISTS idx_jobs_loaded_at
			ON jobs(loaded_at DESC, id DESC)`,
	},
	{
		version: 2,
		name:    "latest checkpoint index",
		stmt: `CREATE INDEX IF NOT EXISTS idx_checkpoints_updated_at
			ON checkpoints(updated_at DESC, job_id DESC)`,
	},
}

// currentSchemaVersion is the user_version of a fully migrated database.
var currentSchemaVersion = migrations[len(migrations)-1].version

// Store holds print job history, job events and power-loss checkpoints in
// a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens the job history database at path, creating it when missing,
// and brings its schema to currentSchemaVersion. Reopening an up-to-date
// database changes nothing.
//
// Connections run in WAL mode with synchronous=NORMAL, a 5s busy timeout
// and foreign keys enforced, so deleting a job removes its events and
// checkpoint.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open job database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to job database %s: %w", path, err)
	}

	// One connection: the recorder is the only writer and pragmas are
	// per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the database for read-only queries such as scenario
// assertions.
func (s *Store) DB() *sql.DB {
	return s.db
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates the jobs, job_events and checkpoints tables, then
// runs pending migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create job tables: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		if err := migrate(db, m); err != nil {
			return err
		}
		version = m.version
	}
	return nil
}

// migrate applies m and records its version in one transaction.
func migrate(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.stmt); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return fmt.Errorf("migration %d (%s): set version: %w", m.version, m.name, err)
	}
	return tx.Commit()
}

// verifyPragma fails unless pragma name reads back as expected.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
