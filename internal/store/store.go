package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// migration is one incremental schema change, applied when the database's
// user_version is below version.
type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations run in order after schema.sql. Version 0 is the base schema.
var migrations = []migration{
	{1, "index history.backup_id", []string{
		`CREATE INDEX IF NOT EXISTS idx_history_backup ON history(backup_id)`,
	}},
	{2, "index history.batch_id", []string{
		`CREATE INDEX IF NOT EXISTS idx_history_batch ON history(batch_id, operation_id)`,
	}},
	// target_path keeps the exact bytes used for I/O; target_key is its NFC
	// form for lookups. Rows written before this migration stored the NFC
	// form in target_path already.
	{3, "history.target_key", []string{
		`ALTER TABLE history ADD COLUMN target_key TEXT NOT NULL DEFAULT ''`,
		`UPDATE history SET target_key = target_path`,
		`CREATE INDEX IF NOT EXISTS idx_history_target_key ON history(target_key, operation_id)`,
	}},
}

// currentSchemaVersion is the user_version of a fully migrated database.
var currentSchemaVersion = migrations[len(migrations)-1].version

// ErrStatusConflict is returned when a transition finds the row in a status
// other than the one it expects (e.g. promoting an entry that is not pending).
var ErrStatusConflict = errors.New("history entry is not in the expected status")

// Store is the SQLite database behind the history ledger and the backup
// index. A single connection serializes writers.
type Store struct {
	db *sql.DB
}

// pragmas are applied to every connection Open makes.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = FULL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// Open opens the ledger database at path, creating it and its parent
// directory if needed, and brings its schema up to date. Opening an
// already-migrated database changes nothing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initialize(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func initialize(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return err
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return migrate(db)
}

// migrate applies every migration newer than the database's user_version,
// each in its own transaction together with the version bump.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: set user_version: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close closes the database. Closing a zero Store is a no-op.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// pragma reads the current value of a pragma.
func (s *Store) pragma(name string) (string, error) {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("read pragma %s: %w", name, err)
	}
	return value, nil
}
