package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
)

// Store is the embedded single-writer relational store described in spec
// §4.1. It wraps one *sqlx.DB with SetMaxOpenConns(1): SQLite serializes
// writers anyway, and pinning the pool to one connection makes that
// serialization explicit instead of relying on busy-retry.
type Store struct {
	db *sqlx.DB
}

// New opens (creating if absent) the SQLite file at path, enables foreign
// keys and WAL journaling, and runs the idempotent schema bootstrap.
func New(path string) (*Store, error) {
	abs, err := normalizePath(path)
	if err != nil {
		return nil, ierr.Wrap(ierr.Io, "normalize database path", err)
	}
	if err := ensureDir(abs); err != nil {
		return nil, ierr.Wrap(ierr.Io, "create database directory", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", abs)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, ierr.Wrap(ierr.Db, "open sqlite database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, ierr.Wrap(ierr.Db, "enable WAL journal mode", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, ierr.Wrap(ierr.Db, "set busy timeout", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an already-open *sqlx.DB, running the schema bootstrap.
// Used by tests that want an in-memory (":memory:") store.
func NewWithDB(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB, for components (e.g. retention) that
// need to run multi-statement transactions the per-entity files don't cover.
func (s *Store) DB() *sql.DB { return s.db.DB }

func normalizePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	return filepath.Abs(path)
}

func ensureDir(path string) error {
	if path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0o755)
}
