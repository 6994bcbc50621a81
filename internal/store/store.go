// Package store implements the Settings & State Store (C10): a SQLite
// schema for configurations, run state, HTTP-log settings, global settings
// and shortcuts, with an idempotent migration routine and a deep-merge
// policy for stored per-config JSON (spec.md §4.10). Grounded on the
// pkg/kubernetes package client construction pattern (a single factory
// that opens, migrates and caches a handle), generalized from a Kubernetes
// REST client to a database/sql handle.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Mode selects where the SQLite database lives (spec.md §4.10).
type Mode int

const (
	ModeFile Mode = iota
	ModeMemory
)

// Store is a migrated SQLite handle implementing the Settings & State Store.
type Store struct {
	db   *sql.DB
	mode Mode

	mu sync.Mutex
}

// Open opens (creating if necessary) the database at path in file mode, or
// an isolated in-memory database when mode is ModeMemory (spec.md §4.10
// "Two modes: file-backed (default) and in-memory").
func Open(path string, mode Mode) (*Store, error) {
	dsn := path
	if mode == ModeMemory {
		dsn = ":memory:"
	} else {
		dsn = fmt.Sprintf("%s?_foreign_keys=on", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if mode == ModeMemory {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, mode: mode}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers (e.g. supervisor transactions) that
// need statements this package doesn't wrap directly.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) exec(query string, args ...interface{}) error {
	_, err := s.db.Exec(query, args...)
	return err
}
