// Package store owns all process-lifetime state: connected repositories,
// their cached issues, agent sessions, and PR-creation intents. It is the
// single synchronization point for concurrent callers: a SQLite database
// in memory mode with one writer connection, so cursor updates and phase
// transitions are atomic and never observed half-applied. Nothing is
// persisted across restarts.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Store wraps the in-memory database. Construct with Open at startup and
// inject it into the managers; there are no package-level statics.
type Store struct {
	DB *sql.DB
}

// Open creates the in-memory database and its schema. The connection pool
// is pinned to a single connection: that keeps the memory database alive
// for the life of the Store and serializes every read-modify-write.
func Open() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{DB: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
