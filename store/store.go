// Package store is the relational store for signals, mining checkpoints,
// and per-owner settings, backed by SQLite through dbopen.
package store

import (
	"database/sql"
	"errors"
)

// ErrNotFound is returned by point reads when no row matches.
var ErrNotFound = errors.New("store: not found")

// Store wraps the sillage database.
type Store struct {
	db *sql.DB
}

// New creates a Store on an already-opened database and applies the schema.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for components that share the database
// (observability, vector store).
func (s *Store) DB() *sql.DB {
	return s.db
}
