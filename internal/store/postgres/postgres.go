// Package postgres implements the store interfaces using PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Store provides the PostgreSQL-backed report archive.
type Store struct {
	db      *sql.DB
	version uint
}

// New connects to PostgreSQL and applies pending migrations.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	version, err := Migrate(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, version: version}, nil
}

// NewWithDB wraps an existing connection pool without migrating.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// SchemaVersion is the archive schema version applied by New; zero for
// stores built with NewWithDB.
func (s *Store) SchemaVersion() uint { return s.version }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
