// Package store provides database access for the gateway's persisted
// state: pairing requests, paired users, wallet pairing codes and wallet
// links.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Driver is an interface for store driver. It contains the database
// operations that differ between backends.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	// Migrate brings the schema up to date. All DDL is idempotent.
	Migrate(ctx context.Context) error
}

// Store provides database access to all raw objects.
type Store struct {
	driver Driver
	db     *sql.DB
}

// New creates a new instance of Store.
func New(driver Driver) *Store {
	return &Store{
		driver: driver,
		db:     driver.GetDB(),
	}
}

// Migrate runs schema migrations via the driver.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.driver.Migrate(ctx); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.driver.Close()
}

// GetDB exposes the raw connection for health probes.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Timestamps are persisted as ISO-8601 strings for portability across
// sqlite and postgres; booleans as 0/1 integers.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
