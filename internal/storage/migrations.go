package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// execer is satisfied by *sql.DB, *sqlx.DB and their transactions.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS diamond_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS diamond_routes (
		module    TEXT PRIMARY KEY,
		selectors TEXT[] NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS diamond_state (
		key   TEXT PRIMARY KEY,
		value BYTEA NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS diamond_modules (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		source     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Apply creates the registry tables if they do not exist. Every statement is
// idempotent, so Apply runs on each start.
func Apply(ctx context.Context, db execer) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migration %d: %w", i+1, err)
		}
	}
	return nil
}
