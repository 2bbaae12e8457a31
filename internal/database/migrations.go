// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/mise/internal/logging"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     int
	Name        string
	Description string
	SQL         string
	AppliedAt   time.Time
}

const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	applied_at TIMESTAMP NOT NULL
);
`

// Timestamps are TIMESTAMP (no zone). Every value is written from Go in UTC,
// so the columns carry no session-timezone conversions.
//
// Columns that are updated on every transition (status, attempts, last_seen)
// are deliberately left unindexed: DuckDB rewrites updates to indexed columns
// as delete+insert, which conflicts with concurrent claims.
//
// Migrations are append-only.
func (db *DB) getMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Name:        "create_notification_outbox",
			Description: "Durable queue of notification intents",
			SQL: `
CREATE TABLE IF NOT EXISTS notification_outbox (
	id VARCHAR PRIMARY KEY,
	recipient VARCHAR NOT NULL,
	tenant_id VARCHAR NOT NULL,
	channel VARCHAR NOT NULL,
	title VARCHAR NOT NULL,
	body VARCHAR NOT NULL DEFAULT '',
	payload VARCHAR,
	priority INTEGER NOT NULL DEFAULT 0,
	status VARCHAR NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	failure_reason VARCHAR,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	claimed_at TIMESTAMP,
	sent_at TIMESTAMP
);`,
		},
		{
			Version:     2,
			Name:        "create_push_subscriptions",
			Description: "Web push endpoints, unique by endpoint",
			SQL: `
CREATE TABLE IF NOT EXISTS push_subscriptions (
	endpoint VARCHAR PRIMARY KEY,
	recipient VARCHAR NOT NULL,
	tenant_id VARCHAR NOT NULL,
	p256dh VARCHAR NOT NULL,
	auth VARCHAR NOT NULL,
	device_info VARCHAR,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	last_seen TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);`,
		},
		{
			Version:     3,
			Name:        "create_notification_acks",
			Description: "Device acknowledgements of delivery and clicks",
			SQL: `
CREATE TABLE IF NOT EXISTS notification_acks (
	notification_id VARCHAR PRIMARY KEY,
	recipient VARCHAR NOT NULL,
	delivered BOOLEAN NOT NULL DEFAULT FALSE,
	delivered_at TIMESTAMP,
	clicked BOOLEAN NOT NULL DEFAULT FALSE,
	clicked_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);`,
		},
	}
}

func (db *DB) getAppliedMigrations(ctx context.Context) (map[int]Migration, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT version, name, COALESCE(description, ''), applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer closeWithLog(rows, "rows")

	applied := make(map[int]Migration)
	for rows.Next() {
		var m Migration
		if err := rows.Scan(&m.Version, &m.Name, &m.Description, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[m.Version] = m
	}
	return applied, rows.Err()
}

// runVersionedMigrations applies migrations that have not run yet, each in
// its own transaction together with its schema_migrations row.
func (db *DB) runVersionedMigrations() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := db.conn.ExecContext(ctx, schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := db.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	newMigrations := 0
	for _, m := range db.getMigrations() {
		if _, ok := applied[m.Version]; ok {
			continue
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			rollbackQuietly(tx)
			return fmt.Errorf("failed to execute migration v%d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, description, applied_at) VALUES (?, ?, ?, ?)`,
			m.Version, m.Name, m.Description, time.Now().UTC()); err != nil {
			rollbackQuietly(tx)
			return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration v%d: %w", m.Version, err)
		}
		newMigrations++
	}

	if newMigrations > 0 {
		logging.Info().Int("count", newMigrations).Msg("Applied database migrations")
	}
	return nil
}

// CurrentSchemaVersion returns the highest applied migration version.
func (db *DB) CurrentSchemaVersion(ctx context.Context) (int, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	var version int
	if err := db.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
