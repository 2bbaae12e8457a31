// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package database is the embedded DuckDB implementation of the outbox,
// subscription registry and acknowledgement store.
//
// DuckDB allows a single read-write process per file, so every dispatcher
// sharing this store lives in one process. Claims are still conditional
// single-statement updates, and write conflicts reported by DuckDB's
// optimistic concurrency control are retried.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"

	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/logging"
	"github.com/tomtom215/mise/internal/metrics"
	"github.com/tomtom215/mise/internal/store"
)

const (
	backendName         = "duckdb"
	defaultQueryTimeout = 30 * time.Second
	maxConflictRetries  = 5
)

// DB is the DuckDB-backed store.
type DB struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig
	opts store.Options

	// claimMu serialises claims inside this process so two dispatcher
	// workers never race the same candidate rows into a write conflict.
	claimMu sync.Mutex

	newID func() string
}

var _ store.Store = (*DB)(nil)

// New opens (or creates) the DuckDB database at cfg.Path and applies
// pending migrations. Use ":memory:" for an ephemeral store.
func New(cfg *config.DatabaseConfig, opts store.Options) (*DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}

	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	path := cfg.Path
	if path == ":memory:" {
		path = ""
	}
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		path, threads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{
		conn:  conn,
		cfg:   cfg,
		opts:  opts.WithDefaults(),
		newID: func() string { return uuid.New().String() },
	}
	db.configureConnectionPool()

	if err := db.runVersionedMigrations(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Int("max_attempts", db.opts.MaxAttempts).
		Msg("DuckDB store ready")
	return db, nil
}

// configureConnectionPool keeps a single connection for in-memory databases;
// each new connection to "" would otherwise see a separate empty database.
func (db *DB) configureConnectionPool() {
	if db.cfg.Path == ":memory:" {
		db.conn.SetMaxOpenConns(1)
		db.conn.SetMaxIdleConns(1)
		return
	}
	db.conn.SetMaxOpenConns(runtime.NumCPU())
	db.conn.SetMaxIdleConns(2)
	db.conn.SetConnMaxLifetime(time.Hour)
	db.conn.SetConnMaxIdleTime(5 * time.Minute)
}

// Ping verifies the connection; used by the readiness probe.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := ensureContext(ctx)
	defer cancel()
	return db.conn.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw pool for tests and diagnostics.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// ensureContext applies the default query timeout when ctx has no deadline.
func ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), defaultQueryTimeout)
	}
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, defaultQueryTimeout)
	}
	return ctx, func() {}
}

// observe wraps one store operation with the default timeout, conflict
// retries and query metrics.
func (db *DB) observe(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	start := time.Now()
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = fn(ctx)
		if err == nil || !isTransactionConflict(err) {
			break
		}
		logging.Debug().Str("operation", op).Int("attempt", attempt+1).Msg("DuckDB write conflict, retrying")
		select {
		case <-ctx.Done():
			metrics.RecordDBQuery(backendName, op, start, ctx.Err())
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 5 * time.Millisecond):
		}
	}
	metrics.RecordDBQuery(backendName, op, start, err)
	return err
}
