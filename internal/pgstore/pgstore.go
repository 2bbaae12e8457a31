// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package pgstore is the Postgres implementation of store.Store, for
// deployments that run several dispatchers against one database.
//
// Claims use a FOR UPDATE SKIP LOCKED CTE feeding an UPDATE ... RETURNING in
// a READ COMMITTED transaction, so concurrent workers never receive the same
// row and never block on each other's candidates.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/logging"
	"github.com/tomtom215/mise/internal/metrics"
	"github.com/tomtom215/mise/internal/models"
	"github.com/tomtom215/mise/internal/store"
)

const (
	backendName         = "postgres"
	defaultQueryTimeout = 30 * time.Second
)

// Store is the gorm-backed store.
type Store struct {
	db    *gorm.DB
	opts  store.Options
	newID func() string
}

var _ store.Store = (*Store)(nil)

// Open connects to cfg.DSN, tunes the pool and migrates the schema.
func Open(cfg *config.PostgresConfig, opts store.Options) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	maxOpen, maxIdle, lifetime := cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime
	if maxOpen <= 0 {
		maxOpen = 20
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &Store{
		db:    gdb,
		opts:  opts.WithDefaults(),
		newID: func() string { return uuid.New().String() },
	}
	if err := s.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logging.Info().Int("max_open_conns", maxOpen).Msg("Postgres store ready")
	return s, nil
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := s.db.WithContext(ctx).AutoMigrate(&intentRow{}, &subscriptionRow{}, &ackRow{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := ensureContext(ctx)
	defer cancel()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the gorm handle for tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), defaultQueryTimeout)
	}
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, defaultQueryTimeout)
	}
	return ctx, func() {}
}

// observe runs fn with the default timeout and records query metrics.
func (s *Store) observe(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	ctx, cancel := ensureContext(ctx)
	defer cancel()
	start := time.Now()
	err := fn(s.db.WithContext(ctx))
	metrics.RecordDBQuery(backendName, op, start, err)
	return err
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, models.ErrNotFound)
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
