// Package storage provides the PostgreSQL storage layer for boardroom.
//
// It owns the connection pool, the forward-only migration runner, and the
// queries behind decisions, workflow runs, ancestry embeddings and
// rate-limit buckets. Components receive a *DB explicitly; nothing here
// initializes itself lazily.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/boardroom/internal/telemetry"
)

// DB wraps a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// PoolOptions tunes the connection pool. Zero values keep pgxpool defaults.
type PoolOptions struct {
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, opts PoolOptions, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	if opts.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = opts.MaxConnLifetime
	}

	// Best-effort: the vector extension is optional for this schema, but when
	// present its types are registered so provider vectors can be passed
	// straight through as query arguments.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// RegisterPoolMetrics exports connection pool gauges. Call after
// telemetry.Init so the global meter provider is in place.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("boardroom/storage")
	gauges := []struct {
		name string
		desc string
		read func(*pgxpool.Stat) int64
	}{
		{"boardroom.db.pool.acquired_conns", "Connections currently in use", func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
		{"boardroom.db.pool.idle_conns", "Idle connections", func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
		{"boardroom.db.pool.total_conns", "Total open connections", func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
		{"boardroom.db.pool.max_conns", "Configured connection ceiling", func(s *pgxpool.Stat) int64 { return int64(s.MaxConns()) }},
	}
	for _, g := range gauges {
		read := g.read
		if _, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(read(db.pool.Stat()))
				return nil
			}),
		); err != nil {
			db.logger.Warn("storage: register pool metric", "metric", g.name, "error", err)
		}
	}
}
