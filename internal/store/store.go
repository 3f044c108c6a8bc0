// Package store persists trades, signals, snapshots, events and breaker
// state to PostgreSQL. Repositories run against a narrow querier interface
// so tests drive them with pgxmock instead of a live database.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/config"
)

// Querier is the subset of pgxpool.Pool the repositories use.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the persistence layer over one connection pool.
type Store struct {
	q    Querier
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New connects a pool from config and pings it.
func New(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolSize)
	if poolCfg.MaxConns < 2 {
		poolCfg.MaxConns = 2
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	logger.Info().Str("database", cfg.Database).Msg("Database connection pool created")
	return &Store{q: pool, pool: pool, log: logger}, nil
}

// NewWithQuerier wraps an existing querier, typically a pgxmock pool.
func NewWithQuerier(q Querier, logger zerolog.Logger) *Store {
	return &Store{q: q, log: logger}
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.log.Info().Msg("Database connection pool closed")
	}
}

// Health checks connectivity.
func (s *Store) Health(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id UUID PRIMARY KEY,
		order_id TEXT NOT NULL DEFAULT '',
		pair TEXT NOT NULL,
		action TEXT NOT NULL,
		requested_size DOUBLE PRECISION NOT NULL,
		filled_base DOUBLE PRECISION NOT NULL,
		filled_quote DOUBLE PRECISION NOT NULL,
		average_price DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		fees DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION,
		entry_price DOUBLE PRECISION,
		exit_price DOUBLE PRECISION,
		execution_strategy TEXT NOT NULL,
		decision_ts TIMESTAMPTZ NOT NULL,
		submitted_ts TIMESTAMPTZ NOT NULL,
		filled_ts TIMESTAMPTZ,
		latency_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
		id UUID PRIMARY KEY,
		available_quote DOUBLE PRECISION NOT NULL,
		total_value DOUBLE PRECISION NOT NULL,
		positions_json JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id UUID PRIMARY KEY,
		trade_id UUID,
		source TEXT NOT NULL,
		pair TEXT NOT NULL,
		direction DOUBLE PRECISION NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		reasoning TEXT,
		regime TEXT,
		anomaly_score DOUBLE PRECISION,
		metadata_json JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		data_json JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS analyst_weights (
		analyst_name TEXT NOT NULL,
		regime TEXT NOT NULL,
		weight DOUBLE PRECISION NOT NULL,
		accuracy_30d DOUBLE PRECISION NOT NULL DEFAULT 0,
		sample_count BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (analyst_name, regime)
	)`,
	`CREATE TABLE IF NOT EXISTS breaker_states (
		name TEXT PRIMARY KEY,
		tripped BOOLEAN NOT NULL,
		tripped_at TIMESTAMPTZ,
		value DOUBLE PRECISION NOT NULL,
		threshold DOUBLE PRECISION NOT NULL,
		cooldown_until TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS regime_snapshots (
		id UUID PRIMARY KEY,
		pair TEXT NOT NULL,
		regime TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		adx DOUBLE PRECISION NOT NULL,
		atr_ratio DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS anomaly_events (
		id UUID PRIMARY KEY,
		pair TEXT NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		detail TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS execution_quality (
		id UUID PRIMARY KEY,
		pair TEXT NOT NULL,
		strategy TEXT NOT NULL,
		slippage_bps DOUBLE PRECISION NOT NULL,
		latency_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	s.log.Info().Int("statements", len(schema)).Msg("Schema migration applied")
	return nil
}
