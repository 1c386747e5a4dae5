// Package database persists signals, trades, parameter snapshots, and
// circuit-breaker events to PostgreSQL.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"crypto-signal-engine/config"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// New connects, pings, and runs migrations.
func New(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database pool: %w", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}

	db := &DB{Pool: pool, log: log.With().Str("component", "database").Logger()}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	db.log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")
	return db, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *DB) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id UUID PRIMARY KEY,
			instrument VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			confidence INT NOT NULL,
			probability DECIMAL(6, 4) NOT NULL,
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			approved BOOLEAN NOT NULL,
			rejection_code VARCHAR(32),
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_instrument_created
			ON signals(instrument, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id UUID PRIMARY KEY,
			signal_id UUID,
			instrument VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8),
			quantity DECIMAL(20, 8) NOT NULL,
			leverage INT NOT NULL,
			margin DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8) NOT NULL,
			take_profit DECIMAL(20, 8) NOT NULL,
			liquidation_price DECIMAL(20, 8) NOT NULL,
			status VARCHAR(8) NOT NULL,
			exit_reason VARCHAR(16),
			realized_pnl DECIMAL(20, 8),
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_instrument_opened
			ON trades(instrument, opened_at DESC)`,

		`CREATE TABLE IF NOT EXISTS parameter_snapshots (
			id SERIAL PRIMARY KEY,
			trend_weight DECIMAL(6, 4) NOT NULL,
			oscillator_weight DECIMAL(6, 4) NOT NULL,
			order_flow_weight DECIMAL(6, 4) NOT NULL,
			momentum_weight DECIMAL(6, 4) NOT NULL,
			leverage INT NOT NULL,
			regime VARCHAR(16) NOT NULL,
			win_rate DECIMAL(6, 4) NOT NULL,
			trades_considered INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS breaker_events (
			id SERIAL PRIMARY KEY,
			state VARCHAR(8) NOT NULL,
			reason TEXT NOT NULL,
			capital DECIMAL(20, 8) NOT NULL,
			daily_pnl DECIMAL(20, 8) NOT NULL,
			consecutive_losses INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
