package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the tables on boot. Statements are idempotent
// so repeated startups are safe.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ledgers (
			account_id BIGINT PRIMARY KEY,
			free_total INT NOT NULL DEFAULT 0 CHECK (free_total >= 0),
			free_used INT NOT NULL DEFAULT 0 CHECK (free_used >= 0 AND free_used <= free_total),
			paid_total INT NOT NULL DEFAULT 0 CHECK (paid_total >= 0),
			paid_used INT NOT NULL DEFAULT 0 CHECK (paid_used >= 0 AND paid_used <= paid_total),
			topup_balance INT NOT NULL DEFAULT 0 CHECK (topup_balance >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS subscription_statuses (
			account_id BIGINT PRIMARY KEY,
			status TEXT NOT NULL,
			plan TEXT NOT NULL DEFAULT '',
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			stripe_subscription_id TEXT NOT NULL DEFAULT '',
			current_period_end TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS subscription_statuses_stripe_sub_idx
			ON subscription_statuses (stripe_subscription_id)
			WHERE stripe_subscription_id <> ''`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL,
			bucket TEXT NOT NULL,
			delta_seconds INT NOT NULL,
			reason TEXT NOT NULL,
			reference TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL,
			requested_seconds INT NOT NULL,
			charged_seconds INT NOT NULL,
			free_seconds INT NOT NULL,
			paid_seconds INT NOT NULL,
			topup_seconds INT NOT NULL,
			request_id TEXT NOT NULL UNIQUE,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS billing_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			account_id BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
