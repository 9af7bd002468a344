package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema changes are an ordered list applied exactly once each; the applied
// version is tracked in schema_migrations. Append only, never edit a shipped
// entry.
var migrations = []string{
	// 1: balance rows, one per (balance_key, chain)
	`CREATE TABLE IF NOT EXISTS balances (
		balance_key text NOT NULL,
		chain       text NOT NULL,
		total       numeric NOT NULL DEFAULT 0,
		verified    numeric NOT NULL DEFAULT 0,
		pending     numeric NOT NULL DEFAULT 0,
		created_at  timestamptz NOT NULL DEFAULT now(),
		updated_at  timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (balance_key, chain)
	)`,

	// 2: bounties and the poster's escrow payment
	`CREATE TABLE IF NOT EXISTS bounties (
		id          bigserial PRIMARY KEY,
		token_hash  text NOT NULL UNIQUE,
		description text NOT NULL,
		amount      numeric NOT NULL DEFAULT 0,
		chain       text NOT NULL,
		poster_key  text NOT NULL DEFAULT '',
		status      text NOT NULL DEFAULT 'open',
		created_at  timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS poster_payments (
		bounty_id           bigint PRIMARY KEY REFERENCES bounties(id) ON DELETE CASCADE,
		job_amount          numeric NOT NULL DEFAULT 0,
		collateral_amount   numeric NOT NULL DEFAULT 0,
		tx_hash             text NOT NULL DEFAULT '',
		collateral_returned boolean NOT NULL DEFAULT false,
		returned_at         timestamptz
	)`,

	// 4: one submission per bounty; rating NULL = awaiting, 0 = auto-resolved
	`CREATE TABLE IF NOT EXISTS submissions (
		id              bigserial PRIMARY KEY,
		bounty_id       bigint NOT NULL UNIQUE REFERENCES bounties(id) ON DELETE CASCADE,
		response        text NOT NULL,
		claimant_key    text NOT NULL,
		rating          int,
		rating_deadline timestamptz NOT NULL,
		created_at      timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS submissions_unrated_idx
		ON submissions (rating_deadline) WHERE rating IS NULL`,

	// 6: replay records for unsafe POSTs
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		caller_key      text NOT NULL,
		idem_key        text NOT NULL,
		endpoint        text NOT NULL,
		response_status int NOT NULL,
		response_body   jsonb NOT NULL,
		created_at      timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (caller_key, idem_key, endpoint)
	)`,
}

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    int PRIMARY KEY,
		applied_at timestamptz NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current int
	if err := tx.QueryRow(ctx, `SELECT coalesce(max(version),0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		if _, err := tx.Exec(ctx, migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
	}
	return tx.Commit(ctx)
}
