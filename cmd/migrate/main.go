// Command migrate creates the durable mirror tables. The engine itself never
// touches schema; run this once per environment before starting the bot.
package main

import (
	"context"
	"fmt"
	"os"

	"lot_bot/internal/modules/config"
	"lot_bot/pkg/db"

	"github.com/jackc/pgx/v5"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS groups (
		group_id         TEXT PRIMARY KEY,
		symbol           TEXT NOT NULL,
		direction        TEXT NOT NULL,
		total_lots       INT NOT NULL,
		target_price     NUMERIC NOT NULL,
		range_high       NUMERIC NOT NULL,
		range_low        NUMERIC NOT NULL,
		status           TEXT NOT NULL,
		filled_lots      INT NOT NULL DEFAULT 0,
		cancelled_lots   INT NOT NULL DEFAULT 0,
		retry_count      INT NOT NULL DEFAULT 0,
		lot_retry_counts JSONB,
		last_error       TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS groups_status_idx ON groups (status)`,

	`CREATE TABLE IF NOT EXISTS positions (
		position_id  TEXT PRIMARY KEY,
		group_id     TEXT NOT NULL,
		lot_index    INT NOT NULL,
		symbol       TEXT NOT NULL,
		direction    TEXT NOT NULL,
		quantity     NUMERIC NOT NULL,
		entry_price  NUMERIC NOT NULL DEFAULT 0,
		entry_time   TIMESTAMPTZ,
		order_status TEXT NOT NULL,
		status       TEXT NOT NULL,
		exit_price   NUMERIC NOT NULL DEFAULT 0,
		exit_time    TIMESTAMPTZ,
		exit_reason  TEXT NOT NULL DEFAULT '',
		realized_pnl NUMERIC NOT NULL DEFAULT 0,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS positions_group_idx ON positions (group_id)`,

	`CREATE TABLE IF NOT EXISTS risk_states (
		position_id TEXT PRIMARY KEY,
		state       JSONB NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS exit_events (
		position_id  TEXT PRIMARY KEY,
		group_id     TEXT NOT NULL,
		lot_index    INT NOT NULL,
		exit_price   NUMERIC NOT NULL,
		exit_reason  TEXT NOT NULL,
		realized_pnl NUMERIC NOT NULL,
		exit_time    TIMESTAMPTZ NOT NULL
	)`,
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("done")
}

func run() error {
	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	if cfg.DB == "" {
		return fmt.Errorf("DATABASE_DSN is not set")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{DSN: cfg.DB})
	if err != nil {
		return err
	}
	defer pool.Close()

	txm := db.NewPgTxManager(pool)
	return txm.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.Exec(ctxTx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
