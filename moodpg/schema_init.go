// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodpg

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// initializeSchema creates the mirror tables if they don't exist.
func initializeSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return err
	}
	logger.Debug("Remote schema ready")
	return nil
}

// initializeSchemaInTx runs the idempotent DDL within an existing transaction.
func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated schema keeps the mirror separate from application tables
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS moodsync`,

		// Identity, lifecycle and ordering columns stay plaintext so the
		// server can index and range over them; everything sensitive lives
		// in the content/nonce pair.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS moodsync.records (
			id         TEXT        PRIMARY KEY,
			owner_id   TEXT        NOT NULL,
			entry_date DATE        NOT NULL,
			status     TEXT        NOT NULL CHECK (status IN ('active', 'deleted', 'archived')),
			content    BYTEA       NOT NULL,
			nonce      BYTEA       NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_moodsync_records_owner
			ON moodsync.records(owner_id)`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_moodsync_records_owner_date
			ON moodsync.records(owner_id, entry_date)`,

		// Backstops one active record per owner per day, matching the local
		// store's constraint.
		/*language=postgresql*/ `CREATE UNIQUE INDEX IF NOT EXISTS uq_moodsync_records_owner_date_active
			ON moodsync.records(owner_id, entry_date) WHERE status = 'active'`,

		// Store-scoped settings, currently just the key-derivation salt.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS moodsync.store_meta (
			key   TEXT  PRIMARY KEY,
			value BYTEA NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run schema migration: %w", err)
		}
	}
	return nil
}

// ensureEncryptionSalt returns the store's key-derivation salt, creating it
// on first contact. The insert-if-absent makes concurrent first connections
// from multiple devices converge on a single salt.
func ensureEncryptionSalt(ctx context.Context, pool *pgxpool.Pool) ([]byte, error) {
	candidate, err := newSalt()
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, /*language=postgresql*/ `
		INSERT INTO moodsync.store_meta (key, value) VALUES (@key, @value)
		ON CONFLICT (key) DO NOTHING`,
		pgx.NamedArgs{"key": encryptionSaltKey, "value": candidate}); err != nil {
		return nil, fmt.Errorf("failed to store encryption salt: %w", err)
	}

	var salt []byte
	if err := pool.QueryRow(ctx, /*language=postgresql*/ `
		SELECT value FROM moodsync.store_meta WHERE key = @key`,
		pgx.NamedArgs{"key": encryptionSaltKey}).Scan(&salt); err != nil {
		return nil, fmt.Errorf("failed to load encryption salt: %w", err)
	}
	return salt, nil
}
