// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/mobiletoly/go-moodsync/moodsync"
)

// initializeSchema applies pragmas and creates all tables and indexes.
// Every statement is idempotent so reconnecting to an existing database
// is safe.
func initializeSchema(ctx context.Context, db *sql.DB, cfg moodsync.LocalConfig, logger *slog.Logger) error {
	if cfg.WAL {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			return fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if cfg.BusyTimeout > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA busy_timeout=%d`, cfg.BusyTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			rating     INTEGER NOT NULL,
			note       TEXT NOT NULL DEFAULT '',
			entry_date TEXT NOT NULL,
			status     TEXT NOT NULL CHECK (status IN ('active', 'deleted', 'archived')),
			tags       TEXT,
			metadata   TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_records_entry_date ON records(entry_date)`,
		`CREATE INDEX IF NOT EXISTS idx_records_owner_date ON records(owner_id, entry_date)`,
		// Backstops the one-active-record-per-owner-per-day invariant at the
		// storage layer, beneath the facade's pre-insert check.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_records_owner_date_active
			ON records(owner_id, entry_date) WHERE status = 'active'`,
		`CREATE TABLE IF NOT EXISTS _moodsync_pending (
			id            TEXT PRIMARY KEY,
			record_id     TEXT NOT NULL UNIQUE,
			kind          TEXT NOT NULL CHECK (kind IN ('create', 'update', 'delete')),
			payload       TEXT NOT NULL,
			enqueued_at   TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_moodsync_pending_enqueued ON _moodsync_pending(enqueued_at)`,
	}

	// Migrations commit atomically; a crash cannot leave a partial schema.
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		for _, migration := range migrations {
			if _, err := tx.ExecContext(ctx, migration); err != nil {
				return fmt.Errorf("failed to run schema migration: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Local schema ready", "path", cfg.Path)
	return nil
}
