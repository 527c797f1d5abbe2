// Package moodsqlite provides the SQLite-backed local record store for
// go-moodsync, including the durable sync-operation queue that makes
// pending replication survive process restarts.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-moodsync/moodsync"
)

// Store implements moodsync.LocalStore on a single SQLite database. Writes
// are serialized through an internal mutex and a single pooled connection,
// the single-writer discipline SQLite wants.
type Store struct {
	cfg    moodsync.LocalConfig
	logger *slog.Logger

	mu      sync.RWMutex // guards db lifecycle
	writeMu sync.Mutex   // serializes write transactions
	db      *sql.DB
}

// NewStore prepares a store for the given configuration. Nothing is opened
// until Connect runs.
func NewStore(cfg moodsync.LocalConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, logger: logger}
}

// Connect opens the database file, applies pragmas and runs idempotent
// schema setup. Calling it on an already-connected store is a no-op.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite3", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open local database: %w", err)
	}
	// One pooled connection keeps :memory: databases coherent and removes
	// writer contention on file databases.
	db.SetMaxOpenConns(1)

	if err := initializeSchema(ctx, db, s.cfg, s.logger); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize local database: %w", err)
	}

	s.db = db
	s.logger.Info("Local store connected", "path", s.cfg.Path)
	return nil
}

// Ping verifies the database handle is alive.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("failed to close local database: %w", err)
	}
	return nil
}

// Put fully upserts a record keyed by id. Serialization of tags and
// metadata happens before any SQL runs, so a malformed record is rejected
// without touching the database.
func (s *Store) Put(ctx context.Context, rec *moodsync.Record) (*moodsync.Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	tags, meta, err := encodeJSONFields(rec)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = db.ExecContext(ctx, `
		INSERT INTO records (id, owner_id, rating, note, entry_date, status, tags, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id   = excluded.owner_id,
			rating     = excluded.rating,
			note       = excluded.note,
			entry_date = excluded.entry_date,
			status     = excluded.status,
			tags       = excluded.tags,
			metadata   = excluded.metadata,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		rec.ID, rec.OwnerID, rec.Rating, rec.Note, rec.EntryDate, rec.Status,
		tags, meta, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return nil, classifySQLiteError("put record", err)
	}
	return rec.Clone(), nil
}

// Get returns one record by id, or moodsync.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*moodsync.Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	return getRecord(ctx, db, id)
}

// RangeByOwnerAndDate returns the owner's records between the bounds
// inclusive, ascending by entry date. Empty bounds are open. All lifecycle
// statuses are returned.
func (s *Store) RangeByOwnerAndDate(ctx context.Context, ownerID, startDate, endDate string) ([]*moodsync.Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, owner_id, rating, note, entry_date, status, tags, metadata, created_at, updated_at
		FROM records WHERE owner_id = ?`
	args := []any{ownerID}
	if startDate != "" {
		query += ` AND entry_date >= ?`
		args = append(args, startDate)
	}
	if endDate != "" {
		query += ` AND entry_date <= ?`
		args = append(args, endDate)
	}
	query += ` ORDER BY entry_date ASC, id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteError("range records", err)
	}
	defer rows.Close()

	var out []*moodsync.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError("range records", err)
	}
	return out, nil
}

// Delete flips a record to deleted and bumps its updated-at monotonically,
// all in one transaction. The record row stays in place.
func (s *Store) Delete(ctx context.Context, id string) (*moodsync.Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var out *moodsync.Record
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		rec.Status = moodsync.StatusDeleted
		rec.UpdatedAt = moodsync.NextUpdateTime(rec.UpdatedAt)
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET status = ?, updated_at = ? WHERE id = ?`,
			rec.Status, formatTime(rec.UpdatedAt), id); err != nil {
			return classifySQLiteError("delete record", err)
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifySQLiteError("commit transaction", err)
	}
	return nil
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, &moodsync.PermanentStoreError{Op: "local store", Err: moodsync.ErrStoreClosed}
	}
	return s.db, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getRecord(ctx context.Context, q dbtx, id string) (*moodsync.Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, owner_id, rating, note, entry_date, status, tags, metadata, created_at, updated_at
		FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, moodsync.ErrNotFound
	}
	return rec, err
}

func scanRecord(row rowScanner) (*moodsync.Record, error) {
	var rec moodsync.Record
	var tags, meta sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Rating, &rec.Note, &rec.EntryDate,
		&rec.Status, &tags, &meta, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, classifySQLiteError("scan record", err)
	}

	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &rec.Tags); err != nil {
			return nil, &moodsync.PermanentStoreError{Op: "decode tags", Err: err}
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
			return nil, &moodsync.PermanentStoreError{Op: "decode metadata", Err: err}
		}
	}
	return &rec, nil
}

// encodeJSONFields serializes tags and metadata ahead of any SQL so a
// malformed record never leaves partial state behind.
func encodeJSONFields(rec *moodsync.Record) (tags, meta sql.NullString, err error) {
	if len(rec.Tags) > 0 {
		data, merr := json.Marshal(moodsync.NormalizeTags(rec.Tags))
		if merr != nil {
			return tags, meta, &moodsync.ValidationError{Field: "tags", Reason: merr.Error()}
		}
		tags = sql.NullString{String: string(data), Valid: true}
	}
	if len(rec.Metadata) > 0 {
		data, merr := json.Marshal(rec.Metadata)
		if merr != nil {
			return tags, meta, &moodsync.ValidationError{Field: "metadata", Reason: merr.Error()}
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}
	return tags, meta, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &moodsync.PermanentStoreError{Op: "parse timestamp", Err: err}
	}
	return t, nil
}

// classifySQLiteError maps driver errors onto the shared taxonomy. Unique
// constraint violations come back as validation errors (the partial unique
// index backstops the one-active-record-per-day invariant); everything else
// from the local store is permanent because local operations are never
// retried.
func classifySQLiteError(op string, err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		if serr.Code == sqlite3.ErrConstraint {
			return &moodsync.ValidationError{Field: "record", Reason: err.Error()}
		}
	}
	return &moodsync.PermanentStoreError{Op: op, Err: err}
}
